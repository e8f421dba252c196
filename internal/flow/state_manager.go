package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/store"
	"github.com/BTreeMap/CheckIn/internal/util"
)

// SessionView is a session together with its questionnaire progress.
type SessionView struct {
	models.Session
	Progress models.Progress `json:"progress"`
}

// CreateSession starts a new session with every item unanswered.
func (s *Service) CreateSession(ctx context.Context, name string) (SessionView, error) {
	now := s.now()
	sess := models.Session{
		ID:             util.NewSessionID(),
		Name:           name,
		Status:         models.SessionStatusActive,
		CatalogVersion: s.cat.Version(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSession(sess); err != nil {
		slog.Error("Service.CreateSession: store failed", "sessionID", sess.ID, "error", err)
		return SessionView{}, fmt.Errorf("create session: %w", err)
	}
	s.scheduleIdle(sess)
	slog.Info("Service.CreateSession: session created", "sessionID", sess.ID, "catalogVersion", sess.CatalogVersion)
	return SessionView{Session: sess, Progress: assessment.NewState(s.cat).Progress()}, nil
}

// GetSession returns a session with its progress.
func (s *Service) GetSession(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.loadSession(id)
	if err != nil {
		return SessionView{}, err
	}
	state, err := s.loadState(id)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: *sess, Progress: state.Progress()}, nil
}

// ListSessions returns every session, oldest first.
func (s *Service) ListSessions(ctx context.Context) ([]models.Session, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions, nil
}

// EndSession closes a session: ended-complete when every scorable item is
// recorded, ended-premature otherwise. The summary is stored either way.
func (s *Service) EndSession(ctx context.Context, id string) (SessionView, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	defer unlock()

	sess, err := s.loadSession(id)
	if err != nil {
		return SessionView{}, err
	}
	if sess.Status.IsTerminal() {
		return SessionView{}, fmt.Errorf("%w: %s is already %s", ErrSessionClosed, id, sess.Status)
	}
	return s.endLocked(*sess)
}

// endLocked ends sess. The caller holds the session lock.
func (s *Service) endLocked(sess models.Session) (SessionView, error) {
	state, err := s.loadState(sess.ID)
	if err != nil {
		return SessionView{}, err
	}
	to := models.SessionStatusEndedPremature
	if state.Complete() {
		to = models.SessionStatusEndedComplete
	}
	return s.transition(sess, to, state)
}

// ResumeSession reopens an ended session. A complete session comes back in
// the resumed status, where turns are still screened but no items are
// requested. A session that is not ended is returned unchanged.
func (s *Service) ResumeSession(ctx context.Context, id string) (SessionView, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	defer unlock()

	sess, err := s.loadSession(id)
	if err != nil {
		return SessionView{}, err
	}
	state, err := s.loadState(id)
	if err != nil {
		return SessionView{}, err
	}

	var to models.SessionStatus
	switch sess.Status {
	case models.SessionStatusEndedComplete:
		to = models.SessionStatusResumed
	case models.SessionStatusEndedPremature:
		to = models.SessionStatusActive
		if state.Complete() {
			to = models.SessionStatusResumed
		}
	default:
		slog.Debug("Service.ResumeSession: session not ended, nothing to do", "sessionID", id, "status", sess.Status)
		return SessionView{Session: *sess, Progress: state.Progress()}, nil
	}

	view, err := s.transition(*sess, to, state)
	if err != nil {
		return SessionView{}, err
	}
	s.scheduleIdle(view.Session)
	return view, nil
}

// transition moves sess to status to, guarded by the status it was loaded in.
func (s *Service) transition(sess models.Session, to models.SessionStatus, state *assessment.State) (SessionView, error) {
	now := s.now()
	t := store.SessionTransition{
		SessionID: sess.ID,
		From:      sess.Status,
		To:        to,
		At:        now,
	}
	if to.IsTerminal() {
		ended := sess
		ended.Status = to
		summary := state.Summarize(ended, now)
		t.Summary = &summary
	}
	if err := s.store.TransitionSession(t); err != nil {
		slog.Error("Service.transition: store failed", "sessionID", sess.ID, "from", sess.Status, "to", to, "error", err)
		return SessionView{}, fmt.Errorf("transition session: %w", err)
	}

	updated, err := s.loadSession(sess.ID)
	if err != nil {
		return SessionView{}, err
	}
	slog.Info("Service.transition: session status changed", "sessionID", sess.ID, "from", sess.Status, "to", to)
	return SessionView{Session: *updated, Progress: state.Progress()}, nil
}

// Summary returns the stored end-of-assessment summary of an ended session,
// or a live one computed from the current state otherwise.
func (s *Service) Summary(ctx context.Context, id string) (models.Summary, error) {
	sess, err := s.loadSession(id)
	if err != nil {
		return models.Summary{}, err
	}
	if sess.Status.IsTerminal() {
		stored, err := s.store.GetSummary(id)
		if err != nil {
			return models.Summary{}, fmt.Errorf("load summary: %w", err)
		}
		if stored != nil {
			return *stored, nil
		}
	}
	state, err := s.loadState(id)
	if err != nil {
		return models.Summary{}, err
	}
	return state.Summarize(*sess, s.now()), nil
}

// Turns returns the session's turns in order.
func (s *Service) Turns(ctx context.Context, id string) ([]models.Turn, error) {
	if _, err := s.loadSession(id); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(id)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	return turns, nil
}

// Triggers returns every safety trigger recorded for the session.
func (s *Service) Triggers(ctx context.Context, id string) ([]models.TriggerEvent, error) {
	if _, err := s.loadSession(id); err != nil {
		return nil, err
	}
	events, err := s.store.ListTriggerEvents(id)
	if err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	if events == nil {
		events = []models.TriggerEvent{}
	}
	return events, nil
}

func (s *Service) loadState(id string) (*assessment.State, error) {
	rows, err := s.store.GetItemScores(id)
	if err != nil {
		return nil, fmt.Errorf("load item scores: %w", err)
	}
	return assessment.FromScores(s.cat, rows), nil
}
