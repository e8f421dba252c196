// Package flow runs check-in turns end to end: normalize the signal, screen
// it, reconcile it against the questionnaires and commit the result.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
	"github.com/BTreeMap/CheckIn/internal/safety"
	"github.com/BTreeMap/CheckIn/internal/signal"
	"github.com/BTreeMap/CheckIn/internal/store"
)

// ErrSessionClosed is returned when a turn or transition targets an ended session.
var ErrSessionClosed = errors.New("session is closed")

// DefaultIdleTimeout is how long a session may sit without a turn before it
// is ended as premature.
const DefaultIdleTimeout = 24 * time.Hour

// Opts holds configuration for the Service.
type Opts struct {
	Gate        *safety.Gate
	Normalizer  *signal.Normalizer
	Collector   *signal.Collector
	Locker      Locker
	IdleTimeout time.Duration
	Clock       func() time.Time
}

// Option configures the Service.
type Option func(*Opts)

// WithGate sets the safety gate. The default uses the built-in phrase list.
func WithGate(g *safety.Gate) Option {
	return func(o *Opts) { o.Gate = g }
}

// WithNormalizer sets the signal normalizer.
func WithNormalizer(n *signal.Normalizer) Option {
	return func(o *Opts) { o.Normalizer = n }
}

// WithCollector enables media turns through the upstream collector.
func WithCollector(c *signal.Collector) Option {
	return func(o *Opts) { o.Collector = c }
}

// WithLocker sets the per-session lock. The default is an in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithIdleTimeout sets the idle expiry delay. Zero or negative disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Service owns the turn pipeline and session lifecycle. It is safe for
// concurrent use; turns for one session are serialized by the Locker.
type Service struct {
	store       store.Backend
	engine      *reconcile.Engine
	cat         *catalog.Catalog
	gate        *safety.Gate
	normalizer  *signal.Normalizer
	collector   *signal.Collector
	locker      Locker
	idleTimeout time.Duration
	now         func() time.Time
}

// NewService wires a Service. The catalog is taken from the engine.
func NewService(st store.Backend, engine *reconcile.Engine, opts ...Option) *Service {
	cfg := Opts{IdleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gate == nil {
		cfg.Gate = safety.NewDefaultGate()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = signal.NewNormalizer()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	slog.Debug("Service config loaded",
		"idleTimeout", cfg.IdleTimeout,
		"collector", cfg.Collector.Enabled(),
		"catalogVersion", engine.Catalog().Version())
	return &Service{
		store:       st,
		engine:      engine,
		cat:         engine.Catalog(),
		gate:        cfg.Gate,
		normalizer:  cfg.Normalizer,
		collector:   cfg.Collector,
		locker:      cfg.Locker,
		idleTimeout: cfg.IdleTimeout,
		now:         cfg.Clock,
	}
}

// TurnInput is one turn as delivered by the collaborators.
type TurnInput struct {
	SessionID     string
	TurnKey       string
	Transcription *models.RawTranscription
	Vision        *models.RawVision
}

// MediaInput is a turn whose collaborator output still has to be fetched.
type MediaInput struct {
	SessionID string
	TurnKey   string
	AudioURL  string
	VideoURL  string
}

// ProcessTurn runs one turn. A turn key that was already committed returns
// the stored result with Replayed set instead of running the turn again.
func (s *Service) ProcessTurn(ctx context.Context, in TurnInput) (models.TurnResult, error) {
	unlock, err := s.locker.Lock(ctx, in.SessionID)
	if err != nil {
		return models.TurnResult{}, err
	}
	defer unlock()

	sess, err := s.loadSession(in.SessionID)
	if err != nil {
		return models.TurnResult{}, err
	}
	if res, ok, err := s.replay(*sess, in.TurnKey); err != nil || ok {
		return res, err
	}
	if sess.Status.IsTerminal() {
		return models.TurnResult{}, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sess.ID, sess.Status)
	}

	sig, err := s.normalizer.Normalize(in.Transcription, in.Vision)
	if err != nil {
		slog.Error("Service.ProcessTurn: signal rejected", "sessionID", sess.ID, "error", err)
		return models.TurnResult{}, err
	}

	rows, err := s.store.GetItemScores(sess.ID)
	if err != nil {
		return models.TurnResult{}, fmt.Errorf("load item scores: %w", err)
	}
	state := assessment.FromScores(s.cat, rows)
	now := s.now()

	outcome := turnOutcome{
		Session: *sess,
		TurnKey: in.TurnKey,
		Signal:  sig,
		State:   state,
		Now:     now,
	}

	if triggered, phrase := s.gate.Check(sig.Transcript); triggered {
		slog.Warn("Service.ProcessTurn: safety gate triggered", "sessionID", sess.ID, "turnID", sess.TurnCount+1, "phrase", phrase)
		outcome.Trigger = &models.TriggerEvent{Phrase: phrase, Timestamp: now}
	} else {
		history, err := s.store.ListTurns(sess.ID)
		if err != nil {
			return models.TurnResult{}, fmt.Errorf("load turn history: %w", err)
		}
		input := reconcile.Input{
			SessionID: sess.ID,
			Signal:    sig,
			History:   history,
			State:     state,
		}
		if sess.Status == models.SessionStatusResumed {
			input.FreeTalk = true
		}
		res, err := s.engine.Reconcile(ctx, input)
		if err != nil {
			return models.TurnResult{}, err
		}
		outcome.Reconciled = &res
		outcome.State = res.State
	}

	result, commit, err := assemble(outcome)
	if err != nil {
		return models.TurnResult{}, err
	}
	if err := s.store.CommitTurn(commit); err != nil {
		if errors.Is(err, store.ErrTurnConflict) && in.TurnKey != "" {
			if res, ok, rerr := s.replay(*sess, in.TurnKey); rerr == nil && ok {
				return res, nil
			}
		}
		slog.Error("Service.ProcessTurn: commit failed", "sessionID", sess.ID, "turnID", commit.Turn.ID, "error", err)
		return models.TurnResult{}, fmt.Errorf("commit turn: %w", err)
	}

	if !commit.Session.Status.IsTerminal() {
		s.scheduleIdle(commit.Session)
	}
	slog.Info("Service.ProcessTurn: turn committed",
		"sessionID", sess.ID,
		"turnID", result.TurnID,
		"conversationType", result.ConversationType,
		"deltas", len(commit.Scores),
		"rejected", len(result.Rejected),
		"safetyTriggered", result.SafetyTriggered,
		"degraded", result.Degraded,
		"status", result.Status)
	return result, nil
}

// ProcessMedia fetches collaborator output for the given media and runs the turn.
func (s *Service) ProcessMedia(ctx context.Context, in MediaInput) (models.TurnResult, error) {
	sess, err := s.loadSession(in.SessionID)
	if err != nil {
		return models.TurnResult{}, err
	}
	if res, ok, err := s.replay(*sess, in.TurnKey); err != nil || ok {
		return res, err
	}
	if sess.Status.IsTerminal() {
		return models.TurnResult{}, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sess.ID, sess.Status)
	}

	tr, vis, err := s.collector.Collect(ctx, in.AudioURL, in.VideoURL)
	if err != nil {
		slog.Error("Service.ProcessMedia: collection failed", "sessionID", sess.ID, "error", err)
		return models.TurnResult{}, err
	}
	return s.ProcessTurn(ctx, TurnInput{
		SessionID:     in.SessionID,
		TurnKey:       in.TurnKey,
		Transcription: tr,
		Vision:        vis,
	})
}

func (s *Service) loadSession(id string) (*models.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return sess, nil
}

// replay rebuilds the result of an already committed turn.
func (s *Service) replay(sess models.Session, turnKey string) (models.TurnResult, bool, error) {
	if turnKey == "" {
		return models.TurnResult{}, false, nil
	}
	turn, err := s.store.GetTurnByKey(sess.ID, turnKey)
	if err != nil {
		return models.TurnResult{}, false, fmt.Errorf("look up turn key: %w", err)
	}
	if turn == nil {
		return models.TurnResult{}, false, nil
	}
	// Re-read: a concurrent commit may have moved the session on.
	if latest, err := s.store.GetSession(sess.ID); err == nil && latest != nil {
		sess = *latest
	}
	rows, err := s.store.GetItemScores(sess.ID)
	if err != nil {
		return models.TurnResult{}, false, fmt.Errorf("load item scores: %w", err)
	}
	state := assessment.FromScores(s.cat, rows)

	result := models.TurnResult{
		SessionID:         sess.ID,
		TurnID:            turn.ID,
		BotReply:          turn.Reply,
		ConversationType:  turn.ConversationType,
		DiagnosticMatch:   turn.Mapping.Len() > 0,
		DiagnosticMapping: turn.Mapping,
		Rejected:          turn.Rejected,
		SafetyTriggered:   turn.SafetyTriggered,
		Degraded:          turn.Degraded,
		Replayed:          true,
		Status:            sess.Status,
		Progress:          state.Progress(),
		SessionComplete:   state.Complete(),
	}
	if result.DiagnosticMapping == nil {
		result.DiagnosticMapping = models.DiagnosticMapping{}
	}
	result.Continue = !turn.SafetyTriggered && !result.SessionComplete && sess.Status == models.SessionStatusActive
	if turn.SafetyTriggered {
		triggers, err := s.store.ListTriggerEvents(sess.ID)
		if err != nil {
			return models.TurnResult{}, false, fmt.Errorf("load trigger events: %w", err)
		}
		for i := range triggers {
			if triggers[i].TurnID == turn.ID {
				result.Trigger = &triggers[i]
				break
			}
		}
	}
	slog.Info("Service.ProcessTurn: replaying committed turn", "sessionID", sess.ID, "turnID", turn.ID, "turnKey", turnKey)
	return result, true, nil
}

// scheduleIdle queues the idle expiry for the session's current turn count.
// A later turn makes the queued job a no-op.
func (s *Service) scheduleIdle(sess models.Session) {
	if s.idleTimeout <= 0 {
		return
	}
	payload, err := json.Marshal(SessionIdlePayload{SessionID: sess.ID, TurnCount: sess.TurnCount})
	if err != nil {
		slog.Error("Service.scheduleIdle: marshal failed", "sessionID", sess.ID, "error", err)
		return
	}
	dedupeKey := fmt.Sprintf("idle:%s:%d", sess.ID, sess.TurnCount)
	if _, err := s.store.EnqueueJob(store.JobKindSessionIdle, s.now().Add(s.idleTimeout), string(payload), dedupeKey); err != nil {
		slog.Error("Service.scheduleIdle: enqueue failed", "sessionID", sess.ID, "error", err)
	}
}
