package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/util"
)

// Compile-time check that InMemoryStore implements Backend.
var _ Backend = (*InMemoryStore)(nil)

type memSession struct {
	session   models.Session
	turns     []models.Turn
	scores    map[string]models.ItemScore
	revisions []models.ItemRevision
	triggers  []models.TriggerEvent
	summary   *models.Summary
}

// InMemoryStore keeps everything in process memory. Used when no DSN is
// configured and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	order    []string
	outbox   []OutboxMessage
	jobs     []Job
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*memSession)}
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	s.sessions[sess.ID] = &memSession{session: sess, scores: make(map[string]models.ItemScore)}
	s.order = append(s.order, sess.ID)
	slog.Debug("InMemoryStore.CreateSession", "sessionID", sess.ID)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := m.session
	return &out, nil
}

func (s *InMemoryStore) ListSessions() ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].session)
	}
	return out, nil
}

func (s *InMemoryStore) TransitionSession(t SessionTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, t.SessionID)
	}
	if m.session.Status != t.From {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, t.From, m.session.Status)
	}
	applyTransition(&m.session, t)
	if t.Summary != nil {
		sum := *t.Summary
		m.summary = &sum
	}
	slog.Debug("InMemoryStore.TransitionSession", "sessionID", t.SessionID, "from", t.From, "to", t.To)
	return nil
}

func (s *InMemoryStore) CommitTurn(c TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[c.Session.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, c.Session.ID)
	}
	if m.session.TurnCount != c.Turn.ID-1 {
		return fmt.Errorf("%w: stored turn count %d, committing turn %d", ErrTurnConflict, m.session.TurnCount, c.Turn.ID)
	}
	if c.Turn.TurnKey != "" {
		for _, t := range m.turns {
			if t.TurnKey == c.Turn.TurnKey {
				return fmt.Errorf("%w: turn key %q already committed", ErrTurnConflict, c.Turn.TurnKey)
			}
		}
	}

	m.turns = append(m.turns, c.Turn)
	for _, sc := range c.Scores {
		m.scores[sc.ItemID] = sc
	}
	m.revisions = append(m.revisions, c.Revisions...)
	if c.Trigger != nil {
		m.triggers = append(m.triggers, *c.Trigger)
	}
	if c.Summary != nil {
		sum := *c.Summary
		m.summary = &sum
	}
	m.session = c.Session
	for _, o := range c.Outbox {
		s.enqueueOutboxLocked(c.Session.ID, o.Kind, o.PayloadJSON, o.DedupeKey)
	}
	return nil
}

func (s *InMemoryStore) GetItemScores(sessionID string) ([]models.ItemScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]models.ItemScore, 0, len(m.scores))
	for _, sc := range m.scores {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *InMemoryStore) ListRevisions(sessionID string) ([]models.ItemRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]models.ItemRevision(nil), m.revisions...), nil
}

func (s *InMemoryStore) ListTurns(sessionID string) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]models.Turn(nil), m.turns...), nil
}

func (s *InMemoryStore) GetTurnByKey(sessionID, turnKey string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok || turnKey == "" {
		return nil, nil
	}
	for _, t := range m.turns {
		if t.TurnKey == turnKey {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListTriggerEvents(sessionID string) ([]models.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]models.TriggerEvent(nil), m.triggers...), nil
}

func (s *InMemoryStore) GetSummary(sessionID string) (*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	if !ok || m.summary == nil {
		return nil, nil
	}
	out := *m.summary
	return &out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// Outbox

func (s *InMemoryStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueOutboxLocked(sessionID, kind, payloadJSON, dedupeKey), nil
}

func (s *InMemoryStore) enqueueOutboxLocked(sessionID, kind, payloadJSON, dedupeKey string) string {
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID
			}
		}
	}
	now := time.Now()
	msg := OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		SessionID:   sessionID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for i := range s.outbox {
		m := &s.outbox[i]
		if len(out) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(sessionID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("outbox message %s not found", id)
}

// Jobs

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs = append(s.jobs, j)
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for i := range s.jobs {
		j := &s.jobs[i]
		if len(out) >= limit {
			break
		}
		if j.Status != JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.updateJob(id, func(j *Job) { j.Status = JobStatusDone })
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.jobs {
		j := &s.jobs[i]
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.ID == id {
			out := j
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			fn(&s.jobs[i])
			s.jobs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("job %s not found", id)
}
