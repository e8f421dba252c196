// Package store persists check-in sessions: turns, recorded item scores,
// revisions, trigger events and summaries, plus the outbox and job queues that
// carry crisis alerts and idle-session expiry.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/CheckIn/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrTurnConflict means another writer committed a turn first.
	ErrTurnConflict = errors.New("turn sequence conflict")
	// ErrStatusConflict means the session was not in the expected status.
	ErrStatusConflict = errors.New("session status conflict")
)

// Opts holds configuration for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs or keyword DSNs and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// OutboxEnqueue is an outbox message written in the same commit as a turn.
type OutboxEnqueue struct {
	Kind        string
	PayloadJSON string
	DedupeKey   string
}

// TurnCommit is everything one processed turn writes. It is applied
// atomically: either all of it is visible or none of it is.
type TurnCommit struct {
	// Session is the session row after the turn. Its TurnCount must equal
	// Turn.ID, and the stored row must still hold Turn.ID-1.
	Session   models.Session
	Turn      models.Turn
	Scores    []models.ItemScore
	Revisions []models.ItemRevision
	Trigger   *models.TriggerEvent
	Summary   *models.Summary
	Outbox    []OutboxEnqueue
}

// SessionTransition moves a session between statuses when it is still in From.
type SessionTransition struct {
	SessionID string
	From      models.SessionStatus
	To        models.SessionStatus
	At        time.Time
	Summary   *models.Summary
}

// Store is the persistence contract for sessions. GetSession, GetTurnByKey
// and GetSummary return (nil, nil) when nothing matches.
type Store interface {
	CreateSession(s models.Session) error
	GetSession(id string) (*models.Session, error)
	ListSessions() ([]models.Session, error)
	TransitionSession(t SessionTransition) error
	CommitTurn(c TurnCommit) error
	GetItemScores(sessionID string) ([]models.ItemScore, error)
	ListRevisions(sessionID string) ([]models.ItemRevision, error)
	ListTurns(sessionID string) ([]models.Turn, error)
	GetTurnByKey(sessionID, turnKey string) (*models.Turn, error)
	ListTriggerEvents(sessionID string) ([]models.TriggerEvent, error)
	GetSummary(sessionID string) (*models.Summary, error)
	Close() error
}

// Backend is a Store that also carries the outbox and job queues.
type Backend interface {
	Store
	OutboxRepo
	JobRepo
}

func applyTransition(s *models.Session, t SessionTransition) {
	s.Status = t.To
	s.UpdatedAt = t.At
	if t.To.IsTerminal() {
		at := t.At
		s.EndedAt = &at
	} else if t.From.IsTerminal() || t.To == models.SessionStatusResumed {
		at := t.At
		s.ResumedAt = &at
	}
}
