package store

import (
	"time"
)

// OutboxStatus is the delivery state of a crisis alert.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxKindCrisisAlert carries an alert.Alert (session, turn, matched
// phrase, trigger time) queued in the same commit as the triggered turn.
// The dedupe key is "crisis:<session>:<turn>", so one turn alerts once.
const OutboxKindCrisisAlert = "crisis_alert"

// OutboxMessage is a crisis alert waiting for, or done with, delivery
// through the configured alert.Notifier.
type OutboxMessage struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo keeps crisis alerts until the notifier accepts them, so a
// safety trigger is never lost to a restart or a Twilio outage.
type OutboxRepo interface {
	// EnqueueOutboxMessage queues an alert for sessionID. A pending alert
	// with the same dedupeKey is reused.
	EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit queued alerts that are due
	// (next_attempt_at <= now or unset) to sending.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a delivery error and retries at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages returns alerts stuck in sending since
	// before staleBefore to the queue.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)

	// ListOutboxMessages returns the alerts of one session, oldest first.
	ListOutboxMessages(sessionID string) ([]OutboxMessage, error)
}
