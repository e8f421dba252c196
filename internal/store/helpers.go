package store

import (
	"database/sql"
)

// nilIfEmpty maps "" to NULL for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status string
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.Status = JobStatus(status)
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

const outboxColumns = `id, session_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var status string
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.SessionID, &m.Kind, &payloadJSON, &status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.Status = OutboxStatus(status)
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
