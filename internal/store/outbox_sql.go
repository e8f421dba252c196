package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckIn/internal/util"
)

func (s *sqlStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	return s.enqueueOutbox(s.db, sessionID, kind, payloadJSON, dedupeKey)
}

func (s *sqlStore) enqueueOutbox(q queryer, sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := q.QueryRow(
			s.bind(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := q.Exec(
		s.bind(`INSERT INTO outbox_messages (id, session_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, sessionID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "kind", kind)
	return id, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	if s.dialect == dialectPostgres {
		return s.collectOutbox(s.db.Query(
			`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			   ORDER BY created_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns,
			now, limit,
		))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}
	defer tx.Rollback()

	msgs, err := s.collectOutbox(tx.Query(
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	))
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, err := tx.Exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) collectOutbox(rows *sql.Rows, err error) ([]OutboxMessage, error) {
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(s.bind(`UPDATE outbox_messages SET status = 'sent', updated_at = ? WHERE id = ?`), time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		s.bind(`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		s.bind(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) ListOutboxMessages(sessionID string) ([]OutboxMessage, error) {
	return s.collectOutbox(s.db.Query(
		s.bind(`SELECT `+outboxColumns+` FROM outbox_messages WHERE session_id = ? ORDER BY created_at ASC`),
		sessionID,
	))
}
