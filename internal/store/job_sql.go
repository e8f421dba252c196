package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckIn/internal/util"
)

func (s *sqlStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			s.bind(`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("job_", 32)
	now := time.Now()
	_, err := s.db.Exec(
		s.bind(`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	if s.dialect == dialectPostgres {
		return collectJobs(s.db.Query(
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			   ORDER BY run_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			now, limit,
		))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin job claim: %w", err)
	}
	defer tx.Rollback()

	jobs, err := collectJobs(tx.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	))
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if _, err := tx.Exec(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		locked := now
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job claim: %w", err)
	}
	return jobs, nil
}

func collectJobs(rows *sql.Rows, err error) ([]Job, error) {
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(id string) error {
	_, err := s.db.Exec(s.bind(`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`), time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(s.bind(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			s.bind(`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			s.bind(`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelJob(id string) error {
	_, err := s.db.Exec(
		s.bind(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		s.bind(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
