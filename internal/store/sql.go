package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CheckIn/internal/models"
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

// sqlStore holds the queries shared by SQLiteStore and PostgresStore. Queries
// are written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db      *sql.DB
	dialect string
	name    string // used as the log prefix
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *sqlStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const sessionColumns = `id, name, status, safety_flag, catalog_version, turn_count, created_at, updated_at, ended_at, resumed_at`

func (s *sqlStore) CreateSession(sess models.Session) error {
	var exists string
	err := s.db.QueryRow(s.bind(`SELECT id FROM sessions WHERE id = ?`), sess.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session lookup failed: %w", err)
	}
	_, err = s.db.Exec(s.bind(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.Name, string(sess.Status), sess.SafetyFlag, sess.CatalogVersion, sess.TurnCount,
		sess.CreatedAt, sess.UpdatedAt, nullTime(sess.EndedAt), nullTime(sess.ResumedAt))
	if err != nil {
		slog.Error(s.name+".CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *sqlStore) GetSession(id string) (*models.Session, error) {
	return s.getSession(s.db, id, false)
}

func (s *sqlStore) getSession(q queryer, id string, forUpdate bool) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	if forUpdate && s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}
	sess, err := scanSession(q.QueryRow(s.bind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *sqlStore) ListSessions() ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) TransitionSession(t SessionTransition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.getSession(tx, t.SessionID, true)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, t.SessionID)
	}
	if sess.Status != t.From {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, t.From, sess.Status)
	}
	applyTransition(sess, t)

	res, err := tx.Exec(s.bind(`UPDATE sessions SET status = ?, updated_at = ?, ended_at = ?, resumed_at = ? WHERE id = ? AND status = ?`),
		string(sess.Status), sess.UpdatedAt, nullTime(sess.EndedAt), nullTime(sess.ResumedAt), t.SessionID, string(t.From))
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: status changed concurrently", ErrStatusConflict)
	}
	if t.Summary != nil {
		if err := s.putSummary(tx, *t.Summary); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	slog.Debug(s.name+".TransitionSession succeeded", "sessionID", t.SessionID, "from", t.From, "to", t.To)
	return nil
}

func (s *sqlStore) CommitTurn(c TurnCommit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin turn commit: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.getSession(tx, c.Session.ID, true)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, c.Session.ID)
	}
	if cur.TurnCount != c.Turn.ID-1 {
		return fmt.Errorf("%w: stored turn count %d, committing turn %d", ErrTurnConflict, cur.TurnCount, c.Turn.ID)
	}

	if err := s.insertTurn(tx, c.Turn); err != nil {
		return err
	}
	for _, sc := range c.Scores {
		_, err := tx.Exec(s.bind(`INSERT INTO item_scores (session_id, questionnaire, item_id, score, turn_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, item_id) DO UPDATE SET score = excluded.score, turn_id = excluded.turn_id, updated_at = excluded.updated_at`),
			sc.SessionID, string(sc.Questionnaire), sc.ItemID, sc.Score, sc.TurnID, sc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert item score %s: %w", sc.ItemID, err)
		}
	}
	for _, r := range c.Revisions {
		_, err := tx.Exec(s.bind(`INSERT INTO item_revisions (session_id, questionnaire, item_id, previous, score, turn_id, revised_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.SessionID, string(r.Questionnaire), r.ItemID, r.Previous, r.Score, r.TurnID, r.RevisedAt)
		if err != nil {
			return fmt.Errorf("insert item revision %s: %w", r.ItemID, err)
		}
	}
	if c.Trigger != nil {
		_, err := tx.Exec(s.bind(`INSERT INTO trigger_events (session_id, turn_id, phrase, created_at) VALUES (?, ?, ?, ?)`),
			c.Trigger.SessionID, c.Trigger.TurnID, c.Trigger.Phrase, c.Trigger.Timestamp)
		if err != nil {
			return fmt.Errorf("insert trigger event: %w", err)
		}
	}

	sess := c.Session
	_, err = tx.Exec(s.bind(`UPDATE sessions SET name = ?, status = ?, safety_flag = ?, turn_count = ?, updated_at = ?, ended_at = ?, resumed_at = ? WHERE id = ?`),
		sess.Name, string(sess.Status), sess.SafetyFlag, sess.TurnCount, sess.UpdatedAt, nullTime(sess.EndedAt), nullTime(sess.ResumedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if c.Summary != nil {
		if err := s.putSummary(tx, *c.Summary); err != nil {
			return err
		}
	}
	for _, o := range c.Outbox {
		if _, err := s.enqueueOutbox(tx, sess.ID, o.Kind, o.PayloadJSON, o.DedupeKey); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	slog.Debug(s.name+".CommitTurn succeeded", "sessionID", sess.ID, "turnID", c.Turn.ID,
		"scores", len(c.Scores), "revisions", len(c.Revisions), "trigger", c.Trigger != nil)
	return nil
}

const turnColumns = `session_id, turn_id, turn_key, transcript, signal_json, reply, conversation_type, mapping_json, deltas_json, rejected_json, safety_triggered, degraded, created_at`

func (s *sqlStore) insertTurn(tx *sql.Tx, t models.Turn) error {
	signalJSON, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	mappingJSON, err := json.Marshal(t.Mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	deltasJSON, err := json.Marshal(t.Deltas)
	if err != nil {
		return fmt.Errorf("marshal deltas: %w", err)
	}
	rejectedJSON, err := json.Marshal(t.Rejected)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}
	_, err = tx.Exec(s.bind(`INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.SessionID, t.ID, nilIfEmpty(t.TurnKey), t.Transcript, string(signalJSON), t.Reply, string(t.ConversationType),
		string(mappingJSON), string(deltasJSON), string(rejectedJSON), t.SafetyTriggered, t.Degraded, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert turn %d: %w", t.ID, err)
	}
	return nil
}

func (s *sqlStore) ListTurns(sessionID string) ([]models.Turn, error) {
	rows, err := s.db.Query(s.bind(`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetTurnByKey(sessionID, turnKey string) (*models.Turn, error) {
	if turnKey == "" {
		return nil, nil
	}
	t, err := scanTurn(s.db.QueryRow(s.bind(`SELECT `+turnColumns+` FROM turns WHERE session_id = ? AND turn_key = ?`), sessionID, turnKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) GetItemScores(sessionID string) ([]models.ItemScore, error) {
	rows, err := s.db.Query(s.bind(`SELECT session_id, questionnaire, item_id, score, turn_id, updated_at
		FROM item_scores WHERE session_id = ? ORDER BY item_id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("get item scores: %w", err)
	}
	defer rows.Close()

	var out []models.ItemScore
	for rows.Next() {
		var sc models.ItemScore
		var q string
		if err := rows.Scan(&sc.SessionID, &q, &sc.ItemID, &sc.Score, &sc.TurnID, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item score: %w", err)
		}
		sc.Questionnaire = models.Questionnaire(q)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item scores: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListRevisions(sessionID string) ([]models.ItemRevision, error) {
	rows, err := s.db.Query(s.bind(`SELECT session_id, questionnaire, item_id, previous, score, turn_id, revised_at
		FROM item_revisions WHERE session_id = ? ORDER BY id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []models.ItemRevision
	for rows.Next() {
		var r models.ItemRevision
		var q string
		if err := rows.Scan(&r.SessionID, &q, &r.ItemID, &r.Previous, &r.Score, &r.TurnID, &r.RevisedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.Questionnaire = models.Questionnaire(q)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListTriggerEvents(sessionID string) ([]models.TriggerEvent, error) {
	rows, err := s.db.Query(s.bind(`SELECT session_id, turn_id, phrase, created_at
		FROM trigger_events WHERE session_id = ? ORDER BY id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	defer rows.Close()

	var out []models.TriggerEvent
	for rows.Next() {
		var e models.TriggerEvent
		if err := rows.Scan(&e.SessionID, &e.TurnID, &e.Phrase, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trigger event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trigger events: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetSummary(sessionID string) (*models.Summary, error) {
	var data string
	err := s.db.QueryRow(s.bind(`SELECT summary_json FROM summaries WHERE session_id = ?`), sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	var sum models.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

func (s *sqlStore) putSummary(tx *sql.Tx, sum models.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = tx.Exec(s.bind(`INSERT INTO summaries (session_id, summary_json, generated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET summary_json = excluded.summary_json, generated_at = excluded.generated_at`),
		sum.SessionID, string(data), sum.GeneratedAt)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close failed", "error", err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var status string
	var endedAt, resumedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Name, &status, &sess.SafetyFlag, &sess.CatalogVersion, &sess.TurnCount,
		&sess.CreatedAt, &sess.UpdatedAt, &endedAt, &resumedAt)
	if err != nil {
		return sess, err
	}
	sess.Status = models.SessionStatus(status)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if resumedAt.Valid {
		sess.ResumedAt = &resumedAt.Time
	}
	return sess, nil
}

func scanTurn(row rowScanner) (models.Turn, error) {
	var t models.Turn
	var turnKey sql.NullString
	var convType, signalJSON, mappingJSON, deltasJSON, rejectedJSON string
	err := row.Scan(&t.SessionID, &t.ID, &turnKey, &t.Transcript, &signalJSON, &t.Reply, &convType,
		&mappingJSON, &deltasJSON, &rejectedJSON, &t.SafetyTriggered, &t.Degraded, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan turn: %w", err)
	}
	t.TurnKey = turnKey.String
	t.ConversationType = models.ConversationType(convType)
	if err := json.Unmarshal([]byte(signalJSON), &t.Signal); err != nil {
		return t, fmt.Errorf("decode turn signal: %w", err)
	}
	if err := decodeOptional(mappingJSON, &t.Mapping); err != nil {
		return t, fmt.Errorf("decode turn mapping: %w", err)
	}
	if err := decodeOptional(deltasJSON, &t.Deltas); err != nil {
		return t, fmt.Errorf("decode turn deltas: %w", err)
	}
	if err := decodeOptional(rejectedJSON, &t.Rejected); err != nil {
		return t, fmt.Errorf("decode turn rejections: %w", err)
	}
	return t, nil
}

func decodeOptional(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
