package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CheckIn/internal/alert"
	"github.com/BTreeMap/CheckIn/internal/store"
)

// SessionIdlePayload is the JSON payload for session_idle jobs. TurnCount is
// the session's turn count when the job was queued.
type SessionIdlePayload struct {
	SessionID string `json:"session_id"`
	TurnCount int    `json:"turn_count"`
}

// RegisterJobHandlers registers the flow job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, svc *Service) {
	runner.RegisterHandler(store.JobKindSessionIdle, makeSessionIdleHandler(svc))
}

func makeSessionIdleHandler(svc *Service) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p SessionIdlePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid session_idle payload: %w", err)
		}
		slog.Info("JobHandler.session_idle: executing", "sessionID", p.SessionID, "turnCount", p.TurnCount)

		unlock, err := svc.locker.Lock(ctx, p.SessionID)
		if err != nil {
			return err
		}
		defer unlock()

		sess, err := svc.store.GetSession(p.SessionID)
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		// Idempotency: the session is gone, already ended, or has moved on.
		if sess == nil || sess.Status.IsTerminal() {
			slog.Info("JobHandler.session_idle: session already closed, skipping", "sessionID", p.SessionID)
			return nil
		}
		if sess.TurnCount != p.TurnCount {
			slog.Info("JobHandler.session_idle: session saw newer turns, skipping", "sessionID", p.SessionID,
				"queuedTurnCount", p.TurnCount, "currentTurnCount", sess.TurnCount)
			return nil
		}

		_, err = svc.endLocked(*sess)
		if errors.Is(err, store.ErrStatusConflict) {
			slog.Info("JobHandler.session_idle: session changed status concurrently, skipping", "sessionID", p.SessionID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("idle session end failed: %w", err)
		}
		return nil
	}
}

// CrisisAlertSender delivers crisis_alert outbox messages through n. Other
// kinds are rejected so they stay visible in the outbox.
func CrisisAlertSender(n alert.Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindCrisisAlert {
			return fmt.Errorf("no sender for outbox kind %q", msg.Kind)
		}
		a, err := alert.Decode(msg.PayloadJSON)
		if err != nil {
			return err
		}
		return n.Notify(ctx, a)
	}
}
