package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Defaults for OutboxSender.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxBackoff   = time.Hour
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	maxBackoff     time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		maxBackoff:     DefaultOutboxMaxBackoff,
		claimLimit:     10,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state after a crash.
// Call once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.PollOnce(ctx, time.Now())
		}
	}
}

// PollOnce claims and sends every message due at now. It returns how many
// were delivered.
func (s *OutboxSender) PollOnce(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.PollOnce: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := s.sendFunc(ctx, msg); err != nil {
			backoff := s.backoff(msg.Attempts)
			slog.Error("OutboxSender.PollOnce: send failed", "id", msg.ID, "sessionID", msg.SessionID,
				"kind", msg.Kind, "attempts", msg.Attempts+1, "retryIn", backoff, "error", err)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.PollOnce: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.PollOnce: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.PollOnce: message sent", "id", msg.ID, "sessionID", msg.SessionID, "kind", msg.Kind)
	}
	return sent
}

// backoff is 10s, 20s, 40s, ... capped at maxBackoff.
func (s *OutboxSender) backoff(attempts int) time.Duration {
	if attempts > 16 {
		return s.maxBackoff
	}
	d := time.Duration(10*(1<<attempts)) * time.Second
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}
