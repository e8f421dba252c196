package flow

import (
	"fmt"
	"time"

	"github.com/BTreeMap/CheckIn/internal/alert"
	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
	"github.com/BTreeMap/CheckIn/internal/store"
)

// CrisisReply is the only reply sent on a turn that tripped the safety gate.
const CrisisReply = "It sounds like you're carrying something really heavy right now, and I'm glad you said it. " +
	"You don't have to get through this alone. If you are in immediate danger please call your local emergency number, " +
	"or call or text 988 to reach the Suicide & Crisis Lifeline. Someone from our team has also been notified."

// turnOutcome is everything the assembler needs for one turn. Exactly one of
// Trigger and Reconciled is set.
type turnOutcome struct {
	Session    models.Session
	TurnKey    string
	Signal     models.Signal
	Trigger    *models.TriggerEvent
	Reconciled *reconcile.Result
	// State is the questionnaire state after the turn.
	State *assessment.State
	Now   time.Time
}

// assemble turns an outcome into the boundary payload and the single commit
// that persists it. It does no I/O.
func assemble(o turnOutcome) (models.TurnResult, store.TurnCommit, error) {
	turnID := o.Session.TurnCount + 1

	session := o.Session
	session.TurnCount = turnID
	session.UpdatedAt = o.Now

	turn := models.Turn{
		ID:         turnID,
		SessionID:  session.ID,
		TurnKey:    o.TurnKey,
		Transcript: o.Signal.Transcript,
		Signal:     o.Signal,
		CreatedAt:  o.Now,
	}
	result := models.TurnResult{
		SessionID:         session.ID,
		TurnID:            turnID,
		DiagnosticMapping: models.DiagnosticMapping{},
	}
	commit := store.TurnCommit{}

	switch {
	case o.Trigger != nil:
		trigger := *o.Trigger
		trigger.SessionID = session.ID
		trigger.TurnID = turnID
		session.SafetyFlag = true

		turn.Reply = CrisisReply
		turn.ConversationType = models.ConversationFreeTalk
		turn.SafetyTriggered = true

		result.BotReply = CrisisReply
		result.ConversationType = models.ConversationFreeTalk
		result.SafetyTriggered = true
		result.Trigger = &trigger

		payload, err := alert.Alert{
			SessionID: trigger.SessionID,
			TurnID:    trigger.TurnID,
			Phrase:    trigger.Phrase,
			Timestamp: trigger.Timestamp,
		}.Encode()
		if err != nil {
			return models.TurnResult{}, store.TurnCommit{}, fmt.Errorf("encode crisis alert: %w", err)
		}
		commit.Trigger = &trigger
		commit.Outbox = append(commit.Outbox, store.OutboxEnqueue{
			Kind:        store.OutboxKindCrisisAlert,
			PayloadJSON: payload,
			DedupeKey:   fmt.Sprintf("crisis:%s:%d", session.ID, turnID),
		})

	case o.Reconciled != nil:
		r := o.Reconciled
		turn.Reply = r.Reply
		turn.ConversationType = r.ConversationType
		turn.Mapping = r.Mapping
		turn.Deltas = r.Deltas
		turn.Rejected = r.Rejected
		turn.Degraded = r.Degraded

		result.BotReply = r.Reply
		result.ConversationType = r.ConversationType
		result.DiagnosticMatch = r.DiagnosticMatch
		if r.Mapping != nil {
			result.DiagnosticMapping = r.Mapping
		}
		result.Rejected = r.Rejected
		result.Degraded = r.Degraded
		result.Continue = r.Continue

		commit.Scores, commit.Revisions = scoreRows(session.ID, turnID, r.Deltas, o.Now)

		if r.Complete && session.Status == models.SessionStatusActive {
			session.Status = models.SessionStatusEndedComplete
			ended := o.Now
			session.EndedAt = &ended
		}
		if session.Status == models.SessionStatusResumed {
			result.Continue = false
		}

	default:
		return models.TurnResult{}, store.TurnCommit{}, fmt.Errorf("turn %d of session %s has no outcome", turnID, session.ID)
	}

	result.Status = session.Status
	result.Progress = o.State.Progress()
	result.SessionComplete = o.State.Complete()
	if session.Status.IsTerminal() {
		summary := o.State.Summarize(session, o.Now)
		commit.Summary = &summary
	}

	commit.Session = session
	commit.Turn = turn
	return result, commit, nil
}

// scoreRows converts applied deltas into the rows the store upserts. Only an
// explicit change of a nonzero score is logged as a revision.
func scoreRows(sessionID string, turnID int, deltas []models.ScoreDelta, now time.Time) ([]models.ItemScore, []models.ItemRevision) {
	var scores []models.ItemScore
	var revisions []models.ItemRevision
	for _, d := range deltas {
		scores = append(scores, models.ItemScore{
			SessionID:     sessionID,
			Questionnaire: d.Questionnaire,
			ItemID:        d.ItemID,
			Score:         d.Score,
			TurnID:        turnID,
			UpdatedAt:     now,
		})
		if d.Revision && d.Previous != nil && *d.Previous != 0 {
			revisions = append(revisions, models.ItemRevision{
				SessionID:     sessionID,
				Questionnaire: d.Questionnaire,
				ItemID:        d.ItemID,
				Previous:      *d.Previous,
				Score:         d.Score,
				TurnID:        turnID,
				RevisedAt:     now,
			})
		}
	}
	return scores, revisions
}
