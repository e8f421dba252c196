package flow

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
)

func intPtr(v int) *int { return &v }

func TestScoreRowsRevisions(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	deltas := []models.ScoreDelta{
		{Questionnaire: models.PHQ9, ItemID: "Q1_PHQ9", Score: 2},
		{Questionnaire: models.PHQ9, ItemID: "Q2_PHQ9", Previous: intPtr(0), Score: 1},
		{Questionnaire: models.GAD7, ItemID: "Q3_GAD7", Previous: intPtr(1), Score: 3, Revision: true},
	}

	scores, revisions := scoreRows("s1", 4, deltas, now)
	if len(scores) != 3 {
		t.Fatalf("expected 3 score rows, got %d", len(scores))
	}
	want := []models.ItemRevision{{
		SessionID:     "s1",
		Questionnaire: models.GAD7,
		ItemID:        "Q3_GAD7",
		Previous:      1,
		Score:         3,
		TurnID:        4,
		RevisedAt:     now,
	}}
	if diff := cmp.Diff(want, revisions); diff != "" {
		t.Errorf("revisions mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleRequiresOutcome(t *testing.T) {
	cat := catalog.Default()
	_, _, err := assemble(turnOutcome{
		Session: models.Session{ID: "s1", Status: models.SessionStatusActive},
		State:   assessment.NewState(cat),
		Now:     time.Now(),
	})
	if err == nil {
		t.Fatal("expected error when neither trigger nor reconciliation is set")
	}
}

func TestAssembleAdvancesTurnCount(t *testing.T) {
	cat := catalog.Default()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	state := assessment.NewState(cat)
	res := reconcile.Result{
		Reply:            "Tell me more.",
		ConversationType: models.ConversationFreeTalk,
		Mapping:          models.DiagnosticMapping{},
		Continue:         true,
		State:            state,
	}

	result, commit, err := assemble(turnOutcome{
		Session:    models.Session{ID: "s1", Status: models.SessionStatusActive, TurnCount: 2},
		TurnKey:    "k3",
		Signal:     models.Signal{Transcript: "meh"},
		Reconciled: &res,
		State:      state,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if result.TurnID != 3 || commit.Turn.ID != 3 || commit.Session.TurnCount != 3 {
		t.Errorf("expected turn 3, got result %d, turn %d, session %d", result.TurnID, commit.Turn.ID, commit.Session.TurnCount)
	}
	if commit.Turn.TurnKey != "k3" || commit.Turn.Transcript != "meh" || !commit.Session.UpdatedAt.Equal(now) {
		t.Errorf("unexpected turn record: %+v", commit.Turn)
	}
	if commit.Summary != nil || commit.Trigger != nil || len(commit.Outbox) != 0 {
		t.Errorf("plain turn must not carry summary, trigger or outbox: %+v", commit)
	}
	if !result.Continue || result.Status != models.SessionStatusActive {
		t.Errorf("unexpected result: %+v", result)
	}
}
