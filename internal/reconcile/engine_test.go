package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/genai"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// mockOracle returns a canned response and records the bundles it saw.
type mockOracle struct {
	mu      sync.Mutex
	text    string
	err     error
	block   bool
	bundles []genai.PromptBundle
}

func (m *mockOracle) Generate(ctx context.Context, bundle genai.PromptBundle) (string, error) {
	m.mu.Lock()
	m.bundles = append(m.bundles, bundle)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.text, m.err
}

func newInput(state *assessment.State) Input {
	return Input{
		SessionID: "s1",
		Signal: models.Signal{
			Transcript:          "I haven't enjoyed anything in weeks",
			Sentiment:           models.SentimentNegative,
			SentimentConfidence: 88,
			DominantEmotion:     "sad",
			EmotionConfidence:   71,
			Emotions:            map[string]float64{"sad": 0.71, "neutral": 0.29},
		},
		State: state,
	}
}

var ignoreState = cmpopts.IgnoreFields(Result{}, "State")

func intPtr(v int) *int { return &v }

func TestReconcileEmbeddedJSON(t *testing.T) {
	oracle := &mockOracle{text: "Of course! Here's my analysis:\n```json\n" +
		`{"bot_reply": "That sounds really heavy.", "conversation_type": "diagnostic", "diagnostic_match": true,` +
		` "diagnostic_mapping": {"PHQ-9": {"Q1_PHQ9": {"score": 2}}}}` +
		"\n```\nLet me know if you need anything else."}
	cat := catalog.Default()
	e := NewEngine(oracle, cat)
	state := assessment.NewState(cat)

	res, err := e.Reconcile(context.Background(), newInput(state))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	want := Result{
		Reply:            "That sounds really heavy.",
		ConversationType: models.ConversationDiagnostic,
		DiagnosticMatch:  true,
		Mapping: models.DiagnosticMapping{
			models.PHQ9: {"Q1_PHQ9": {Score: 2}},
			models.PCL5: {"Q12_PCL5": {Score: 3}},
		},
		Deltas: []models.ScoreDelta{
			{Questionnaire: models.PHQ9, ItemID: "Q1_PHQ9", Score: 2},
			{Questionnaire: models.PCL5, ItemID: "Q12_PCL5", Score: 3, Derived: true},
		},
		Continue: true,
	}
	if diff := cmp.Diff(want, res, ignoreState, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if _, ok := state.Score("Q1_PHQ9"); ok {
		t.Error("Input state must not be mutated")
	}
	if v, _ := res.State.Score("Q12_PCL5"); v != 3 {
		t.Errorf("Expected derived Q12_PCL5=3 in result state, got %d", v)
	}
}

func TestReconcileUnrepairableOutput(t *testing.T) {
	cat := catalog.Default()
	e := NewEngine(&mockOracle{text: "I'm sorry, I can't help with that request."}, cat)
	res, err := e.Reconcile(context.Background(), newInput(assessment.NewState(cat)))
	if err != nil {
		t.Fatalf("Unparseable output must not be an error, got %v", err)
	}
	if !res.Degraded || res.Reply != SafeReply || res.ConversationType != models.ConversationFreeTalk {
		t.Errorf("Expected safe default, got %+v", res)
	}
	if res.DiagnosticMatch || len(res.Deltas) != 0 || res.Mapping.Len() != 0 {
		t.Errorf("Safe default must carry zero updates, got %+v", res)
	}
	if res.State.Len() != 0 {
		t.Errorf("Safe default must not change state, got %d items", res.State.Len())
	}

	res, _ = e.Reconcile(context.Background(), newInput(assessment.NewState(cat)))
	if !res.Degraded {
		t.Error("Expected degraded again")
	}
	e2 := NewEngine(&mockOracle{text: `{"bot_reply" "x" :: {{`}, cat)
	res, err = e2.Reconcile(context.Background(), newInput(assessment.NewState(cat)))
	if err != nil || !res.Degraded || res.Mapping.Len() != 0 {
		t.Errorf("Expected degraded result for broken JSON, got %+v (%v)", res, err)
	}
}

func TestReconcileRepairsAlmostJSON(t *testing.T) {
	cat := catalog.Default()
	text := `{bot_reply: 'Thanks for telling me.', conversation_type: 'transtion', diagnostic_match: True,
		diagnostic_mapping: {'GAD7': {'Q1_GAD7': {'score': 2,},},}, // model chatter
	`
	e := NewEngine(&mockOracle{text: text}, cat)
	res, err := e.Reconcile(context.Background(), newInput(assessment.NewState(cat)))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Degraded {
		t.Fatal("Expected repairable output not to degrade")
	}
	if res.ConversationType != models.ConversationTransition {
		t.Errorf("Expected misspelled transition to parse, got %q", res.ConversationType)
	}
	if entry, ok := res.Mapping.Lookup(models.GAD7, "Q1_GAD7"); !ok || entry.Score != 2 {
		t.Errorf("Expected Q1_GAD7=2, got %+v", res.Mapping)
	}
}

func TestReconcileRejectsInvalidItems(t *testing.T) {
	cat := catalog.Default()
	text := `{"bot_reply":"ok","conversation_type":"diagnostic","diagnostic_match":true,"diagnostic_mapping":{
		"PHQ-9": {"Q2_PHQ9": {"score": 1}, "Q4_PHQ9": {"score": 7}, "Q11_PHQ9": {"score": 1}, "Q1_GAD7": {"score": 1}, "Q5_PHQ9": {"score": 1.5}},
		"BDI": {"Q1_BDI": {"score": 1}}
	}}`
	e := NewEngine(&mockOracle{text: text}, cat)
	res, err := e.Reconcile(context.Background(), newInput(assessment.NewState(cat)))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Deltas) != 1 || res.Deltas[0].ItemID != "Q2_PHQ9" {
		t.Errorf("Expected only Q2_PHQ9 to apply, got %+v", res.Deltas)
	}

	reasons := map[string]models.RejectionReason{}
	for _, r := range res.Rejected {
		reasons[r.ItemID] = r.Reason
	}
	want := map[string]models.RejectionReason{
		"Q4_PHQ9":  models.RejectOutOfRange,
		"Q11_PHQ9": models.RejectUnknownItem,
		"Q1_GAD7":  models.RejectQuestionnaireMismatch,
		"Q5_PHQ9":  models.RejectInvalidScore,
		"Q1_BDI":   models.RejectUnknownQuestionnaire,
	}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Errorf("Rejection mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"Q4_PHQ9", "Q11_PHQ9", "Q1_GAD7", "Q5_PHQ9"} {
		if _, ok := res.State.Score(id); ok {
			t.Errorf("Rejected item %s must not be recorded", id)
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	cat := catalog.Default()
	text := `{"bot_reply":"I hear you.","conversation_type":"diagnostic","diagnostic_match":true,"diagnostic_mapping":{
		"PCL-5": {"Q20_PCL5": {"score": 4}, "Q99_PCL5": {"score": 1}},
		"GAD-7": {"Q6_GAD7": {"score": 2}, "Q2_GAD7": {"score": 3}},
		"PHQ-9": {"Q7_PHQ9": {"score": 1}}
	}}`
	e := NewEngine(&mockOracle{text: text}, cat)
	state := assessment.NewState(cat)
	state.Apply(assessment.Update{Questionnaire: "PHQ-9", ItemID: "Q2_PHQ9", Score: 1})

	first, err := e.Reconcile(context.Background(), newInput(state))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	second, err := e.Reconcile(context.Background(), newInput(state))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if diff := cmp.Diff(first, second, ignoreState); diff != "" {
		t.Errorf("Reconcile is not idempotent (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.State.Mapping(), second.State.Mapping()); diff != "" {
		t.Errorf("Resulting state differs (-first +second):\n%s", diff)
	}

	// Re-applying the same oracle text on the resulting state changes nothing.
	again := e.Apply(newInput(first.State), text)
	for _, d := range again.Deltas {
		if !d.Derived {
			t.Errorf("Expected no explicit deltas on replay, got %+v", d)
		}
	}
	if diff := cmp.Diff(first.State.Mapping(), again.State.Mapping()); diff != "" {
		t.Errorf("Replay changed state (-first +again):\n%s", diff)
	}
}

func TestReconcileComorbidResolution(t *testing.T) {
	cat := catalog.Default()

	t.Run("explicit scores on both members are kept", func(t *testing.T) {
		text := `{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q1_PHQ9":{"score":3}},"PCL-5":{"Q12_PCL5":{"score":1}}}}`
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(assessment.NewState(cat)), text)
		for _, d := range res.Deltas {
			if d.Derived {
				t.Errorf("No derived deltas expected, got %+v", d)
			}
		}
		if v, _ := res.State.Score("Q12_PCL5"); v != 1 {
			t.Errorf("Expected explicit Q12_PCL5=1, got %d", v)
		}
	})

	t.Run("disagreeing independent sibling is reported", func(t *testing.T) {
		state := assessment.NewState(cat)
		state.Apply(assessment.Update{Questionnaire: "PCL-5", ItemID: "Q20_PCL5", Score: 2})
		text := `{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q3_PHQ9":{"score":3}}}}`
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(state), text)
		if v, _ := res.State.Score("Q20_PCL5"); v != 2 {
			t.Errorf("Expected Q20_PCL5 to stay 2, got %d", v)
		}
		want := []models.Rejection{{
			Questionnaire: "PCL-5",
			ItemID:        "Q20_PCL5",
			Score:         intPtr(4),
			Reason:        models.RejectComorbidConflict,
		}}
		if diff := cmp.Diff(want, res.Rejected, cmpopts.IgnoreFields(models.Rejection{}, "Detail")); diff != "" {
			t.Errorf("Rejected mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("agreeing sibling is left alone", func(t *testing.T) {
		state := assessment.NewState(cat)
		state.Apply(assessment.Update{Questionnaire: "PCL-5", ItemID: "Q20_PCL5", Score: 4})
		text := `{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q3_PHQ9":{"score":3}}}}`
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(state), text)
		if len(res.Rejected) != 0 {
			t.Errorf("Expected no rejections, got %+v", res.Rejected)
		}
		for _, d := range res.Deltas {
			if d.ItemID == "Q20_PCL5" {
				t.Errorf("Expected no delta for Q20_PCL5, got %+v", d)
			}
		}
	})

	t.Run("basis revision re-derives copied sibling", func(t *testing.T) {
		e := NewEngine(&mockOracle{}, cat)
		first := e.Apply(newInput(assessment.NewState(cat)),
			`{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q1_PHQ9":{"score":1}}}}`)
		if v, _ := first.State.Score("Q12_PCL5"); v != 1 {
			t.Fatalf("Expected Q12_PCL5 copied as 1, got %d", v)
		}

		second := e.Apply(newInput(first.State),
			`{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q1_PHQ9":{"score":3,"revision":true}}}}`)
		if len(second.Rejected) != 0 {
			t.Errorf("Expected no rejections, got %+v", second.Rejected)
		}
		want := []models.ScoreDelta{
			{Questionnaire: models.PHQ9, ItemID: "Q1_PHQ9", Previous: intPtr(1), Score: 3, Revision: true},
			{Questionnaire: models.PCL5, ItemID: "Q12_PCL5", Previous: intPtr(1), Score: 4, Revision: true, Derived: true},
		}
		if diff := cmp.Diff(want, second.Deltas); diff != "" {
			t.Errorf("Deltas mismatch (-want +got):\n%s", diff)
		}
		if entry, ok := second.Mapping.Lookup(models.PCL5, "Q12_PCL5"); !ok || entry.Score != 4 || !entry.Revision {
			t.Errorf("Expected Q12_PCL5 revised to 4 in mapping, got %+v", entry)
		}
	})

	t.Run("basis revision reports independently scored sibling", func(t *testing.T) {
		state := assessment.NewState(cat)
		state.Apply(assessment.Update{Questionnaire: "PHQ-9", ItemID: "Q1_PHQ9", Score: 1})
		state.Apply(assessment.Update{Questionnaire: "PCL-5", ItemID: "Q12_PCL5", Score: 2})
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(state),
			`{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q1_PHQ9":{"score":3,"revision":true}}}}`)
		if v, _ := res.State.Score("Q12_PCL5"); v != 2 {
			t.Errorf("Expected Q12_PCL5 to stay 2, got %d", v)
		}
		if len(res.Rejected) != 1 || res.Rejected[0].ItemID != "Q12_PCL5" || res.Rejected[0].Reason != models.RejectComorbidConflict {
			t.Errorf("Expected a comorbid conflict for Q12_PCL5, got %+v", res.Rejected)
		}
	})

	t.Run("zero sibling is raised", func(t *testing.T) {
		state := assessment.NewState(cat)
		state.Apply(assessment.Update{Questionnaire: "GAD-7", ItemID: "Q5_GAD7", Score: 0})
		text := `{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q8_PHQ9":{"score":2}}}}`
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(state), text)
		if v, _ := res.State.Score("Q5_GAD7"); v != 2 {
			t.Errorf("Expected Q5_GAD7 raised to 2, got %d", v)
		}
	})

	t.Run("zero scores do not propagate", func(t *testing.T) {
		text := `{"bot_reply":"ok","diagnostic_mapping":{"PHQ-9":{"Q7_PHQ9":{"score":0}}}}`
		res := NewEngine(&mockOracle{}, cat).Apply(newInput(assessment.NewState(cat)), text)
		if _, ok := res.State.Score("Q19_PCL5"); ok {
			t.Error("Zero score must not propagate")
		}
		if v, ok := res.State.Score("Q7_PHQ9"); !ok || v != 0 {
			t.Error("Zero score must be recorded")
		}
	})
}

func TestRescale(t *testing.T) {
	phq, _ := catalog.Default().Item("Q1_PHQ9")
	pcl, _ := catalog.Default().Item("Q12_PCL5")
	tests := []struct {
		score    int
		src, dst catalog.Item
		want     int
	}{
		{1, phq, pcl, 1},
		{2, phq, pcl, 3},
		{3, phq, pcl, 4},
		{1, pcl, phq, 1},
		{2, pcl, phq, 2},
		{4, pcl, phq, 3},
	}
	for _, tt := range tests {
		if got := Rescale(tt.score, tt.src, tt.dst); got != tt.want {
			t.Errorf("Rescale(%d, %s, %s) = %d, want %d", tt.score, tt.src.ID, tt.dst.ID, got, tt.want)
		}
	}
}

func TestReconcileCompletion(t *testing.T) {
	cat := catalog.Default()
	state := assessment.NewState(cat)
	for _, q := range cat.Questionnaires() {
		for _, item := range cat.ScorableItems(q.ID) {
			if item.ID == "Q9_PHQ9" {
				continue
			}
			state.Apply(assessment.Update{Questionnaire: string(q.ID), ItemID: item.ID, Score: 0})
		}
	}
	text := `{"bot_reply":"Thank you for sharing all of this.","conversation_type":"diagnostic","diagnostic_mapping":{"PHQ-9":{"Q9_PHQ9":{"score":0}}}}`
	oracle := &mockOracle{text: text}
	res, err := NewEngine(oracle, cat).Reconcile(context.Background(), newInput(state))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Complete || res.Continue {
		t.Errorf("Expected completion, got complete=%v continue=%v", res.Complete, res.Continue)
	}
	if !strings.Contains(oracle.bundles[0].User, `"Q9_PHQ9"`) {
		t.Error("Expected the last outstanding item in the bundle")
	}

	oracle2 := &mockOracle{text: `{"bot_reply":"Glad to keep chatting."}`}
	res, err = NewEngine(oracle2, cat).Reconcile(context.Background(), newInput(res.State))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Continue {
		t.Error("Expected continue=false once complete")
	}
	if strings.Contains(oracle2.bundles[0].User, "Unanswered questionnaire items") {
		t.Error("Expected no outstanding items to be requested once complete")
	}
}

func TestReconcileFreeTalkIgnoresProposals(t *testing.T) {
	cat := catalog.Default()
	state := assessment.NewState(cat)
	state.Apply(assessment.Update{Questionnaire: "PHQ-9", ItemID: "Q1_PHQ9", Score: 0})

	text := `{"bot_reply":"Happy to keep talking.","conversation_type":"diagnostic","diagnostic_mapping":{"PHQ-9":{"Q1_PHQ9":{"score":2},"Q2_PHQ9":{"score":"often"}}}}`
	oracle := &mockOracle{text: text}
	in := newInput(state)
	in.FreeTalk = true
	res, err := NewEngine(oracle, cat).Reconcile(context.Background(), in)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(res.Deltas) != 0 || res.Mapping.Len() != 0 || res.DiagnosticMatch {
		t.Errorf("Expected no applied scores, got deltas %+v mapping %+v", res.Deltas, res.Mapping)
	}
	if res.ConversationType != models.ConversationFreeTalk {
		t.Errorf("Expected free_talk, got %q", res.ConversationType)
	}
	if v, _ := res.State.Score("Q1_PHQ9"); v != 0 {
		t.Errorf("Expected Q1_PHQ9 to stay 0, got %d", v)
	}
	want := []models.Rejection{
		{Questionnaire: "PHQ-9", ItemID: "Q1_PHQ9", Score: intPtr(2), Reason: models.RejectFreeTalk},
		{Questionnaire: "PHQ-9", ItemID: "Q2_PHQ9", Reason: models.RejectFreeTalk},
	}
	sortRejections := cmpopts.SortSlices(func(a, b models.Rejection) bool { return a.ItemID < b.ItemID })
	if diff := cmp.Diff(want, res.Rejected, sortRejections, cmpopts.IgnoreFields(models.Rejection{}, "Detail")); diff != "" {
		t.Errorf("Rejections mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(oracle.bundles[0].User, "Unanswered questionnaire items") {
		t.Error("Expected no outstanding items in a free-talk bundle")
	}
}

func TestReconcileOracleFailures(t *testing.T) {
	cat := catalog.Default()
	state := assessment.NewState(cat)

	_, err := NewEngine(&mockOracle{err: errors.New("rate limited")}, cat).Reconcile(context.Background(), newInput(state))
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Errorf("Expected ErrOracleUnavailable, got %v", err)
	}

	e := NewEngine(&mockOracle{block: true}, cat, WithOracleTimeout(20*time.Millisecond))
	start := time.Now()
	_, err = e.Reconcile(context.Background(), newInput(state))
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Errorf("Expected ErrOracleUnavailable on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Oracle timeout not enforced")
	}
	if state.Len() != 0 {
		t.Error("Oracle failure must not mutate state")
	}
}

func TestBuildUserMessage(t *testing.T) {
	cat := catalog.Default()
	in := newInput(assessment.NewState(cat))
	for i := 1; i <= 15; i++ {
		in.History = append(in.History, models.Turn{ID: i, Transcript: "turn text", Reply: "reply"})
	}
	msg := BuildUserMessage(cat, in, 3)
	if strings.Contains(msg, `"turn_id":12,`) || !strings.Contains(msg, `"turn_id":13,`) {
		t.Errorf("Expected only the last 3 turns, got %s", msg)
	}
	for _, want := range []string{
		"Speech sentiment: negative (confidence 88/100)",
		"Dominant facial emotion: sad (confidence 71/100)",
		`"Q1_PHQ9"`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in user message", want)
		}
	}
	if strings.Contains(msg, "Q10_PHQ9") {
		t.Error("Non-scored items must not be listed as outstanding")
	}

	sys := BuildSystemPrompt(cat)
	if !strings.Contains(sys, "Q21_PCL5") || !strings.Contains(sys, "anhedonia: Q1_PHQ9, Q12_PCL5") {
		t.Error("Expected system prompt to list catalog items and comorbid sets")
	}
}
