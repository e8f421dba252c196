package flow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/genai"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
	"github.com/BTreeMap/CheckIn/internal/store"
)

// scriptedOracle replays canned responses in order, repeating the last one.
type scriptedOracle struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	bundles   []genai.PromptBundle
}

func (o *scriptedOracle) Generate(ctx context.Context, bundle genai.PromptBundle) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.bundles = append(o.bundles, bundle)
	if o.err != nil {
		return "", o.err
	}
	if len(o.responses) == 0 {
		return "", nil
	}
	i := o.calls - 1
	if i >= len(o.responses) {
		i = len(o.responses) - 1
	}
	return o.responses[i], nil
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(t *testing.T, oracle genai.Oracle, opts ...Option) (*Service, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	engine := reconcile.NewEngine(oracle, catalog.Default(), reconcile.WithOracleTimeout(2*time.Second))
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	return NewService(st, engine, opts...), st
}

func oracleReply(t *testing.T, reply string, conversationType models.ConversationType, mapping models.DiagnosticMapping) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"bot_reply":          reply,
		"conversation_type":  conversationType,
		"diagnostic_match":   mapping.Len() > 0,
		"diagnostic_mapping": mapping,
	})
	if err != nil {
		t.Fatalf("marshal oracle reply: %v", err)
	}
	return string(data)
}

// fullMapping scores every scorable item in the catalog with score.
func fullMapping(cat *catalog.Catalog, score int) models.DiagnosticMapping {
	m := models.DiagnosticMapping{}
	for _, q := range cat.Questionnaires() {
		for _, item := range cat.ScorableItems(q.ID) {
			m.Set(q.ID, item.ID, models.ScoreEntry{Score: score})
		}
	}
	return m
}

func transcription(text string) *models.RawTranscription {
	conf := 0.9
	return &models.RawTranscription{Transcript: &text, Sentiment: "negative", SentimentConfidence: &conf}
}
