// Package reconcile maps a normalized turn onto questionnaire items by
// consulting the language-model oracle, then validates and applies what the
// oracle proposed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/BTreeMap/CheckIn/internal/assessment"
	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/genai"
	"github.com/BTreeMap/CheckIn/internal/models"
)

// ErrOracleUnavailable means the oracle failed or timed out. No state was changed.
var ErrOracleUnavailable = errors.New("oracle unavailable")

// SafeReply is sent when oracle output cannot be used.
const SafeReply = "Sorry, I didn't quite catch that. Could you try recording another response? " +
	"It helps to keep your face visible if you're recording video and to make sure your microphone isn't covered."

// Defaults for Engine options.
const (
	DefaultOracleTimeout = 45 * time.Second
	DefaultHistoryLimit  = 10
)

// Input is everything the engine needs for one turn.
type Input struct {
	SessionID string
	Signal    models.Signal
	History   []models.Turn
	// Outstanding overrides the unanswered items sent to the oracle. When nil
	// it is derived from State.
	Outstanding map[models.Questionnaire][]string
	State       *assessment.State
	// FreeTalk marks a turn whose scores are closed. Nothing is outstanding
	// and every proposal is rejected; the state is returned unchanged.
	FreeTalk bool
}

func (in Input) outstanding() map[models.Questionnaire][]string {
	if in.FreeTalk {
		return map[models.Questionnaire][]string{}
	}
	if in.Outstanding != nil {
		return in.Outstanding
	}
	if in.State == nil {
		return nil
	}
	return in.State.Outstanding()
}

// Result is the outcome of reconciling one turn. State is an updated copy of
// the input state; the input state is never modified.
type Result struct {
	Reply            string
	ConversationType models.ConversationType
	DiagnosticMatch  bool
	Mapping          models.DiagnosticMapping
	Deltas           []models.ScoreDelta
	Rejected         []models.Rejection
	Continue         bool
	Complete         bool
	Degraded         bool
	State            *assessment.State
}

// Opts holds configuration for the Engine.
type Opts struct {
	Timeout      time.Duration
	HistoryLimit int
}

// Option configures the Engine.
type Option func(*Opts)

// WithOracleTimeout bounds each oracle call.
func WithOracleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHistoryLimit bounds how many past turns are sent to the oracle.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// Engine reconciles turns against a catalog using an oracle. It is safe for
// concurrent use across sessions.
type Engine struct {
	oracle       genai.Oracle
	cat          *catalog.Catalog
	timeout      time.Duration
	historyLimit int
	order        map[string]int
	qOrder       map[models.Questionnaire]int
}

// NewEngine creates an Engine.
func NewEngine(oracle genai.Oracle, cat *catalog.Catalog, opts ...Option) *Engine {
	cfg := Opts{Timeout: DefaultOracleTimeout, HistoryLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOracleTimeout
	}
	e := &Engine{
		oracle:       oracle,
		cat:          cat,
		timeout:      cfg.Timeout,
		historyLimit: cfg.HistoryLimit,
		order:        make(map[string]int),
		qOrder:       make(map[models.Questionnaire]int),
	}
	n := 0
	for qi, q := range cat.Questionnaires() {
		e.qOrder[q.ID] = qi
		for _, item := range q.Items {
			e.order[item.ID] = n
			n++
		}
	}
	return e
}

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Reconcile runs one turn through the oracle. Oracle failures return
// ErrOracleUnavailable. Unusable oracle text is not an error: the result is
// the safe default with Degraded set.
func (e *Engine) Reconcile(ctx context.Context, in Input) (Result, error) {
	if in.State == nil {
		in.State = assessment.NewState(e.cat)
	}
	bundle := BuildBundle(e.cat, in, e.historyLimit)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	text, err := e.oracle.Generate(callCtx, bundle)
	if err != nil {
		slog.Error("Engine.Reconcile: oracle call failed", "sessionID", in.SessionID, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return e.apply(in, text), nil
}

// Apply is the deterministic half of Reconcile: given the oracle text it
// validates, applies and resolves comorbid items.
func (e *Engine) Apply(in Input, text string) Result {
	if in.State == nil {
		in.State = assessment.NewState(e.cat)
	}
	return e.apply(in, text)
}

func (e *Engine) apply(in Input, text string) Result {
	state := in.State.Clone()

	out, err := parseOracleOutput(text)
	if err != nil {
		slog.Warn("Engine.Reconcile: oracle output unusable, returning safe default",
			"sessionID", in.SessionID, "error", err, "chars", len(text))
		complete := state.Complete()
		return Result{
			Reply:            SafeReply,
			ConversationType: models.ConversationFreeTalk,
			Mapping:          models.DiagnosticMapping{},
			Continue:         !complete,
			Complete:         complete,
			Degraded:         true,
			State:            state,
		}
	}
	if out.Repaired {
		slog.Info("Engine.Reconcile: oracle output repaired", "sessionID", in.SessionID)
	}

	res := Result{
		Reply:    out.Reply,
		Mapping:  models.DiagnosticMapping{},
		State:    state,
		Rejected: []models.Rejection{},
	}

	proposals := out.Proposals
	if in.FreeTalk {
		e.rejectAll(in, proposals, &res)
		complete := state.Complete()
		res.ConversationType = models.ConversationFreeTalk
		res.Complete = complete
		res.Continue = !complete
		return res
	}
	sort.SliceStable(proposals, func(i, j int) bool { return e.less(proposals[i], proposals[j]) })

	explicit := make(map[string]int)
	for _, p := range proposals {
		if p.Err != nil {
			res.Rejected = append(res.Rejected, models.Rejection{
				Questionnaire: p.Questionnaire,
				ItemID:        p.ItemID,
				Reason:        models.RejectInvalidScore,
				Detail:        fmt.Sprintf("%v: %s", p.Err, p.Raw),
			})
			continue
		}
		ar := state.Apply(assessment.Update{
			Questionnaire: p.Questionnaire,
			ItemID:        p.ItemID,
			Score:         p.Score,
			Revision:      p.Revision,
		})
		switch ar.Outcome {
		case assessment.OutcomeRejected:
			res.Rejected = append(res.Rejected, *ar.Rejection)
		case assessment.OutcomeApplied:
			res.Deltas = append(res.Deltas, *ar.Delta)
			explicit[p.ItemID] = p.Score
			res.Mapping.Set(ar.Delta.Questionnaire, p.ItemID, models.ScoreEntry{Score: p.Score, Revision: ar.Delta.Revision})
		case assessment.OutcomeUnchanged:
			explicit[p.ItemID] = p.Score
			if item, ok := e.cat.Item(p.ItemID); ok {
				res.Mapping.Set(item.Questionnaire, p.ItemID, models.ScoreEntry{Score: p.Score})
			}
		}
	}

	e.propagate(state, explicit, &res)

	for _, r := range res.Rejected {
		slog.Info("Engine.Reconcile: item update rejected", "sessionID", in.SessionID,
			"questionnaire", r.Questionnaire, "item", r.ItemID, "reason", r.Reason)
	}

	res.DiagnosticMatch = res.Mapping.Len() > 0
	if ct, ok := models.ParseConversationType(out.ConversationType); ok {
		res.ConversationType = ct
	} else if len(res.Deltas) > 0 {
		res.ConversationType = models.ConversationDiagnostic
	} else {
		res.ConversationType = models.ConversationFreeTalk
	}
	res.Complete = state.Complete()
	res.Continue = !res.Complete
	return res
}

// rejectAll reports every proposal of a free-talk turn without touching state.
func (e *Engine) rejectAll(in Input, proposals []proposal, res *Result) {
	for _, p := range proposals {
		r := models.Rejection{
			Questionnaire: p.Questionnaire,
			ItemID:        p.ItemID,
			Reason:        models.RejectFreeTalk,
			Detail:        "scores are closed for this session",
		}
		if p.Err == nil {
			score := p.Score
			r.Score = &score
		}
		res.Rejected = append(res.Rejected, r)
	}
	if len(res.Rejected) > 0 {
		slog.Info("Engine.Reconcile: free-talk proposals ignored", "sessionID", in.SessionID, "count", len(res.Rejected))
	}
}

// propagate keeps comorbid siblings in line with the basis, the first set
// member in table order with an accepted nonzero explicit score this turn.
// Siblings the oracle scored explicitly are kept as given. Unanswered or zero
// siblings get the rescaled basis. A nonzero sibling that tracked the basis
// before a revision is revised with it; any other disagreeing sibling is
// reported as a comorbid conflict and left as recorded.
func (e *Engine) propagate(state *assessment.State, explicit map[string]int, res *Result) {
	for _, set := range e.cat.ComorbidSets() {
		basis := ""
		for _, m := range set.Members {
			if score, ok := explicit[m.ItemID]; ok && score != 0 {
				basis = m.ItemID
				break
			}
		}
		if basis == "" {
			continue
		}
		src, _ := e.cat.Item(basis)
		prevBasis := revisedFrom(res.Deltas, basis)

		for _, m := range set.Members {
			if _, ok := explicit[m.ItemID]; ok {
				continue
			}
			dst, ok := e.cat.Item(m.ItemID)
			if !ok {
				continue
			}
			want := Rescale(explicit[basis], src, dst)
			update := assessment.Update{Questionnaire: string(dst.Questionnaire), ItemID: dst.ID, Score: want}

			if cur, had := state.Score(dst.ID); had && cur != 0 && cur != want {
				if prevBasis == nil || Rescale(*prevBasis, src, dst) != cur {
					score := want
					res.Rejected = append(res.Rejected, models.Rejection{
						Questionnaire: string(dst.Questionnaire),
						ItemID:        dst.ID,
						Score:         &score,
						Reason:        models.RejectComorbidConflict,
						Detail:        fmt.Sprintf("%s=%d implies %d but %d is recorded; score it explicitly with revision", basis, explicit[basis], want, cur),
					})
					continue
				}
				update.Revision = true
			}

			ar := state.Apply(update)
			if ar.Outcome != assessment.OutcomeApplied {
				continue
			}
			ar.Delta.Derived = true
			res.Deltas = append(res.Deltas, *ar.Delta)
			res.Mapping.Set(dst.Questionnaire, dst.ID, models.ScoreEntry{Score: want, Revision: ar.Delta.Revision})
		}
	}
}

// revisedFrom returns the previous nonzero score of itemID when this turn
// revised it, or nil.
func revisedFrom(deltas []models.ScoreDelta, itemID string) *int {
	for _, d := range deltas {
		if d.ItemID == itemID && d.Revision && d.Previous != nil {
			return d.Previous
		}
	}
	return nil
}

// Rescale maps a score from one item's range onto another's, rounding half
// away from zero and clamping to the destination range.
func Rescale(score int, src, dst catalog.Item) int {
	srcSpan := src.Max - src.Min
	dstSpan := dst.Max - dst.Min
	if srcSpan <= 0 || dstSpan <= 0 {
		return dst.Min
	}
	v := float64(score-src.Min)*float64(dstSpan)/float64(srcSpan) + float64(dst.Min)
	out := int(math.Round(v))
	if out < dst.Min {
		out = dst.Min
	}
	if out > dst.Max {
		out = dst.Max
	}
	return out
}

// less orders proposals by questionnaire then catalog position, with unknown
// names and ids last in lexical order.
func (e *Engine) less(a, b proposal) bool {
	qa, qb := e.questionnaireRank(a.Questionnaire), e.questionnaireRank(b.Questionnaire)
	if qa != qb {
		return qa < qb
	}
	if a.Questionnaire != b.Questionnaire {
		return a.Questionnaire < b.Questionnaire
	}
	ia, oka := e.order[a.ItemID]
	ib, okb := e.order[b.ItemID]
	switch {
	case oka && okb:
		return ia < ib
	case oka != okb:
		return oka
	default:
		return a.ItemID < b.ItemID
	}
}

func (e *Engine) questionnaireRank(name string) int {
	if q, ok := models.ParseQuestionnaire(name); ok {
		if r, ok := e.qOrder[q]; ok {
			return r
		}
	}
	return len(e.qOrder)
}
