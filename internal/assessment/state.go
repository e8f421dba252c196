// Package assessment holds the per-session questionnaire state: which items are
// answered, how updates are applied, and when the assessment is complete.
package assessment

import (
	"fmt"
	"math"

	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/models"
)

// Outcome is the result class of applying one item update.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRejected  Outcome = "rejected"
)

// Update is a proposed score for one item. Questionnaire is the raw name as
// produced upstream and is normalized during Apply.
type Update struct {
	Questionnaire string
	ItemID        string
	Score         int
	Revision      bool
}

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Outcome   Outcome
	Delta     *models.ScoreDelta
	Rejection *models.Rejection
}

// State is the questionnaire state of one session. It is not safe for
// concurrent use; callers serialize access per session.
type State struct {
	cat    *catalog.Catalog
	scores map[string]int
}

// NewState returns a state with every item unanswered.
func NewState(cat *catalog.Catalog) *State {
	return &State{cat: cat, scores: make(map[string]int)}
}

// FromScores rebuilds a state from persisted scores. Rows for items the
// catalog does not know are dropped.
func FromScores(cat *catalog.Catalog, rows []models.ItemScore) *State {
	s := NewState(cat)
	for _, r := range rows {
		item, ok := cat.Item(r.ItemID)
		if !ok || item.Questionnaire != r.Questionnaire || !item.InRange(r.Score) {
			continue
		}
		s.scores[r.ItemID] = r.Score
	}
	return s
}

// Catalog returns the catalog the state validates against.
func (s *State) Catalog() *catalog.Catalog { return s.cat }

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := &State{cat: s.cat, scores: make(map[string]int, len(s.scores))}
	for k, v := range s.scores {
		c.scores[k] = v
	}
	return c
}

// Score returns the recorded score for an item.
func (s *State) Score(itemID string) (int, bool) {
	v, ok := s.scores[itemID]
	return v, ok
}

// Apply validates and applies one update. It never panics; invalid updates
// come back as rejections and leave the state untouched.
func (s *State) Apply(u Update) ApplyResult {
	reject := func(reason models.RejectionReason, detail string) ApplyResult {
		score := u.Score
		return ApplyResult{
			Outcome: OutcomeRejected,
			Rejection: &models.Rejection{
				Questionnaire: u.Questionnaire,
				ItemID:        u.ItemID,
				Score:         &score,
				Reason:        reason,
				Detail:        detail,
			},
		}
	}

	q, ok := models.ParseQuestionnaire(u.Questionnaire)
	if !ok {
		return reject(models.RejectUnknownQuestionnaire, "questionnaire is not in the catalog")
	}
	item, ok := s.cat.Item(u.ItemID)
	if !ok {
		return reject(models.RejectUnknownItem, "item id is not in the catalog")
	}
	if item.Questionnaire != q {
		return reject(models.RejectQuestionnaireMismatch, fmt.Sprintf("item belongs to %s", item.Questionnaire))
	}
	if !item.InRange(u.Score) {
		return reject(models.RejectOutOfRange, fmt.Sprintf("score must be between %d and %d", item.Min, item.Max))
	}

	prev, had := s.scores[u.ItemID]
	if had && prev == u.Score {
		return ApplyResult{Outcome: OutcomeUnchanged}
	}
	if had && prev != 0 && !u.Revision {
		return reject(models.RejectSilentOverwrite, fmt.Sprintf("item already scored %d; rescoring must be marked as a revision", prev))
	}

	s.scores[u.ItemID] = u.Score
	delta := &models.ScoreDelta{Questionnaire: q, ItemID: u.ItemID, Score: u.Score}
	if had {
		p := prev
		delta.Previous = &p
		delta.Revision = prev != 0
	}
	return ApplyResult{Outcome: OutcomeApplied, Delta: delta}
}

// Outstanding lists unanswered scorable items per questionnaire, in catalog
// order. Questionnaires with nothing outstanding are omitted.
func (s *State) Outstanding() map[models.Questionnaire][]string {
	out := make(map[models.Questionnaire][]string)
	for _, q := range s.cat.Questionnaires() {
		for _, item := range q.Items {
			if !item.Scored {
				continue
			}
			if _, ok := s.scores[item.ID]; !ok {
				out[q.ID] = append(out[q.ID], item.ID)
			}
		}
	}
	return out
}

// QuestionnaireComplete reports whether every scorable item of q has a
// recorded score. Zero counts as recorded.
func (s *State) QuestionnaireComplete(q models.Questionnaire) bool {
	items := s.cat.ScorableItems(q)
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if _, ok := s.scores[item.ID]; !ok {
			return false
		}
	}
	return true
}

// Complete reports whether all questionnaires are complete.
func (s *State) Complete() bool {
	for _, q := range s.cat.Questionnaires() {
		if !s.QuestionnaireComplete(q.ID) {
			return false
		}
	}
	return true
}

// Progress counts answered scorable items.
func (s *State) Progress() models.Progress {
	total := s.cat.ScorableCount()
	answered := 0
	for id := range s.scores {
		if item, ok := s.cat.Item(id); ok && item.Scored {
			answered++
		}
	}
	p := models.Progress{Answered: answered, Total: total}
	if total > 0 {
		p.Percentage = int(math.Round(float64(answered) / float64(total) * 100))
	}
	return p
}

// Mapping returns the recorded scores in diagnostic-mapping shape.
func (s *State) Mapping() models.DiagnosticMapping {
	m := models.DiagnosticMapping{}
	for id, score := range s.scores {
		item, ok := s.cat.Item(id)
		if !ok {
			continue
		}
		m.Set(item.Questionnaire, id, models.ScoreEntry{Score: score})
	}
	return m
}

// Len is the number of recorded items, scored or not.
func (s *State) Len() int { return len(s.scores) }
