package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/genai"
	"github.com/BTreeMap/CheckIn/internal/models"
)

const systemPreamble = `You are a warm, attentive check-in companion helping a person complete a
self-assessment for depression (PHQ-9), generalized anxiety (GAD-7) and PTSD
(PCL-5) through natural conversation. Never read items aloud as a survey and
never offer a numeric scale; ask the way a thoughtful therapist would.

Each turn you receive the person's transcript, their speech sentiment with a
confidence from 0 to 100, their dominant facial emotion with a confidence from
0 to 100 plus the full emotion distribution, recent turns, and the
questionnaire items that are still unanswered with their score ranges.

Rules:
- The transcript is authoritative. When sentiment or facial emotion disagree
  with what the person actually said, follow the words.
- When the words are ambiguous, weigh the sentiment and emotion signals and
  trust whichever has the higher confidence.
- Only score an item when the person's words support a specific frequency or
  severity. Ask a gentle follow-up instead of guessing.
- Use the exact item ids listed below and only scores inside each item's range.
- Several items describe the same symptom across questionnaires. When you
  score one of them, score its counterparts too.
- An item that already has a score may only be changed when the person
  clearly corrects themselves; mark such an entry with "revision": true.
- Vary your phrasing from turn to turn.`

const outputContract = `Reply with a single JSON object and nothing else:
{
  "bot_reply": string,
  "conversation_type": "free_talk" | "diagnostic" | "transition",
  "diagnostic_match": boolean,
  "diagnostic_mapping": {
    "<questionnaire>": { "<item id>": {"score": integer, "revision": boolean} }
  }
}
Use "diagnostic" when this turn answers an item, "transition" when you steer
back toward the assessment, "free_talk" otherwise. Omit diagnostic_mapping or
leave it empty when nothing was scored.`

const completedNote = `All questionnaire items have been answered. Keep talking with the person
supportively and do not ask further assessment questions.`

// BuildSystemPrompt renders the catalog-driven system prompt.
func BuildSystemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\nQuestionnaire items (catalog ")
	b.WriteString(cat.Version())
	b.WriteString("):\n")
	for _, q := range cat.Questionnaires() {
		fmt.Fprintf(&b, "%s (%s):\n", q.ID, q.Name)
		for _, item := range q.Items {
			note := ""
			if !item.Scored {
				note = " [functional impact, optional]"
			}
			fmt.Fprintf(&b, "  %s [%d-%d]%s %s\n", item.ID, item.Min, item.Max, note, item.Text)
		}
	}
	if sets := cat.ComorbidSets(); len(sets) > 0 {
		b.WriteString("\nOverlapping items (score together):\n")
		for _, set := range sets {
			ids := make([]string, len(set.Members))
			for i, m := range set.Members {
				ids[i] = m.ItemID
			}
			fmt.Fprintf(&b, "  %s: %s\n", set.Name, strings.Join(ids, ", "))
		}
	}
	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

type pastTurn struct {
	TurnID int    `json:"turn_id"`
	User   string `json:"user"`
	Reply  string `json:"bot_reply"`
	Type   string `json:"conversation_type,omitempty"`
	Safety bool   `json:"safety_interrupt,omitempty"`
}

type outstandingItem struct {
	ID    string `json:"id"`
	Range [2]int `json:"range"`
	Text  string `json:"text"`
}

// BuildUserMessage renders the per-turn input bundle. Output is deterministic
// for a given input.
func BuildUserMessage(cat *catalog.Catalog, in Input, historyLimit int) string {
	var b strings.Builder
	sig := in.Signal

	fmt.Fprintf(&b, "User transcript: %s\n", sig.Transcript)
	fmt.Fprintf(&b, "Speech sentiment: %s (confidence %.0f/100)\n", sig.Sentiment, sig.SentimentConfidence)
	fmt.Fprintf(&b, "Dominant facial emotion: %s (confidence %.0f/100)\n", sig.DominantEmotion, sig.EmotionConfidence)
	fmt.Fprintf(&b, "Emotion distribution: %s\n", mustJSON(sig.Emotions))
	if sig.Demographics != nil {
		fmt.Fprintf(&b, "Demographics (advisory only): %s\n", mustJSON(sig.Demographics))
	}

	history := in.History
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	past := make([]pastTurn, 0, len(history))
	for _, t := range history {
		past = append(past, pastTurn{
			TurnID: t.ID,
			User:   t.Transcript,
			Reply:  t.Reply,
			Type:   string(t.ConversationType),
			Safety: t.SafetyTriggered,
		})
	}
	fmt.Fprintf(&b, "Past turns: %s\n", mustJSON(past))

	if in.State != nil {
		fmt.Fprintf(&b, "Already scored: %s\n", mustJSON(in.State.Mapping()))
	}

	outstanding := in.outstanding()
	if len(outstanding) == 0 {
		b.WriteString(completedNote)
		b.WriteString("\n")
		return b.String()
	}

	grouped := make(map[models.Questionnaire][]outstandingItem, len(outstanding))
	for q, ids := range outstanding {
		for _, id := range ids {
			item, ok := cat.Item(id)
			if !ok {
				continue
			}
			grouped[q] = append(grouped[q], outstandingItem{ID: id, Range: [2]int{item.Min, item.Max}, Text: item.Text})
		}
	}
	fmt.Fprintf(&b, "Unanswered questionnaire items: %s\n", mustJSON(grouped))
	return b.String()
}

// BuildBundle assembles the full oracle input for a turn.
func BuildBundle(cat *catalog.Catalog, in Input, historyLimit int) genai.PromptBundle {
	return genai.PromptBundle{
		System: BuildSystemPrompt(cat),
		User:   BuildUserMessage(cat, in, historyLimit),
	}
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
