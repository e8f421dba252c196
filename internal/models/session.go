package models

import (
	"strings"
	"time"
)

// Questionnaire identifies one of the fixed screening instruments.
type Questionnaire string

const (
	// PHQ9 is the Patient Health Questionnaire (depression).
	PHQ9 Questionnaire = "PHQ-9"
	// GAD7 is the Generalized Anxiety Disorder scale.
	GAD7 Questionnaire = "GAD-7"
	// PCL5 is the PTSD Checklist for DSM-5.
	PCL5 Questionnaire = "PCL-5"
)

// Questionnaires lists every instrument in presentation order.
var Questionnaires = []Questionnaire{PHQ9, GAD7, PCL5}

// ParseQuestionnaire accepts the canonical names plus common spellings
// ("PHQ9", "phq-9", "PHQ 9") and returns the canonical value.
func ParseQuestionnaire(name string) (Questionnaire, bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "", " ", "").Replace(n)
	switch n {
	case "PHQ9":
		return PHQ9, true
	case "GAD7":
		return GAD7, true
	case "PCL5":
		return PCL5, true
	default:
		return "", false
	}
}

// ConversationType tags what a turn did in the conversation.
type ConversationType string

const (
	ConversationFreeTalk   ConversationType = "free_talk"
	ConversationDiagnostic ConversationType = "diagnostic"
	ConversationTransition ConversationType = "transition"
)

// ParseConversationType normalizes a conversation type. The misspelling
// "transtion" shows up in model output and is accepted as transition.
func ParseConversationType(s string) (ConversationType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free_talk", "free talk", "freetalk":
		return ConversationFreeTalk, true
	case "diagnostic":
		return ConversationDiagnostic, true
	case "transition", "transtion":
		return ConversationTransition, true
	default:
		return "", false
	}
}

// Sentiment is the speech sentiment label.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// UnknownEmotion is the dominant emotion when the vision collaborator gave nothing usable.
const UnknownEmotion = "unknown"

// Demographics is advisory vision output. It is never used in scoring.
type Demographics struct {
	Age    *int   `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
}

// Signal is the normalized sensory record for a turn.
type Signal struct {
	Transcript          string             `json:"transcript"`
	Sentiment           Sentiment          `json:"sentiment"`
	SentimentConfidence float64            `json:"sentiment_confidence"` // 0-100
	DominantEmotion     string             `json:"dominant_emotion"`
	EmotionConfidence   float64            `json:"emotion_confidence"` // 0-100, probability of the dominant emotion
	Emotions            map[string]float64 `json:"emotions"`           // label -> probability 0..1
	Demographics        *Demographics      `json:"demographics,omitempty"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive         SessionStatus = "active"
	SessionStatusEndedComplete  SessionStatus = "ended-complete"
	SessionStatusEndedPremature SessionStatus = "ended-premature"
	SessionStatusResumed        SessionStatus = "resumed"
)

// IsTerminal reports whether the status closes the session to new turns.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEndedComplete || s == SessionStatusEndedPremature
}

// Session is one user's ongoing assessment.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	SafetyFlag     bool          `json:"safety_flag"`
	CatalogVersion string        `json:"catalog_version"`
	TurnCount      int           `json:"turn_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	ResumedAt      *time.Time    `json:"resumed_at,omitempty"`
}

// ScoreEntry is the per-item payload in a diagnostic mapping.
type ScoreEntry struct {
	Score    int  `json:"score"`
	Revision bool `json:"revision,omitempty"`
}

// DiagnosticMapping is questionnaire -> item id -> score, the wire shape shared
// with the language model output.
type DiagnosticMapping map[Questionnaire]map[string]ScoreEntry

// Set records a score, allocating the inner map when needed.
func (m DiagnosticMapping) Set(q Questionnaire, itemID string, entry ScoreEntry) {
	if m[q] == nil {
		m[q] = make(map[string]ScoreEntry)
	}
	m[q][itemID] = entry
}

// Lookup returns the entry for an item if present.
func (m DiagnosticMapping) Lookup(q Questionnaire, itemID string) (ScoreEntry, bool) {
	items, ok := m[q]
	if !ok {
		return ScoreEntry{}, false
	}
	e, ok := items[itemID]
	return e, ok
}

// Len counts item entries across all questionnaires.
func (m DiagnosticMapping) Len() int {
	n := 0
	for _, items := range m {
		n += len(items)
	}
	return n
}

// ItemScore is one recorded answer in a session's questionnaire state.
type ItemScore struct {
	SessionID     string        `json:"session_id"`
	Questionnaire Questionnaire `json:"questionnaire"`
	ItemID        string        `json:"item_id"`
	Score         int           `json:"score"`
	TurnID        int           `json:"turn_id"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ItemRevision records an explicit rescoring of an item that already had a nonzero score.
type ItemRevision struct {
	SessionID     string        `json:"session_id"`
	Questionnaire Questionnaire `json:"questionnaire"`
	ItemID        string        `json:"item_id"`
	Previous      int           `json:"previous"`
	Score         int           `json:"score"`
	TurnID        int           `json:"turn_id"`
	RevisedAt     time.Time     `json:"revised_at"`
}

// RejectionReason explains why an item update was not applied.
type RejectionReason string

const (
	RejectUnknownItem           RejectionReason = "unknown_item"
	RejectUnknownQuestionnaire  RejectionReason = "unknown_questionnaire"
	RejectQuestionnaireMismatch RejectionReason = "questionnaire_mismatch"
	RejectOutOfRange            RejectionReason = "out_of_range"
	RejectInvalidScore          RejectionReason = "invalid_score"
	RejectSilentOverwrite       RejectionReason = "overwrite_without_revision"
	RejectComorbidConflict      RejectionReason = "comorbid_conflict"
	RejectFreeTalk              RejectionReason = "free_talk_session"
)

// Rejection is an InvalidItemUpdate reported back for observability.
type Rejection struct {
	Questionnaire string          `json:"questionnaire"`
	ItemID        string          `json:"item_id"`
	Score         *int            `json:"score,omitempty"`
	Reason        RejectionReason `json:"reason"`
	Detail        string          `json:"detail,omitempty"`
}

// ScoreDelta is a state change applied by a turn.
type ScoreDelta struct {
	Questionnaire Questionnaire `json:"questionnaire"`
	ItemID        string        `json:"item_id"`
	Previous      *int          `json:"previous,omitempty"`
	Score         int           `json:"score"`
	Revision      bool          `json:"revision,omitempty"`
	Derived       bool          `json:"derived,omitempty"` // filled in from a comorbid sibling
}

// Turn is one immutable exchange in a session.
type Turn struct {
	ID               int               `json:"id"`
	SessionID        string            `json:"session_id"`
	TurnKey          string            `json:"turn_key,omitempty"`
	Transcript       string            `json:"transcript"`
	Signal           Signal            `json:"signal"`
	Reply            string            `json:"reply"`
	ConversationType ConversationType  `json:"conversation_type"`
	Mapping          DiagnosticMapping `json:"diagnostic_mapping,omitempty"`
	Deltas           []ScoreDelta      `json:"deltas,omitempty"`
	Rejected         []Rejection       `json:"rejected,omitempty"`
	SafetyTriggered  bool              `json:"safety_triggered"`
	Degraded         bool              `json:"degraded,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TriggerEvent is produced by the safety gate. It is never deleted.
type TriggerEvent struct {
	SessionID string    `json:"session_id"`
	TurnID    int       `json:"turn_id"`
	Phrase    string    `json:"phrase"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress counts answered scorable items.
type Progress struct {
	Answered   int `json:"answered"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// TurnResult is the payload returned to the boundary for one turn.
type TurnResult struct {
	SessionID         string            `json:"session_id"`
	TurnID            int               `json:"turn_id"`
	BotReply          string            `json:"bot_reply"`
	ConversationType  ConversationType  `json:"conversation_type"`
	DiagnosticMatch   bool              `json:"diagnostic_match"`
	DiagnosticMapping DiagnosticMapping `json:"diagnostic_mapping"`
	Rejected          []Rejection       `json:"rejected,omitempty"`
	SessionComplete   bool              `json:"session_complete"`
	Continue          bool              `json:"continue"`
	SafetyTriggered   bool              `json:"safety_triggered"`
	Trigger           *TriggerEvent     `json:"trigger,omitempty"`
	Degraded          bool              `json:"degraded,omitempty"`
	Replayed          bool              `json:"replayed,omitempty"`
	Status            SessionStatus     `json:"status"`
	Progress          Progress          `json:"progress"`
}

// Assessment is the scored result of one questionnaire.
type Assessment struct {
	Questionnaire Questionnaire `json:"questionnaire"`
	Name          string        `json:"name"`
	Score         int           `json:"score"`
	MaxScore      int           `json:"max_score"`
	Percentage    int           `json:"percentage"`
	Severity      string        `json:"severity"`
	Answered      int           `json:"answered"`
	Items         int           `json:"items"`
	Complete      bool          `json:"complete"`
}

// Summary is the end-of-assessment report for a session.
type Summary struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	CatalogVersion  string        `json:"catalog_version"`
	Assessments     []Assessment  `json:"assessments"`
	ClinicalInsight string        `json:"clinical_insight"`
	Progress        Progress      `json:"progress"`
	SafetyFlag      bool          `json:"safety_flag"`
	GeneratedAt     time.Time     `json:"generated_at"`
}
