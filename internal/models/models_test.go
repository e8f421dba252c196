package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAPIResponseEnvelope(t *testing.T) {
	resp := SuccessWithMessage("created", map[string]string{"id": "abc"})
	if resp.Status != string(APIStatusOK) {
		t.Errorf("Expected status %q, got %q", APIStatusOK, resp.Status)
	}
	if resp.Message != "created" {
		t.Errorf("Expected message 'created', got %q", resp.Message)
	}

	errResp := Error("boom")
	data, err := json.Marshal(errResp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "result") {
		t.Errorf("Error response should omit result, got %s", data)
	}
}

func TestParseQuestionnaire(t *testing.T) {
	tests := []struct {
		in   string
		want Questionnaire
		ok   bool
	}{
		{"PHQ-9", PHQ9, true},
		{"phq9", PHQ9, true},
		{"GAD 7", GAD7, true},
		{"pcl_5", PCL5, true},
		{"BDI-II", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseQuestionnaire(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseQuestionnaire(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseConversationTypeAcceptsMisspelling(t *testing.T) {
	got, ok := ParseConversationType("transtion")
	if !ok || got != ConversationTransition {
		t.Errorf("Expected transition, got (%q, %v)", got, ok)
	}
	if _, ok := ParseConversationType("chitchat"); ok {
		t.Error("Expected unknown conversation type to be rejected")
	}
}

func TestTurnRequestValidation(t *testing.T) {
	text := "hello"
	tests := []struct {
		name    string
		request TurnRequest
		wantErr error
	}{
		{
			name:    "valid",
			request: TurnRequest{Transcription: &RawTranscription{Transcript: &text}},
		},
		{
			name:    "missing transcription",
			request: TurnRequest{},
			wantErr: ErrMissingTranscription,
		},
		{
			name: "turn key too long",
			request: TurnRequest{
				TurnKey:       strings.Repeat("k", MaxTurnKeyLength+1),
				Transcription: &RawTranscription{Transcript: &text},
			},
			wantErr: ErrTurnKeyTooLong,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDiagnosticMappingHelpers(t *testing.T) {
	m := DiagnosticMapping{}
	m.Set(PHQ9, "Q1_PHQ9", ScoreEntry{Score: 2})
	m.Set(GAD7, "Q1_GAD7", ScoreEntry{Score: 1})
	if m.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", m.Len())
	}
	e, ok := m.Lookup(PHQ9, "Q1_PHQ9")
	if !ok || e.Score != 2 {
		t.Errorf("Lookup returned (%+v, %v)", e, ok)
	}
	if _, ok := m.Lookup(PCL5, "Q1_PCL5"); ok {
		t.Error("Expected missing lookup to fail")
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	if !SessionStatusEndedComplete.IsTerminal() || !SessionStatusEndedPremature.IsTerminal() {
		t.Error("ended statuses should be terminal")
	}
	if SessionStatusActive.IsTerminal() || SessionStatusResumed.IsTerminal() {
		t.Error("active and resumed should not be terminal")
	}
}
