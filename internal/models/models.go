// Package models defines the core data structures for CheckIn.
//
// It includes the session, turn, signal and questionnaire types shared across
// modules, plus the JSON envelope used by every API response.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxTranscriptLength defines the maximum accepted transcript length in bytes
	MaxTranscriptLength = 16384
	// MaxSessionNameLength defines the maximum allowed length for a session name
	MaxSessionNameLength = 50
	// MaxTurnKeyLength defines the maximum allowed length for a client turn key
	MaxTurnKeyLength = 128
)

// Error variables for request validation
var (
	ErrTranscriptTooLong    = errors.New("transcript exceeds maximum length")
	ErrSessionNameTooLong   = errors.New("session name exceeds maximum length")
	ErrTurnKeyTooLong       = errors.New("turn_key exceeds maximum length")
	ErrMissingTranscription = errors.New("transcription is required")
	ErrMissingMediaURL      = errors.New("audio_url or video_url is required")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// CreateSessionRequest is the payload for POST /sessions.
type CreateSessionRequest struct {
	Name string `json:"name,omitempty"`
}

// Validate checks the session creation payload.
func (r *CreateSessionRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if len(r.Name) > MaxSessionNameLength {
		return ErrSessionNameTooLong
	}
	return nil
}

// RawTranscription is the transcription collaborator's output as received.
// Every field is optional on the wire; only the transcript is mandatory for a turn.
type RawTranscription struct {
	Transcript          *string  `json:"transcript"`
	Sentiment           string   `json:"sentiment,omitempty"`
	SentimentConfidence *float64 `json:"sentiment_confidence,omitempty"`
}

// RawDemographics is the optional demographic estimate from the vision collaborator.
type RawDemographics struct {
	Age    *float64 `json:"age,omitempty"`
	Gender string   `json:"gender,omitempty"`
}

// RawVision is the vision collaborator's output as received.
type RawVision struct {
	EmotionDistribution map[string]float64   `json:"emotion_distribution,omitempty"`
	DominantEmotion     string               `json:"dominant_emotion,omitempty"`
	Demographics        *RawDemographics     `json:"demographics,omitempty"`
	Frames              []map[string]float64 `json:"frames,omitempty"` // per-frame distributions, averaged when no aggregate is given
}

// TurnRequest is the payload for POST /sessions/{id}/turns.
type TurnRequest struct {
	TurnKey       string            `json:"turn_key,omitempty"`
	Transcription *RawTranscription `json:"transcription"`
	Vision        *RawVision        `json:"vision,omitempty"`
}

// Validate checks the turn payload shape. Missing transcript text is reported
// later by the signal normalizer as malformed upstream output.
func (r *TurnRequest) Validate() error {
	if r.Transcription == nil {
		return ErrMissingTranscription
	}
	if len(r.TurnKey) > MaxTurnKeyLength {
		return ErrTurnKeyTooLong
	}
	if r.Transcription.Transcript != nil && len(*r.Transcription.Transcript) > MaxTranscriptLength {
		return ErrTranscriptTooLong
	}
	return nil
}

// MediaTurnRequest is the payload for POST /sessions/{id}/media.
type MediaTurnRequest struct {
	TurnKey  string `json:"turn_key,omitempty"`
	AudioURL string `json:"audio_url"`
	VideoURL string `json:"video_url,omitempty"`
}

// Validate checks the media turn payload.
func (r *MediaTurnRequest) Validate() error {
	if r.AudioURL == "" && r.VideoURL == "" {
		return ErrMissingMediaURL
	}
	if len(r.TurnKey) > MaxTurnKeyLength {
		return ErrTurnKeyTooLong
	}
	return nil
}
