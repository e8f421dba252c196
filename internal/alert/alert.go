// Package alert delivers crisis notifications raised by the safety gate to
// the people who must act on them.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	// ErrNotConfigured is returned when Twilio credentials or recipients are missing.
	ErrNotConfigured = errors.New("twilio alert notifier not configured")
	// ErrBadPayload is returned when an alert payload cannot be decoded.
	ErrBadPayload = errors.New("invalid alert payload")
)

// Alert is the information the crisis path needs: which phrase, which turn.
type Alert struct {
	SessionID string    `json:"session_id"`
	TurnID    int       `json:"turn_id"`
	Phrase    string    `json:"phrase"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders the alert as an outbox payload.
func (a Alert) Encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses an outbox payload produced by Encode.
func Decode(payload string) (Alert, error) {
	var a Alert
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if a.SessionID == "" || a.Phrase == "" {
		return a, fmt.Errorf("%w: session_id and phrase are required", ErrBadPayload)
	}
	return a, nil
}

// Body is the text sent to responders. The matched phrase is included so the
// responder knows what was said without opening the transcript.
func (a Alert) Body() string {
	return fmt.Sprintf("CheckIn safety alert: session %s, turn %d matched %q at %s. Please follow up.",
		a.SessionID, a.TurnID, a.Phrase, a.Timestamp.UTC().Format(time.RFC3339))
}

// Notifier delivers an alert. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Opts holds configuration for the Twilio notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

// Option configures the Twilio notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithRecipients sets who receives crisis alerts.
func WithRecipients(to ...string) Option {
	return func(o *Opts) { o.To = append(o.To, to...) }
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends alerts as SMS through the Twilio REST API.
type TwilioNotifier struct {
	api  messageCreator
	from string
	to   []string
}

// Compile-time check that TwilioNotifier implements Notifier.
var _ Notifier = (*TwilioNotifier)(nil)

// NewTwilioNotifier builds a notifier from options, falling back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and the
// comma-separated CRISIS_ALERT_TO.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
	cfg := buildOpts(opts...)
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: account SID and auth token must be provided", ErrNotConfigured)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: from number must be provided", ErrNotConfigured)
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: at least one alert recipient must be provided", ErrNotConfigured)
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

func buildOpts(opts ...Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if len(cfg.To) == 0 {
		cfg.To = splitRecipients(os.Getenv("CRISIS_ALERT_TO"))
	}
	slog.Debug("Twilio alert config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"recipients", len(cfg.To))
	return cfg
}

func splitRecipients(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Notify sends the alert to every recipient. It fails if any send fails so
// the outbox retries; recipients that already received it may get it twice.
func (n *TwilioNotifier) Notify(ctx context.Context, a Alert) error {
	body := a.Body()
	var errs []error
	for _, to := range n.to {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.from)
		params.SetBody(body)
		if _, err := n.api.CreateMessage(params); err != nil {
			slog.Error("TwilioNotifier.Notify: send failed", "sessionID", a.SessionID, "turnID", a.TurnID, "to", to, "error", err)
			errs = append(errs, fmt.Errorf("send alert to %s: %w", to, err))
			continue
		}
		slog.Info("TwilioNotifier.Notify: alert sent", "sessionID", a.SessionID, "turnID", a.TurnID, "to", to)
	}
	return errors.Join(errs...)
}

// LogNotifier only logs alerts. Used when Twilio is not configured.
type LogNotifier struct{}

// Notify logs the alert at Warn.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	slog.Warn("LogNotifier.Notify: crisis alert (no SMS delivery configured)",
		"sessionID", a.SessionID, "turnID", a.TurnID, "phrase", a.Phrase, "timestamp", a.Timestamp)
	return nil
}

// MockNotifier records alerts for tests. Err, when set, is returned by Notify.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []Alert
	Err    error
}

// Notify records the alert.
func (m *MockNotifier) Notify(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Alerts = append(m.Alerts, a)
	return nil
}

// Sent returns a copy of the recorded alerts.
func (m *MockNotifier) Sent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.Alerts...)
}
