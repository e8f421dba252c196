package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/CheckIn/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultUpstreamTimeout bounds each collaborator call.
const DefaultUpstreamTimeout = 30 * time.Second

// maxUpstreamBody caps how much of a collaborator response is read.
const maxUpstreamBody = 1 << 20

// ErrCollectorNotConfigured is returned when no transcription endpoint is set.
var ErrCollectorNotConfigured = errors.New("transcription service not configured")

// CollectorOpts holds configuration for the upstream Collector.
type CollectorOpts struct {
	TranscriptionURL string
	VisionURL        string
	Timeout          time.Duration
	HTTPClient       *http.Client
}

// CollectorOption configures the Collector.
type CollectorOption func(*CollectorOpts)

// WithTranscriptionURL sets the transcription sidecar endpoint.
func WithTranscriptionURL(u string) CollectorOption {
	return func(o *CollectorOpts) { o.TranscriptionURL = u }
}

// WithVisionURL sets the vision sidecar endpoint.
func WithVisionURL(u string) CollectorOption {
	return func(o *CollectorOpts) { o.VisionURL = u }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) CollectorOption {
	return func(o *CollectorOpts) { o.Timeout = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) CollectorOption {
	return func(o *CollectorOpts) { o.HTTPClient = c }
}

// Collector fetches raw collaborator output from HTTP sidecars. Transcription
// and vision run concurrently; each is bounded by its own timeout.
type Collector struct {
	transcriptionURL string
	visionURL        string
	timeout          time.Duration
	client           *http.Client
}

// NewCollector creates a Collector, falling back to TRANSCRIPTION_URL and
// VISION_URL when endpoints are not given.
func NewCollector(opts ...CollectorOption) *Collector {
	var cfg CollectorOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TranscriptionURL == "" {
		cfg.TranscriptionURL = os.Getenv("TRANSCRIPTION_URL")
	}
	if cfg.VisionURL == "" {
		cfg.VisionURL = os.Getenv("VISION_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultUpstreamTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	slog.Debug("Collector config loaded",
		"transcription_set", cfg.TranscriptionURL != "",
		"vision_set", cfg.VisionURL != "",
		"timeout", cfg.Timeout)
	return &Collector{
		transcriptionURL: cfg.TranscriptionURL,
		visionURL:        cfg.VisionURL,
		timeout:          cfg.Timeout,
		client:           cfg.HTTPClient,
	}
}

// Enabled reports whether the collector can serve media turns.
func (c *Collector) Enabled() bool {
	return c != nil && c.transcriptionURL != ""
}

// Collect calls the transcription service for audioURL and, when both a
// vision endpoint and videoURL are present, the vision service in parallel.
// Vision failures are logged and dropped; the turn proceeds without emotion data.
func (c *Collector) Collect(ctx context.Context, audioURL, videoURL string) (*models.RawTranscription, *models.RawVision, error) {
	if !c.Enabled() {
		return nil, nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrCollectorNotConfigured)
	}
	if audioURL == "" {
		return nil, nil, fmt.Errorf("%w: audio_url is required", ErrMalformedUpstreamOutput)
	}

	var (
		tr  models.RawTranscription
		vis *models.RawVision
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.post(gctx, c.transcriptionURL, map[string]string{"audio_url": audioURL}, &tr)
	})
	if c.visionURL != "" && videoURL != "" {
		g.Go(func() error {
			var v models.RawVision
			if err := c.post(gctx, c.visionURL, map[string]string{"video_url": videoURL}, &v); err != nil {
				slog.Warn("Collector.Collect: vision call failed, continuing without emotion data", "error", err)
				return nil
			}
			vis = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return &tr, vis, nil
}

func (c *Collector) post(ctx context.Context, url string, payload interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrUpstreamUnavailable, url, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrMalformedUpstreamOutput, url, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpstreamOutput, err)
	}
	return nil
}
