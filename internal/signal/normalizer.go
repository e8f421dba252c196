// Package signal turns raw transcription and vision collaborator output into
// the canonical models.Signal consumed by the rest of a turn.
package signal

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/BTreeMap/CheckIn/internal/models"
)

var (
	// ErrMalformedUpstreamOutput means a collaborator response lacks a required field.
	ErrMalformedUpstreamOutput = errors.New("malformed upstream output")
	// ErrUpstreamUnavailable means a collaborator could not be reached in time.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
)

// Scale says how sentiment confidence or emotion probabilities arrive from
// the collaborators.
type Scale string

const (
	// ScaleAuto detects the scale. A confidence <= 1 is a fraction; an emotion
	// distribution is a percentage map when any of its values exceeds 1.
	ScaleAuto Scale = "auto"
	// ScaleFraction treats every value as a fraction of 1.
	ScaleFraction Scale = "fraction"
	// ScalePercent treats every value as already 0-100.
	ScalePercent Scale = "percent"
)

// ParseScale validates a configured scale name. Empty means auto.
func ParseScale(s string) (Scale, error) {
	switch Scale(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScaleAuto:
		return ScaleAuto, nil
	case ScaleFraction:
		return ScaleFraction, nil
	case ScalePercent:
		return ScalePercent, nil
	default:
		return "", fmt.Errorf("unknown confidence scale %q", s)
	}
}

// Opts holds configuration for the Normalizer.
type Opts struct {
	Scale        Scale
	EmotionScale Scale
}

// Option configures the Normalizer.
type Option func(*Opts)

// WithScale sets the sentiment confidence scale.
func WithScale(s Scale) Option {
	return func(o *Opts) { o.Scale = s }
}

// WithEmotionScale sets the scale of vision emotion distributions.
func WithEmotionScale(s Scale) Option {
	return func(o *Opts) { o.EmotionScale = s }
}

// Normalizer converts raw collaborator output to a Signal. It holds no state
// besides configuration.
type Normalizer struct {
	scale        Scale
	emotionScale Scale
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	cfg := Opts{Scale: ScaleAuto, EmotionScale: ScaleAuto}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Scale == "" {
		cfg.Scale = ScaleAuto
	}
	if cfg.EmotionScale == "" {
		cfg.EmotionScale = ScaleAuto
	}
	return &Normalizer{scale: cfg.Scale, emotionScale: cfg.EmotionScale}
}

// Normalize builds a Signal. Only a missing transcript is an error; every
// other gap is filled with a neutral default.
func (n *Normalizer) Normalize(tr *models.RawTranscription, vis *models.RawVision) (models.Signal, error) {
	if tr == nil || tr.Transcript == nil {
		return models.Signal{}, fmt.Errorf("%w: transcript is missing", ErrMalformedUpstreamOutput)
	}

	sig := models.Signal{
		Transcript: strings.TrimSpace(*tr.Transcript),
		Sentiment:  models.SentimentNeutral,
		Emotions:   map[string]float64{},
	}

	if label, ok := parseSentiment(tr.Sentiment); ok {
		sig.Sentiment = label
		if tr.SentimentConfidence != nil {
			sig.SentimentConfidence = n.confidence(*tr.SentimentConfidence)
		}
	}

	if vis == nil {
		sig.DominantEmotion = models.UnknownEmotion
		return sig, nil
	}

	if len(vis.EmotionDistribution) > 0 {
		sig.Emotions = n.normalizeDistribution(vis.EmotionDistribution)
	} else if len(vis.Frames) > 0 {
		sig.Emotions = n.averageFrames(vis.Frames)
	}

	dominant := strings.ToLower(strings.TrimSpace(vis.DominantEmotion))
	if dominant == "" {
		dominant = argmax(sig.Emotions)
	}
	sig.DominantEmotion = dominant
	if p, ok := sig.Emotions[dominant]; ok {
		sig.EmotionConfidence = round(p*100, 2)
	}

	sig.Demographics = normalizeDemographics(vis.Demographics)
	return sig, nil
}

func parseSentiment(s string) (models.Sentiment, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", false
	case "positive":
		return models.SentimentPositive, true
	case "negative":
		return models.SentimentNegative, true
	case "neutral":
		return models.SentimentNeutral, true
	default:
		// Unknown labels degrade to neutral, keeping whatever confidence was sent.
		return models.SentimentNeutral, true
	}
}

func (n *Normalizer) confidence(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	switch n.scale {
	case ScaleFraction:
		v *= 100
	case ScalePercent:
	default:
		if v <= 1 {
			v *= 100
		}
	}
	return clamp(round(v, 2), 0, 100)
}

// probabilities cleans one distribution into label -> probability 0..1.
// Invalid and negative values are dropped. The percent-or-fraction decision
// is made once for the whole distribution.
func (n *Normalizer) probabilities(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	percent := n.emotionScale == ScalePercent
	for label, v := range in {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		out[label] = v
		if n.emotionScale == ScaleAuto && v > 1 {
			percent = true
		}
	}
	for label, v := range out {
		if percent {
			v /= 100
		}
		out[label] = clamp(v, 0, 1)
	}
	return out
}

func (n *Normalizer) normalizeDistribution(in map[string]float64) map[string]float64 {
	out := n.probabilities(in)
	for label, p := range out {
		out[label] = round(p, 4)
	}
	return out
}

// averageFrames averages per-frame distributions label by label. Each frame's
// scale is detected on its own. A label missing from a frame counts as zero
// for that frame.
func (n *Normalizer) averageFrames(frames []map[string]float64) map[string]float64 {
	sums := make(map[string]float64)
	for _, frame := range frames {
		for label, p := range n.probabilities(frame) {
			sums[label] += p
		}
	}
	out := make(map[string]float64, len(sums))
	for label, sum := range sums {
		out[label] = round(sum/float64(len(frames)), 4)
	}
	return out
}

// argmax picks the most probable label, breaking ties alphabetically.
func argmax(dist map[string]float64) string {
	if len(dist) == 0 {
		return models.UnknownEmotion
	}
	labels := make([]string, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	best := labels[0]
	for _, label := range labels[1:] {
		if dist[label] > dist[best] {
			best = label
		}
	}
	return best
}

func normalizeDemographics(in *models.RawDemographics) *models.Demographics {
	if in == nil {
		return nil
	}
	out := &models.Demographics{Gender: strings.TrimSpace(in.Gender)}
	if in.Age != nil && *in.Age >= 0 && !math.IsNaN(*in.Age) && !math.IsInf(*in.Age, 0) {
		age := int(math.Round(*in.Age))
		out.Age = &age
	}
	if out.Age == nil && out.Gender == "" {
		return nil
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
