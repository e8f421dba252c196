// Package safety implements the crisis-language gate that runs before any
// questionnaire mapping.
package safety

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrEmptyPhraseList is returned when a phrase file yields no usable phrases.
var ErrEmptyPhraseList = errors.New("crisis phrase list is empty")

// DefaultPhrases is the built-in crisis catalog. Order is the tie-break when
// several phrases match one transcript.
var DefaultPhrases = []string{
	"suicide",
	"kill myself",
	"end my life",
	"take my life",
	"want to die",
	"don't want to live",
	"can't go on",
	"give up on life",
	"life isn't worth living",
	"self harm",
	"hurt myself",
	"cut myself",
	"bleed",
	"od",
	"overdose",
	"hang myself",
	"jump off",
	"drown myself",
	"shoot myself",
}

type phrase struct {
	text   string
	tokens []string
}

// Gate matches transcripts against an ordered phrase catalog. A Gate is
// immutable after construction and safe for concurrent use.
type Gate struct {
	phrases []phrase
}

// NewGate builds a gate from phrases. Phrases that normalize to nothing are
// skipped.
func NewGate(phrases []string) *Gate {
	g := &Gate{}
	for _, p := range phrases {
		toks := Tokenize(p)
		if len(toks) == 0 {
			continue
		}
		g.phrases = append(g.phrases, phrase{text: strings.Join(toks, " "), tokens: toks})
	}
	return g
}

// NewDefaultGate builds a gate over DefaultPhrases.
func NewDefaultGate() *Gate {
	return NewGate(DefaultPhrases)
}

type phraseFile struct {
	Phrases []string `yaml:"phrases"`
}

// LoadPhrasesFile reads a YAML phrase list of the form `phrases: [...]`.
func LoadPhrasesFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read crisis phrases: %w", err)
	}
	var pf phraseFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse crisis phrases: %w", err)
	}
	if len(pf.Phrases) == 0 {
		return nil, ErrEmptyPhraseList
	}
	return pf.Phrases, nil
}

// Phrases returns the normalized phrases in match order.
func (g *Gate) Phrases() []string {
	out := make([]string, len(g.phrases))
	for i, p := range g.phrases {
		out[i] = p.text
	}
	return out
}

// Check scans a transcript. Single-word phrases match whole tokens only and
// multi-word phrases match contiguous token runs. The first phrase in catalog
// order that matches anywhere wins.
func (g *Gate) Check(transcript string) (bool, string) {
	toks := Tokenize(transcript)
	if len(toks) == 0 {
		return false, ""
	}
	for _, p := range g.phrases {
		if containsRun(toks, p.tokens) {
			return true, p.text
		}
	}
	return false, ""
}

func containsRun(haystack, needle []string) bool {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		match := true
		for j := 0; j < n; j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var apostropheFolder = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Tokenize lowercases s, folds typographic apostrophes, splits on whitespace
// and dashes, and trims punctuation from both ends of each token. Apostrophes
// inside a word survive so "don't" stays one token; "self-harm" becomes
// "self" "harm".
func Tokenize(s string) []string {
	s = apostropheFolder.Replace(strings.ToLower(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.Is(unicode.Pd, r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
