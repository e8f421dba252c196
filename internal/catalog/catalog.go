// Package catalog holds the versioned questionnaire catalog: item ids, score
// ranges, comorbid equivalence sets and severity bands.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/BTreeMap/CheckIn/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ErrInvalidCatalog is returned when catalog data fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Item is a single questionnaire item.
type Item struct {
	ID            string
	Questionnaire models.Questionnaire
	Text          string
	Min           int
	Max           int
	// Scored items count toward totals and completion. Functional impact
	// items are recorded but never required.
	Scored bool
}

// InRange reports whether score is a legal value for the item.
func (i Item) InRange(score int) bool {
	return score >= i.Min && score <= i.Max
}

// Questionnaire is an ordered group of items.
type Questionnaire struct {
	ID     models.Questionnaire
	Name   string
	Suffix string
	Items  []Item
}

// Member identifies one item in a comorbid set.
type Member struct {
	Questionnaire models.Questionnaire
	ItemID        string
}

// ComorbidSet groups items from different questionnaires that describe the
// same symptom. Member order is significant: it decides which explicit score
// is the basis for propagation.
type ComorbidSet struct {
	Name    string
	Members []Member
}

// Band maps a minimum total score to a severity label.
type Band struct {
	Min   int    `yaml:"min"`
	Label string `yaml:"label"`
}

// Catalog is an immutable, validated catalog. Safe for concurrent use.
type Catalog struct {
	version        string
	questionnaires []Questionnaire
	items          map[string]Item
	sets           []ComorbidSet
	setByItem      map[string]int
	severity       map[models.Questionnaire][]Band
}

type fileItem struct {
	ID     string `yaml:"id"`
	Text   string `yaml:"text"`
	Min    int    `yaml:"min"`
	Max    int    `yaml:"max"`
	Scored bool   `yaml:"scored"`
}

type fileQuestionnaire struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Suffix string     `yaml:"suffix"`
	Items  []fileItem `yaml:"items"`
}

type fileSet struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

type fileCatalog struct {
	Version        string              `yaml:"version"`
	Questionnaires []fileQuestionnaire `yaml:"questionnaires"`
	Comorbid       []fileSet           `yaml:"comorbid"`
	Severity       map[string][]Band   `yaml:"severity"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalog. The embedded data is validated by
// tests, so a parse failure here is a build defect.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadFile reads and validates a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Load(data)
}

// Load parses and validates catalog YAML.
func Load(data []byte) (*Catalog, error) {
	var raw fileCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidCatalog)
	}

	c := &Catalog{
		version:   raw.Version,
		items:     make(map[string]Item),
		setByItem: make(map[string]int),
		severity:  make(map[models.Questionnaire][]Band),
	}

	seen := make(map[models.Questionnaire]bool)
	for _, fq := range raw.Questionnaires {
		qid, ok := models.ParseQuestionnaire(fq.ID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown questionnaire %q", ErrInvalidCatalog, fq.ID)
		}
		if seen[qid] {
			return nil, fmt.Errorf("%w: duplicate questionnaire %q", ErrInvalidCatalog, qid)
		}
		seen[qid] = true

		q := Questionnaire{ID: qid, Name: fq.Name, Suffix: fq.Suffix}
		for _, fi := range fq.Items {
			if fi.ID == "" {
				return nil, fmt.Errorf("%w: empty item id in %s", ErrInvalidCatalog, qid)
			}
			if _, dup := c.items[fi.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate item %q", ErrInvalidCatalog, fi.ID)
			}
			if fi.Min > fi.Max {
				return nil, fmt.Errorf("%w: item %s has min %d > max %d", ErrInvalidCatalog, fi.ID, fi.Min, fi.Max)
			}
			item := Item{ID: fi.ID, Questionnaire: qid, Text: fi.Text, Min: fi.Min, Max: fi.Max, Scored: fi.Scored}
			q.Items = append(q.Items, item)
			c.items[fi.ID] = item
		}
		c.questionnaires = append(c.questionnaires, q)
	}
	for _, q := range models.Questionnaires {
		if !seen[q] {
			return nil, fmt.Errorf("%w: questionnaire %s missing", ErrInvalidCatalog, q)
		}
	}

	for _, fs := range raw.Comorbid {
		if len(fs.Members) < 2 {
			return nil, fmt.Errorf("%w: comorbid set %q needs at least two members", ErrInvalidCatalog, fs.Name)
		}
		set := ComorbidSet{Name: fs.Name}
		for _, id := range fs.Members {
			item, ok := c.items[id]
			if !ok {
				return nil, fmt.Errorf("%w: comorbid set %q references unknown item %q", ErrInvalidCatalog, fs.Name, id)
			}
			if !item.Scored {
				return nil, fmt.Errorf("%w: comorbid set %q references non-scored item %q", ErrInvalidCatalog, fs.Name, id)
			}
			if _, dup := c.setByItem[id]; dup {
				return nil, fmt.Errorf("%w: item %q is in more than one comorbid set", ErrInvalidCatalog, id)
			}
			c.setByItem[id] = len(c.sets)
			set.Members = append(set.Members, Member{Questionnaire: item.Questionnaire, ItemID: id})
		}
		c.sets = append(c.sets, set)
	}

	for name, bands := range raw.Severity {
		qid, ok := models.ParseQuestionnaire(name)
		if !ok {
			return nil, fmt.Errorf("%w: severity for unknown questionnaire %q", ErrInvalidCatalog, name)
		}
		sorted := append([]Band(nil), bands...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
		c.severity[qid] = sorted
	}

	return c, nil
}

// Version returns the catalog version string.
func (c *Catalog) Version() string { return c.version }

// Questionnaires returns the questionnaires in presentation order.
func (c *Catalog) Questionnaires() []Questionnaire { return c.questionnaires }

// Questionnaire looks up a questionnaire by canonical id.
func (c *Catalog) Questionnaire(id models.Questionnaire) (Questionnaire, bool) {
	for _, q := range c.questionnaires {
		if q.ID == id {
			return q, true
		}
	}
	return Questionnaire{}, false
}

// Item looks up an item by id regardless of questionnaire.
func (c *Catalog) Item(id string) (Item, bool) {
	item, ok := c.items[id]
	return item, ok
}

// ScorableItems returns the scored items of a questionnaire in catalog order.
func (c *Catalog) ScorableItems(id models.Questionnaire) []Item {
	q, ok := c.Questionnaire(id)
	if !ok {
		return nil
	}
	out := make([]Item, 0, len(q.Items))
	for _, item := range q.Items {
		if item.Scored {
			out = append(out, item)
		}
	}
	return out
}

// ScorableCount is the number of scored items across all questionnaires.
func (c *Catalog) ScorableCount() int {
	n := 0
	for _, item := range c.items {
		if item.Scored {
			n++
		}
	}
	return n
}

// MaxScore is the highest attainable total for a questionnaire.
func (c *Catalog) MaxScore(id models.Questionnaire) int {
	total := 0
	for _, item := range c.ScorableItems(id) {
		total += item.Max
	}
	return total
}

// ComorbidSets returns every equivalence set in table order.
func (c *Catalog) ComorbidSets() []ComorbidSet { return c.sets }

// SetFor returns the comorbid set an item belongs to, if any.
func (c *Catalog) SetFor(itemID string) (ComorbidSet, bool) {
	idx, ok := c.setByItem[itemID]
	if !ok {
		return ComorbidSet{}, false
	}
	return c.sets[idx], true
}

// Severity returns the band label for a questionnaire total.
func (c *Catalog) Severity(id models.Questionnaire, total int) string {
	bands := c.severity[id]
	for _, b := range bands {
		if total >= b.Min {
			return b.Label
		}
	}
	if len(bands) > 0 {
		return bands[len(bands)-1].Label
	}
	return ""
}

// LowestBand returns the label of the lowest severity band, which marks a
// result as not clinically significant.
func (c *Catalog) LowestBand(id models.Questionnaire) string {
	bands := c.severity[id]
	if len(bands) == 0 {
		return ""
	}
	return bands[len(bands)-1].Label
}
