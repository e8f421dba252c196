package assessment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/CheckIn/internal/models"
)

// Assess scores every questionnaire against its severity bands.
func (s *State) Assess() []models.Assessment {
	out := make([]models.Assessment, 0, len(s.cat.Questionnaires()))
	for _, q := range s.cat.Questionnaires() {
		a := models.Assessment{
			Questionnaire: q.ID,
			Name:          q.Name,
			MaxScore:      s.cat.MaxScore(q.ID),
		}
		for _, item := range s.cat.ScorableItems(q.ID) {
			a.Items++
			if v, ok := s.scores[item.ID]; ok {
				a.Answered++
				a.Score += v
			}
		}
		if a.MaxScore > 0 {
			a.Percentage = int(math.Round(float64(a.Score) / float64(a.MaxScore) * 100))
		}
		a.Severity = s.cat.Severity(q.ID, a.Score)
		a.Complete = a.Items > 0 && a.Answered == a.Items
		out = append(out, a)
	}
	return out
}

// Summarize builds the end-of-assessment report for a session.
func (s *State) Summarize(session models.Session, now time.Time) models.Summary {
	assessments := s.Assess()
	return models.Summary{
		SessionID:       session.ID,
		Status:          session.Status,
		CatalogVersion:  s.cat.Version(),
		Assessments:     assessments,
		ClinicalInsight: s.ClinicalInsight(assessments),
		Progress:        s.Progress(),
		SafetyFlag:      session.SafetyFlag,
		GeneratedAt:     now,
	}
}

// ClinicalInsight renders a short narrative over the assessments. Anything
// above a questionnaire's lowest band counts as a reportable finding.
func (s *State) ClinicalInsight(assessments []models.Assessment) string {
	var flagged []models.Assessment
	for _, a := range assessments {
		if a.Severity != s.cat.LowestBand(a.Questionnaire) {
			flagged = append(flagged, a)
		}
	}

	switch len(flagged) {
	case 0:
		return "Your responses indicate minimal symptoms across all assessed areas. Continue monitoring your mental health and reach out to a professional if symptoms develop."
	case 1:
		a := flagged[0]
		return fmt.Sprintf("Your responses suggest %s symptoms consistent with %s. A licensed mental health provider can provide a comprehensive evaluation and discuss appropriate treatment options.",
			strings.ToLower(a.Severity), a.Name)
	default:
		parts := make([]string, len(flagged))
		for i, a := range flagged {
			parts[i] = strings.ToLower(a.Severity) + " " + a.Name
		}
		return fmt.Sprintf("Your responses suggest overlapping symptoms including %s. This comorbidity pattern is common, and a licensed mental health provider can help clarify the best support approach for you.",
			strings.Join(parts, ", "))
	}
}
