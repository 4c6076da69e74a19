package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/storage"
)

const (
	// NoSessions is returned when there are no sessions at all for a survey.
	NoSessions = "No sessions to analyze yet."
	// NoCompletedSessions is returned when sessions exist but none carry a
	// transcript and score.
	NoCompletedSessions = "No completed sessions to analyze yet."

	maxSampledSessions = 10
	transcriptPreview  = 500
)

// Runner is the structured-generation adapter the aggregator drives.
type Runner interface {
	Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error)
}

// Aggregator synthesizes a prose insight report across a survey's sessions.
type Aggregator struct {
	runner Runner
}

// New creates an Aggregator on top of the given adapter.
func New(runner Runner) *Aggregator {
	return &Aggregator{runner: runner}
}

// Summarize analyzes all evaluated sessions for a survey and returns a
// free-text report. Sessions without a transcript or score are skipped.
// When nothing qualifies a sentinel string is returned and no generation
// call is made.
func (a *Aggregator) Summarize(ctx context.Context, survey storage.Survey, sessions []storage.Session) (string, error) {
	if len(sessions) == 0 {
		return NoSessions, nil
	}

	var evaluated []storage.Session
	for _, s := range sessions {
		if s.Transcript != nil && s.EvaluationScore != nil {
			evaluated = append(evaluated, s)
		}
	}
	if len(evaluated) == 0 {
		return NoCompletedSessions, nil
	}

	var scoreSum, paymentSum float64
	for _, s := range evaluated {
		scoreSum += *s.EvaluationScore
		if s.PaymentAmount != nil {
			paymentSum += *s.PaymentAmount
		}
	}
	avgScore := scoreSum / float64(len(evaluated))
	avgPayment := paymentSum / float64(len(evaluated))

	// Most recent first, capped to keep the prompt bounded.
	sort.Slice(evaluated, func(i, j int) bool {
		return evaluated[i].CreatedAt.After(evaluated[j].CreatedAt)
	})
	sampled := evaluated
	if len(sampled) > maxSampledSessions {
		sampled = sampled[:maxSampledSessions]
	}

	system := `You are an expert research analyst specializing in qualitative feedback analysis.

You excel at:
- Identifying patterns and themes across responses
- Extracting actionable insights
- Assessing feedback quality
- Providing strategic recommendations
- Synthesizing complex data into clear narratives`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze this feedback survey data and generate strategic insights.\n\nSurvey: %s\n\nQuestions Asked:\n", survey.Title)
	for i, q := range survey.Questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	fmt.Fprintf(&sb, "\nSummary Statistics:\n- Total completed sessions: %d\n- Average score: %.1f/100\n- Average payment: $%.2f\n\nSample Session Data:\n",
		len(evaluated), avgScore, avgPayment)

	for i, s := range sampled {
		payment := 0.0
		if s.PaymentAmount != nil {
			payment = *s.PaymentAmount
		}
		notes := ""
		if s.EvaluationNotes != nil {
			notes = *s.EvaluationNotes
		}
		fmt.Fprintf(&sb, "\nSession %d (Score: %.0f/100, Payment: $%.2f):\n%s\nEvaluation: %s\n",
			i+1, *s.EvaluationScore, payment, truncate(*s.Transcript, transcriptPreview), notes)
	}

	sb.WriteString(`
Provide a comprehensive analysis covering:
1. Key themes and patterns across responses
2. Quality assessment of the feedback collected
3. Notable insights or surprises
4. Specific recommendations for:
   - Improving the product/service
   - Enhancing the survey itself
   - Areas to investigate further

Keep your analysis actionable, specific, and under 400 words.`)

	text, err := a.runner.Run(ctx, system, sb.String(), nil, 1)
	if err != nil {
		return "", fmt.Errorf("generating insights: %w", err)
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
