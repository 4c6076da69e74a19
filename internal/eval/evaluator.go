package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/anthropic"
	"github.com/canvass/canvass/internal/storage"
)

const maxRounds = 3

// Runner is the structured-generation adapter the evaluator drives.
type Runner interface {
	Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error)
}

// Result is the outcome of evaluating one transcript.
type Result struct {
	Score   float64
	Notes   string
	Payment float64
}

// Evaluator scores a transcript against a survey's weighted criteria and
// proposes a payment within the survey's price range.
type Evaluator struct {
	runner Runner
}

// New creates an Evaluator on top of the given adapter.
func New(runner Runner) *Evaluator {
	return &Evaluator{runner: runner}
}

// recordedEvaluation is the tool input the model submits.
type recordedEvaluation struct {
	Score         float64 `json:"score"`
	Notes         string  `json:"notes"`
	PaymentAmount float64 `json:"payment_amount"`
}

// Evaluate runs the evaluation conversation. The model records its
// assessment through the record_evaluation callback; the payment is clamped
// into the survey's price range regardless of what the model proposes.
//
// If the callback never fires the default result (score 0, empty notes,
// minimum payment) is returned without error — an unrecorded evaluation is
// a legitimate outcome, not a failure. Transport errors from the generation
// capability do propagate.
func (e *Evaluator) Evaluate(ctx context.Context, survey storage.Survey, transcript string) (Result, error) {
	result := Result{Payment: survey.PriceRange.MinAmount}
	fired := false

	callbacks := map[string]agent.Callback{
		"record_evaluation": {
			Tool: anthropic.Tool{
				Name:        "record_evaluation",
				Description: "Record the evaluation results with score, notes, and payment amount",
				InputSchema: anthropic.Schema{
					Type: "object",
					Properties: map[string]anthropic.Property{
						"score": {
							Type:        "number",
							Description: "Quality score from 0-100 based on the evaluation criteria",
						},
						"notes": {
							Type:        "string",
							Description: "Explanation of the evaluation and score",
						},
						"payment_amount": {
							Type: "number",
							Description: fmt.Sprintf("Payment amount between %.2f and %.2f",
								survey.PriceRange.MinAmount, survey.PriceRange.MaxAmount),
						},
					},
					Required: []string{"score", "notes", "payment_amount"},
				},
			},
			Fn: func(_ context.Context, input json.RawMessage) (string, error) {
				var rec recordedEvaluation
				if err := json.Unmarshal(input, &rec); err != nil {
					return "", fmt.Errorf("parsing evaluation input: %w", err)
				}
				result.Score = rec.Score
				result.Notes = rec.Notes
				result.Payment = clamp(rec.PaymentAmount, survey.PriceRange)
				fired = true
				return fmt.Sprintf("Evaluation recorded: score %.0f/100, payment $%.2f", result.Score, result.Payment), nil
			},
		},
	}

	_, err := e.runner.Run(ctx, systemPrompt(survey), userPrompt(survey, transcript), callbacks, maxRounds)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating transcript: %w", err)
	}

	if !fired {
		return Result{Score: 0, Notes: "", Payment: survey.PriceRange.MinAmount}, nil
	}
	return result, nil
}

// clamp forces v into the price range rather than rejecting out-of-range
// model output.
func clamp(v float64, pr storage.PriceRange) float64 {
	if v < pr.MinAmount {
		return pr.MinAmount
	}
	if v > pr.MaxAmount {
		return pr.MaxAmount
	}
	return v
}

func systemPrompt(survey storage.Survey) string {
	var sb strings.Builder
	sb.WriteString(`You are an expert evaluator for survey responses. Be fair but rigorous.

Your job is to:
1. Evaluate the transcript based on the given criteria
2. Calculate a score from 0-100 (considering criterion weights)
3. Determine appropriate payment within the range
4. Use the record_evaluation tool to record your assessment

Criteria for evaluation:
`)
	for _, c := range survey.Criteria {
		fmt.Fprintf(&sb, "- %s (weight %.2f): %s\n", c.Name, c.Weight, c.Description)
	}
	fmt.Fprintf(&sb, "\nPayment range: $%.2f - $%.2f\n\n", survey.PriceRange.MinAmount, survey.PriceRange.MaxAmount)
	sb.WriteString("Higher quality responses (detailed, specific, actionable) deserve higher scores and payments.")
	return sb.String()
}

func userPrompt(survey storage.Survey, transcript string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evaluate this feedback survey response.\n\nSurvey: %s\n\nExpected Questions:\n", survey.Title)
	for i, q := range survey.Questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	fmt.Fprintf(&sb, "\nTranscript:\n%s\n\n", transcript)
	sb.WriteString("Analyze the transcript thoroughly, then use the record_evaluation tool to record your assessment.")
	return sb.String()
}
