package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/anthropic"
	"github.com/canvass/canvass/internal/storage"
)

// Runner is the structured-generation adapter the briefer drives.
type Runner interface {
	Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error)
}

// Briefer prepares natural-language briefings for the voice agent and can
// generate a survey structure from a topic description.
type Briefer struct {
	runner Runner
}

// New creates a Briefer on top of the given adapter.
func New(runner Runner) *Briefer {
	return &Briefer{runner: runner}
}

// Brief produces a conversational briefing guiding the voice agent through
// the survey's questions. A single round suffices; no callbacks are declared.
func (b *Briefer) Brief(ctx context.Context, survey storage.Survey) (string, error) {
	system := `You are an expert at creating briefings for AI agents conducting surveys.
You excel at:
- Creating natural conversational flows
- Understanding what makes good survey questions
- Providing actionable guidance for voice agents
- Keeping briefings concise and practical`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a briefing for a voice AI agent that will conduct this feedback survey.\n\nSurvey Title: %s\n\nQuestions to ask:\n", survey.Title)
	for i, q := range survey.Questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	sb.WriteString("\nEvaluation Criteria (how responses will be judged):\n")
	for _, c := range survey.Criteria {
		fmt.Fprintf(&sb, "- %s: %s (weight: %.2f)\n", c.Name, c.Description, c.Weight)
	}
	fmt.Fprintf(&sb, "\nPayment Range: $%.2f - $%.2f\n\n", survey.PriceRange.MinAmount, survey.PriceRange.MaxAmount)
	sb.WriteString(`Create a concise briefing that includes:
1. How to introduce the survey naturally
2. The questions to ask (in order, conversationally)
3. Tips for getting quality, detailed responses
4. How to handle short or vague answers
5. How to wrap up gracefully

Keep it under 300 words and actionable.`)

	text, err := b.runner.Run(ctx, system, sb.String(), nil, 1)
	if err != nil {
		return "", fmt.Errorf("generating briefing: %w", err)
	}
	return text, nil
}

// recordedStructure is the tool input the model submits when designing a survey.
type recordedStructure struct {
	Questions []string           `json:"questions"`
	Criteria  []storage.Criterion `json:"criteria"`
}

// DesignSurvey generates questions and weighted criteria for a survey about
// topic. Like the evaluator, a never-fired callback yields empty slices
// rather than an error.
func (b *Briefer) DesignSurvey(ctx context.Context, topic, successCriteria string, priceRange storage.PriceRange) ([]string, []storage.Criterion, error) {
	var questions []string
	var criteria []storage.Criterion

	callbacks := map[string]agent.Callback{
		"record_survey_structure": {
			Tool: anthropic.Tool{
				Name:        "record_survey_structure",
				Description: "Record the designed survey questions and evaluation criteria",
				InputSchema: anthropic.Schema{
					Type: "object",
					Properties: map[string]anthropic.Property{
						"questions": {
							Type:        "array",
							Description: "Ordered list of survey questions to ask",
							Items:       &anthropic.Property{Type: "string"},
						},
						"criteria": {
							Type:        "array",
							Description: `Evaluation criteria as objects with "name", "description" and "weight" (weights should sum to 1)`,
							Items:       &anthropic.Property{Type: "object"},
						},
					},
					Required: []string{"questions", "criteria"},
				},
			},
			Fn: func(_ context.Context, input json.RawMessage) (string, error) {
				var rec recordedStructure
				if err := json.Unmarshal(input, &rec); err != nil {
					return "", fmt.Errorf("parsing survey structure: %w", err)
				}
				questions = rec.Questions
				criteria = rec.Criteria
				return fmt.Sprintf("Survey structure recorded: %d questions, %d criteria", len(questions), len(criteria)), nil
			},
		},
	}

	system := `You are an expert survey designer. Given a topic and what the company
wants to learn, design open-ended questions that elicit detailed spoken
feedback, and weighted criteria for judging response quality. Use the
record_survey_structure tool to record your design.`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Design a voice feedback survey.\n\nTopic: %s\n", topic)
	if successCriteria != "" {
		fmt.Fprintf(&sb, "\nWhat success looks like: %s\n", successCriteria)
	}
	fmt.Fprintf(&sb, "\nRespondents will be paid between $%.2f and $%.2f depending on response quality.\n", priceRange.MinAmount, priceRange.MaxAmount)
	sb.WriteString("\nDesign 3-6 questions and 2-4 weighted criteria, then record them with the record_survey_structure tool.")

	if _, err := b.runner.Run(ctx, system, sb.String(), callbacks, maxDesignRounds); err != nil {
		return nil, nil, fmt.Errorf("designing survey: %w", err)
	}

	return questions, criteria, nil
}

const maxDesignRounds = 3
