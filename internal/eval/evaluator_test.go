package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/storage"
)

// mockRunner invokes the record_evaluation callback with a scripted input,
// or skips it entirely.
type mockRunner struct {
	input string
	err   error
	skip  bool

	systemPrompt string
	userPrompt   string
}

func (m *mockRunner) Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error) {
	m.systemPrompt = systemPrompt
	m.userPrompt = userPrompt
	if m.err != nil {
		return "", m.err
	}
	if m.skip {
		return "no tool call", nil
	}
	cb, ok := callbacks["record_evaluation"]
	if !ok {
		return "", fmt.Errorf("record_evaluation callback not declared")
	}
	if _, err := cb.Fn(ctx, json.RawMessage(m.input)); err != nil {
		return "", err
	}
	return "evaluation recorded", nil
}

func testSurvey() storage.Survey {
	return storage.Survey{
		ID:    "survey_test01",
		Title: "Product feedback",
		Questions: []string{
			"What do you like about the product?",
			"What would you change?",
		},
		Criteria: []storage.Criterion{
			{Name: "depth", Description: "Detailed, specific answers", Weight: 0.6},
			{Name: "relevance", Description: "Answers address the questions", Weight: 0.4},
		},
		PriceRange: storage.PriceRange{MinAmount: 1, MaxAmount: 20},
	}
}

func TestEvaluate_RecordsResult(t *testing.T) {
	mock := &mockRunner{input: `{"score":85,"notes":"Detailed and specific.","payment_amount":18}`}
	e := New(mock)

	got, err := e.Evaluate(context.Background(), testSurvey(), "Agent: ... User: ...")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Score != 85 {
		t.Errorf("Score = %v, want 85", got.Score)
	}
	if got.Notes != "Detailed and specific." {
		t.Errorf("Notes = %q, want %q", got.Notes, "Detailed and specific.")
	}
	if got.Payment != 18 {
		t.Errorf("Payment = %v, want 18", got.Payment)
	}
}

func TestEvaluate_ClampsPaymentHigh(t *testing.T) {
	mock := &mockRunner{input: `{"score":95,"notes":"great","payment_amount":100}`}
	e := New(mock)

	got, err := e.Evaluate(context.Background(), testSurvey(), "transcript")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Payment != 20 {
		t.Errorf("Payment = %v, want clamped to 20", got.Payment)
	}
}

func TestEvaluate_ClampsPaymentLow(t *testing.T) {
	mock := &mockRunner{input: `{"score":10,"notes":"thin","payment_amount":0.25}`}
	e := New(mock)

	got, err := e.Evaluate(context.Background(), testSurvey(), "transcript")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Payment != 1 {
		t.Errorf("Payment = %v, want clamped to 1", got.Payment)
	}
}

func TestEvaluate_DefaultWhenCallbackNeverFires(t *testing.T) {
	mock := &mockRunner{skip: true}
	e := New(mock)

	got, err := e.Evaluate(context.Background(), testSurvey(), "transcript")
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil for unrecorded evaluation", err)
	}
	if got.Score != 0 || got.Notes != "" || got.Payment != 1 {
		t.Errorf("Evaluate() = %+v, want zero score, empty notes, minimum payment", got)
	}
}

func TestEvaluate_RunnerErrorPropagates(t *testing.T) {
	mock := &mockRunner{err: fmt.Errorf("rate limited")}
	e := New(mock)

	_, err := e.Evaluate(context.Background(), testSurvey(), "transcript")
	if err == nil {
		t.Fatal("Evaluate() error = nil, want upstream error")
	}
	if !strings.Contains(err.Error(), "evaluating transcript") {
		t.Errorf("error = %v, want wrapped with context", err)
	}
}

func TestEvaluate_PromptCarriesSurveyDetails(t *testing.T) {
	mock := &mockRunner{input: `{"score":50,"notes":"ok","payment_amount":5}`}
	e := New(mock)

	if _, err := e.Evaluate(context.Background(), testSurvey(), "the transcript text"); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !strings.Contains(mock.systemPrompt, "depth (weight 0.60)") {
		t.Errorf("system prompt missing criteria, got:\n%s", mock.systemPrompt)
	}
	if !strings.Contains(mock.systemPrompt, "$1.00 - $20.00") {
		t.Errorf("system prompt missing payment range, got:\n%s", mock.systemPrompt)
	}
	if !strings.Contains(mock.userPrompt, "the transcript text") {
		t.Errorf("user prompt missing transcript, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "What would you change?") {
		t.Errorf("user prompt missing questions, got:\n%s", mock.userPrompt)
	}
}
