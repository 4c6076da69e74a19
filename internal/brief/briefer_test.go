package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/storage"
)

type mockRunner struct {
	text  string
	input string
	err   error
	skip  bool

	userPrompt string
}

func (m *mockRunner) Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error) {
	m.userPrompt = userPrompt
	if m.err != nil {
		return "", m.err
	}
	if cb, ok := callbacks["record_survey_structure"]; ok && !m.skip {
		if _, err := cb.Fn(ctx, json.RawMessage(m.input)); err != nil {
			return "", err
		}
	}
	return m.text, nil
}

func TestBrief_ReturnsBriefingText(t *testing.T) {
	mock := &mockRunner{text: "Introduce yourself warmly, then ask about onboarding."}
	b := New(mock)

	survey := storage.Survey{
		Title:     "Onboarding feedback",
		Questions: []string{"What nearly made you give up during signup?"},
		Criteria:  []storage.Criterion{{Name: "depth", Description: "specifics", Weight: 1}},
		PriceRange: storage.PriceRange{
			MinAmount: 1,
			MaxAmount: 20,
		},
	}

	got, err := b.Brief(context.Background(), survey)
	if err != nil {
		t.Fatalf("Brief() error = %v", err)
	}
	if got != "Introduce yourself warmly, then ask about onboarding." {
		t.Errorf("Brief() = %q, want the generated text", got)
	}

	if !strings.Contains(mock.userPrompt, "Onboarding feedback") {
		t.Errorf("prompt missing survey title, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "What nearly made you give up during signup?") {
		t.Errorf("prompt missing question, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "$1.00 - $20.00") {
		t.Errorf("prompt missing payment range, got:\n%s", mock.userPrompt)
	}
}

func TestBrief_ErrorPropagates(t *testing.T) {
	mock := &mockRunner{err: fmt.Errorf("upstream unavailable")}
	b := New(mock)

	if _, err := b.Brief(context.Background(), storage.Survey{Title: "t"}); err == nil {
		t.Fatal("Brief() error = nil, want upstream error")
	}
}

func TestDesignSurvey_RecordsStructure(t *testing.T) {
	mock := &mockRunner{input: `{
		"questions": ["Why did you cancel?", "What almost kept you?"],
		"criteria": [
			{"name": "specificity", "description": "Names concrete moments", "weight": 0.7},
			{"name": "candor", "description": "Honest, unvarnished answers", "weight": 0.3}
		]
	}`}
	b := New(mock)

	questions, criteria, err := b.DesignSurvey(context.Background(), "churn", "verbatim quotes", storage.PriceRange{MinAmount: 1, MaxAmount: 20})
	if err != nil {
		t.Fatalf("DesignSurvey() error = %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(questions))
	}
	if questions[0] != "Why did you cancel?" {
		t.Errorf("questions[0] = %q, want %q", questions[0], "Why did you cancel?")
	}
	if len(criteria) != 2 {
		t.Fatalf("criteria = %d, want 2", len(criteria))
	}
	if criteria[0].Weight != 0.7 {
		t.Errorf("criteria[0].Weight = %v, want 0.7", criteria[0].Weight)
	}
}

func TestDesignSurvey_EmptyWhenCallbackNeverFires(t *testing.T) {
	mock := &mockRunner{skip: true, text: "I cannot design that."}
	b := New(mock)

	questions, criteria, err := b.DesignSurvey(context.Background(), "topic", "", storage.PriceRange{MinAmount: 1, MaxAmount: 20})
	if err != nil {
		t.Fatalf("DesignSurvey() error = %v, want nil", err)
	}
	if len(questions) != 0 || len(criteria) != 0 {
		t.Errorf("DesignSurvey() = %v, %v, want empty slices", questions, criteria)
	}
}
