package insights

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/storage"
)

type mockRunner struct {
	text  string
	calls int

	userPrompt string
}

func (m *mockRunner) Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]agent.Callback, maxRounds int) (string, error) {
	m.calls++
	m.userPrompt = userPrompt
	return m.text, nil
}

func ptr[T any](v T) *T { return &v }

func evaluatedSession(id string, score, payment float64, transcript string, created time.Time) storage.Session {
	return storage.Session{
		ID:              id,
		SurveyID:        "survey_test01",
		Status:          storage.StatusCompleted,
		Transcript:      ptr(transcript),
		EvaluationScore: ptr(score),
		PaymentAmount:   ptr(payment),
		CreatedAt:       created,
	}
}

func TestSummarize_NoSessions(t *testing.T) {
	mock := &mockRunner{}
	a := New(mock)

	got, err := a.Summarize(context.Background(), storage.Survey{Title: "t"}, nil)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != NoSessions {
		t.Errorf("Summarize() = %q, want %q", got, NoSessions)
	}
	if mock.calls != 0 {
		t.Errorf("generation calls = %d, want 0", mock.calls)
	}
}

func TestSummarize_NoEvaluatedSessions(t *testing.T) {
	mock := &mockRunner{}
	a := New(mock)

	sessions := []storage.Session{
		{ID: "session_a", Status: storage.StatusPending},
		{ID: "session_b", Status: storage.StatusInProgress, Transcript: ptr("partial")},
	}
	got, err := a.Summarize(context.Background(), storage.Survey{Title: "t"}, sessions)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != NoCompletedSessions {
		t.Errorf("Summarize() = %q, want %q", got, NoCompletedSessions)
	}
	if mock.calls != 0 {
		t.Errorf("generation calls = %d, want 0", mock.calls)
	}
}

func TestSummarize_IncludesStatsAndTranscripts(t *testing.T) {
	mock := &mockRunner{text: "Respondents consistently mention pricing."}
	a := New(mock)

	now := time.Now().UTC()
	sessions := []storage.Session{
		evaluatedSession("session_a", 80, 10, "I found onboarding confusing.", now.Add(-time.Hour)),
		evaluatedSession("session_b", 60, 6, "Pricing felt unclear to me.", now),
	}

	got, err := a.Summarize(context.Background(), storage.Survey{Title: "Pricing study", Questions: []string{"How do you feel about pricing?"}}, sessions)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "Respondents consistently mention pricing." {
		t.Errorf("Summarize() = %q, want generated text", got)
	}

	if !strings.Contains(mock.userPrompt, "Total completed sessions: 2") {
		t.Errorf("prompt missing session count, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "Average score: 70.0/100") {
		t.Errorf("prompt missing average score, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "Average payment: $8.00") {
		t.Errorf("prompt missing average payment, got:\n%s", mock.userPrompt)
	}
	if !strings.Contains(mock.userPrompt, "Pricing felt unclear to me.") {
		t.Errorf("prompt missing transcript, got:\n%s", mock.userPrompt)
	}

	// Most recent session appears first in the sample.
	idxB := strings.Index(mock.userPrompt, "Pricing felt unclear to me.")
	idxA := strings.Index(mock.userPrompt, "I found onboarding confusing.")
	if idxB > idxA {
		t.Error("sampled sessions not ordered most recent first")
	}
}

func TestSummarize_TruncatesLongTranscripts(t *testing.T) {
	mock := &mockRunner{text: "ok"}
	a := New(mock)

	long := strings.Repeat("a", 900)
	sessions := []storage.Session{
		evaluatedSession("session_a", 50, 5, long, time.Now().UTC()),
	}

	if _, err := a.Summarize(context.Background(), storage.Survey{Title: "t"}, sessions); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if strings.Contains(mock.userPrompt, long) {
		t.Error("prompt contains full transcript, want truncated preview")
	}
	if !strings.Contains(mock.userPrompt, strings.Repeat("a", transcriptPreview)+"...") {
		t.Error("prompt missing truncated transcript preview")
	}
}

func TestSummarize_CapsSampledSessions(t *testing.T) {
	mock := &mockRunner{text: "ok"}
	a := New(mock)

	now := time.Now().UTC()
	var sessions []storage.Session
	for i := 0; i < 15; i++ {
		sessions = append(sessions, evaluatedSession(
			"session_x", 50, 5, "transcript", now.Add(time.Duration(i)*time.Minute)))
	}

	if _, err := a.Summarize(context.Background(), storage.Survey{Title: "t"}, sessions); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got := strings.Count(mock.userPrompt, "\nSession "); got != maxSampledSessions {
		t.Errorf("sampled sessions = %d, want %d", got, maxSampledSessions)
	}
	if !strings.Contains(mock.userPrompt, "Total completed sessions: 15") {
		t.Error("stats should still cover all evaluated sessions")
	}
}
