package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canvass/canvass/internal/orchestrator"
	"github.com/canvass/canvass/internal/storage"
)

const testToken = "test-token"

// fakeFlow implements SessionFlow with injectable behavior.
type fakeFlow struct {
	startFn    func(ctx context.Context, sessionID string) (orchestrator.StartResult, error)
	completeFn func(ctx context.Context, sessionID, transcript string) (orchestrator.CompleteResult, error)
	reportFn   func(ctx context.Context, surveyID string) (orchestrator.InsightsReport, error)
	enqueued   []string
}

func (f *fakeFlow) Start(ctx context.Context, sessionID string) (orchestrator.StartResult, error) {
	if f.startFn == nil {
		return orchestrator.StartResult{SessionID: sessionID, Status: "ready"}, nil
	}
	return f.startFn(ctx, sessionID)
}

func (f *fakeFlow) Complete(ctx context.Context, sessionID, transcript string) (orchestrator.CompleteResult, error) {
	if f.completeFn == nil {
		return orchestrator.CompleteResult{SessionID: sessionID}, nil
	}
	return f.completeFn(ctx, sessionID, transcript)
}

func (f *fakeFlow) Report(ctx context.Context, surveyID string) (orchestrator.InsightsReport, error) {
	if f.reportFn == nil {
		return orchestrator.InsightsReport{SurveyID: surveyID}, nil
	}
	return f.reportFn(ctx, surveyID)
}

func (f *fakeFlow) EnqueueInsights(surveyID string) {
	f.enqueued = append(f.enqueued, surveyID)
}

// fakeDesigner implements SurveyDesigner.
type fakeDesigner struct {
	questions []string
	criteria  []storage.Criterion
	err       error
}

func (f *fakeDesigner) DesignSurvey(_ context.Context, _, _ string, _ storage.PriceRange) ([]string, []storage.Criterion, error) {
	return f.questions, f.criteria, f.err
}

func newTestServer(t *testing.T, flow *fakeFlow, designer SurveyDesigner) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewAppHandler(AppDeps{
		Store:    store,
		Flow:     flow,
		Designer: designer,
		Token:    testToken,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func seedSurvey(t *testing.T, store *storage.Store) storage.Survey {
	t.Helper()
	survey, err := store.CreateSurvey(storage.Survey{
		ID:         "survey_abc123",
		Title:      "Product feedback",
		Questions:  []string{"What do you like?"},
		Criteria:   []storage.Criterion{{Name: "depth", Description: "specifics", Weight: 1}},
		PriceRange: storage.PriceRange{MinAmount: 1, MaxAmount: 20},
	})
	if err != nil {
		t.Fatalf("CreateSurvey() error = %v", err)
	}
	return survey
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	resp, err := http.Get(srv.URL + "/surveys")
	if err != nil {
		t.Fatalf("GET /surveys error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_RejectsWrongToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	req, _ := http.NewRequest("GET", srv.URL+"/surveys", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateSurvey(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	resp := doRequest(t, "POST", srv.URL+"/surveys", CreateSurveyRequest{
		Title:      "Churn interviews",
		Questions:  []string{"Why did you cancel?"},
		Criteria:   []storage.Criterion{{Name: "candor", Description: "honesty", Weight: 1}},
		PriceRange: storage.PriceRange{MinAmount: 1, MaxAmount: 20},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var survey storage.Survey
	decodeBody(t, resp, &survey)
	if !strings.HasPrefix(survey.ID, "survey_") {
		t.Errorf("ID = %q, want survey_ prefix", survey.ID)
	}
	if survey.Title != "Churn interviews" {
		t.Errorf("Title = %q, want %q", survey.Title, "Churn interviews")
	}
}

func TestCreateSurvey_Validation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	cases := []struct {
		name string
		req  CreateSurveyRequest
	}{
		{"missing title", CreateSurveyRequest{Questions: []string{"q"}, PriceRange: storage.PriceRange{MaxAmount: 5}}},
		{"no questions", CreateSurveyRequest{Title: "t", PriceRange: storage.PriceRange{MaxAmount: 5}}},
		{"inverted range", CreateSurveyRequest{Title: "t", Questions: []string{"q"}, PriceRange: storage.PriceRange{MinAmount: 10, MaxAmount: 5}}},
	}
	for _, tc := range cases {
		resp := doRequest(t, "POST", srv.URL+"/surveys", tc.req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestDesignSurvey_CreatesFromDraft(t *testing.T) {
	designer := &fakeDesigner{
		questions: []string{"Why did you cancel?"},
		criteria:  []storage.Criterion{{Name: "candor", Description: "honesty", Weight: 1}},
	}
	srv, store := newTestServer(t, &fakeFlow{}, designer)

	resp := doRequest(t, "POST", srv.URL+"/surveys/design", DesignSurveyRequest{
		Title: "Churn interviews",
		Topic: "why customers cancel",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var survey storage.Survey
	decodeBody(t, resp, &survey)
	if len(survey.Questions) != 1 {
		t.Fatalf("Questions = %d, want 1", len(survey.Questions))
	}

	stored, err := store.GetSurvey(survey.ID)
	if err != nil {
		t.Fatalf("GetSurvey() error = %v", err)
	}
	if stored.Questions[0] != "Why did you cancel?" {
		t.Errorf("stored question = %q, want the drafted one", stored.Questions[0])
	}
}

func TestDesignSurvey_EmptyDraftRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	resp := doRequest(t, "POST", srv.URL+"/surveys/design", DesignSurveyRequest{Title: "t", Topic: "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 when the draft has no questions", resp.StatusCode)
	}
}

func TestGetSurvey_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFlow{}, &fakeDesigner{})

	resp := doRequest(t, "GET", srv.URL+"/surveys/survey_missing", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartSession_UnknownSurveyCreatesNothing(t *testing.T) {
	flow := &fakeFlow{}
	srv, store := newTestServer(t, flow, &fakeDesigner{})

	resp := doRequest(t, "POST", srv.URL+"/surveys/survey_missing/sessions", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("counting sessions: %v", err)
	}
	if count != 0 {
		t.Errorf("sessions created = %d, want 0 for unknown survey", count)
	}
}

func TestStartSession(t *testing.T) {
	var startedID string
	flow := &fakeFlow{
		startFn: func(_ context.Context, sessionID string) (orchestrator.StartResult, error) {
			startedID = sessionID
			return orchestrator.StartResult{
				SessionID: sessionID,
				RoomName:  "survey-" + sessionID,
				Status:    "ready",
			}, nil
		},
	}
	srv, store := newTestServer(t, flow, &fakeDesigner{})
	seedSurvey(t, store)

	resp := doRequest(t, "POST", srv.URL+"/surveys/survey_abc123/sessions", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result orchestrator.StartResult
	decodeBody(t, resp, &result)
	if !strings.HasPrefix(result.SessionID, "session_") {
		t.Errorf("SessionID = %q, want session_ prefix", result.SessionID)
	}
	if result.SessionID != startedID {
		t.Errorf("flow started %q, response carries %q", startedID, result.SessionID)
	}

	sess, err := store.GetSession(result.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.SurveyID != "survey_abc123" {
		t.Errorf("SurveyID = %q, want survey_abc123", sess.SurveyID)
	}
}

func TestCompleteSession_RequiresInProgress(t *testing.T) {
	flow := &fakeFlow{
		completeFn: func(_ context.Context, _, _ string) (orchestrator.CompleteResult, error) {
			t.Error("Complete should not run for a pending session")
			return orchestrator.CompleteResult{}, nil
		},
	}
	srv, store := newTestServer(t, flow, &fakeDesigner{})
	seedSurvey(t, store)
	if _, err := store.CreateSession(storage.Session{ID: "session_a", SurveyID: "survey_abc123"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	resp := doRequest(t, "POST", srv.URL+"/sessions/session_a/complete", CompleteSessionRequest{Transcript: "text"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-in-progress session", resp.StatusCode)
	}
}

func TestCompleteSession_RequiresTranscript(t *testing.T) {
	srv, store := newTestServer(t, &fakeFlow{}, &fakeDesigner{})
	seedSurvey(t, store)
	if _, err := store.CreateSession(storage.Session{ID: "session_a", SurveyID: "survey_abc123", Status: storage.StatusInProgress}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	resp := doRequest(t, "POST", srv.URL+"/sessions/session_a/complete", CompleteSessionRequest{Transcript: "   "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for blank transcript", resp.StatusCode)
	}
}

func TestCompleteSession_EnqueuesInsights(t *testing.T) {
	flow := &fakeFlow{
		completeFn: func(_ context.Context, sessionID, transcript string) (orchestrator.CompleteResult, error) {
			return orchestrator.CompleteResult{SessionID: sessionID, Score: 85, PaymentAmount: 18, PaymentStatus: "success"}, nil
		},
	}
	srv, store := newTestServer(t, flow, &fakeDesigner{})
	seedSurvey(t, store)
	if _, err := store.CreateSession(storage.Session{ID: "session_a", SurveyID: "survey_abc123", Status: storage.StatusInProgress}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	resp := doRequest(t, "POST", srv.URL+"/sessions/session_a/complete", CompleteSessionRequest{Transcript: "Agent: hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result orchestrator.CompleteResult
	decodeBody(t, resp, &result)
	if result.Score != 85 {
		t.Errorf("Score = %v, want 85", result.Score)
	}

	if len(flow.enqueued) != 1 || flow.enqueued[0] != "survey_abc123" {
		t.Errorf("enqueued = %v, want [survey_abc123]", flow.enqueued)
	}
}

func TestCompleteSession_UpstreamFailure(t *testing.T) {
	flow := &fakeFlow{
		completeFn: func(_ context.Context, _, _ string) (orchestrator.CompleteResult, error) {
			return orchestrator.CompleteResult{}, fmt.Errorf("evaluating transcript: rate limited")
		},
	}
	srv, store := newTestServer(t, flow, &fakeDesigner{})
	seedSurvey(t, store)
	if _, err := store.CreateSession(storage.Session{ID: "session_a", SurveyID: "survey_abc123", Status: storage.StatusInProgress}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	resp := doRequest(t, "POST", srv.URL+"/sessions/session_a/complete", CompleteSessionRequest{Transcript: "Agent: hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if len(flow.enqueued) != 0 {
		t.Errorf("enqueued = %v, want none on failure", flow.enqueued)
	}
}

func TestGetInsights(t *testing.T) {
	flow := &fakeFlow{
		reportFn: func(_ context.Context, surveyID string) (orchestrator.InsightsReport, error) {
			return orchestrator.InsightsReport{
				SurveyID:      surveyID,
				TotalSessions: 2,
				AverageScore:  70,
				KeyInsights:   "themes: pricing",
			}, nil
		},
	}
	srv, store := newTestServer(t, flow, &fakeDesigner{})
	seedSurvey(t, store)

	resp := doRequest(t, "GET", srv.URL+"/surveys/survey_abc123/insights", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var report orchestrator.InsightsReport
	decodeBody(t, resp, &report)
	if report.TotalSessions != 2 || report.KeyInsights != "themes: pricing" {
		t.Errorf("report = %+v, want the flow's report", report)
	}
}

func TestGetInsights_NotFound(t *testing.T) {
	flow := &fakeFlow{
		reportFn: func(_ context.Context, _ string) (orchestrator.InsightsReport, error) {
			return orchestrator.InsightsReport{}, fmt.Errorf("loading survey: %w", storage.ErrNotFound)
		},
	}
	srv, _ := newTestServer(t, flow, &fakeDesigner{})

	resp := doRequest(t, "GET", srv.URL+"/surveys/survey_missing/insights", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVoiceToken(t *testing.T) {
	srv, store := newTestServer(t, &fakeFlow{}, &fakeDesigner{})
	seedSurvey(t, store)
	if _, err := store.CreateSession(storage.Session{ID: "session_a", SurveyID: "survey_abc123"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	resp := doRequest(t, "POST", srv.URL+"/sessions/session_a/token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result map[string]string
	decodeBody(t, resp, &result)
	if result["room_name"] != "survey-session_a" {
		t.Errorf("room_name = %q, want %q", result["room_name"], "survey-session_a")
	}
	if result["token"] == "" {
		t.Error("token is empty")
	}
}

func TestListSurveySessions(t *testing.T) {
	srv, store := newTestServer(t, &fakeFlow{}, &fakeDesigner{})
	seedSurvey(t, store)
	for _, id := range []string{"session_a", "session_b"} {
		if _, err := store.CreateSession(storage.Session{ID: id, SurveyID: "survey_abc123"}); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}

	resp := doRequest(t, "GET", srv.URL+"/surveys/survey_abc123/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var sessions []storage.Session
	decodeBody(t, resp, &sessions)
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}
}
