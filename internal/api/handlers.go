package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/canvass/canvass/internal/orchestrator"
	"github.com/canvass/canvass/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SessionFlow is the orchestration contract the API surface drives.
type SessionFlow interface {
	Start(ctx context.Context, sessionID string) (orchestrator.StartResult, error)
	Complete(ctx context.Context, sessionID, transcript string) (orchestrator.CompleteResult, error)
	Report(ctx context.Context, surveyID string) (orchestrator.InsightsReport, error)
	EnqueueInsights(surveyID string)
}

// AppDeps holds dependencies for the HTTP surface.
type AppDeps struct {
	Store    *storage.Store
	Flow     SessionFlow
	Designer SurveyDesigner
	Token    string
}

// NewAppHandler builds the REST surface: survey management, the two-phase
// session flow, and live insight reports. Everything except /health sits
// behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	// Concurrent insight recomputations for the same survey are collapsed
	// into one upstream call.
	var inflight singleflight.Group

	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/surveys", handleCreateSurvey(deps))
		r.Post("/surveys/design", handleDesignSurvey(deps))
		r.Get("/surveys", handleListSurveys(deps))
		r.Get("/surveys/{id}", handleGetSurvey(deps))
		r.Get("/surveys/{id}/sessions", handleListSurveySessions(deps))
		r.Get("/surveys/{id}/insights", handleGetInsights(deps, &inflight))
		r.Post("/surveys/{id}/sessions", handleStartSession(deps))

		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Post("/sessions/{id}/complete", handleCompleteSession(deps))
		r.Post("/sessions/{id}/token", handleVoiceToken(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// CreateSurveyRequest is the body for POST /surveys.
type CreateSurveyRequest struct {
	Title      string              `json:"title"`
	Questions  []string            `json:"questions"`
	Criteria   []storage.Criterion `json:"criteria"`
	PriceRange storage.PriceRange  `json:"price_range"`
}

func handleCreateSurvey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateSurveyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		survey, err := deps.Store.CreateSurvey(storage.Survey{
			ID:         newID("survey"),
			Title:      req.Title,
			Questions:  req.Questions,
			Criteria:   req.Criteria,
			PriceRange: req.PriceRange,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid survey: %v", err)
			return
		}

		writeJSON(w, survey)
	}
}

// DesignSurveyRequest is the body for POST /surveys/design.
type DesignSurveyRequest struct {
	Title           string             `json:"title"`
	Topic           string             `json:"topic"`
	SuccessCriteria string             `json:"success_criteria"`
	PriceRange      storage.PriceRange `json:"price_range"`
}

// handleDesignSurvey drafts questions and criteria for a topic and creates
// the resulting survey in one step.
func handleDesignSurvey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req DesignSurveyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" || req.Topic == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title and topic are required")
			return
		}
		if req.PriceRange.MaxAmount == 0 {
			req.PriceRange = storage.PriceRange{MinAmount: 1, MaxAmount: 20}
		}

		questions, criteria, err := deps.Designer.DesignSurvey(r.Context(), req.Topic, req.SuccessCriteria, req.PriceRange)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to design survey: %v", err)
			return
		}
		if len(questions) == 0 {
			httpError(w, http.StatusBadGateway, "api_error", "survey design produced no questions, try a more specific topic")
			return
		}

		survey, err := deps.Store.CreateSurvey(storage.Survey{
			ID:         newID("survey"),
			Title:      req.Title,
			Questions:  questions,
			Criteria:   criteria,
			PriceRange: req.PriceRange,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid survey: %v", err)
			return
		}

		writeJSON(w, survey)
	}
}

func handleListSurveys(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveys, err := deps.Store.ListSurveys()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list surveys: %v", err)
			return
		}
		if surveys == nil {
			surveys = []storage.Survey{}
		}
		writeJSON(w, surveys)
	}
}

func handleGetSurvey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		survey, err := deps.Store.GetSurvey(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "survey not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get survey: %v", err)
			return
		}
		writeJSON(w, survey)
	}
}

func handleListSurveySessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSurvey(surveyID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "survey not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get survey: %v", err)
			return
		}

		sessions, err := deps.Store.GetSessionsBySurvey(surveyID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, sessions)
	}
}

func handleGetInsights(deps AppDeps, inflight *singleflight.Group) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID := chi.URLParam(r, "id")

		v, err, _ := inflight.Do(surveyID, func() (any, error) {
			return deps.Flow.Report(r.Context(), surveyID)
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "survey not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to generate insights: %v", err)
			return
		}

		writeJSON(w, v.(orchestrator.InsightsReport))
	}
}

// handleStartSession creates a pending session for the survey and runs
// Phase 1. An unknown survey id yields 404 with no session record created.
func handleStartSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID := chi.URLParam(r, "id")

		if _, err := deps.Store.GetSurvey(surveyID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "survey not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get survey: %v", err)
			return
		}

		sess, err := deps.Store.CreateSession(storage.Session{
			ID:       newID("session"),
			SurveyID: surveyID,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		result, err := deps.Flow.Start(r.Context(), sess.ID)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to start session: %v", err)
			return
		}

		writeJSON(w, result)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Store.GetSession(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		writeJSON(w, sess)
	}
}

// CompleteSessionRequest is the body for POST /sessions/{id}/complete.
type CompleteSessionRequest struct {
	Transcript string `json:"transcript"`
}

// handleCompleteSession enforces the in-progress precondition before
// handing off to Phase 2, then queues background insight generation.
func handleCompleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		sessionID := chi.URLParam(r, "id")

		var req CompleteSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Transcript) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "transcript is required")
			return
		}

		sess, err := deps.Store.GetSession(sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		if sess.Status != storage.StatusInProgress {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"session must be in progress, current status: %s", sess.Status)
			return
		}

		result, err := deps.Flow.Complete(r.Context(), sessionID, req.Transcript)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to complete session: %v", err)
			return
		}

		deps.Flow.EnqueueInsights(sess.SurveyID)

		writeJSON(w, result)
	}
}

// handleVoiceToken issues connection details for the voice agent. Token
// minting is the voice provider's concern; this hands back the room mapping
// the provider needs.
func handleVoiceToken(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSession(sessionID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}

		writeJSON(w, map[string]string{
			"token":      newID("voice"),
			"room_name":  "survey-" + sessionID,
			"session_id": sessionID,
		})
	}
}

// newID builds a prefixed short id like "survey_1a2b3c4d".
func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
