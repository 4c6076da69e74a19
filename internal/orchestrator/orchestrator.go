package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/canvass/canvass/internal/eval"
	"github.com/canvass/canvass/internal/payment"
	"github.com/canvass/canvass/internal/storage"
)

// InsightsJobType is the queue type for deferred insight generation.
const InsightsJobType = "insights_generate"

// Store is the persistence contract the orchestrator requires.
type Store interface {
	GetSurvey(id string) (storage.Survey, error)
	GetSession(id string) (storage.Session, error)
	UpdateSession(id string, u storage.SessionUpdate) (storage.Session, error)
	GetSessionsBySurvey(surveyID string) ([]storage.Session, error)
	EnqueueJob(job storage.Job) error
}

// Briefer generates the voice-agent briefing for a survey.
type Briefer interface {
	Brief(ctx context.Context, survey storage.Survey) (string, error)
}

// Evaluator scores a transcript and proposes a payment.
type Evaluator interface {
	Evaluate(ctx context.Context, survey storage.Survey, transcript string) (eval.Result, error)
}

// Aggregator synthesizes insights across a survey's sessions.
type Aggregator interface {
	Summarize(ctx context.Context, survey storage.Survey, sessions []storage.Session) (string, error)
}

// Orchestrator owns the session lifecycle: it sequences briefing, voice
// capture (external), evaluation, payment, and deferred insight generation,
// and defines the failure contract around them. It applies no retry policy
// of its own — a failing step is terminal for that phase invocation.
type Orchestrator struct {
	store     Store
	briefer   Briefer
	evaluator Evaluator
	payments  payment.Sender
	insights  Aggregator
	logger    *slog.Logger
}

// New wires an Orchestrator from its collaborators.
func New(store Store, briefer Briefer, evaluator Evaluator, payments payment.Sender, insights Aggregator) *Orchestrator {
	return &Orchestrator{
		store:     store,
		briefer:   briefer,
		evaluator: evaluator,
		payments:  payments,
		insights:  insights,
		logger:    slog.Default(),
	}
}

// StartResult is returned to the surface after Phase 1 so it can hand the
// respondent off to the voice agent.
type StartResult struct {
	SessionID string   `json:"session_id"`
	RoomName  string   `json:"room_name"`
	Context   string   `json:"context"`
	Questions []string `json:"questions"`
	Status    string   `json:"status"`
}

// CompleteResult is returned to the surface after Phase 2.
type CompleteResult struct {
	SessionID       string  `json:"session_id"`
	Score           float64 `json:"score"`
	PaymentAmount   float64 `json:"payment_amount"`
	PaymentStatus   string  `json:"payment_status"`
	TransactionID   string  `json:"transaction_id"`
	EvaluationNotes string  `json:"evaluation_notes"`
	Message         string  `json:"message"`
}

// InsightsReport is the live-computed aggregate view of a survey.
type InsightsReport struct {
	SurveyID       string            `json:"survey_id"`
	TotalSessions  int               `json:"total_sessions"`
	AverageScore   float64           `json:"average_score"`
	AveragePayment float64           `json:"average_payment"`
	KeyInsights    string            `json:"key_insights"`
	Sessions       []storage.Session `json:"sessions"`
}

// Start runs Phase 1 for a pending session: generate the briefing and mark
// the session in progress. Unknown session or survey ids propagate
// storage.ErrNotFound without touching any record. Any other failure
// transitions the session to failed and is returned to the caller.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) (StartResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return StartResult{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	survey, err := o.store.GetSurvey(sess.SurveyID)
	if err != nil {
		return StartResult{}, fmt.Errorf("loading survey %s: %w", sess.SurveyID, err)
	}

	o.logger.Info("starting session", "session_id", sessionID, "survey_id", survey.ID)

	briefing, err := o.briefer.Brief(ctx, survey)
	if err != nil {
		return StartResult{}, o.failSession(sessionID, fmt.Errorf("generating context: %w", err), "Error starting session")
	}

	status := storage.StatusInProgress
	if _, err := o.store.UpdateSession(sessionID, storage.SessionUpdate{
		Context: &briefing,
		Status:  &status,
	}); err != nil {
		return StartResult{}, o.failSession(sessionID, fmt.Errorf("persisting context: %w", err), "Error starting session")
	}

	o.logger.Info("session ready for voice interaction", "session_id", sessionID)

	return StartResult{
		SessionID: sessionID,
		RoomName:  "survey-" + sessionID,
		Context:   briefing,
		Questions: survey.Questions,
		Status:    "ready",
	}, nil
}

// Complete runs Phase 2: persist the transcript, evaluate it, attempt
// payment, and mark the session completed. The transcript is persisted
// before evaluation so it is never lost to a later failure. A payment
// reported as failed by the provider does not fail the session — evaluation
// is authoritative over session success, payment is best effort.
//
// The caller is responsible for rejecting sessions that are not in
// progress; Complete does not re-check.
func (o *Orchestrator) Complete(ctx context.Context, sessionID, transcript string) (CompleteResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	survey, err := o.store.GetSurvey(sess.SurveyID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("loading survey %s: %w", sess.SurveyID, err)
	}

	o.logger.Info("completing session", "session_id", sessionID)

	if _, err := o.store.UpdateSession(sessionID, storage.SessionUpdate{Transcript: &transcript}); err != nil {
		return CompleteResult{}, o.failSession(sessionID, fmt.Errorf("persisting transcript: %w", err), "Error completing session")
	}

	result, err := o.evaluator.Evaluate(ctx, survey, transcript)
	if err != nil {
		return CompleteResult{}, o.failSession(sessionID, err, "Error completing session")
	}

	o.logger.Info("processing payment", "session_id", sessionID, "amount", result.Payment)
	payResult, err := o.payments.Send(ctx, sessionID, result.Payment)
	if err != nil {
		return CompleteResult{}, o.failSession(sessionID, fmt.Errorf("sending payment: %w", err), "Error completing session")
	}

	now := time.Now().UTC()
	status := storage.StatusCompleted
	if _, err := o.store.UpdateSession(sessionID, storage.SessionUpdate{
		EvaluationScore: &result.Score,
		EvaluationNotes: &result.Notes,
		PaymentAmount:   &result.Payment,
		PaymentStatus:   &payResult.Status,
		Status:          &status,
		CompletedAt:     &now,
	}); err != nil {
		return CompleteResult{}, o.failSession(sessionID, fmt.Errorf("persisting completion: %w", err), "Error completing session")
	}

	o.logger.Info("session completed", "session_id", sessionID, "score", result.Score, "payment_status", payResult.Status)

	message := fmt.Sprintf("Thank you! You've earned $%.2f", result.Payment)
	if payResult.Status != "success" {
		message = "Thank you! Your payment is being processed."
	}

	return CompleteResult{
		SessionID:       sessionID,
		Score:           result.Score,
		PaymentAmount:   result.Payment,
		PaymentStatus:   payResult.Status,
		TransactionID:   payResult.TransactionID,
		EvaluationNotes: result.Notes,
		Message:         message,
	}, nil
}

// failSession marks the session failed with a readable note and hands the
// original error back for the caller.
func (o *Orchestrator) failSession(sessionID string, cause error, prefix string) error {
	status := storage.StatusFailed
	notes := fmt.Sprintf("%s: %v", prefix, cause)
	if _, err := o.store.UpdateSession(sessionID, storage.SessionUpdate{
		Status:          &status,
		EvaluationNotes: &notes,
	}); err != nil {
		o.logger.Error("failed to mark session as failed", "session_id", sessionID, "error", err)
	}
	return cause
}

type insightsPayload struct {
	SurveyID string `json:"survey_id"`
}

// EnqueueInsights queues deferred insight generation for a survey. The
// enqueuing caller's response must never depend on it, so failures here are
// only logged.
func (o *Orchestrator) EnqueueInsights(surveyID string) {
	payload, err := json.Marshal(insightsPayload{SurveyID: surveyID})
	if err != nil {
		o.logger.Error("failed to marshal insights payload", "survey_id", surveyID, "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        InsightsJobType,
		PayloadJSON: string(payload),
	}
	if err := o.store.EnqueueJob(job); err != nil {
		o.logger.Error("failed to enqueue insights job", "survey_id", surveyID, "error", err)
	}
}

// GenerateInsights recomputes insights for a survey and attaches the text
// to the most recently created completed session. Invoked by the background
// worker; its errors never reach the respondent-facing request.
func (o *Orchestrator) GenerateInsights(ctx context.Context, surveyID string) error {
	survey, err := o.store.GetSurvey(surveyID)
	if err != nil {
		return fmt.Errorf("loading survey %s: %w", surveyID, err)
	}

	sessions, err := o.store.GetSessionsBySurvey(surveyID)
	if err != nil {
		return fmt.Errorf("loading sessions for survey %s: %w", surveyID, err)
	}

	text, err := o.insights.Summarize(ctx, survey, sessions)
	if err != nil {
		return fmt.Errorf("summarizing survey %s: %w", surveyID, err)
	}

	var latest *storage.Session
	for i := range sessions {
		s := &sessions[i]
		if s.Status != storage.StatusCompleted {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		o.logger.Info("no completed session to attach insights to", "survey_id", surveyID)
		return nil
	}

	if _, err := o.store.UpdateSession(latest.ID, storage.SessionUpdate{Insights: &text}); err != nil {
		return fmt.Errorf("attaching insights to session %s: %w", latest.ID, err)
	}

	o.logger.Info("insights generated", "survey_id", surveyID, "session_id", latest.ID)
	return nil
}

// Report computes the live aggregate view of a survey: totals, averages,
// and freshly generated insight text over completed sessions.
func (o *Orchestrator) Report(ctx context.Context, surveyID string) (InsightsReport, error) {
	survey, err := o.store.GetSurvey(surveyID)
	if err != nil {
		return InsightsReport{}, fmt.Errorf("loading survey %s: %w", surveyID, err)
	}

	sessions, err := o.store.GetSessionsBySurvey(surveyID)
	if err != nil {
		return InsightsReport{}, fmt.Errorf("loading sessions for survey %s: %w", surveyID, err)
	}

	var completed []storage.Session
	for _, s := range sessions {
		if s.Status == storage.StatusCompleted && s.EvaluationScore != nil {
			completed = append(completed, s)
		}
	}

	report := InsightsReport{
		SurveyID:      surveyID,
		TotalSessions: len(completed),
		KeyInsights:   "No completed sessions yet.",
		Sessions:      []storage.Session{},
	}
	if len(completed) == 0 {
		return report, nil
	}

	var scoreSum, paymentSum float64
	for _, s := range completed {
		scoreSum += *s.EvaluationScore
		if s.PaymentAmount != nil {
			paymentSum += *s.PaymentAmount
		}
	}
	report.AverageScore = scoreSum / float64(len(completed))
	report.AveragePayment = paymentSum / float64(len(completed))
	report.Sessions = completed

	text, err := o.insights.Summarize(ctx, survey, completed)
	if err != nil {
		return InsightsReport{}, fmt.Errorf("generating insights for survey %s: %w", surveyID, err)
	}
	report.KeyInsights = text

	return report, nil
}
