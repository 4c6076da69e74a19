package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle state of a feedback session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// PriceRange bounds the payment for a completed session.
type PriceRange struct {
	MinAmount float64 `json:"min_amount"`
	MaxAmount float64 `json:"max_amount"`
}

// Criterion is one weighted dimension a transcript is scored against.
// Weights are expected to sum to roughly 1 across a survey but this is
// not enforced.
type Criterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Survey is an immutable survey definition. Questions are stored in
// presentation order for the voice agent.
type Survey struct {
	ID         string      `json:"survey_id"`
	Title      string      `json:"title"`
	Questions  []string    `json:"questions"`
	Criteria   []Criterion `json:"criteria"`
	PriceRange PriceRange  `json:"price_range"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Session is one attempt by one respondent to complete one survey.
// Optional fields are nil until the corresponding phase has run.
type Session struct {
	ID              string        `json:"session_id"`
	SurveyID        string        `json:"survey_id"`
	Status          SessionStatus `json:"status"`
	Context         *string       `json:"context"`
	Transcript      *string       `json:"transcript"`
	EvaluationScore *float64      `json:"evaluation_score"`
	EvaluationNotes *string       `json:"evaluation_notes"`
	PaymentAmount   *float64      `json:"payment_amount"`
	PaymentStatus   *string       `json:"payment_status"`
	Insights        *string       `json:"insights"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
}

// SessionUpdate is a partial update: nil fields are left untouched.
type SessionUpdate struct {
	Status          *SessionStatus
	Context         *string
	Transcript      *string
	EvaluationScore *float64
	EvaluationNotes *string
	PaymentAmount   *float64
	PaymentStatus   *string
	Insights        *string
	CompletedAt     *time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
