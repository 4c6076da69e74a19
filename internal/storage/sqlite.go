package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for surveys, sessions, and the
// background job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "canvass.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Concurrent writers wait briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Surveys ---

// CreateSurvey validates and inserts a survey. Surveys are immutable once
// created; there is no update path.
func (s *Store) CreateSurvey(sv Survey) (Survey, error) {
	if len(sv.Questions) == 0 {
		return Survey{}, fmt.Errorf("survey must have at least one question")
	}
	if sv.PriceRange.MinAmount < 0 || sv.PriceRange.MaxAmount < 0 {
		return Survey{}, fmt.Errorf("price range amounts must be non-negative")
	}
	if sv.PriceRange.MinAmount > sv.PriceRange.MaxAmount {
		return Survey{}, fmt.Errorf("price range min %.2f exceeds max %.2f", sv.PriceRange.MinAmount, sv.PriceRange.MaxAmount)
	}

	questions, err := json.Marshal(sv.Questions)
	if err != nil {
		return Survey{}, fmt.Errorf("marshaling questions: %w", err)
	}
	criteria, err := json.Marshal(sv.Criteria)
	if err != nil {
		return Survey{}, fmt.Errorf("marshaling criteria: %w", err)
	}

	if sv.CreatedAt.IsZero() {
		sv.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO surveys (id, title, questions, criteria, price_min, price_max, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sv.ID, sv.Title, string(questions), string(criteria),
		sv.PriceRange.MinAmount, sv.PriceRange.MaxAmount,
		sv.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Survey{}, err
	}
	return sv, nil
}

func (s *Store) GetSurvey(id string) (Survey, error) {
	row := s.db.QueryRow(`
		SELECT id, title, questions, criteria, price_min, price_max, created_at
		FROM surveys WHERE id = ?`, id)
	return scanSurvey(row)
}

func (s *Store) ListSurveys() ([]Survey, error) {
	rows, err := s.db.Query(`
		SELECT id, title, questions, criteria, price_min, price_max, created_at
		FROM surveys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Survey
	for rows.Next() {
		sv, err := scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sv)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSurvey(row rowScanner) (Survey, error) {
	var sv Survey
	var questions, criteria, createdAt string
	err := row.Scan(&sv.ID, &sv.Title, &questions, &criteria,
		&sv.PriceRange.MinAmount, &sv.PriceRange.MaxAmount, &createdAt)
	if err == sql.ErrNoRows {
		return Survey{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, err
	}
	if err := json.Unmarshal([]byte(questions), &sv.Questions); err != nil {
		return Survey{}, fmt.Errorf("parsing questions: %w", err)
	}
	if err := json.Unmarshal([]byte(criteria), &sv.Criteria); err != nil {
		return Survey{}, fmt.Errorf("parsing criteria: %w", err)
	}
	if sv.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Survey{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sv, nil
}

// --- Sessions ---

func (s *Store) CreateSession(sess Session) (Session, error) {
	if sess.Status == "" {
		sess.Status = StatusPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, survey_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.SurveyID, string(sess.Status),
		sess.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSession merges the non-nil fields of u into the stored record and
// returns the updated session. Returns ErrNotFound for an unknown id.
func (s *Store) UpdateSession(id string, u SessionUpdate) (Session, error) {
	var sets []string
	var args []any

	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Context != nil {
		add("context", *u.Context)
	}
	if u.Transcript != nil {
		add("transcript", *u.Transcript)
	}
	if u.EvaluationScore != nil {
		add("evaluation_score", *u.EvaluationScore)
	}
	if u.EvaluationNotes != nil {
		add("evaluation_notes", *u.EvaluationNotes)
	}
	if u.PaymentAmount != nil {
		add("payment_amount", *u.PaymentAmount)
	}
	if u.PaymentStatus != nil {
		add("payment_status", *u.PaymentStatus)
	}
	if u.Insights != nil {
		add("insights", *u.Insights)
	}
	if u.CompletedAt != nil {
		add("completed_at", u.CompletedAt.UTC().Format(time.RFC3339))
	}

	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.Exec(`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Session{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Session{}, err
		}
		if n == 0 {
			return Session{}, ErrNotFound
		}
	}

	return s.GetSession(id)
}

func (s *Store) GetSessionsBySurvey(surveyID string) ([]Session, error) {
	rows, err := s.db.Query(sessionSelect+` WHERE survey_id = ? ORDER BY created_at ASC`, surveyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

const sessionSelect = `
	SELECT id, survey_id, status, context, transcript, evaluation_score,
	       evaluation_notes, payment_amount, payment_status, insights,
	       created_at, completed_at
	FROM sessions`

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status, createdAt string
	var context, transcript, notes, payStatus, insights, completedAt sql.NullString
	var score, amount sql.NullFloat64

	err := row.Scan(&sess.ID, &sess.SurveyID, &status, &context, &transcript,
		&score, &notes, &amount, &payStatus, &insights, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	sess.Status = SessionStatus(status)
	if context.Valid {
		sess.Context = &context.String
	}
	if transcript.Valid {
		sess.Transcript = &transcript.String
	}
	if score.Valid {
		sess.EvaluationScore = &score.Float64
	}
	if notes.Valid {
		sess.EvaluationNotes = &notes.String
	}
	if amount.Valid {
		sess.PaymentAmount = &amount.Float64
	}
	if payStatus.Valid {
		sess.PaymentStatus = &payStatus.String
	}
	if insights.Valid {
		sess.Insights = &insights.String
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	return sess, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of the given
// types, transitioning it to "running". Returns (nil, nil) when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts is reached, then marked failed permanently.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
