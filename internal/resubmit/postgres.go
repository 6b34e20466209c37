package resubmit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/claimbridge/backend/internal/claims"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS resubmission_attempts (
    id                  UUID PRIMARY KEY,
    claim_id            TEXT NOT NULL,
    attempt_number      INT NOT NULL,
    rejection_code      TEXT NOT NULL,
    status              TEXT NOT NULL,
    correction          TEXT NOT NULL DEFAULT '',
    corrections         JSONB,
    corrections_applied INT NOT NULL DEFAULT 0,
    recovered_amount    DOUBLE PRECISION NOT NULL DEFAULT 0,
    outcome             JSONB,
    submitted_at        TIMESTAMPTZ NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (claim_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_resubmission_attempts_claim ON resubmission_attempts (claim_id);
`

// PostgresHistory persists attempts in the resubmission_attempts table.
// The unique (claim_id, attempt_number) constraint backs up the
// engine's in-process serialization when several instances share one
// database.
type PostgresHistory struct {
	db     *sqlx.DB
	logger *log.Logger
}

func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history db connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresHistoryFromDB(db), nil
}

// NewPostgresHistoryFromDB wraps an existing handle; tests inject
// sqlmock through here.
func NewPostgresHistoryFromDB(db *sqlx.DB) *PostgresHistory {
	return &PostgresHistory{
		db:     db,
		logger: log.New(log.Writer(), "[HISTORY] ", log.LstdFlags),
	}
}

// Migrate creates the table and index if they do not exist.
func (p *PostgresHistory) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	p.logger.Printf("resubmission_attempts schema ready")
	return nil
}

func (p *PostgresHistory) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresHistory) Close() error {
	return p.db.Close()
}

func (p *PostgresHistory) Append(ctx context.Context, attempt *Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}

	var corrections, outcome []byte
	var err error
	if len(attempt.Corrections) > 0 {
		if corrections, err = json.Marshal(attempt.Corrections); err != nil {
			return fmt.Errorf("history encode corrections: %w", err)
		}
	}
	if attempt.Outcome != nil {
		if outcome, err = json.Marshal(attempt.Outcome); err != nil {
			return fmt.Errorf("history encode outcome: %w", err)
		}
	}

	const q = `
        INSERT INTO resubmission_attempts
            (id, claim_id, attempt_number, rejection_code, status, correction,
             corrections, corrections_applied, recovered_amount, outcome, submitted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = p.db.ExecContext(ctx, q,
		attempt.ID, attempt.ClaimID, attempt.AttemptNumber, attempt.RejectionCode,
		attempt.Status, attempt.Correction, corrections, attempt.CorrectionsApplied,
		attempt.RecoveredAmount, outcome, attempt.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("history append %s #%d: %w", attempt.ClaimID, attempt.AttemptNumber, err)
	}
	return nil
}

func (p *PostgresHistory) Attempts(ctx context.Context, claimID string) ([]Attempt, error) {
	const q = `
        SELECT id, claim_id, attempt_number, rejection_code, status, correction,
               corrections, corrections_applied, recovered_amount, outcome, submitted_at
          FROM resubmission_attempts
         WHERE claim_id = $1
         ORDER BY attempt_number`

	var rows []attemptRow
	if err := p.db.SelectContext(ctx, &rows, q, claimID); err != nil {
		return nil, fmt.Errorf("history query %s: %w", claimID, err)
	}

	out := make([]Attempt, 0, len(rows))
	for _, row := range rows {
		attempt, err := row.toAttempt()
		if err != nil {
			return nil, fmt.Errorf("history decode %s: %w", row.ID, err)
		}
		out = append(out, attempt)
	}
	return out, nil
}

func (p *PostgresHistory) Count(ctx context.Context, claimID string) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM resubmission_attempts WHERE claim_id = $1`, claimID)
	if err != nil {
		return 0, fmt.Errorf("history count %s: %w", claimID, err)
	}
	return n, nil
}

var _ HistoryStore = (*PostgresHistory)(nil)

// attemptRow mirrors the table; JSONB columns decode lazily so a
// malformed row names itself instead of failing the whole scan.
type attemptRow struct {
	ID                 string    `db:"id"`
	ClaimID            string    `db:"claim_id"`
	AttemptNumber      int       `db:"attempt_number"`
	RejectionCode      string    `db:"rejection_code"`
	Status             string    `db:"status"`
	Correction         string    `db:"correction"`
	Corrections        []byte    `db:"corrections"`
	CorrectionsApplied int       `db:"corrections_applied"`
	RecoveredAmount    float64   `db:"recovered_amount"`
	Outcome            []byte    `db:"outcome"`
	SubmittedAt        time.Time `db:"submitted_at"`
}

func (r attemptRow) toAttempt() (Attempt, error) {
	attempt := Attempt{
		ID:                 r.ID,
		ClaimID:            r.ClaimID,
		AttemptNumber:      r.AttemptNumber,
		RejectionCode:      r.RejectionCode,
		Status:             r.Status,
		Correction:         r.Correction,
		CorrectionsApplied: r.CorrectionsApplied,
		RecoveredAmount:    r.RecoveredAmount,
		SubmittedAt:        r.SubmittedAt,
	}
	if len(r.Corrections) > 0 {
		if err := json.Unmarshal(r.Corrections, &attempt.Corrections); err != nil {
			return Attempt{}, err
		}
	}
	if len(r.Outcome) > 0 {
		attempt.Outcome = &claims.CompositeOutcome{}
		if err := json.Unmarshal(r.Outcome, attempt.Outcome); err != nil {
			return Attempt{}, err
		}
	}
	return attempt, nil
}
