package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_audit (
    id              UUID PRIMARY KEY,
    correlation_id  TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    stakeholders    TEXT[] NOT NULL DEFAULT '{}',
    priority        TEXT NOT NULL,
    webhook_url     TEXT NOT NULL,
    card_payload    JSONB,
    sent_at         TIMESTAMPTZ NOT NULL,
    status_code     INT,
    retry_count     INT NOT NULL DEFAULT 0,
    acknowledged_by TEXT,
    acknowledged_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_notification_audit_correlation ON notification_audit (correlation_id);
CREATE INDEX IF NOT EXISTS idx_notification_audit_event_type ON notification_audit (event_type);
`

// PostgresStore persists audit rows in the notification_audit table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *log.Logger
}

// NewPostgresStore connects to the audit database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit db connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an existing handle; tests inject sqlmock
// through here.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("audit migrate: %w", err)
	}
	s.logger.Printf("notification_audit schema ready")
	return nil
}

// Ping verifies connectivity, for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `
        INSERT INTO notification_audit
            (id, correlation_id, event_type, stakeholders, priority, webhook_url,
             card_payload, sent_at, status_code, retry_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.CorrelationID, rec.EventType, rec.Stakeholders, rec.Priority,
		rec.WebhookURL, rec.CardPayload, rec.SentAt, rec.StatusCode, rec.RetryCount,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM notification_audit WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit get %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*Record, error) {
	var recs []*Record
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM notification_audit WHERE correlation_id = $1 ORDER BY created_at, id`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("audit query %s: %w", correlationID, err)
	}
	return recs, nil
}

func (s *PostgresStore) Acknowledge(ctx context.Context, id, by string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_audit
            SET acknowledged_by = $2, acknowledged_at = now()
          WHERE id = $1 AND acknowledged_at IS NULL`,
		id, by)
	if err != nil {
		return fmt.Errorf("audit acknowledge %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit acknowledge %s: %w", id, err)
	}
	if affected == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyAcknowledged
	}
	return nil
}
