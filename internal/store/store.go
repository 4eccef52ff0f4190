package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"checkout-service/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed Repository
type Store struct {
	queries
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store. driver is "postgres" (lib/pq) or "pgx".
func NewStore(driver, databaseURL string) (*Store, error) {
	db, err := sqlx.Connect(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{q: db}, db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a database transaction
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertSiteSettings writes the singleton settings row
func (s *Store) UpsertSiteSettings(ctx context.Context, st *models.SiteSettings) error {
	query := `
		INSERT INTO site_settings (id, enable_cod, allow_order_cancel, allow_order_return, shipping_charge, free_shipping_min_amount, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			enable_cod = EXCLUDED.enable_cod,
			allow_order_cancel = EXCLUDED.allow_order_cancel,
			allow_order_return = EXCLUDED.allow_order_return,
			shipping_charge = EXCLUDED.shipping_charge,
			free_shipping_min_amount = EXCLUDED.free_shipping_min_amount,
			updated_at = NOW()
		RETURNING updated_at`

	st.ID = 1
	return s.db.GetContext(ctx, &st.UpdatedAt, query,
		st.EnableCOD, st.AllowOrderCancel, st.AllowOrderReturn, st.ShippingCharge, st.FreeShippingMinAmount)
}

// FetchPendingOutbox returns unsent outbox records oldest first
func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	var recs []models.OutboxRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	return recs, err
}

// MarkOutboxSent stamps a relayed record
func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent_at = NOW() WHERE id = $1`, id)
	return err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
