/**
 * @description
 * PostgreSQL implementation of the payment journal using pgx.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createPaymentsTable = `
CREATE TABLE IF NOT EXISTS connector_payments (
    source_ledger           TEXT        NOT NULL,
    source_transfer_id      TEXT        NOT NULL,
    destination_ledger      TEXT        NOT NULL DEFAULT '',
    destination_transfer_id TEXT        NOT NULL DEFAULT '',
    source_amount           TEXT        NOT NULL DEFAULT '',
    destination_amount      TEXT        NOT NULL DEFAULT '',
    state                   TEXT        NOT NULL,
    state_rank              SMALLINT    NOT NULL,
    reason                  TEXT        NOT NULL DEFAULT '',
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_ledger, source_transfer_id)
)`

// The WHERE clause on the conflict branch keeps replays from downgrading a row.
const upsertPayment = `
INSERT INTO connector_payments (
    source_ledger, source_transfer_id, destination_ledger, destination_transfer_id,
    source_amount, destination_amount, state, state_rank, reason, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (source_ledger, source_transfer_id) DO UPDATE SET
    destination_ledger      = COALESCE(NULLIF(EXCLUDED.destination_ledger, ''), connector_payments.destination_ledger),
    destination_transfer_id = COALESCE(NULLIF(EXCLUDED.destination_transfer_id, ''), connector_payments.destination_transfer_id),
    source_amount           = COALESCE(NULLIF(EXCLUDED.source_amount, ''), connector_payments.source_amount),
    destination_amount      = COALESCE(NULLIF(EXCLUDED.destination_amount, ''), connector_payments.destination_amount),
    state                   = EXCLUDED.state,
    state_rank              = EXCLUDED.state_rank,
    reason                  = EXCLUDED.reason,
    updated_at              = EXCLUDED.updated_at
WHERE connector_payments.state_rank <= EXCLUDED.state_rank`

// PostgresRepository is the pgx-backed payment journal.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a database connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the journal table when it does not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createPaymentsTable); err != nil {
		return fmt.Errorf("failed to create connector_payments table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordPayment(ctx context.Context, record domain.PaymentRecord) error {
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, upsertPayment,
		record.SourceLedger,
		record.SourceTransferID,
		record.DestinationLedger,
		record.DestinationTransferID,
		record.SourceAmount,
		record.DestinationAmount,
		string(record.State),
		record.State.Rank(),
		record.Reason,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment %s/%s: %w", record.SourceLedger, record.SourceTransferID, err)
	}
	return nil
}

func (r *PostgresRepository) FindPayment(ctx context.Context, sourceLedger, sourceTransferID string) (*domain.PaymentRecord, error) {
	query := `
        SELECT source_ledger, source_transfer_id, destination_ledger, destination_transfer_id,
               source_amount, destination_amount, state, reason, updated_at
        FROM connector_payments
        WHERE source_ledger = $1 AND source_transfer_id = $2`

	var record domain.PaymentRecord
	var state string
	err := r.db.QueryRow(ctx, query, sourceLedger, sourceTransferID).Scan(
		&record.SourceLedger,
		&record.SourceTransferID,
		&record.DestinationLedger,
		&record.DestinationTransferID,
		&record.SourceAmount,
		&record.DestinationAmount,
		&state,
		&record.Reason,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	record.State = domain.PaymentState(state)
	return &record, nil
}
