/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the transfer read model, the append-only
 * transfer event log, and the per-partition dispatch cursors.
 *
 * Expected schema:
 *
 *   transfers(id uuid primary key, source_kind text, source_account_id text,
 *             destination_kind text, destination_account_id text,
 *             amount bigint, state text, failure_reason text,
 *             created_at timestamptz, updated_at timestamptz)
 *   transfer_events(log_id bigserial primary key, transfer_id uuid,
 *             sequence bigint, event_type text, source_kind text,
 *             source_account_id text, destination_kind text,
 *             destination_account_id text, amount bigint, reason text,
 *             partition_hash bigint, occurred_at timestamptz,
 *             unique(transfer_id, sequence))
 *   dispatch_cursors(partition text primary key, position bigint,
 *             updated_at timestamptz)
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stocktrader/transfer-service/internal/domain"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrStateConflict    = errors.New("transfer state changed concurrently")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const eventColumns = `log_id, transfer_id, sequence, event_type, source_kind, source_account_id,
	destination_kind, destination_account_id, amount, reason, occurred_at`

// CreateTransfer persists a new transfer together with its Initiated event in
// a single transaction, so a transfer row never exists without the event that
// starts its history.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer, initiated *domain.TransferEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (id, source_kind, source_account_id, destination_kind, destination_account_id,
			amount, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		transfer.ID, transfer.Source.Kind, transfer.Source.AccountID,
		transfer.Destination.Kind, transfer.Destination.AccountID,
		transfer.Amount, transfer.State, now,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}

	initiated.Sequence = 1
	initiated.OccurredAt = now
	err = tx.QueryRow(ctx, `
		INSERT INTO transfer_events (transfer_id, sequence, event_type, source_kind, source_account_id,
			destination_kind, destination_account_id, amount, reason, partition_hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING log_id`,
		initiated.TransferID, initiated.Sequence, initiated.Type,
		initiated.Source.Kind, initiated.Source.AccountID,
		initiated.Destination.Kind, initiated.Destination.AccountID,
		initiated.Amount, initiated.Reason,
		domain.PartitionHash(initiated.TransferID), initiated.OccurredAt,
	).Scan(&initiated.LogID)
	if err != nil {
		return fmt.Errorf("insert initiated event: %w", err)
	}

	return tx.Commit(ctx)
}

// FindTransferByID retrieves a transfer by its ID.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var t domain.Transfer
	query := `SELECT id, source_kind, source_account_id, destination_kind, destination_account_id,
		amount, state, failure_reason, created_at, updated_at FROM transfers WHERE id = $1`
	err := r.db.QueryRow(ctx, query, transferID).Scan(
		&t.ID, &t.Source.Kind, &t.Source.AccountID, &t.Destination.Kind, &t.Destination.AccountID,
		&t.Amount, &t.State, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// AppendTransferEvent appends the next event of a transfer's history and moves
// the transfer read model from fromState to toState in the same transaction.
// The state column acts as a compare-and-swap guard: if another writer (or a
// redelivered step) already moved the transfer on, no row matches and the
// append is rejected with ErrStateConflict instead of forking the history.
func (r *PostgresRepository) AppendTransferEvent(ctx context.Context, fromState, toState domain.TransferState, event *domain.TransferEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE transfers
		SET state = $1, failure_reason = COALESCE(NULLIF($2, ''), failure_reason), updated_at = $3
		WHERE id = $4 AND state = $5`,
		toState, event.Reason, now, event.TransferID, fromState,
	)
	if err != nil {
		return fmt.Errorf("update transfer state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transfers WHERE id = $1)`, event.TransferID).Scan(&exists); err != nil {
			return fmt.Errorf("check transfer exists: %w", err)
		}
		if !exists {
			return ErrTransferNotFound
		}
		return ErrStateConflict
	}

	event.OccurredAt = now
	err = tx.QueryRow(ctx, `
		INSERT INTO transfer_events (transfer_id, sequence, event_type, source_kind, source_account_id,
			destination_kind, destination_account_id, amount, reason, partition_hash, occurred_at)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		FROM transfer_events WHERE transfer_id = $1
		RETURNING log_id, sequence`,
		event.TransferID, event.Type,
		event.Source.Kind, event.Source.AccountID,
		event.Destination.Kind, event.Destination.AccountID,
		event.Amount, event.Reason,
		domain.PartitionHash(event.TransferID), event.OccurredAt,
	).Scan(&event.LogID, &event.Sequence)
	if err != nil {
		return fmt.Errorf("insert transfer event: %w", err)
	}

	return tx.Commit(ctx)
}

// ListTransferEvents returns the full history of one transfer in causal order.
func (r *PostgresRepository) ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM transfer_events WHERE transfer_id = $1 ORDER BY sequence ASC`
	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsForPartition reads the partition's slice of the event log in
// global log order, starting strictly after the given cursor position.
func (r *PostgresRepository) ListEventsForPartition(ctx context.Context, partition, partitions int, afterLogID int64, limit int) ([]domain.TransferEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM transfer_events
		WHERE partition_hash % $1 = $2 AND log_id > $3
		ORDER BY log_id ASC
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, partitions, partition, afterLogID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetDispatchCursor returns the last durably dispatched log position for the
// partition, or zero when the partition has never been dispatched.
func (r *PostgresRepository) GetDispatchCursor(ctx context.Context, partition string) (int64, error) {
	var position int64
	err := r.db.QueryRow(ctx, `SELECT position FROM dispatch_cursors WHERE partition = $1`, partition).Scan(&position)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return position, nil
}

// SaveDispatchCursor durably records dispatch progress for the partition.
func (r *PostgresRepository) SaveDispatchCursor(ctx context.Context, partition string, position int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO dispatch_cursors (partition, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		partition, position, time.Now().UTC(),
	)
	return err
}

func scanEvents(rows pgx.Rows) ([]domain.TransferEvent, error) {
	var events []domain.TransferEvent
	for rows.Next() {
		var ev domain.TransferEvent
		var reason *string
		err := rows.Scan(
			&ev.LogID, &ev.TransferID, &ev.Sequence, &ev.Type,
			&ev.Source.Kind, &ev.Source.AccountID,
			&ev.Destination.Kind, &ev.Destination.AccountID,
			&ev.Amount, &reason, &ev.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		if reason != nil {
			ev.Reason = *reason
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
