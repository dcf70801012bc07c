/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the transfer-service needs: the transfer read model, the append-only
 * transfer event log, and the durable dispatch cursors. Defining an interface
 * decouples the saga logic from PostgreSQL and lets tests substitute
 * in-memory implementations.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For transfer identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transfer lifecycle. CreateTransfer persists the transfer row and its
	// Initiated event in one transaction; AppendTransferEvent appends the next
	// event and moves the transfer from fromState to toState atomically,
	// returning ErrStateConflict when the transfer is no longer in fromState.
	CreateTransfer(ctx context.Context, transfer *domain.Transfer, initiated *domain.TransferEvent) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	AppendTransferEvent(ctx context.Context, fromState, toState domain.TransferState, event *domain.TransferEvent) error
	ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error)

	// Dispatch. ListEventsForPartition reads the slice of the global event log
	// belonging to one partition (partition_hash mod partitions == partition),
	// strictly in log order, starting after the given log id.
	ListEventsForPartition(ctx context.Context, partition, partitions int, afterLogID int64, limit int) ([]domain.TransferEvent, error)
	GetDispatchCursor(ctx context.Context, partition string) (int64, error)
	SaveDispatchCursor(ctx context.Context, partition string, position int64) error
}
