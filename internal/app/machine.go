package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
	"github.com/stocktrader/transfer-service/internal/store"
	"github.com/stocktrader/transfer-service/pkg/rabbitmq"
)

// Machine is the single writer of transfer histories. All commands for one
// transfer are serialized through a per-transfer lock, so no two callers ever
// mutate the same transfer concurrently; the store's state compare-and-swap
// guards against writers in other processes.
type Machine struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	locks     transferLocks
}

// NewMachine creates a state machine over the given repository. The publisher
// is optional; when present, terminal transitions are announced on the event
// bus (best effort).
func NewMachine(repo store.Repository, publisher rabbitmq.Publisher) *Machine {
	return &Machine{repo: repo, publisher: publisher}
}

// Submit applies one command to its transfer. A command that is not valid in
// the transfer's current state is rejected with domain.ErrInvalidTransition
// and leaves no trace; callers treat that as a successful no-op so that
// redelivered saga steps cannot double-apply.
func (m *Machine) Submit(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferEvent, error) {
	unlock := m.locks.acquire(cmd.TransferID)
	defer unlock()

	transfer, err := m.repo.FindTransferByID(ctx, cmd.TransferID)
	if err != nil {
		return nil, fmt.Errorf("load transfer: %w", err)
	}

	next, eventType, err := domain.Transition(transfer.State, cmd.Type)
	if err != nil {
		log.Printf("level=debug component=machine msg=\"command rejected\" transfer_id=%s state=%s command=%s", cmd.TransferID, transfer.State, cmd.Type)
		return nil, domain.ErrInvalidTransition
	}

	event := &domain.TransferEvent{
		TransferID:  transfer.ID,
		Type:        eventType,
		Source:      transfer.Source,
		Destination: transfer.Destination,
		Amount:      transfer.Amount,
		Reason:      cmd.Reason,
	}
	if err := m.repo.AppendTransferEvent(ctx, transfer.State, next, event); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Another delivery of the same step won the race; the history
			// already records this transition.
			log.Printf("level=debug component=machine msg=\"stale command dropped\" transfer_id=%s command=%s", cmd.TransferID, cmd.Type)
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	if next.Terminal() && m.publisher != nil {
		status := rabbitmq.TransferStatusEvent{
			TransferID: transfer.ID,
			State:      string(next),
			Event:      string(eventType),
			Amount:     transfer.Amount,
			Reason:     cmd.Reason,
			Timestamp:  time.Now().UTC(),
		}
		if err := m.publisher.PublishTransferStatus(ctx, status); err != nil {
			log.Printf("level=warn component=machine msg=\"status publish failed\" transfer_id=%s state=%s err=%v", transfer.ID, next, err)
		}
	}

	return event, nil
}

// transferLocks hands out one mutex per in-flight transfer. Entries are
// reference counted and removed when the last holder releases, so the map does
// not grow with the total number of transfers ever seen.
type transferLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*transferLockEntry
}

type transferLockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *transferLocks) acquire(id uuid.UUID) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uuid.UUID]*transferLockEntry)
	}
	entry, ok := l.entries[id]
	if !ok {
		entry = &transferLockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
