package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
	"github.com/stocktrader/transfer-service/internal/store"
	"github.com/stocktrader/transfer-service/pkg/rabbitmq"
)

// memoryRepo is an in-memory store.Repository with the same semantics as the
// Postgres implementation: state compare-and-swap on append, a global log id,
// and durable-looking cursors. Error hooks simulate persistence faults.
type memoryRepo struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*domain.Transfer
	events    []domain.TransferEvent
	cursors   map[string]int64
	nextLogID int64

	appendErr     error
	saveCursorErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		transfers: make(map[uuid.UUID]*domain.Transfer),
		cursors:   make(map[string]int64),
	}
}

func (m *memoryRepo) CreateTransfer(ctx context.Context, transfer *domain.Transfer, initiated *domain.TransferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	copied := *transfer
	m.transfers[transfer.ID] = &copied

	m.nextLogID++
	initiated.LogID = m.nextLogID
	initiated.Sequence = 1
	initiated.OccurredAt = now
	m.events = append(m.events, *initiated)
	return nil
}

func (m *memoryRepo) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer, ok := m.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (m *memoryRepo) AppendTransferEvent(ctx context.Context, fromState, toState domain.TransferState, event *domain.TransferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}

	transfer, ok := m.transfers[event.TransferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	if transfer.State != fromState {
		return store.ErrStateConflict
	}
	transfer.State = toState
	if event.Reason != "" {
		reason := event.Reason
		transfer.FailureReason = &reason
	}
	transfer.UpdatedAt = time.Now().UTC()

	var seq int64
	for _, ev := range m.events {
		if ev.TransferID == event.TransferID {
			seq++
		}
	}
	m.nextLogID++
	event.LogID = m.nextLogID
	event.Sequence = seq + 1
	event.OccurredAt = transfer.UpdatedAt
	m.events = append(m.events, *event)
	return nil
}

func (m *memoryRepo) ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []domain.TransferEvent
	for _, ev := range m.events {
		if ev.TransferID == transferID {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (m *memoryRepo) ListEventsForPartition(ctx context.Context, partition, partitions int, afterLogID int64, limit int) ([]domain.TransferEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []domain.TransferEvent
	for _, ev := range m.events {
		if ev.LogID <= afterLogID {
			continue
		}
		if domain.PartitionHash(ev.TransferID)%int64(partitions) != int64(partition) {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (m *memoryRepo) GetDispatchCursor(ctx context.Context, partition string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[partition], nil
}

func (m *memoryRepo) SaveDispatchCursor(ctx context.Context, partition string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveCursorErr != nil {
		return m.saveCursorErr
	}
	m.cursors[partition] = position
	return nil
}

type gatewayCall struct {
	account    string
	transferID uuid.UUID
	amount     int64
}

// fakeGateway tracks balances for ledger accounts and records every call so
// tests can assert that no saga step was applied twice.
type fakeGateway struct {
	mu       sync.Mutex
	balances map[string]int64

	withdraws []gatewayCall
	deposits  []gatewayCall
	refunds   []gatewayCall

	failWithdraw bool
	failDeposit  bool
	failRefund   bool
}

func newFakeGateway(balances map[string]int64) *fakeGateway {
	if balances == nil {
		balances = make(map[string]int64)
	}
	return &fakeGateway{balances: balances}
}

func (g *fakeGateway) Withdraw(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.withdraws = append(g.withdraws, gatewayCall{accountID, transferID, amount})
	if g.failWithdraw {
		return errors.New("insufficient funds")
	}
	g.balances[accountID] -= amount
	return nil
}

func (g *fakeGateway) Deposit(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.deposits = append(g.deposits, gatewayCall{accountID, transferID, amount})
	if g.failDeposit {
		return errors.New("destination account unreachable")
	}
	g.balances[accountID] += amount
	return nil
}

func (g *fakeGateway) Refund(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refunds = append(g.refunds, gatewayCall{accountID, transferID, amount})
	if g.failRefund {
		return errors.New("ledger unavailable")
	}
	g.balances[accountID] += amount
	return nil
}

func (g *fakeGateway) balance(accountID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[accountID]
}

// fakePublisher records terminal status events published by the machine.
type fakePublisher struct {
	mu     sync.Mutex
	events []rabbitmq.TransferStatusEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *fakePublisher) PublishTransferStatus(ctx context.Context, event rabbitmq.TransferStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() {}

// sagaHarness wires a single-partition saga over the in-memory repo.
type sagaHarness struct {
	repo       *memoryRepo
	gateway    *fakeGateway
	publisher  *fakePublisher
	machine    *Machine
	service    *Service
	executor   *StepExecutor
	dispatcher *Dispatcher
}

func newSagaHarness(balances map[string]int64) *sagaHarness {
	repo := newMemoryRepo()
	gateway := newFakeGateway(balances)
	publisher := &fakePublisher{}
	machine := NewMachine(repo, publisher)
	executor := NewStepExecutor(gateway, machine)
	return &sagaHarness{
		repo:       repo,
		gateway:    gateway,
		publisher:  publisher,
		machine:    machine,
		service:    NewService(repo, machine),
		executor:   executor,
		dispatcher: NewDispatcher(repo, executor, 1, time.Millisecond, 10),
	}
}

// drainAll repeatedly drains the single partition until the cursor stops
// moving, i.e. every event (including follow-ups appended while draining) has
// been dispatched.
func (h *sagaHarness) drainAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		before, _ := h.repo.GetDispatchCursor(ctx, cursorName(0))
		if err := h.dispatcher.drainPartition(ctx, 0); err != nil {
			t.Fatalf("drainPartition returned error: %v", err)
		}
		after, _ := h.repo.GetDispatchCursor(ctx, cursorName(0))
		if after == before {
			return
		}
	}
	t.Fatal("saga did not settle after 25 drain passes")
}

func (h *sagaHarness) transferState(t *testing.T, id uuid.UUID) domain.TransferState {
	t.Helper()
	transfer, err := h.repo.FindTransferByID(context.Background(), id)
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	return transfer.State
}

func (h *sagaHarness) eventTypes(t *testing.T, id uuid.UUID) []domain.EventType {
	t.Helper()
	events, err := h.repo.ListTransferEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("event listing failed: %v", err)
	}
	types := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func eventTypesEqual(got []domain.EventType, want ...domain.EventType) error {
	if len(got) != len(want) {
		return fmt.Errorf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("got %v, want %v", got, want)
		}
	}
	return nil
}
