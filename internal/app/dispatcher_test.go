package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
)

func TestDispatcher_CursorAdvancesOnlyAfterStepCompletes(t *testing.T) {
	h := newSagaHarness(map[string]int64{"P1": 500})
	ctx := context.Background()

	if _, err := h.service.InitiateTransfer(ctx,
		domain.LedgerAccount("P1"), domain.ExternalAccount(), 100); err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}

	before, _ := h.repo.GetDispatchCursor(ctx, cursorName(0))
	if before != 0 {
		t.Fatalf("cursor must start at zero, got %d", before)
	}

	if err := h.dispatcher.drainPartition(ctx, 0); err != nil {
		t.Fatalf("drainPartition returned error: %v", err)
	}

	after, _ := h.repo.GetDispatchCursor(ctx, cursorName(0))
	if after == 0 {
		t.Fatal("cursor did not advance after dispatch")
	}
}

func TestDispatcher_PersistenceFaultStallsPartition(t *testing.T) {
	h := newSagaHarness(map[string]int64{"P1": 500})
	ctx := context.Background()

	transfer, err := h.service.InitiateTransfer(ctx,
		domain.LedgerAccount("P1"), domain.ExternalAccount(), 100)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}

	// The machine cannot append the follow-up event: that is a persistence
	// fault, and the partition must not advance past the failed step.
	h.repo.appendErr = errors.New("database unavailable")
	if err := h.dispatcher.drainPartition(ctx, 0); err == nil {
		t.Fatal("expected drainPartition to surface the persistence fault")
	}
	cursor, _ := h.repo.GetDispatchCursor(ctx, cursorName(0))
	if cursor != 0 {
		t.Fatalf("cursor advanced past a failed step: %d", cursor)
	}

	// After the store recovers the same event is redelivered and the saga
	// resumes from where it stalled. The gateway sees the withdraw twice
	// (at-least-once delivery) but the history stays linear.
	h.repo.appendErr = nil
	h.drainAll(t)

	if state := h.transferState(t, transfer.ID); state != domain.StateCompleted {
		t.Fatalf("expected completed transfer after recovery, got %s", state)
	}
	if err := eventTypesEqual(h.eventTypes(t, transfer.ID),
		domain.EventInitiated, domain.EventFundsRetrieved,
		domain.EventFundsSent, domain.EventDeliveryConfirmed); err != nil {
		t.Fatalf("history forked across redelivery: %v", err)
	}
}

func TestDispatcher_CrashBeforeCursorCommitRedelivers(t *testing.T) {
	h := newSagaHarness(map[string]int64{"P1": 500})
	ctx := context.Background()

	transfer, err := h.service.InitiateTransfer(ctx,
		domain.LedgerAccount("P1"), domain.ExternalAccount(), 100)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}

	// The step completes but the cursor write fails; the dispatcher must stop
	// and retry the same event later instead of skipping it.
	h.repo.saveCursorErr = errors.New("cursor store unavailable")
	if err := h.dispatcher.drainPartition(ctx, 0); err == nil {
		t.Fatal("expected drainPartition to surface the cursor fault")
	}

	h.repo.saveCursorErr = nil
	h.drainAll(t)

	if state := h.transferState(t, transfer.ID); state != domain.StateCompleted {
		t.Fatalf("expected completed transfer after redelivery, got %s", state)
	}
	// Exactly one withdraw applied to the history despite the redelivery.
	if err := eventTypesEqual(h.eventTypes(t, transfer.ID),
		domain.EventInitiated, domain.EventFundsRetrieved,
		domain.EventFundsSent, domain.EventDeliveryConfirmed); err != nil {
		t.Fatalf("redelivery duplicated history: %v", err)
	}
}

func TestDispatcher_PartitionsSplitTheLog(t *testing.T) {
	repo := newMemoryRepo()
	gateway := newFakeGateway(map[string]int64{"A": 1000, "B": 1000})
	machine := NewMachine(repo, nil)
	service := NewService(repo, machine)
	executor := NewStepExecutor(gateway, machine)
	dispatcher := NewDispatcher(repo, executor, 4, time.Millisecond, 10)
	ctx := context.Background()

	transfers := make([]uuid.UUID, 0, 8)
	for i := 0; i < 8; i++ {
		transfer, err := service.InitiateTransfer(ctx,
			domain.LedgerAccount("A"), domain.LedgerAccount("B"), 10)
		if err != nil {
			t.Fatalf("InitiateTransfer returned error: %v", err)
		}
		transfers = append(transfers, transfer.ID)

		events, _ := repo.ListTransferEvents(ctx, transfer.ID)
		partition := domain.PartitionHash(transfer.ID) % 4
		// The initiated event must only be visible to its own partition.
		for p := int64(0); p < 4; p++ {
			visible, err := repo.ListEventsForPartition(ctx, int(p), 4, 0, 100)
			if err != nil {
				t.Fatalf("ListEventsForPartition returned error: %v", err)
			}
			found := false
			for _, ev := range visible {
				if ev.LogID == events[0].LogID {
					found = true
				}
			}
			if found != (p == partition) {
				t.Fatalf("event for partition %d visible=%v on partition %d", partition, found, p)
			}
		}
	}

	// Drain every partition until all transfers settle.
	for i := 0; i < 25; i++ {
		for p := 0; p < 4; p++ {
			if err := dispatcher.drainPartition(ctx, p); err != nil {
				t.Fatalf("drainPartition(%d) returned error: %v", p, err)
			}
		}
	}

	for _, id := range transfers {
		transfer, err := repo.FindTransferByID(ctx, id)
		if err != nil {
			t.Fatalf("transfer lookup failed: %v", err)
		}
		if transfer.State != domain.StateCompleted {
			t.Fatalf("transfer %s state = %s, want completed", id, transfer.State)
		}
	}
	if got := gateway.balance("A"); got != 920 {
		t.Fatalf("source balance = %d, want 920", got)
	}
	if got := gateway.balance("B"); got != 1080 {
		t.Fatalf("destination balance = %d, want 1080", got)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	h := newSagaHarness(map[string]int64{"P1": 500})
	ctx := context.Background()

	transfer, err := h.service.InitiateTransfer(ctx,
		domain.LedgerAccount("P1"), domain.ExternalAccount(), 100)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}

	h.dispatcher.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.transferState(t, transfer.ID) == domain.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.dispatcher.Stop()

	if state := h.transferState(t, transfer.ID); state != domain.StateCompleted {
		t.Fatalf("background dispatcher did not finish the saga, state = %s", state)
	}
}
