package app

import (
	"encoding/json"
	"testing"

	"github.com/stocktrader/transfer-service/internal/domain"
)

func TestHandleMessage_InitiatesTransfer(t *testing.T) {
	h := newSagaHarness(nil)
	consumer := NewTransferRequestConsumer(h.service)

	body, _ := json.Marshal(transferRequestMessage{
		RequestID:   "req-1",
		Source:      accountPayload{Kind: "ledger", AccountID: "P1"},
		Destination: accountPayload{Kind: "ledger", AccountID: "P2"},
		Amount:      100,
	})

	if !consumer.HandleMessage(body) {
		t.Fatal("expected message to be acknowledged")
	}

	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	if len(h.repo.transfers) != 1 {
		t.Fatalf("expected one transfer created, got %d", len(h.repo.transfers))
	}
	for _, transfer := range h.repo.transfers {
		if transfer.State != domain.StateFundsPending {
			t.Fatalf("new transfer state = %s, want funds_pending", transfer.State)
		}
		if transfer.Amount != 100 {
			t.Fatalf("transfer amount = %d, want 100", transfer.Amount)
		}
	}
}

func TestHandleMessage_MalformedPayloadIsDropped(t *testing.T) {
	h := newSagaHarness(nil)
	consumer := NewTransferRequestConsumer(h.service)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payload must be acknowledged to drop it")
	}

	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	if len(h.repo.transfers) != 0 {
		t.Fatalf("malformed payload created %d transfers", len(h.repo.transfers))
	}
}

func TestHandleMessage_ValidationFailureIsDroppedNotRequeued(t *testing.T) {
	h := newSagaHarness(nil)
	consumer := NewTransferRequestConsumer(h.service)

	body, _ := json.Marshal(transferRequestMessage{
		RequestID:   "req-2",
		Source:      accountPayload{Kind: "ledger", AccountID: "P1"},
		Destination: accountPayload{Kind: "ledger", AccountID: "P2"},
		Amount:      -1,
	})

	// Re-queueing an invalid request would loop forever; it must be acked.
	if !consumer.HandleMessage(body) {
		t.Fatal("invalid request must be acknowledged, not re-queued")
	}
}

func TestHandleMessage_ExternalAccountDefaults(t *testing.T) {
	h := newSagaHarness(nil)
	consumer := NewTransferRequestConsumer(h.service)

	// Omitted account kind means external.
	body, _ := json.Marshal(transferRequestMessage{
		RequestID:   "req-3",
		Destination: accountPayload{Kind: "ledger", AccountID: "P2"},
		Amount:      10,
	})

	if !consumer.HandleMessage(body) {
		t.Fatal("expected message to be acknowledged")
	}

	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	for _, transfer := range h.repo.transfers {
		if transfer.Source.Kind != domain.AccountExternal {
			t.Fatalf("omitted kind should map to external, got %s", transfer.Source.Kind)
		}
	}
}
