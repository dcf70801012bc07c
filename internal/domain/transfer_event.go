package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the closed, append-only set of transfer events.
type EventType string

const (
	EventInitiated           EventType = "initiated"
	EventFundsRetrieved      EventType = "funds_retrieved"
	EventCouldNotSecureFunds EventType = "could_not_secure_funds"
	EventFundsSent           EventType = "funds_sent"
	EventDeliveryFailed      EventType = "delivery_failed"
	EventDeliveryConfirmed   EventType = "delivery_confirmed"
	EventRefundSent          EventType = "refund_sent"
	EventRefundDelivered     EventType = "refund_delivered"
)

// Terminal reports whether no event may follow this one for the same transfer.
func (t EventType) Terminal() bool {
	switch t {
	case EventDeliveryConfirmed, EventRefundSent, EventRefundDelivered:
		return true
	}
	return false
}

// TransferEvent is one record in a transfer's append-only history. Every event
// carries the full transfer details so the step executor can act on it without
// a second lookup.
type TransferEvent struct {
	// LogID is the global, monotonically increasing event log position. It is
	// assigned by the store on append and is what dispatch cursors point at.
	LogID      int64     `json:"log_id"`
	TransferID uuid.UUID `json:"transfer_id"`
	// Sequence is the per-transfer event number, starting at 1 for Initiated.
	Sequence    int64     `json:"sequence"`
	Type        EventType `json:"type"`
	Source      Account   `json:"source"`
	Destination Account   `json:"destination"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandType discriminates the closed set of transfer commands.
type CommandType string

const (
	CommandRequestFundsSucceeded CommandType = "request_funds_succeeded"
	CommandRequestFundsFailed    CommandType = "request_funds_failed"
	CommandSendFunds             CommandType = "send_funds"
	CommandSendFundsSucceeded    CommandType = "send_funds_succeeded"
	CommandSendFundsFailed       CommandType = "send_funds_failed"
	CommandSendRefund            CommandType = "send_refund"
)

// TransferCommand asks the state machine for a transition. A command is only
// valid in specific states; anywhere else it is rejected as a no-op, which is
// what makes redelivery of an already-handled event safe.
type TransferCommand struct {
	TransferID uuid.UUID   `json:"transfer_id"`
	Type       CommandType `json:"type"`
	Reason     string      `json:"reason,omitempty"`
}
