/**
 * @description
 * This file defines the core domain models for the transfer-service: accounts,
 * transfers, and the transfer lifecycle states driven by the saga.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit, which avoids
 *   floating-point inaccuracies with financial data.
 * - Only ledger-backed accounts cause real balance movement through the account
 *   gateway. Any other account kind is a permissive pass-through: it freely
 *   accepts and supplies funds. That is a documented simplification, not a
 *   correctness target.
 */

package domain

import (
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// AccountKind discriminates the closed set of account variants.
type AccountKind string

const (
	// AccountLedger identifies an account whose balance is authoritative and
	// mutated only through the account gateway.
	AccountLedger AccountKind = "ledger"
	// AccountExternal identifies any account outside the ledger. It is never
	// the target of a gateway call.
	AccountExternal AccountKind = "external"
)

// Account is one side of a transfer.
type Account struct {
	Kind      AccountKind `json:"kind"`
	AccountID string      `json:"account_id,omitempty"`
}

// LedgerAccount builds a ledger-backed account reference.
func LedgerAccount(accountID string) Account {
	return Account{Kind: AccountLedger, AccountID: accountID}
}

// ExternalAccount builds a pass-through account reference.
func ExternalAccount() Account {
	return Account{Kind: AccountExternal}
}

// LedgerBacked reports whether gateway calls apply to this account.
func (a Account) LedgerBacked() bool {
	return a.Kind == AccountLedger
}

// TransferState is the current position of a transfer in its saga lifecycle.
type TransferState string

const (
	StateFundsPending     TransferState = "funds_pending"
	StateFundsSecured     TransferState = "funds_secured"
	StateFundsFailed      TransferState = "funds_failed"
	StateFundsSendPending TransferState = "funds_send_pending"
	StateCompleted        TransferState = "completed"
	StateRefundPending    TransferState = "refund_pending"
	StateRefundSent       TransferState = "refund_sent"
	StateRefundDelivered  TransferState = "refund_delivered"
)

// Terminal reports whether no further commands are accepted in this state.
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateRefundSent, StateRefundDelivered:
		return true
	}
	return false
}

// Transfer is the read model of one transfer. It maps directly to the
// `transfers` table and is evolved exclusively by the state machine.
type Transfer struct {
	ID            uuid.UUID     `json:"id"`
	Source        Account       `json:"source"`
	Destination   Account       `json:"destination"`
	Amount        int64         `json:"amount"`
	State         TransferState `json:"state"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PartitionHash maps a transfer id onto a stable dispatch partition hash.
// Events of one transfer always land on the same partition, which is what
// keeps saga steps for a transfer strictly ordered.
func PartitionHash(transferID uuid.UUID) int64 {
	h := fnv.New32a()
	h.Write(transferID[:])
	return int64(h.Sum32())
}
