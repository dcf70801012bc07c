package app

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
)

// LedgerGateway is the contract of the external account ledger. Calls are
// idempotent on the ledger side, keyed by (transferID, step), because the saga
// may redeliver a step after a crash.
type LedgerGateway interface {
	Withdraw(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error
	Deposit(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error
	Refund(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error
}

// StepExecutor maps each observed transfer event onto an optional gateway call
// and the follow-up command for the state machine. Gateway faults never escape
// Execute: they are converted into the failure-branch command so the saga can
// proceed down the compensation path. Only persistence errors are returned,
// which stalls the partition until the event is redelivered.
type StepExecutor struct {
	gateway LedgerGateway
	machine *Machine
}

func NewStepExecutor(gateway LedgerGateway, machine *Machine) *StepExecutor {
	return &StepExecutor{gateway: gateway, machine: machine}
}

// Execute runs the saga step for one event.
func (e *StepExecutor) Execute(ctx context.Context, event domain.TransferEvent) error {
	switch event.Type {
	case domain.EventInitiated:
		// Step one: secure the funds from the source.
		if event.Source.LedgerBacked() {
			if err := e.gateway.Withdraw(ctx, event.Source.AccountID, event.TransferID, event.Amount); err != nil {
				log.Printf("level=info component=executor msg=\"withdraw refused\" transfer_id=%s account=%s err=%v", event.TransferID, event.Source.AccountID, err)
				return e.submit(ctx, event.TransferID, domain.CommandRequestFundsFailed, err.Error())
			}
		}
		// Non-ledger accounts freely supply funds.
		return e.submit(ctx, event.TransferID, domain.CommandRequestFundsSucceeded, "")

	case domain.EventFundsRetrieved:
		return e.submit(ctx, event.TransferID, domain.CommandSendFunds, "")

	case domain.EventCouldNotSecureFunds:
		// The withdrawal never happened, so there is nothing to compensate.
		// The refund command only records the failed outcome; no gateway call
		// is made here.
		return e.submit(ctx, event.TransferID, domain.CommandSendRefund, event.Reason)

	case domain.EventFundsSent:
		if event.Destination.LedgerBacked() {
			if err := e.gateway.Deposit(ctx, event.Destination.AccountID, event.TransferID, event.Amount); err != nil {
				log.Printf("level=info component=executor msg=\"deposit refused\" transfer_id=%s account=%s err=%v", event.TransferID, event.Destination.AccountID, err)
				return e.submit(ctx, event.TransferID, domain.CommandSendFundsFailed, err.Error())
			}
		}
		return e.submit(ctx, event.TransferID, domain.CommandSendFundsSucceeded, "")

	case domain.EventDeliveryFailed:
		// Compensation: return the already-withdrawn funds to the source.
		if event.Source.LedgerBacked() {
			if err := e.gateway.Refund(ctx, event.Source.AccountID, event.TransferID, event.Amount); err != nil {
				// There is no retry at the saga layer. The transfer stays in
				// refund_pending for operator reconciliation and the event is
				// still acknowledged.
				log.Printf("level=error component=executor msg=\"refund failed; transfer needs reconciliation\" transfer_id=%s account=%s err=%v", event.TransferID, event.Source.AccountID, err)
				return nil
			}
		}
		return e.submit(ctx, event.TransferID, domain.CommandSendRefund, event.Reason)

	case domain.EventDeliveryConfirmed, domain.EventRefundSent, domain.EventRefundDelivered:
		// Saga complete.
		return nil

	default:
		log.Printf("level=warn component=executor msg=\"unknown event type dropped\" transfer_id=%s type=%s", event.TransferID, event.Type)
		return nil
	}
}

// submit issues the follow-up command, treating a rejected transition as a
// successful no-op. Rejection means the command was already applied by an
// earlier delivery of the same event.
func (e *StepExecutor) submit(ctx context.Context, transferID uuid.UUID, cmd domain.CommandType, reason string) error {
	_, err := e.machine.Submit(ctx, domain.TransferCommand{TransferID: transferID, Type: cmd, Reason: reason})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	return nil
}
