package domain

import "errors"

// ErrInvalidTransition is returned when a command is not valid in the
// transfer's current state. Callers treat it as a no-op rather than a fault:
// a redelivered event produces a command the machine has already applied, and
// rejecting it silently is what keeps redelivery idempotent.
var ErrInvalidTransition = errors.New("command not valid in current transfer state")

// Transition is the pure transfer state machine. Given the current state and a
// command it returns the next state and the event recording the transition.
//
//	funds_pending      --request_funds_succeeded--> funds_secured      (FundsRetrieved)
//	funds_pending      --request_funds_failed-----> funds_failed       (CouldNotSecureFunds)
//	funds_secured      --send_funds---------------> funds_send_pending (FundsSent)
//	funds_send_pending --send_funds_succeeded-----> completed          (DeliveryConfirmed)
//	funds_send_pending --send_funds_failed--------> refund_pending     (DeliveryFailed)
//	funds_failed       --send_refund--------------> refund_sent        (RefundSent)
//	refund_pending     --send_refund--------------> refund_delivered   (RefundDelivered)
//
// Any other pairing is rejected with ErrInvalidTransition.
func Transition(current TransferState, cmd CommandType) (TransferState, EventType, error) {
	switch current {
	case StateFundsPending:
		switch cmd {
		case CommandRequestFundsSucceeded:
			return StateFundsSecured, EventFundsRetrieved, nil
		case CommandRequestFundsFailed:
			return StateFundsFailed, EventCouldNotSecureFunds, nil
		}
	case StateFundsSecured:
		if cmd == CommandSendFunds {
			return StateFundsSendPending, EventFundsSent, nil
		}
	case StateFundsSendPending:
		switch cmd {
		case CommandSendFundsSucceeded:
			return StateCompleted, EventDeliveryConfirmed, nil
		case CommandSendFundsFailed:
			return StateRefundPending, EventDeliveryFailed, nil
		}
	case StateFundsFailed:
		if cmd == CommandSendRefund {
			return StateRefundSent, EventRefundSent, nil
		}
	case StateRefundPending:
		if cmd == CommandSendRefund {
			return StateRefundDelivered, EventRefundDelivered, nil
		}
	}
	return current, "", ErrInvalidTransition
}
