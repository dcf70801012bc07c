package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/stocktrader/transfer-service/internal/domain"
)

// TransferRequestConsumer accepts asynchronous transfer initiation requests
// from the message bus. It implements the ack/nack contract of the rabbitmq
// consumer: returning true acknowledges the message, false re-queues it.
type TransferRequestConsumer struct {
	service *Service
}

func NewTransferRequestConsumer(service *Service) *TransferRequestConsumer {
	return &TransferRequestConsumer{service: service}
}

type accountPayload struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
}

// transferRequestMessage is the wire shape of an initiation request.
type transferRequestMessage struct {
	RequestID   string         `json:"request_id"`
	Source      accountPayload `json:"source"`
	Destination accountPayload `json:"destination"`
	Amount      int64          `json:"amount"`
}

func (c *TransferRequestConsumer) HandleMessage(body []byte) bool {
	var msg transferRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=request-consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	source, err := accountFromPayload(msg.Source)
	if err != nil {
		log.Printf("level=warn component=request-consumer msg=\"invalid source account; dropping\" request_id=%s err=%v", msg.RequestID, err)
		return true
	}
	destination, err := accountFromPayload(msg.Destination)
	if err != nil {
		log.Printf("level=warn component=request-consumer msg=\"invalid destination account; dropping\" request_id=%s err=%v", msg.RequestID, err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	transfer, err := c.service.InitiateTransfer(ctx, source, destination, msg.Amount)
	if err != nil {
		// Validation failures are permanent; re-queueing them would loop
		// forever. Anything else is a persistence problem worth a retry.
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrMissingAccountID) ||
			errors.Is(err, ErrSameAccount) || errors.Is(err, ErrInitiationLimited) {
			log.Printf("level=warn component=request-consumer msg=\"request rejected; dropping\" request_id=%s err=%v", msg.RequestID, err)
			return true
		}
		log.Printf("level=error component=request-consumer msg=\"initiation failed; re-queueing\" request_id=%s err=%v", msg.RequestID, err)
		return false
	}

	log.Printf("level=info component=request-consumer msg=\"transfer initiated from bus\" request_id=%s transfer_id=%s", msg.RequestID, transfer.ID)
	return true
}

func accountFromPayload(p accountPayload) (domain.Account, error) {
	switch domain.AccountKind(p.Kind) {
	case domain.AccountLedger:
		if p.AccountID == "" {
			return domain.Account{}, ErrMissingAccountID
		}
		return domain.LedgerAccount(p.AccountID), nil
	case domain.AccountExternal, "":
		return domain.ExternalAccount(), nil
	default:
		return domain.Account{}, errors.New("unknown account kind: " + p.Kind)
	}
}
