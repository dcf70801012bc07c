/**
 * @description
 * This file contains the core application service for the transfer-service.
 * The service owns the caller-facing operations: initiating a transfer (which
 * appends the Initiated event that starts the saga) and querying a transfer's
 * state and history. Everything after initiation is driven by the dispatcher
 * and the step executor; initiation is the only externally triggered write.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and persistence contract.
 * - github.com/google/uuid: Transfer identifiers.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/domain"
	"github.com/stocktrader/transfer-service/internal/store"
)

var (
	ErrInvalidAmount     = errors.New("transfer amount must be positive")
	ErrMissingAccountID  = errors.New("ledger-backed accounts require an account id")
	ErrSameAccount       = errors.New("source and destination must differ")
	ErrInitiationLimited = errors.New("too many transfer initiations for this account")
)

// InitiationRateLimiter bounds how often one source account may start
// transfers. Implemented by the Redis limiter; nil disables limiting.
type InitiationRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service exposes the caller-facing transfer operations.
type Service struct {
	repo    store.Repository
	machine *Machine

	limiter           InitiationRateLimiter
	initiatePerMinute int
}

// NewService creates the application service with its dependencies.
func NewService(repo store.Repository, machine *Machine) *Service {
	return &Service{repo: repo, machine: machine}
}

// SetInitiationRateLimiter enables per-source-account initiation limiting.
func (s *Service) SetInitiationRateLimiter(limiter InitiationRateLimiter, perMinute int) {
	s.limiter = limiter
	s.initiatePerMinute = perMinute
}

// InitiateTransfer validates the request and records the Initiated event that
// starts the saga. It returns immediately; the outcome is observable only as
// the transfer's eventual terminal state.
func (s *Service) InitiateTransfer(ctx context.Context, source, destination domain.Account, amount int64) (*domain.Transfer, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if source.LedgerBacked() && source.AccountID == "" {
		return nil, ErrMissingAccountID
	}
	if destination.LedgerBacked() && destination.AccountID == "" {
		return nil, ErrMissingAccountID
	}
	if source.LedgerBacked() && destination.LedgerBacked() && source.AccountID == destination.AccountID {
		return nil, ErrSameAccount
	}

	if s.limiter != nil && s.initiatePerMinute > 0 && source.LedgerBacked() {
		count, _, err := s.limiter.ConsumeRateLimit(ctx, "transfer_initiate", source.AccountID, s.initiatePerMinute, time.Minute)
		if err != nil {
			// Limiter trouble must not block money movement; log and continue.
			log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing initiation\" account=%s err=%v", source.AccountID, err)
		} else if count > s.initiatePerMinute {
			return nil, ErrInitiationLimited
		}
	}

	transfer := &domain.Transfer{
		ID:          uuid.New(),
		Source:      source,
		Destination: destination,
		Amount:      amount,
		State:       domain.StateFundsPending,
	}
	initiated := &domain.TransferEvent{
		TransferID:  transfer.ID,
		Type:        domain.EventInitiated,
		Source:      source,
		Destination: destination,
		Amount:      amount,
	}
	if err := s.repo.CreateTransfer(ctx, transfer, initiated); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	log.Printf("level=info component=service msg=\"transfer initiated\" transfer_id=%s amount=%d source_kind=%s destination_kind=%s", transfer.ID, amount, source.Kind, destination.Kind)
	return transfer, nil
}

// GetTransfer returns the current state of a transfer.
func (s *Service) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return s.repo.FindTransferByID(ctx, transferID)
}

// TransferEvents returns the audit history of a transfer in causal order.
func (s *Service) TransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	if _, err := s.repo.FindTransferByID(ctx, transferID); err != nil {
		return nil, err
	}
	return s.repo.ListTransferEvents(ctx, transferID)
}
