/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and write the HTTP response. Transfer outcomes are never surfaced as HTTP
 * errors after initiation; callers observe them through the transfer's state.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stocktrader/transfer-service/internal/app"
	"github.com/stocktrader/transfer-service/internal/domain"
	"github.com/stocktrader/transfer-service/internal/store"
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
}

// NewTransferHandlers creates the handler set over the application service.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

type accountRequest struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id,omitempty"`
}

type initiateTransferRequest struct {
	Source      accountRequest `json:"source"`
	Destination accountRequest `json:"destination"`
	Amount      int64          `json:"amount"`
}

type initiateTransferResponse struct {
	TransferID string `json:"transfer_id"`
	State      string `json:"state"`
	Amount     int64  `json:"amount"`
}

type transferStatusResponse struct {
	TransferID    string  `json:"transfer_id"`
	State         string  `json:"state"`
	Terminal      bool    `json:"terminal"`
	Amount        int64   `json:"amount"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// InitiateTransferHandler accepts a transfer request and starts the saga.
func (h *TransferHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req initiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	source, err := accountFromRequest(req.Source)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	destination, err := accountFromRequest(req.Destination)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	transfer, err := h.service.InitiateTransfer(r.Context(), source, destination, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrMissingAccountID), errors.Is(err, app.ErrSameAccount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInitiationLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many transfer initiations for this account. Please wait and try again.")
		default:
			log.Printf("level=error component=api msg=\"transfer initiation failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to initiate transfer.")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, initiateTransferResponse{
		TransferID: transfer.ID.String(),
		State:      string(transfer.State),
		Amount:     transfer.Amount,
	})
}

// GetTransferHandler reports the current state of a transfer.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found.")
			return
		}
		log.Printf("level=error component=api msg=\"transfer lookup failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load transfer.")
		return
	}

	h.writeJSON(w, http.StatusOK, transferStatusResponse{
		TransferID:    transfer.ID.String(),
		State:         string(transfer.State),
		Terminal:      transfer.State.Terminal(),
		Amount:        transfer.Amount,
		FailureReason: transfer.FailureReason,
	})
}

// ListTransferEventsHandler returns the audit history of a transfer.
func (h *TransferHandlers) ListTransferEventsHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	events, err := h.service.TransferEvents(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found.")
			return
		}
		log.Printf("level=error component=api msg=\"event listing failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load transfer events.")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfer_id": transferID.String(),
		"events":      events,
	})
}

func (h *TransferHandlers) transferIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "transferID")
	transferID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id.")
		return uuid.Nil, false
	}
	return transferID, true
}

func accountFromRequest(req accountRequest) (domain.Account, error) {
	switch domain.AccountKind(req.Kind) {
	case domain.AccountLedger:
		if req.AccountID == "" {
			return domain.Account{}, app.ErrMissingAccountID
		}
		return domain.LedgerAccount(req.AccountID), nil
	case domain.AccountExternal, "":
		return domain.ExternalAccount(), nil
	default:
		return domain.Account{}, errors.New("unknown account kind: " + req.Kind)
	}
}

func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
