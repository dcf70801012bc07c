/**
 * @description
 * This package provides the HTTP client for the account ledger service, the
 * external collaborator that holds authoritative balances. It exposes the
 * three saga side effects (withdraw, deposit, refund) against one account.
 * Every call carries the transfer id and step kind so the ledger can dedupe a
 * redelivered step.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	stepWithdraw = "withdraw"
	stepDeposit  = "deposit"
	stepRefund   = "refund"
)

// Client is a client for the account ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GatewayError is a non-2xx response from the ledger. The saga treats any
// gateway error as terminal for the step and takes the compensation branch.
type GatewayError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ledger returned status %d", e.StatusCode)
}

// InsufficientFunds reports whether the ledger refused a withdrawal for lack
// of balance.
func (e *GatewayError) InsufficientFunds() bool {
	return e.Code == "insufficient_funds"
}

// stepRequest is the payload of every ledger mutation. TransferID and Step
// together form the ledger-side idempotency key.
type stepRequest struct {
	TransferID string `json:"transfer_id"`
	Step       string `json:"step"`
	Amount     int64  `json:"amount"`
}

// Withdraw removes amount from the account as the first step of a transfer.
func (c *Client) Withdraw(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	return c.post(ctx, accountID, stepWithdraw, transferID, amount)
}

// Deposit adds amount to the account as the delivery step of a transfer.
func (c *Client) Deposit(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	return c.post(ctx, accountID, stepDeposit, transferID, amount)
}

// Refund returns a previously withdrawn amount to the account.
func (c *Client) Refund(ctx context.Context, accountID string, transferID uuid.UUID, amount int64) error {
	return c.post(ctx, accountID, stepRefund, transferID, amount)
}

func (c *Client) post(ctx context.Context, accountID, step string, transferID uuid.UUID, amount int64) error {
	if c.baseURL == "" {
		return fmt.Errorf("ledger service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/accounts/%s/%s", c.baseURL, accountID, step)
	body, err := json.Marshal(stepRequest{
		TransferID: transferID.String(),
		Step:       step,
		Amount:     amount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request to ledger service: %w", step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		gwErr := &GatewayError{StatusCode: resp.StatusCode}
		// Best effort decode; the status code alone is enough to fail the step.
		_ = json.NewDecoder(resp.Body).Decode(gwErr)
		return gwErr
	}

	return nil
}
