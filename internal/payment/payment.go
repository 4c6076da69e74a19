package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMemo    = "Feedback session payment"
)

// Result is the provider's report for one transfer attempt. Status is an
// open string set; "success" and "failed" are the values observed in
// practice. A failed status is data, not an error — only transport and
// protocol problems surface as errors.
type Result struct {
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Message       string  `json:"message"`
}

// Sender attempts a transfer to the configured recipient.
type Sender interface {
	Send(ctx context.Context, sessionID string, amount float64) (Result, error)
}

// Client talks to an external payout provider over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	recipient  string
	httpClient *http.Client
}

// NewClient creates a payout client for the given provider base URL,
// API key, and recipient address.
func NewClient(baseURL, apiKey, recipient string) *Client {
	return &Client{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		recipient: recipient,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type payoutRequest struct {
	SessionID string  `json:"session_id"`
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
	Memo      string  `json:"memo"`
}

// Send asks the provider to transfer amount for the given session.
func (c *Client) Send(ctx context.Context, sessionID string, amount float64) (Result, error) {
	body, err := json.Marshal(payoutRequest{
		SessionID: sessionID,
		Amount:    amount,
		Recipient: c.recipient,
		Memo:      defaultMemo,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("payout request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("payout: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decoding payout response: %w", err)
	}
	return result, nil
}

// Stub simulates a provider that always succeeds. Used when no payout
// provider is configured so sessions can still complete end to end.
type Stub struct{}

// Send reports an immediately successful transfer with a synthetic
// transaction id.
func (Stub) Send(_ context.Context, sessionID string, amount float64) (Result, error) {
	return Result{
		Status:        "success",
		TransactionID: fmt.Sprintf("txn_%s_%d", sessionID, time.Now().Unix()),
		Amount:        amount,
		Message:       fmt.Sprintf("Payment of $%.2f processed successfully", amount),
	}, nil
}
