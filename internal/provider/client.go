package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/retry"

	"github.com/pkg/errors"
)

const defaultTimeoutMs = 10_000

// ErrCheckoutNotFound: the provider no longer recognizes the checkout id.
var ErrCheckoutNotFound = errors.New("provider does not recognize checkout")

// PermanentError is a non-retryable provider response (4xx other than 404).
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error: status %d: %s", e.StatusCode, e.Body)
}

// Checkout is the provider's view of a hosted payment session.
type Checkout struct {
	ID            string `json:"id"`
	Reference     string `json:"checkout_reference"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id,omitempty"`
	HostedURL     string `json:"hosted_url,omitempty"`
}

type createCheckoutRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"checkout_reference"`
}

// Client talks to the payment provider's REST API. Every call runs under the
// retry policy; 4xx responses are permanent and surface immediately.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

func NewClient(cfg config.Provider, policy retry.Policy, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		policy:  policy,
		logger:  logger,
	}
}

func (c *Client) CreateCheckout(ctx context.Context, amount int64, currency, reference string) (*Checkout, error) {
	body, err := json.Marshal(createCheckoutRequest{Amount: amount, Currency: currency, Reference: reference})
	if err != nil {
		return nil, errors.Wrap(err, "marshalling checkout request")
	}

	var checkout Checkout
	err = retry.Do(ctx, c.policy, func() error {
		return c.do(ctx, http.MethodPost, "/v1/checkouts", body, &checkout)
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Created provider checkout", "checkoutId", checkout.ID, "reference", reference)
	return &checkout, nil
}

func (c *Client) GetCheckout(ctx context.Context, checkoutID string) (*Checkout, error) {
	var checkout Checkout
	err := retry.Do(ctx, c.policy, func() error {
		return c.do(ctx, http.MethodGet, "/v1/checkouts/"+checkoutID, nil, &checkout)
	})
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "creating provider request"))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Provider call failed", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrCheckoutNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(&PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)})
	case resp.StatusCode >= 500:
		c.logger.WarnContext(ctx, "Provider returned server error", "method", method, "path", path, "status", resp.StatusCode)
		return errors.Errorf("provider error: status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(errors.Wrap(err, "decoding provider response"))
	}
	return nil
}
