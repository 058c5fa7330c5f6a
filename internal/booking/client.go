package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-reconciler/internal/config"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultTimeoutMs = 10_000

// Client informs the booking service that a payment arrived. Strictly a side
// effect: callers treat errors as log-and-continue.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.Booking, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:  logger,
	}
}

func (c *Client) PaymentReceived(ctx context.Context, bookingID uuid.UUID, kind string) error {
	payload, err := json.Marshal(map[string]string{"kind": kind})
	if err != nil {
		return errors.Wrap(err, "marshalling booking payload")
	}

	url := c.baseURL + "/bookings/" + bookingID.String() + "/payment-received"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating booking request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling booking service")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return errors.Errorf("booking service error: %s", resp.Status)
	}

	c.logger.InfoContext(ctx, "Notified booking service of received payment", "bookingId", bookingID, "kind", kind)
	return nil
}
