// Package webhook delivers trigger payloads over HTTP POST with bounded
// retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Dispatcher POSTs JSON payloads to webhook URLs. Non-2xx responses and
// transport errors are retried with exponential backoff up to the
// configured attempt limit.
type Dispatcher struct {
	client      *http.Client
	logger      *logrus.Logger
	maxAttempts uint64
	newBackoff  func() backoff.BackOff
}

// Config tunes the dispatcher.
type Config struct {
	Timeout     time.Duration
	MaxAttempts uint64
}

// NewDispatcher creates a dispatcher with the given per-request timeout
// and retry budget.
func NewDispatcher(cfg Config, logger *logrus.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Deliver POSTs the payload to url, retrying per the dispatcher policy.
// It returns the final error after the retry budget is exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		if err := d.post(ctx, url, body); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
			}).Warn("Webhook delivery failed")
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackoff(), d.maxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", url, err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
