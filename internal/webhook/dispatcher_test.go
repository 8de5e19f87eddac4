package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(maxAttempts uint64) *Dispatcher {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDispatcher(Config{Timeout: 2 * time.Second, MaxAttempts: maxAttempts}, logger)
	// No backoff delay in tests.
	d.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return d
}

func TestDeliverSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	err := d.Deliver(context.Background(), srv.URL, map[string]any{"event_type": "MATCH"})
	require.NoError(t, err)
	assert.Equal(t, "MATCH", got["event_type"])
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(5)
	err := d.Deliver(context.Background(), srv.URL, map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestDeliverExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	err := d.Deliver(context.Background(), srv.URL, map[string]any{"n": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.Equal(t, int64(3), calls.Load())
}

func TestDeliverNonRetryOn4xxStillCounts(t *testing.T) {
	// Client errors are retried the same as server errors; the receiver
	// may be deploying.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDispatcher(2)
	err := d.Deliver(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDeliverHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(5)
	err := d.Deliver(ctx, srv.URL, map[string]any{"n": 1})
	require.Error(t, err)
}

func TestDeliverUnmarshalablePayload(t *testing.T) {
	d := newTestDispatcher(1)
	err := d.Deliver(context.Background(), "http://127.0.0.1:1", map[string]any{"bad": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal webhook payload")
}
