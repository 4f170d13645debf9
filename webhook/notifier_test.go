// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqtt-registry/config"
	"github.com/absmach/mqtt-registry/events"
	"github.com/absmach/mqtt-registry/webhook"
	"github.com/stretchr/testify/require"
)

func TestNotifierDeliversToMatchingEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{
		Enabled:         true,
		QueueSize:       10,
		DropPolicy:      "oldest",
		Workers:         1,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2},
			CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Second},
		},
		Endpoints: []config.WebhookEndpoint{
			{Name: "all", Type: "http", URL: srv.URL},
		},
	}

	n, err := webhook.NewNotifier(cfg, "node-1", webhook.NewHTTPSender(), nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.SubscriptionCreated{ClientID: "c1", Filter_: "a/b", QoS: 1}))

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotifierSkipsNonMatchingEventFilter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{
		QueueSize:       10,
		DropPolicy:      "oldest",
		Workers:         1,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
			CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Second},
		},
		Endpoints: []config.WebhookEndpoint{
			{Name: "publish-only", Type: "http", URL: srv.URL, Events: []string{events.TypeMessagePublished}},
		},
	}

	n, err := webhook.NewNotifier(cfg, "node-1", webhook.NewHTTPSender(), nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.SubscriptionCreated{ClientID: "c1", Filter_: "a/b"}))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), hits.Load())
}

func TestNotifyRejectsNonEvent(t *testing.T) {
	cfg := config.WebhookConfig{
		QueueSize: 1, Workers: 1, DropPolicy: "oldest", ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
			CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Second},
		},
	}
	n, err := webhook.NewNotifier(cfg, "node-1", webhook.NewHTTPSender(), nil)
	require.NoError(t, err)
	defer n.Close()

	require.Error(t, n.Notify(context.Background(), "not an event"))
}
