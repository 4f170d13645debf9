// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers events.Event observations to configured
// HTTP endpoints. It is one pluggable handler among many reachable
// through hooks.Bus's "all" combinator (spec §6 "Hooks"):
// registry.Registry calls hooks.All after its subscribe, unsubscribe,
// publish and register operations succeed, publish.Router calls it for
// each delivery, and Notifier.Notify is what they're calling once
// registry.WireWebhook has registered it.
package webhook

import (
	"context"
	"time"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify enqueues event for delivery to every matching endpoint.
	// It never blocks on the network; queue-full behavior is governed
	// by config.WebhookConfig.DropPolicy.
	Notify(ctx context.Context, event interface{}) error

	// Close gracefully shuts down, flushing pending events up to the
	// configured shutdown timeout.
	Close() error
}

// Sender is the protocol-specific delivery mechanism.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
