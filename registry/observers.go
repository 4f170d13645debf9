// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/absmach/mqtt-registry/events"
	"github.com/absmach/mqtt-registry/hooks"
	"github.com/absmach/mqtt-registry/webhook"
)

// observedHooks lists every "all" hook name Subscribe/Unsubscribe/
// Publish/RegisterClient fire through notify, plus the one
// publish.Router fires for each delivery.
var observedHooks = []string{
	HookSubscribe,
	HookUnsubscribe,
	HookPublish,
	HookRetainedMessageSet,
	HookRegister,
	publishMessageDeliveredHook,
}

// publishMessageDeliveredHook mirrors the hook name string literal
// publish.Router passes to hooks.All; kept in sync by hand since the
// two packages don't share an import for a single string.
const publishMessageDeliveredHook = "message_delivered"

// WireWebhook registers n as an observer of every event this package's
// operations (and publish.Router's delivery decisions) emit, so a
// caller only has to build a webhook.Notifier and call this once
// instead of registering each hook name individually.
func WireWebhook(hb *hooks.Bus, n webhook.Notifier) {
	handler := hooks.AllHandler[events.Event](func(e events.Event) error {
		return n.Notify(context.Background(), e)
	})
	for _, name := range observedHooks {
		hooks.RegisterAll(hb, name, handler)
	}
}
