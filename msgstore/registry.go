// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mqtt-registry/clientfsm"
	"github.com/google/uuid"
)

// Registry adapts the per-node Store (session/message/retained/will
// sub-stores, kept from the teacher) to the narrow collaborator
// contracts register and publish actually depend on (spec §6's
// "thin register/publish-facing adapter msgstore.Registry").
type Registry struct {
	store Store
}

// NewRegistry returns a Registry wrapping s.
func NewRegistry(s Store) *Registry { return &Registry{store: s} }

func contentKey(msgRef string) string { return "content/" + msgRef }

func queuePrefix(clientID string) string { return clientID + "/queue/" }

func queueKey(clientID, msgRef string) string { return queuePrefix(clientID) + msgRef }

// RetainAction applies the retained-message side effect of spec §4.F
// step 2: an empty payload clears the retained message for
// routingKey, otherwise it replaces it. Retain, below, is the method
// that satisfies publish.RetainStore.
func (r *Registry) RetainAction(ctx context.Context, sender, senderClient, routingKey string, payload []byte) (string, error) {
	if len(payload) == 0 {
		if err := r.store.Retained().Delete(ctx, routingKey); err != nil {
			return "", fmt.Errorf("msgstore: clear retained for %q: %w", routingKey, err)
		}
		return routingKey, nil
	}

	msg := &Message{
		Topic:       routingKey,
		Payload:     payload,
		Retain:      true,
		PublishTime: time.Now(),
	}
	if err := r.store.Retained().Set(ctx, routingKey, msg); err != nil {
		return "", fmt.Errorf("msgstore: set retained for %q: %w", routingKey, err)
	}
	return routingKey, nil
}

// Retain is the method name publish.RetainStore expects; it forwards
// to RetainAction, the name the spec's external-interfaces list uses.
func (r *Registry) Retain(ctx context.Context, sender, senderClient, routingKey string, payload []byte) (string, error) {
	return r.RetainAction(ctx, sender, senderClient, routingKey, payload)
}

// DeliverRetained invokes deliver once per retained message matching
// filter (spec's supplemented "deliver retained on subscribe"
// behavior, §2/GLOSSARY "Retained message").
func (r *Registry) DeliverRetained(ctx context.Context, filter string, deliver func(topic string, payload []byte, qos byte) error) error {
	msgs, err := r.store.Retained().Match(ctx, filter)
	if err != nil {
		return fmt.Errorf("msgstore: match retained for %q: %w", filter, err)
	}
	for _, msg := range msgs {
		if err := deliver(msg.Topic, msg.Payload, msg.QoS); err != nil {
			return err
		}
	}
	return nil
}

// Store persists payload under a content key derived from msgID (or a
// generated one, if the publisher didn't supply one), idempotently:
// repeated calls for the same msgID within one publish's fan-out share
// one stored copy. It satisfies publish.MessageStore and register.MessageStore.
func (r *Registry) Store(ctx context.Context, sender, senderClient, msgID, routingKey string, payload []byte) (string, error) {
	msgRef := msgID
	if msgRef == "" {
		msgRef = uuid.NewString()
	}

	key := contentKey(msgRef)
	if _, err := r.store.Messages().Get(key); errors.Is(err, ErrNotFound) {
		msg := &Message{Topic: routingKey, Payload: payload, PublishTime: time.Now()}
		if err := r.store.Messages().Store(key, msg); err != nil {
			return "", fmt.Errorf("msgstore: store content for %q: %w", msgRef, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("msgstore: check content for %q: %w", msgRef, err)
	}
	return msgRef, nil
}

// DeferDeliver records that clientID still needs msgRef delivered,
// for later replay by DeliverFromStore.
func (r *Registry) DeferDeliver(ctx context.Context, clientID string, qos byte, msgRef string) error {
	entry := &Message{Topic: msgRef, QoS: qos, PublishTime: time.Now()}
	if err := r.store.Messages().Store(queueKey(clientID, msgRef), entry); err != nil {
		return fmt.Errorf("msgstore: defer delivery of %q to %q: %w", msgRef, clientID, err)
	}
	return nil
}

// Deref removes msgRef's stored content. Called for the retained-delete
// special case (spec §4.G), where the content was never created by
// Store and this is a defensive no-op delete.
func (r *Registry) Deref(ctx context.Context, msgRef string) error {
	if err := r.store.Messages().Delete(contentKey(msgRef)); err != nil {
		return fmt.Errorf("msgstore: deref %q: %w", msgRef, err)
	}
	return nil
}

// DeliverFromStore replays every message deferred for clientID to p,
// in no particular order, then clears the queue (spec §4.E step 2b,
// the clean_session=false branch).
func (r *Registry) DeliverFromStore(ctx context.Context, clientID string, p clientfsm.Process) error {
	entries, err := r.store.Messages().List(queuePrefix(clientID))
	if err != nil {
		return fmt.Errorf("msgstore: list deferred messages for %q: %w", clientID, err)
	}

	for _, entry := range entries {
		msgRef := entry.Topic
		content, err := r.store.Messages().Get(contentKey(msgRef))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("msgstore: read content %q for %q: %w", msgRef, clientID, err)
		}
		if err := p.Deliver(clientfsm.Msg{RoutingKey: content.Topic, Payload: content.Payload, QoS: entry.QoS, MsgRef: msgRef}); err != nil {
			return fmt.Errorf("msgstore: replay %q to %q: %w", msgRef, clientID, err)
		}
	}

	return r.store.Messages().DeleteByPrefix(queuePrefix(clientID))
}

// CleanSession purges every per-node message-store trace of clientID:
// its deferred-message queue, session record, and will (spec §4.E step
// 2b, the clean_session=true branch).
func (r *Registry) CleanSession(ctx context.Context, clientID string) error {
	if err := r.store.Messages().DeleteByPrefix(queuePrefix(clientID)); err != nil {
		return fmt.Errorf("msgstore: clear queue for %q: %w", clientID, err)
	}
	if err := r.store.Sessions().Delete(clientID); err != nil {
		return fmt.Errorf("msgstore: clear session for %q: %w", clientID, err)
	}
	if err := r.store.Wills().Delete(ctx, clientID); err != nil {
		return fmt.Errorf("msgstore: clear will for %q: %w", clientID, err)
	}
	return nil
}
