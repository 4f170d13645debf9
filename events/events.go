// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the observation-hook event envelopes emitted
// by registry.Registry's operations and publish.Router's deliveries.
// Handlers registered
// on a hooks.Bus's "all" combinator receive these through the webhook
// package; nothing in this package depends on webhook or hooks, so
// tests and other observers can consume events directly.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionTakeover     = "client.session_takeover"
	TypeMessagePublished    = "message.published"
	TypeMessageDelivered    = "message.delivered"
	TypeRetainedMessageSet  = "message.retained"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all observation-hook events.
type Event interface {
	// Type returns the event type identifier (e.g. "message.published").
	Type() string

	// Filter returns the MQTT topic filter or routing key this event
	// concerns, or "" for events with no topic dimension.
	Filter() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all observation-hook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// SessionTakeover is emitted by registry.Registry.RegisterClient after a
// successful register when this node already had a process bound under
// the same client_id (spec §4.E). FromNode and ToNode are both this node.
type SessionTakeover struct {
	ClientID     string `json:"client_id"`
	FromNode     string `json:"from_node"`
	ToNode       string `json:"to_node"`
	CleanSession bool   `json:"clean_session"`
}

func (e SessionTakeover) Type() string   { return TypeSessionTakeover }
func (e SessionTakeover) Filter() string { return "" }
func (e SessionTakeover) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessagePublished is emitted by registry.Registry.Publish once the
// publish dispatcher has accepted a publication (matched and handed off), not once
// every subscriber has received it (spec §4.F).
type MessagePublished struct {
	SenderClient string `json:"sender_client"`
	RoutingKey   string `json:"routing_key"`
	QoS          byte   `json:"qos"`
	Retain       bool   `json:"retain"`
	PayloadSize  int    `json:"payload_size"`
	MatchCount   int    `json:"match_count"`
}

func (e MessagePublished) Type() string   { return TypeMessagePublished }
func (e MessagePublished) Filter() string { return e.RoutingKey }
func (e MessagePublished) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessageDelivered is emitted by the local router when a message is
// handed to a subscriber's FSM process (spec §4.G).
type MessageDelivered struct {
	ClientID    string `json:"client_id"`
	Filter_     string `json:"filter"`
	RoutingKey  string `json:"routing_key"`
	QoS         byte   `json:"qos"`
	PayloadSize int    `json:"payload_size"`
	Deferred    bool   `json:"deferred"`
}

func (e MessageDelivered) Type() string   { return TypeMessageDelivered }
func (e MessageDelivered) Filter() string { return e.Filter_ }
func (e MessageDelivered) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// RetainedMessageSet is emitted by registry.Registry.Publish after the
// publish dispatcher has accepted a retained publication, whose retain
// side effect sets or clears the retained message (spec §4.F step 2).
type RetainedMessageSet struct {
	RoutingKey  string `json:"routing_key"`
	PayloadSize int    `json:"payload_size"` // 0 if cleared
	Cleared     bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string   { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Filter() string { return e.RoutingKey }
func (e RetainedMessageSet) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SubscriptionCreated is emitted by registry.Registry.Subscribe after
// subscribe.Table.Add succeeds for a filter (spec §4.B).
type SubscriptionCreated struct {
	ClientID string `json:"client_id"`
	Filter_  string `json:"topic_filter"`
	QoS      byte   `json:"qos"`
}

func (e SubscriptionCreated) Type() string   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Filter() string { return e.Filter_ }
func (e SubscriptionCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SubscriptionRemoved is emitted by registry.Registry.Unsubscribe after
// subscribe.Table.Remove succeeds for a filter (spec §4.B).
type SubscriptionRemoved struct {
	ClientID string `json:"client_id"`
	Filter_  string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Filter() string { return e.Filter_ }
func (e SubscriptionRemoved) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }
