// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLocked        = errors.New("resource is locked")
)

// Store is the composite storage interface providing access to all storage backends.
// It is deliberately distinct from the replicated registry store in package store:
// this one holds per-node session/message/will/retained state, not cluster-wide
// trie and subscription bags.
type Store interface {
	// Messages returns the message store for QoS offline queue.
	Messages() MessageStore

	// Sessions returns the session store.
	Sessions() SessionStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Wills returns the will message store.
	Wills() WillStore

	// Close closes all storage backends.
	Close() error
}

// Message represents a stored MQTT message.
type Message struct {
	Expiry          time.Time
	PublishTime     time.Time
	Payload         []byte
	CorrelationData []byte
	SubscriptionIDs []uint32
	Topic           string
	ContentType     string
	ResponseTopic   string
	Properties      map[string]string
	UserProperties  map[string]string
	MessageExpiry   *uint32
	PayloadFormat   *byte
	PacketID        uint16
	QoS             byte
	Retain          bool
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := &Message{
		Topic:         msg.Topic,
		QoS:           msg.QoS,
		Retain:        msg.Retain,
		PacketID:      msg.PacketID,
		Expiry:        msg.Expiry,
		ContentType:   msg.ContentType,
		ResponseTopic: msg.ResponseTopic,
		PublishTime:   msg.PublishTime,
	}

	if msg.MessageExpiry != nil {
		exp := *msg.MessageExpiry
		cp.MessageExpiry = &exp
	}

	if msg.PayloadFormat != nil {
		pf := *msg.PayloadFormat
		cp.PayloadFormat = &pf
	}

	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}

	if len(msg.CorrelationData) > 0 {
		cp.CorrelationData = make([]byte, len(msg.CorrelationData))
		copy(cp.CorrelationData, msg.CorrelationData)
	}

	if len(msg.Properties) > 0 {
		cp.Properties = make(map[string]string, len(msg.Properties))
		for k, v := range msg.Properties {
			cp.Properties[k] = v
		}
	}

	if len(msg.UserProperties) > 0 {
		cp.UserProperties = make(map[string]string, len(msg.UserProperties))
		for k, v := range msg.UserProperties {
			cp.UserProperties[k] = v
		}
	}

	if len(msg.SubscriptionIDs) > 0 {
		cp.SubscriptionIDs = make([]uint32, len(msg.SubscriptionIDs))
		copy(cp.SubscriptionIDs, msg.SubscriptionIDs)
	}

	return cp
}

// Session represents persisted session state.
type Session struct {
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
	ClientID        string
	ExpiryInterval  uint32 // Session expiry in seconds (0 = no expiry when disconnected)
	MaxPacketSize   uint32
	ReceiveMaximum  uint16
	TopicAliasMax   uint16
	Version         byte // MQTT version (3, 4, or 5)
	CleanStart      bool
	Connected       bool
	RequestResponse bool
	RequestProblem  bool
}

// WillMessage represents a stored will message.
type WillMessage struct {
	Payload    []byte
	ClientID   string
	Topic      string
	Properties map[string]string
	Delay      uint32
	Expiry     uint32
	QoS        byte
	Retain     bool
}

// MessageStore handles message persistence for QoS offline queue.
type MessageStore interface {
	// Store stores a message under key. Keys are chosen by the caller:
	// Registry uses "content/{msgRef}" for message content and
	// "{clientID}/queue/{msgRef}" for deferred deliveries.
	Store(key string, msg *Message) error

	// Get retrieves a message by key.
	Get(key string) (*Message, error)

	// Delete removes a message.
	Delete(key string) error

	// List returns all messages matching a key prefix.
	List(prefix string) ([]*Message, error)

	// DeleteByPrefix removes all messages matching a prefix.
	DeleteByPrefix(prefix string) error
}

// SessionStore handles session persistence.
type SessionStore interface {
	// Get retrieves a session by client ID.
	Get(clientID string) (*Session, error)

	// Save persists a session.
	Save(session *Session) error

	// Delete removes a session.
	Delete(clientID string) error

	// GetExpired returns client IDs of sessions that have expired.
	GetExpired(before time.Time) ([]string, error)

	// List returns all sessions (for debugging/metrics).
	List() ([]*Session, error)
}

// RetainedStore handles retained message persistence.
type RetainedStore interface {
	// Set stores or updates a retained message.
	// Empty payload deletes the retained message.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get retrieves a retained message by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained message.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained messages matching a filter (supports wildcards).
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// WillStore handles will message persistence.
type WillStore interface {
	// Set stores a will message for a client.
	Set(ctx context.Context, clientID string, will *WillMessage) error

	// Get retrieves the will message for a client.
	Get(ctx context.Context, clientID string) (*WillMessage, error)

	// Delete removes the will message for a client.
	Delete(ctx context.Context, clientID string) error

	// GetPending returns will messages that should be triggered.
	// (will delay elapsed and client still disconnected)
	GetPending(ctx context.Context, before time.Time) ([]*WillMessage, error)
}
