// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package register

import (
	"context"
	"crypto/sha256"
	"encoding/base64"

	"github.com/absmach/mqtt-registry/clientfsm"
)

// Backend is the narrow slice of registry.Registry's exported surface
// the plugin convenience triple needs. register depends on this
// interface rather than importing package registry (which already
// imports register) to avoid a cycle; registry.Registry satisfies it
// structurally.
type Backend interface {
	WaitReady(ctx context.Context) error
	RegisterClient(ctx context.Context, clientID string, cleanSession bool, p clientfsm.Process) error
	Publish(ctx context.Context, senderClient, msgID, routingKey string, payload []byte, retain bool) error
	SubscribeOne(ctx context.Context, clientID, filter string, qos byte, p clientfsm.Process) error
}

// defaultSubscribeQoS is the QoS the triple's Subscribe callable asks
// for. The triple has no caller-facing way to request another, so it
// picks QoS 1: at-least-once, without the QoS 2 handshake this module
// doesn't implement.
const defaultSubscribeQoS = 1

// Plugin is the triple of blocking callables a caller gets back from
// PluginTriple: Register, Publish and Subscribe, all bound to a single
// synthetic client-id and sharing one Inbox.
type Plugin struct {
	ClientID string
	Inbox    <-chan clientfsm.Msg

	Register  func(ctx context.Context) error
	Publish   func(ctx context.Context, filter string, payload []byte) error
	Subscribe func(ctx context.Context, filter string) error
}

// PluginTriple is the builder described in spec §6: given a handle, it
// derives a synthetic client-id (base64 of the handle's SHA-256 sum)
// and returns three callables bound to it. Every callable blocks on
// backend.WaitReady before doing anything else.
func PluginTriple(backend Backend, handle string) Plugin {
	sum := sha256.Sum256([]byte(handle))
	clientID := base64.StdEncoding.EncodeToString(sum[:])
	local := clientfsm.NewLocal(32)

	return Plugin{
		ClientID: clientID,
		Inbox:    local.Messages,

		Register: func(ctx context.Context) error {
			if err := backend.WaitReady(ctx); err != nil {
				return err
			}
			return backend.RegisterClient(ctx, clientID, true, local)
		},

		Publish: func(ctx context.Context, filter string, payload []byte) error {
			if err := backend.WaitReady(ctx); err != nil {
				return err
			}
			return backend.Publish(ctx, clientID, "", filter, payload, false)
		},

		Subscribe: func(ctx context.Context, filter string) error {
			if err := backend.WaitReady(ctx); err != nil {
				return err
			}
			return backend.SubscribeOne(ctx, clientID, filter, defaultSubscribeQoS, local)
		},
	}
}
