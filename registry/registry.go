// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry is the top-level facade wiring components A-G
// together (spec §6's "exported surface of the core"), analogous to
// how the teacher's broker.Broker wires router + storage + cluster.
// It owns construction of every collaborator — store, subscribe
// table, match engine, register/publish, cluster transport and
// membership, hooks bus — and exposes the seven operations the rest
// of a broker would call: subscribe, unsubscribe, subscriptions,
// publish, register_client, disconnect_client, match.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/mqtt-registry/clientfsm"
	"github.com/absmach/mqtt-registry/cluster"
	"github.com/absmach/mqtt-registry/events"
	"github.com/absmach/mqtt-registry/hooks"
	"github.com/absmach/mqtt-registry/match"
	storage "github.com/absmach/mqtt-registry/msgstore"
	"github.com/absmach/mqtt-registry/publish"
	"github.com/absmach/mqtt-registry/register"
	"github.com/absmach/mqtt-registry/store"
	"github.com/absmach/mqtt-registry/subscribe"
	"github.com/absmach/mqtt-registry/topics"
	"github.com/absmach/mqtt-registry/trie"
)

// Error kinds the exported operations return (spec §7). Publish wraps a
// closed readiness gate's error in ErrNotReady, Subscribe reports
// ErrNotAllowed inside SubscribeErrors, and DisconnectClient returns
// ErrNotFound. No operation returns ErrSystemLimit: starting a publish
// worker goroutine has no failure path here. WorkerDownError
// and InvariantViolationError already live in publish and register
// respectively — aliased here so a caller needs only this package's
// import to handle every sentinel kind by name.
var (
	ErrNotReady    = errors.New("registry: cluster not ready")
	ErrNotAllowed  = errors.New("registry: subscribe denied by authorization hook")
	ErrNotFound    = errors.New("registry: no such client")
	ErrSystemLimit = errors.New("registry: system limit reached launching a publish worker")
)

type (
	// WorkerDownError is publish.WorkerDownError.
	WorkerDownError = publish.WorkerDownError
	// InvariantViolationError is register.InvariantViolationError.
	InvariantViolationError = register.InvariantViolationError
)

// SubscribeErrors carries the per-filter abort reasons from a partially
// failed Subscribe batch (spec §7, §8 scenario 6): successful filters
// stay subscribed, this lists only the ones that didn't.
type SubscribeErrors []error

func (e SubscribeErrors) Error() string {
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("registry: %d of a subscribe batch failed: %s", len(e), strings.Join(parts, "; "))
}

// Filter is one (topic filter, QoS) pair in a Subscribe batch.
type Filter struct {
	Topic string
	QoS   byte
}

// Hook names observers can register against on the Bus passed to New.
const (
	HookAuthorizeSubscribe = "authorize_subscribe"
	HookSubscribe          = "subscribe"
	HookUnsubscribe        = "unsubscribe"
	HookPublish            = "publish"
	HookRetainedMessageSet = "retained_message_set"
	HookRegister           = "register"
)

// authorizer is the args type for the HookAuthorizeSubscribe "only" hook.
type authorizer struct {
	ClientID string
	Filter   string
	QoS      byte
}

// Registry is the node-local facade. One instance runs per cluster
// node; its RPCHandler methods are what cluster.Transport dispatches
// incoming peer calls to.
type Registry struct {
	nodeID     string
	store      store.Store
	messages   *storage.Registry
	membership cluster.Membership
	hooksBus   *hooks.Bus

	names      *register.Names
	subs       *subscribe.Table
	matchE     *match.Engine
	router     *publish.Router
	dispatcher *publish.Dispatcher
	registrar  *register.Registrar
	transport  *cluster.Transport
}

// New wires a Registry for nodeID. The cluster transport is
// constructed internally (and bound to bindAddr) because it requires
// an RPCHandler that itself closes over the registrar and router this
// same call builds — Registry supplies that handler by forwarding
// HandleRegisterRPC/HandleRouteRemote to its own fields, which are
// filled in before New returns and well before any peer traffic
// arrives on the transport's listener.
func New(nodeID, bindAddr string, s store.Store, messages *storage.Registry, membership cluster.Membership, hb *hooks.Bus, logger *slog.Logger) *Registry {
	r := &Registry{
		nodeID:     nodeID,
		store:      s,
		messages:   messages,
		membership: membership,
		hooksBus:   hb,
		names:      register.NewNames(),
	}

	r.subs = subscribe.New(s, nodeID, r.names)
	r.router = publish.NewRouter(r.subs, hb, r.names, messages)
	r.transport = cluster.NewTransport(nodeID, bindAddr, r, logger)
	r.registrar = register.New(&membershipAdapter{membership}, r.transport, r.names, messages, r.subs)

	trieMatch := func(routingKey string) []string { return trie.Match(s, routingKey) }
	r.matchE = match.New(trieMatch, r.subs.TopicNodes)
	r.dispatcher = publish.NewDispatcher(r.matchE.Match, membership.IfReady, nodeID, messages, r.router, r.transport)

	return r
}

// Transport returns the cluster transport this Registry owns, so a
// caller can Start/Stop it and dial peers (ConnectPeer) once the
// cluster's member addresses are known.
func (r *Registry) Transport() *cluster.Transport { return r.transport }

// HandleRegisterRPC implements cluster.RPCHandler.
func (r *Registry) HandleRegisterRPC(ctx context.Context, clientID string, cleanSession bool) error {
	return r.registrar.HandleRegisterRPC(ctx, clientID, cleanSession)
}

// HandleRouteRemote implements cluster.RPCHandler.
func (r *Registry) HandleRouteRemote(ctx context.Context, filter string, pub publish.Publication) error {
	return r.router.Route(ctx, filter, pub)
}

// membershipAdapter narrows cluster.Membership to the register.Cluster
// shape (Nodes() []string instead of []NodeInfo): register only ever
// needs node identities to broadcast to, never health/leader/uptime.
type membershipAdapter struct{ m cluster.Membership }

func (a *membershipAdapter) Nodes() []string {
	infos := a.m.Nodes()
	out := make([]string, len(infos))
	for i, n := range infos {
		out[i] = n.ID
	}
	return out
}

func (a *membershipAdapter) NodeID() string { return a.m.NodeID() }

// notify runs the named "all" hook chain with a best-effort policy: a
// missing or failing observer never aborts the operation it's
// attached to (spec §6's hooks are for authorization and observation,
// and only authorize_subscribe's result is load-bearing).
func (r *Registry) notify(name string, e events.Event) {
	_ = hooks.All[events.Event](r.hooksBus, name, e)
}

// Subscribe runs one store transaction per filter (spec §9 open
// question 3, scenario 6): a failing filter is recorded in the
// returned SubscribeErrors and does not prevent the rest of the batch
// from succeeding. Retained messages matching each successfully
// subscribed filter are delivered to p immediately afterward.
func (r *Registry) Subscribe(ctx context.Context, clientID string, filters []Filter, p clientfsm.Process) error {
	var errs SubscribeErrors

	for _, f := range filters {
		if err := r.subscribeOne(ctx, clientID, f, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Topic, err))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (r *Registry) subscribeOne(ctx context.Context, clientID string, f Filter, p clientfsm.Process) error {
	if err := topics.ValidateTopicFilter(f.Topic); err != nil {
		return err
	}

	allowed, err := r.authorizeSubscribe(clientID, f)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAllowed
	}

	if err := r.subs.Add(f.Topic, f.QoS, clientID); err != nil {
		return err
	}
	r.notify(HookSubscribe, events.SubscriptionCreated{ClientID: clientID, Filter_: f.Topic, QoS: f.QoS})

	// The retained store doesn't persist the original publish's QoS
	// (msgstore.Registry.RetainAction has none to record — Publication
	// itself carries no sender QoS), so retained playback is delivered
	// at the subscriber's own QoS rather than a nonexistent minimum.
	return r.messages.DeliverRetained(ctx, f.Topic, func(topic string, payload []byte, _ byte) error {
		return p.Deliver(clientfsm.Msg{RoutingKey: topic, Payload: payload, QoS: f.QoS, Retain: true})
	})
}

func (r *Registry) authorizeSubscribe(clientID string, f Filter) (bool, error) {
	allowed, err := hooks.Only[authorizer, bool](r.hooksBus, HookAuthorizeSubscribe, authorizer{ClientID: clientID, Filter: f.Topic, QoS: f.QoS})
	if err != nil {
		if errors.Is(err, hooks.ErrNotFound) {
			// No authorizer registered: default to allow.
			return true, nil
		}
		return false, err
	}
	return allowed, nil
}

// Unsubscribe removes every (filter, clientID) subscriber record in
// filters, one filter's transaction at a time, stopping at the first
// failure — spec §8's round-trip law only requires the full batch to
// return the tables to their pre-subscribe state on success.
func (r *Registry) Unsubscribe(clientID string, filters []string) error {
	for _, filter := range filters {
		if err := r.subs.Remove(filter, clientID); err != nil {
			return fmt.Errorf("%s: %w", filter, err)
		}
		r.notify(HookUnsubscribe, events.SubscriptionRemoved{ClientID: clientID, Filter_: filter})
	}
	return nil
}

// Subscriptions lists every filter clientID currently holds a
// subscriber record for.
func (r *Registry) Subscriptions(clientID string) ([]string, error) {
	return r.subs.FiltersForClient(clientID)
}

// SubscribeOne subscribes to a single filter, for callers (the plugin
// convenience triple, register.Plugin) that don't need Subscribe's
// batch/partial-failure semantics.
func (r *Registry) SubscribeOne(ctx context.Context, clientID, filter string, qos byte, p clientfsm.Process) error {
	return r.Subscribe(ctx, clientID, []Filter{{Topic: filter, QoS: qos}}, p)
}

// WaitReady blocks until the cluster reports a leader (spec §6's
// plugin convenience triple blocks on this before every operation).
func (r *Registry) WaitReady(ctx context.Context) error {
	return r.membership.WaitForLeader(ctx)
}

// Publish runs the publish path for one message originating from
// senderClient, and returns once the work has been accepted (matched
// and handed off), not once every subscriber has received it (spec
// §4.F, §7). routingKey must not contain wildcards.
func (r *Registry) Publish(ctx context.Context, senderClient, msgID, routingKey string, payload []byte, retain bool) error {
	if err := topics.ValidateTopicName(routingKey); err != nil {
		return err
	}

	matches := r.matchE.Match(routingKey)
	pub := publish.Publication{
		Sender:       r.nodeID,
		SenderClient: senderClient,
		MsgID:        msgID,
		RoutingKey:   routingKey,
		Payload:      payload,
		IsRetain:     retain,
	}

	select {
	case err := <-r.dispatcher.Publish(ctx, pub):
		if errors.Is(err, cluster.ErrNotReady) || errors.Is(err, publish.ErrNotReady) {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if retain {
		r.notify(HookRetainedMessageSet, events.RetainedMessageSet{
			RoutingKey:  routingKey,
			PayloadSize: len(payload),
			Cleared:     len(payload) == 0,
		})
	}
	r.notify(HookPublish, events.MessagePublished{
		SenderClient: senderClient,
		RoutingKey:   routingKey,
		Retain:       retain,
		PayloadSize:  len(payload),
		MatchCount:   len(matches),
	})
	return nil
}

// RegisterClient runs the register/takeover protocol for clientID
// cluster-wide (spec §4.E) and binds p on this node.
func (r *Registry) RegisterClient(ctx context.Context, clientID string, cleanSession bool, p clientfsm.Process) error {
	_, hadLocalIncumbent := r.names.Lookup(clientID)

	if err := r.registrar.Register(ctx, clientID, cleanSession, p); err != nil {
		return err
	}

	if hadLocalIncumbent {
		r.notify(HookRegister, events.SessionTakeover{
			ClientID:     clientID,
			FromNode:     r.nodeID,
			ToNode:       r.nodeID,
			CleanSession: cleanSession,
		})
	}
	return nil
}

// DisconnectClient asks the process bound to clientID on this node to
// close, without waiting for its exit handler to remove the binding.
func (r *Registry) DisconnectClient(clientID string) error {
	p, ok := r.names.Lookup(clientID)
	if !ok {
		return ErrNotFound
	}
	p.Disconnect()
	return nil
}

// Match returns every (filter, node) pair matching routingKey.
func (r *Registry) Match(routingKey string) []match.Pair {
	return r.matchE.Match(routingKey)
}

// Reset drops every record from the four replicated tables (spec §6,
// admin use only).
func (r *Registry) Reset() error {
	return r.store.Reset()
}
