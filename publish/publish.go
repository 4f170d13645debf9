// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package publish implements the publish dispatcher and local router
// (spec components F and G, §4.F/§4.G): match → retained side-effect →
// single-node fast-path or cluster fan-out → per-node delivery.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mqtt-registry/clientfsm"
	"github.com/absmach/mqtt-registry/events"
	"github.com/absmach/mqtt-registry/hooks"
	"github.com/absmach/mqtt-registry/match"
	"github.com/absmach/mqtt-registry/store"
	"github.com/absmach/mqtt-registry/subscribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/mqtt-registry/publish"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	messagesDelivered metric.Int64Counter
	messagesDeferred  metric.Int64Counter
	messagesDropped   metric.Int64Counter
	fanOutDuration    metric.Float64Histogram
)

func init() {
	var err error
	messagesDelivered, err = meter.Int64Counter("mqtt.publish.delivered.total",
		metric.WithDescription("Messages delivered directly to a locally-bound client"))
	if err != nil {
		messagesDelivered, _ = meter.Int64Counter("mqtt.publish.delivered.total")
	}
	messagesDeferred, err = meter.Int64Counter("mqtt.publish.deferred.total",
		metric.WithDescription("QoS>0 messages deferred because the client was not locally bound"))
	if err != nil {
		messagesDeferred, _ = meter.Int64Counter("mqtt.publish.deferred.total")
	}
	messagesDropped, err = meter.Int64Counter("mqtt.publish.dropped.total",
		metric.WithDescription("Publish attempts that failed before delivery"))
	if err != nil {
		messagesDropped, _ = meter.Int64Counter("mqtt.publish.dropped.total")
	}
	fanOutDuration, err = meter.Float64Histogram("mqtt.publish.fanout.duration",
		metric.WithDescription("Time spent matching and fanning out one publish"), metric.WithUnit("ms"))
	if err != nil {
		fanOutDuration, _ = meter.Float64Histogram("mqtt.publish.fanout.duration")
	}
}

// ErrNotReady is returned by a ReadyGate when the cluster is not
// ready and the caller has not asked it to wait.
var ErrNotReady = errors.New("publish: cluster not ready")

// WorkerDownError wraps an unexpected failure of the transient publish
// worker (spec §7): a system-level failure distinct from an ordinary
// dispatch error.
type WorkerDownError struct{ Reason error }

func (e *WorkerDownError) Error() string { return fmt.Sprintf("publish: worker failed: %v", e.Reason) }
func (e *WorkerDownError) Unwrap() error { return e.Reason }

// Publication is one message flowing through the publish path.
type Publication struct {
	Sender       string // originating node, for cross-node attribution
	SenderClient string
	MsgID        string
	RoutingKey   string
	Payload      []byte
	IsRetain     bool

	// MsgRef is set by the dispatcher after the retained side-effect
	// runs, for the local router's retained-delete special case.
	MsgRef string
}

// MatchFunc maps a routing key to (filter, node) pairs. match.Engine's
// Match method satisfies this directly.
type MatchFunc func(routingKey string) []match.Pair

// ReadyGate invokes fn once the cluster is ready, or returns an error
// (typically ErrNotReady) without calling fn. cluster.Membership's
// IfReady satisfies this directly.
type ReadyGate func(fn func() error) error

// RetainStore applies the retained-message side effect (spec §4.F step
// 2): an empty payload clears the retained message for routingKey. It
// returns a msg_ref used only by the retained-delete special case in
// the local router.
type RetainStore interface {
	Retain(ctx context.Context, sender, senderClient, routingKey string, payload []byte) (msgRef string, err error)
}

// RemoteRouter invokes the local router on a peer node, over the
// cluster transport.
type RemoteRouter interface {
	RouteRemote(ctx context.Context, node, filter string, pub Publication) error
}

// Dispatcher orchestrates the publish path for one node.
type Dispatcher struct {
	match     MatchFunc
	ready     ReadyGate
	localNode string
	retain    RetainStore
	router    *Router
	remote    RemoteRouter
}

// NewDispatcher returns a Dispatcher bound to localNode's collaborators.
func NewDispatcher(matchFn MatchFunc, ready ReadyGate, localNode string, retain RetainStore, router *Router, remote RemoteRouter) *Dispatcher {
	return &Dispatcher{match: matchFn, ready: ready, localNode: localNode, retain: retain, router: router, remote: remote}
}

// Publish runs the dispatch algorithm in a transient worker and
// returns a channel that receives exactly one value: nil once the work
// has been accepted (after the fast-path dispatch completes, or after
// the cluster fan-out hands remote deliveries off), or the error that
// stopped it. The caller does not wait for every subscriber to
// actually receive the message.
func (d *Dispatcher) Publish(ctx context.Context, pub Publication) <-chan error {
	ack := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ack <- &WorkerDownError{Reason: fmt.Errorf("panic: %v", r)}
			}
		}()
		ack <- d.dispatch(ctx, pub)
	}()
	return ack
}

var nowFunc = time.Now

func (d *Dispatcher) dispatch(ctx context.Context, pub Publication) error {
	ctx, span := tracer.Start(ctx, "publish.dispatch", trace.WithAttributes(
		attribute.String("mqtt.routing_key", pub.RoutingKey),
		attribute.Bool("mqtt.retain", pub.IsRetain),
		attribute.String("mqtt.node", d.localNode),
	))
	start := nowFunc()
	defer func() {
		fanOutDuration.Record(ctx, float64(nowFunc().Sub(start).Milliseconds()))
		span.End()
	}()

	matches := d.match(pub.RoutingKey)
	span.SetAttributes(attribute.Int("mqtt.match_count", len(matches)))

	err := d.dispatchMatched(ctx, pub, matches)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		messagesDropped.Add(ctx, 1)
	}
	return err
}

func (d *Dispatcher) dispatchMatched(ctx context.Context, pub Publication, matches []match.Pair) error {
	if pub.IsRetain {
		return d.ready(func() error {
			ref, err := d.retain.Retain(ctx, pub.Sender, pub.SenderClient, pub.RoutingKey, pub.Payload)
			if err != nil {
				return err
			}
			pub.MsgRef = ref
			return d.fanOut(ctx, matches, pub)
		})
	}

	if match.LocalOnly(matches, d.localNode) {
		// Deliberately bypasses the readiness gate: this path exists
		// precisely to keep working during a network partition.
		for _, m := range matches {
			if err := d.router.Route(ctx, m.Filter, pub); err != nil {
				return err
			}
		}
		return nil
	}

	return d.ready(func() error { return d.fanOut(ctx, matches, pub) })
}

// fanOut delivers to every matched local filter synchronously, and
// hands remote deliveries off without waiting for them.
func (d *Dispatcher) fanOut(ctx context.Context, matches []match.Pair, pub Publication) error {
	for _, m := range matches {
		if m.Node == d.localNode {
			if err := d.router.Route(ctx, m.Filter, pub); err != nil {
				return err
			}
			continue
		}
		node, filter := m.Node, m.Filter
		go func() {
			_ = d.remote.RouteRemote(ctx, node, filter, pub)
		}()
	}
	return nil
}

// MessageStore is the subset of the external message-store
// collaborator (spec §6) the local router needs for QoS>0 delivery.
type MessageStore interface {
	Store(ctx context.Context, sender, senderClient, msgID, routingKey string, payload []byte) (msgRef string, err error)
	DeferDeliver(ctx context.Context, clientID string, qos byte, msgRef string) error
	Deref(ctx context.Context, msgRef string) error
}

// Locator resolves a client_id to a locally-bound process handle.
// register.Names satisfies this directly.
type Locator interface {
	Lookup(clientID string) (clientfsm.Process, bool)
}

// Router is the local router (spec §4.G): it runs on the node that
// owns the matched subscribers for a filter.
type Router struct {
	subs    *subscribe.Table
	hooks   *hooks.Bus
	locator Locator
	store   MessageStore
}

// NewRouter returns a Router bound to this node's collaborators.
func NewRouter(subs *subscribe.Table, hb *hooks.Bus, locator Locator, store MessageStore) *Router {
	return &Router{subs: subs, hooks: hb, locator: locator, store: store}
}

// Route delivers pub to filter's subscriber bag, per spec §4.G.
func (r *Router) Route(ctx context.Context, filter string, pub Publication) error {
	if pub.IsRetain && len(pub.Payload) == 0 {
		return r.store.Deref(ctx, pub.MsgRef)
	}

	recs := r.subs.Subscribers(filter)
	filtered, err := hooks.Every[[]*store.SubscriberRecord, Publication](r.hooks, "filter_subscribers", recs, pub)
	if err != nil {
		return err
	}

	for _, sub := range filtered {
		if err := r.deliverOne(ctx, filter, sub, pub); err != nil {
			return err
		}
	}
	return nil
}

// notifyDelivered reports one delivery decision through the hook bus's
// "all" combinator, for the webhook observer (or any other registered
// observer) to pick up. Best-effort: a handler error never fails delivery.
func (r *Router) notifyDelivered(sub *store.SubscriberRecord, filter string, pub Publication, deferred bool) {
	_ = hooks.All[events.Event](r.hooks, "message_delivered", events.MessageDelivered{
		ClientID:    sub.ClientID,
		Filter_:     filter,
		RoutingKey:  pub.RoutingKey,
		QoS:         sub.QoS,
		PayloadSize: len(pub.Payload),
		Deferred:    deferred,
	})
}

func (r *Router) deliverOne(ctx context.Context, filter string, sub *store.SubscriberRecord, pub Publication) error {
	if sub.QoS == 0 {
		if p, ok := r.locator.Lookup(sub.ClientID); ok {
			_ = p.Deliver(clientfsm.Msg{RoutingKey: pub.RoutingKey, Payload: pub.Payload, QoS: 0})
			messagesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.Int("mqtt.qos", 0)))
			r.notifyDelivered(sub, filter, pub, false)
		}
		return nil
	}

	msgRef, err := r.store.Store(ctx, pub.Sender, pub.SenderClient, pub.MsgID, pub.RoutingKey, pub.Payload)
	if err != nil {
		return err
	}

	if p, ok := r.locator.Lookup(sub.ClientID); ok {
		if err := p.Deliver(clientfsm.Msg{RoutingKey: pub.RoutingKey, Payload: pub.Payload, QoS: sub.QoS, MsgRef: msgRef}); err == nil {
			messagesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.Int("mqtt.qos", int(sub.QoS))))
			r.notifyDelivered(sub, filter, pub, false)
			return nil
		}
	}
	messagesDeferred.Add(ctx, 1, metric.WithAttributes(attribute.Int("mqtt.qos", int(sub.QoS))))
	r.notifyDelivered(sub, filter, pub, true)
	return r.store.DeferDeliver(ctx, sub.ClientID, sub.QoS, msgRef)
}
