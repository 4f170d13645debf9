// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package register implements the node-local client binding table and
// the cluster-wide register/takeover protocol (spec component E,
// §4.E): cluster-wide uniqueness of a client identifier, enforced by
// disconnecting and waiting out any incumbent on every node before a
// new binding is installed.
//
// Erlang pids are location-transparent: a node can hold a binding that
// points at a process living on another node and still call it
// directly. A Go clientfsm.Process has no such property, so only the
// node that actually owns the connection (the "origin" node passed to
// Register) ever inserts a real binding or replays deferred messages;
// peer nodes run eviction (and, for clean_session, session wipe) only.
// See DESIGN.md for this as a recorded adaptation, not a silent cut.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqtt-registry/clientfsm"
	"github.com/absmach/mqtt-registry/subscribe"
	"golang.org/x/time/rate"
)

// InvariantViolationError signals a condition the protocol guarantees
// cannot happen — spec §4.E step 2c, §7.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("register: invariant violation: %s", e.Detail)
}

// EvictPollInterval is how often Register polls for incumbent absence.
// The protocol has no wall-clock timeout (spec §5); callers that want
// one should cancel the context passed to Register.
const EvictPollInterval = 100 * time.Millisecond

// stallLogLimiter bounds how often evictIncumbent logs a "still
// waiting" warning while it polls an unbounded eviction. The poll
// itself has no wall-clock timeout (spec §5); this only keeps a stuck
// incumbent from flooding the log.
var stallLogLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// Names is the node-local, non-replicated client_id -> process binding
// table (spec §3). Backed by sync.Map per spec §5's "lock-free
// concurrent map".
type Names struct {
	bindings sync.Map // string -> clientfsm.Process
}

// NewNames returns an empty binding table.
func NewNames() *Names { return &Names{} }

// IsLocal reports whether clientID is currently bound on this node. It
// satisfies subscribe.Locality directly.
func (n *Names) IsLocal(clientID string) bool {
	_, ok := n.bindings.Load(clientID)
	return ok
}

// Lookup returns the process bound to clientID on this node, if any.
func (n *Names) Lookup(clientID string) (clientfsm.Process, bool) {
	v, ok := n.bindings.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(clientfsm.Process), true
}

// Insert installs a binding for clientID directly, without running
// the eviction protocol. Registrar uses it internally once eviction
// has completed; tests and other callers that already know a slot is
// free may use it too.
func (n *Names) Insert(clientID string, p clientfsm.Process) error {
	_, loaded := n.bindings.LoadOrStore(clientID, p)
	if loaded {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("binding for %q still present immediately after incumbent eviction", clientID),
		}
	}
	return nil
}

// Remove deletes the binding for clientID, if present. Called by the
// OnExit callback registerLocal attaches to each bound process; eviction
// only waits for that callback to have run.
func (n *Names) Remove(clientID string) {
	n.bindings.Delete(clientID)
}

// MessageStore is the subset of the external message-store
// collaborator (spec §6) register needs: replaying deferred messages
// on a non-clean-session register, and wiping session state on a
// clean_session register.
type MessageStore interface {
	DeliverFromStore(ctx context.Context, clientID string, p clientfsm.Process) error
	CleanSession(ctx context.Context, clientID string) error
}

// Cluster is the narrow membership contract register needs: the set
// of nodes to broadcast to, and this node's own identity.
type Cluster interface {
	Nodes() []string
	NodeID() string
}

// Transport asks a peer node to run its own eviction and, for
// clean_session registers, session-wipe steps for clientID. The peer
// never inserts a binding: the client process itself runs only on the
// origin node.
type Transport interface {
	RegisterRemote(ctx context.Context, node, clientID string, cleanSession bool) error
}

// Registrar implements the register/takeover protocol for one node.
type Registrar struct {
	cluster   Cluster
	transport Transport
	names     *Names
	msgs      MessageStore
	subs      *subscribe.Table
}

// New returns a Registrar wired to this node's collaborators.
func New(cluster Cluster, transport Transport, names *Names, msgs MessageStore, subs *subscribe.Table) *Registrar {
	return &Registrar{cluster: cluster, transport: transport, names: names, msgs: msgs, subs: subs}
}

// Register runs the full protocol (spec §4.E) for a local client
// process p identified by clientID: it broadcasts to every cluster
// node in parallel, waits for all of them, and returns the first
// error encountered (if any). When it returns nil, there is exactly
// one live binding for clientID cluster-wide.
func (r *Registrar) Register(ctx context.Context, clientID string, cleanSession bool, p clientfsm.Process) error {
	nodes := r.cluster.Nodes()
	errs := make(chan error, len(nodes))

	for _, node := range nodes {
		node := node
		go func() {
			if node == r.cluster.NodeID() {
				errs <- r.registerLocal(ctx, clientID, cleanSession, p)
				return
			}
			errs <- r.transport.RegisterRemote(ctx, node, clientID, cleanSession)
		}()
	}

	var firstErr error
	for range nodes {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerLocal runs the full step 2 (a, b, c) on the origin node.
func (r *Registrar) registerLocal(ctx context.Context, clientID string, cleanSession bool, p clientfsm.Process) error {
	if err := r.evictIncumbent(ctx, clientID); err != nil {
		return err
	}

	if cleanSession {
		if err := r.msgs.CleanSession(ctx, clientID); err != nil {
			return err
		}
		if err := r.subs.RemoveAllForClient(clientID); err != nil {
			return err
		}
	} else if err := r.msgs.DeliverFromStore(ctx, clientID, p); err != nil {
		return err
	}

	if err := r.names.Insert(clientID, p); err != nil {
		return err
	}

	// Remove the binding the moment this process actually exits (spec
	// §9 "on-exit removal", §4.E step 2a) instead of leaving it for a
	// future evictIncumbent poll to wait out forever.
	p.OnExit(func() { r.names.Remove(clientID) })
	return nil
}

// HandleRegisterRPC is invoked by the cluster transport when this node
// receives a peer's register broadcast. It runs step 2a always, and
// step 2b's session-wipe half for clean_session registers; there is no
// local process to replay deferred messages to or to bind, so the
// non-clean-session branch and step 2c are skipped here.
func (r *Registrar) HandleRegisterRPC(ctx context.Context, clientID string, cleanSession bool) error {
	if err := r.evictIncumbent(ctx, clientID); err != nil {
		return err
	}
	if !cleanSession {
		return nil
	}
	if err := r.msgs.CleanSession(ctx, clientID); err != nil {
		return err
	}
	return r.subs.RemoveAllForClient(clientID)
}

// evictIncumbent disconnects any process bound to clientID on this
// node, then polls every EvictPollInterval until the binding is
// absent (the incumbent's own exit handler is what removes it). No
// wall-clock timeout; only ctx cancellation can cut the poll short.
func (r *Registrar) evictIncumbent(ctx context.Context, clientID string) error {
	incumbent, ok := r.names.Lookup(clientID)
	if !ok {
		return nil
	}
	incumbent.Disconnect()

	ticker := time.NewTicker(EvictPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.names.IsLocal(clientID) {
				return nil
			}
			if stallLogLimiter.Allow() {
				slog.Warn("register: still waiting for incumbent eviction", slog.String("client_id", clientID))
			}
		}
	}
}
