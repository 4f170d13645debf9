// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"time"
)

// NoopMembership is a single-node Membership: always ready, always
// leader, and the only member of its own cluster. Used when the
// registry runs without etcd.
type NoopMembership struct {
	nodeID  string
	address string
	started time.Time
}

// NewNoopMembership returns a single-node Membership for nodeID.
func NewNoopMembership(nodeID, address string) *NoopMembership {
	return &NoopMembership{nodeID: nodeID, address: address}
}

func (n *NoopMembership) NodeID() string { return n.nodeID }

func (n *NoopMembership) Nodes() []NodeInfo {
	uptime := time.Duration(0)
	if !n.started.IsZero() {
		uptime = time.Since(n.started)
	}
	return []NodeInfo{
		{ID: n.nodeID, Address: n.address, Healthy: true, Leader: true, Uptime: uptime},
	}
}

func (n *NoopMembership) IfReady(fn func() error) error { return fn() }

func (n *NoopMembership) IsLeader() bool { return true }

func (n *NoopMembership) WaitForLeader(ctx context.Context) error { return nil }

func (n *NoopMembership) Start() error {
	n.started = time.Now()
	return nil
}

func (n *NoopMembership) Stop() error { return nil }
