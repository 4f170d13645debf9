// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides the narrow membership and readiness contract
// the rest of the registry depends on: who else is in the cluster, is
// this node the leader, and is it safe to do cluster-wide work right
// now (spec §5's "readiness gate"). Ownership of sessions, routing of
// publishes, and replication of subscriptions and retained messages
// are handled by register, publish, subscribe, and store respectively
// — Membership answers only "who" and "when", never "what".
package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady is returned by IfReady when the cluster cannot currently
// guarantee a consistent view for cluster-wide work (no leader, or
// this node is partitioned from quorum).
var ErrNotReady = errors.New("cluster: not ready")

// Membership abstracts cluster coordination so the registry can run
// single-node (Noop) or multi-node (etcd-backed) without either
// register or publish knowing the difference.
type Membership interface {
	// NodeID returns this node's unique identifier.
	NodeID() string

	// Nodes returns the current membership list, including this node.
	Nodes() []NodeInfo

	// IfReady invokes fn only once the cluster can guarantee a
	// consistent view for cluster-wide work, and returns fn's error
	// unchanged. It returns ErrNotReady without calling fn otherwise.
	IfReady(fn func() error) error

	// IsLeader reports whether this node currently holds cluster
	// leadership. Nothing in this module runs leader-only background
	// work or calls IsLeader.
	IsLeader() bool

	// WaitForLeader blocks until a leader exists cluster-wide or ctx
	// is cancelled. It does not imply this node is the leader.
	WaitForLeader(ctx context.Context) error

	// Start begins cluster participation (joining, campaigning).
	Start() error

	// Stop gracefully leaves the cluster.
	Stop() error
}

// NodeInfo describes one member of the cluster.
type NodeInfo struct {
	ID      string
	Address string // inter-node transport address
	Healthy bool
	Leader  bool
	Uptime  time.Duration
}
