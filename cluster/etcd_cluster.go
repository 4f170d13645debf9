// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/server/v3/embed"
)

var _ Membership = (*EtcdMembership)(nil)

const leaderKey = "/mqtt-registry/leader"

// EtcdConfig configures an embedded etcd member.
type EtcdConfig struct {
	NodeID         string
	DataDir        string
	BindAddr       string
	ClientAddr     string
	AdvertiseAddr  string
	InitialCluster string
	TransportAddr  string
	Bootstrap      bool
}

// EtcdMembership is a Membership backed by an embedded etcd server:
// cluster membership comes from etcd's member list, and leadership
// and readiness come from a concurrency.Election over that server.
type EtcdMembership struct {
	nodeID string
	cfg    *EtcdConfig
	logger *slog.Logger

	etcd     *embed.Etcd
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election

	started time.Time
	stopCh  chan struct{}
}

// NewEtcdMembership starts an embedded etcd server and returns a
// Membership over it. The caller must still call Start to campaign
// for leadership.
func NewEtcdMembership(cfg *EtcdConfig, logger *slog.Logger) (*EtcdMembership, error) {
	if logger == nil {
		logger = slog.Default()
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.NodeID
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}

	advertise := peerURL
	if cfg.AdvertiseAddr != "" {
		advertise, err = url.Parse("http://" + cfg.AdvertiseAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address: %w", err)
		}
	}
	eCfg.AdvertisePeerUrls = []url.URL{*advertise}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = cfg.InitialCluster
	if cfg.Bootstrap {
		eCfg.ClusterState = "new"
	} else {
		eCfg.ClusterState = "existing"
	}
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.ClientAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	sess, err := concurrency.NewSession(client, concurrency.WithTTL(10))
	if err != nil {
		client.Close()
		e.Close()
		return nil, fmt.Errorf("create concurrency session: %w", err)
	}

	return &EtcdMembership{
		nodeID:   cfg.NodeID,
		cfg:      cfg,
		logger:   logger,
		etcd:     e,
		client:   client,
		session:  sess,
		election: concurrency.NewElection(sess, leaderKey),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start campaigns for leadership in the background.
func (m *EtcdMembership) Start() error {
	m.started = time.Now()
	go m.campaign()
	return nil
}

// Stop revokes this node's session, releasing leadership if held.
func (m *EtcdMembership) Stop() error {
	close(m.stopCh)
	if m.session != nil {
		m.session.Close()
	}
	if m.client != nil {
		m.client.Close()
	}
	if m.etcd != nil {
		m.etcd.Close()
	}
	return nil
}

func (m *EtcdMembership) NodeID() string { return m.nodeID }

// Nodes reports etcd's current member list.
func (m *EtcdMembership) Nodes() []NodeInfo {
	members := m.etcd.Server.Cluster().Members()
	nodes := make([]NodeInfo, 0, len(members))
	for _, member := range members {
		addr := ""
		if len(member.PeerURLs) > 0 {
			addr = member.PeerURLs[0]
		}
		uptime := time.Duration(0)
		if member.Name == m.nodeID && !m.started.IsZero() {
			uptime = time.Since(m.started)
		}
		nodes = append(nodes, NodeInfo{
			ID:      member.Name,
			Address: addr,
			Healthy: true,
			Leader:  member.Name == m.currentLeader(),
			Uptime:  uptime,
		})
	}
	return nodes
}

// IfReady runs fn only while this node can observe a cluster leader —
// a stand-in for quorum health, since a partitioned minority can never
// elect or see one.
func (m *EtcdMembership) IfReady(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if m.currentLeaderCtx(ctx) == "" {
		return ErrNotReady
	}
	return fn()
}

func (m *EtcdMembership) IsLeader() bool {
	return m.currentLeader() == m.nodeID
}

func (m *EtcdMembership) WaitForLeader(ctx context.Context) error {
	for {
		if m.currentLeaderCtx(ctx) != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *EtcdMembership) currentLeader() string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.currentLeaderCtx(ctx)
}

func (m *EtcdMembership) currentLeaderCtx(ctx context.Context) string {
	resp, err := m.election.Leader(ctx)
	if err != nil || len(resp.Kvs) == 0 {
		return ""
	}
	return string(resp.Kvs[0].Value)
}

func (m *EtcdMembership) campaign() {
	if err := m.election.Campaign(context.Background(), m.nodeID); err != nil {
		m.logger.Error("campaign for leadership failed", slog.String("node_id", m.nodeID), slog.String("error", err.Error()))
		return
	}
	m.logger.Info("became cluster leader", slog.String("node_id", m.nodeID))
}
