// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/mqtt-registry/cluster"
	"github.com/absmach/mqtt-registry/config"
	"github.com/absmach/mqtt-registry/hooks"
	storage "github.com/absmach/mqtt-registry/msgstore"
	msgbadger "github.com/absmach/mqtt-registry/msgstore/badger"
	msgmemory "github.com/absmach/mqtt-registry/msgstore/memory"
	"github.com/absmach/mqtt-registry/registry"
	"github.com/absmach/mqtt-registry/store"
	storebadger "github.com/absmach/mqtt-registry/store/badger"
	storememory "github.com/absmach/mqtt-registry/store/memory"
	"github.com/absmach/mqtt-registry/webhook"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting MQTT registry",
		"node_id", cfg.Cluster.NodeID,
		"cluster_enabled", cfg.Cluster.Enabled,
		"storage_type", cfg.Storage.Type,
		"webhook_enabled", cfg.Webhook.Enabled)

	s, closeStore, err := newStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize replicated store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	msgs, closeMsgs, err := newMessageStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize message store", "error", err)
		os.Exit(1)
	}
	defer closeMsgs()

	membership, err := newMembership(cfg.Cluster, logger)
	if err != nil {
		slog.Error("Failed to initialize cluster membership", "error", err)
		os.Exit(1)
	}
	if err := membership.Start(); err != nil {
		slog.Error("Failed to start cluster membership", "error", err)
		os.Exit(1)
	}
	defer membership.Stop()

	hb := hooks.New()

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Cluster.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = n
		registry.WireWebhook(hb, notifier)
		defer notifier.Close()
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	reg := registry.New(cfg.Cluster.NodeID, cfg.Cluster.Transport.BindAddr, s, msgs, membership, hb, logger)
	if err := reg.Transport().Start(); err != nil {
		slog.Error("Failed to start cluster transport", "error", err)
		os.Exit(1)
	}

	for nodeID, addr := range cfg.Cluster.Transport.Peers {
		if err := reg.Transport().ConnectPeer(nodeID, addr); err != nil {
			slog.Warn("Failed to connect to peer transport", "peer", nodeID, "address", addr, "error", err)
		}
	}

	slog.Info("MQTT registry started", "transport_addr", cfg.Cluster.Transport.BindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received shutdown signal", "signal", sig)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// newStore builds the replicated trie/topic/subscriber store (spec §3)
// from cfg. The badger directory gets a "/replicated" suffix so it
// doesn't collide with the message store's own badger directory below.
func newStore(cfg config.StorageConfig) (store.Store, func(), error) {
	switch cfg.Type {
	case "memory":
		return storememory.New(), func() {}, nil
	case "badger":
		s, err := storebadger.New(storebadger.Config{Dir: cfg.BadgerDir + "/replicated"})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage.type %q", cfg.Type)
	}
}

// newMessageStore builds the retained/session/message/will store (spec
// §6 "Message store") from the same cfg the replicated store uses.
func newMessageStore(cfg config.StorageConfig) (*storage.Registry, func(), error) {
	switch cfg.Type {
	case "memory":
		return storage.NewRegistry(msgmemory.New()), func() {}, nil
	case "badger":
		s, err := msgbadger.New(msgbadger.Config{Dir: cfg.BadgerDir + "/messages"})
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRegistry(s), func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage.type %q", cfg.Type)
	}
}

func newMembership(cfg config.ClusterConfig, logger *slog.Logger) (cluster.Membership, error) {
	if !cfg.Enabled {
		return cluster.NewNoopMembership(cfg.NodeID, cfg.Transport.BindAddr), nil
	}

	advertise := cfg.Etcd.BindAddr
	etcdCfg := &cluster.EtcdConfig{
		NodeID:         cfg.NodeID,
		DataDir:        cfg.Etcd.DataDir,
		BindAddr:       cfg.Etcd.BindAddr,
		ClientAddr:     cfg.Etcd.ClientAddr,
		AdvertiseAddr:  advertise,
		InitialCluster: cfg.Etcd.InitialCluster,
		TransportAddr:  cfg.Transport.BindAddr,
		Bootstrap:      cfg.Etcd.Bootstrap,
	}
	return cluster.NewEtcdMembership(etcdCfg, logger)
}
