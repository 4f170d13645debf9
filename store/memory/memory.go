// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-memory implementation of store.Store, used in
// tests and as a single-node reference backend.
package memory

import (
	"maps"
	"sync"

	"github.com/absmach/mqtt-registry/store"
)

var _ store.Store = (*Store)(nil)

// Store guards all four tables behind a single RWMutex. The trie's
// leaf-up pruning makes optimistic concurrency risky (spec §9); a coarse
// lock is a deliberately simple, correct single-writer-per-store
// serialization rather than per-filter locking.
type Store struct {
	mu sync.RWMutex

	nodes       map[string]*store.TrieNode
	edges       map[edgeKey]*store.TrieEdge
	topics      map[string]map[string]*store.TopicRecord      // filter -> node -> record
	subscribers map[string]map[string]*store.SubscriberRecord // filter -> clientID -> record
}

type edgeKey struct {
	from, word string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nodes:       make(map[string]*store.TrieNode),
		edges:       make(map[edgeKey]*store.TrieEdge),
		topics:      make(map[string]map[string]*store.TopicRecord),
		subscribers: make(map[string]map[string]*store.SubscriberRecord),
	}
}

// Transaction takes the write lock for the duration of fn. If fn
// returns an error, the four tables are restored to their contents
// from before fn ran.
func (s *Store) Transaction(fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, edges := maps.Clone(s.nodes), maps.Clone(s.edges)
	topics := make(map[string]map[string]*store.TopicRecord, len(s.topics))
	for f, byNode := range s.topics {
		topics[f] = maps.Clone(byNode)
	}
	subscribers := make(map[string]map[string]*store.SubscriberRecord, len(s.subscribers))
	for f, byClient := range s.subscribers {
		subscribers[f] = maps.Clone(byClient)
	}

	tx := &tx{s: s}
	if err := fn(tx); err != nil {
		s.nodes, s.edges, s.topics, s.subscribers = nodes, edges, topics, subscribers
		return err
	}
	return nil
}

// AsyncDirty runs fn under the same write lock; "async" and "dirty" here
// mean "not coordinated with the caller's own transaction", which in a
// single-process in-memory store collapses to the same lock.
func (s *Store) AsyncDirty(fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{s: s}
	return fn(tx)
}

func (s *Store) DirtyReadTrieNode(nodeID string) (*store.TrieNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

func (s *Store) DirtyReadTrieEdge(from, word string) (*store.TrieEdge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edges[edgeKey{from, word}]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (s *Store) DirtyMatchTopicRecords(filter string) []*store.TopicRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNode := s.topics[filter]
	out := make([]*store.TopicRecord, 0, len(byNode))
	for _, rec := range byNode {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

func (s *Store) DirtyMatchSubscribers(filter string) []*store.SubscriberRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byClient := s.subscribers[filter]
	out := make([]*store.SubscriberRecord, 0, len(byClient))
	for _, rec := range byClient {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Reset drops every key from all four tables.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*store.TrieNode)
	s.edges = make(map[edgeKey]*store.TrieEdge)
	s.topics = make(map[string]map[string]*store.TopicRecord)
	s.subscribers = make(map[string]map[string]*store.SubscriberRecord)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

// tx is the store.Tx view handed to a transaction/dirty closure; it
// operates directly on the parent Store's maps under the lock already
// held by the caller.
type tx struct {
	s *Store
}

func (t *tx) ReadTrieNode(nodeID string) (*store.TrieNode, bool, error) {
	n, ok := t.s.nodes[nodeID]
	if !ok {
		return nil, false, nil
	}
	cp := *n
	return &cp, true, nil
}

func (t *tx) WriteTrieNode(node *store.TrieNode) error {
	cp := *node
	t.s.nodes[node.NodeID] = &cp
	return nil
}

func (t *tx) DeleteTrieNode(nodeID string) error {
	delete(t.s.nodes, nodeID)
	return nil
}

func (t *tx) ReadTrieEdge(from, word string) (*store.TrieEdge, bool, error) {
	e, ok := t.s.edges[edgeKey{from, word}]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (t *tx) WriteTrieEdge(edge *store.TrieEdge) error {
	cp := *edge
	t.s.edges[edgeKey{edge.From, edge.Word}] = &cp
	return nil
}

func (t *tx) DeleteTrieEdge(from, word string) error {
	delete(t.s.edges, edgeKey{from, word})
	return nil
}

func (t *tx) MatchTopicRecords(filter string) ([]*store.TopicRecord, error) {
	byNode := t.s.topics[filter]
	out := make([]*store.TopicRecord, 0, len(byNode))
	for _, rec := range byNode {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (t *tx) WriteTopicRecord(rec *store.TopicRecord) error {
	byNode, ok := t.s.topics[rec.Filter]
	if !ok {
		byNode = make(map[string]*store.TopicRecord)
		t.s.topics[rec.Filter] = byNode
	}
	cp := *rec
	byNode[rec.Node] = &cp
	return nil
}

func (t *tx) DeleteTopicRecord(filter, node string) error {
	byNode, ok := t.s.topics[filter]
	if !ok {
		return nil
	}
	delete(byNode, node)
	if len(byNode) == 0 {
		delete(t.s.topics, filter)
	}
	return nil
}

func (t *tx) MatchSubscribers(filter string) ([]*store.SubscriberRecord, error) {
	byClient := t.s.subscribers[filter]
	out := make([]*store.SubscriberRecord, 0, len(byClient))
	for _, rec := range byClient {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (t *tx) ReadSubscriber(filter, clientID string) (*store.SubscriberRecord, bool, error) {
	byClient, ok := t.s.subscribers[filter]
	if !ok {
		return nil, false, nil
	}
	rec, ok := byClient[clientID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (t *tx) WriteSubscriber(rec *store.SubscriberRecord) error {
	byClient, ok := t.s.subscribers[rec.Filter]
	if !ok {
		byClient = make(map[string]*store.SubscriberRecord)
		t.s.subscribers[rec.Filter] = byClient
	}
	cp := *rec
	byClient[rec.ClientID] = &cp
	return nil
}

func (t *tx) DeleteSubscriber(filter, clientID string) error {
	byClient, ok := t.s.subscribers[filter]
	if !ok {
		return nil
	}
	delete(byClient, clientID)
	if len(byClient) == 0 {
		delete(t.s.subscribers, filter)
	}
	return nil
}

func (t *tx) AllFilters() ([]string, error) {
	out := make([]string, 0, len(t.s.subscribers))
	for filter := range t.s.subscribers {
		out = append(out, filter)
	}
	return out, nil
}
