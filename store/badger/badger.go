// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger is a BadgerDB-backed implementation of store.Store.
// Bag semantics (multiple topic/subscriber records per filter) are
// emulated with composite keys under a per-table prefix and
// MatchTopicRecords/MatchSubscribers answered by a prefix scan, the same trick the teacher's storage/badger
// package uses for its subscription index.
package badger

import (
	"encoding/json"
	"strings"

	"github.com/absmach/mqtt-registry/store"
	"github.com/dgraph-io/badger/v4"
)

var _ store.Store = (*Store)(nil)

const (
	prefixNode  = "tn/"
	prefixEdge  = "te/"
	prefixTopic = "tr/"
	prefixSub   = "sr/"
)

// Config holds BadgerDB configuration for the replicated store.
type Config struct {
	Dir string
}

// Store is a BadgerDB-backed store.Store.
type Store struct {
	db *badger.DB
}

// New opens (or creates) a BadgerDB-backed store at cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.EncryptionKey = nil
	opts.SyncWrites = true // trie/subscriber state must survive a crash between writer and ack

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Transaction(fn func(store.Tx) error) error {
	return s.db.Update(func(btx *badger.Txn) error {
		return fn(&tx{btx: btx})
	})
}

// AsyncDirty here still goes through badger.Update: Badger's own txn
// isolation has no weaker "dirty" write mode, so the distinction from
// Transaction is in the caller's intent (fire-and-forget), not in the
// locking behavior.
func (s *Store) AsyncDirty(fn func(store.Tx) error) error {
	return s.db.Update(func(btx *badger.Txn) error {
		return fn(&tx{btx: btx})
	})
}

func (s *Store) DirtyReadTrieNode(nodeID string) (*store.TrieNode, bool) {
	var out *store.TrieNode
	_ = s.db.View(func(btx *badger.Txn) error {
		n, ok, err := readTrieNode(btx, nodeID)
		if err != nil || !ok {
			return nil
		}
		out = n
		return nil
	})
	return out, out != nil
}

func (s *Store) DirtyReadTrieEdge(from, word string) (*store.TrieEdge, bool) {
	var out *store.TrieEdge
	_ = s.db.View(func(btx *badger.Txn) error {
		e, ok, err := readTrieEdge(btx, from, word)
		if err != nil || !ok {
			return nil
		}
		out = e
		return nil
	})
	return out, out != nil
}

func (s *Store) DirtyMatchTopicRecords(filter string) []*store.TopicRecord {
	var out []*store.TopicRecord
	_ = s.db.View(func(btx *badger.Txn) error {
		recs, err := matchTopicRecords(btx, filter)
		if err != nil {
			return nil
		}
		out = recs
		return nil
	})
	return out
}

func (s *Store) DirtyMatchSubscribers(filter string) []*store.SubscriberRecord {
	var out []*store.SubscriberRecord
	_ = s.db.View(func(btx *badger.Txn) error {
		recs, err := matchSubscribers(btx, filter)
		if err != nil {
			return nil
		}
		out = recs
		return nil
	})
	return out
}

func (s *Store) Reset() error {
	return s.db.DropAll()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// tx adapts a badger.Txn to store.Tx.
type tx struct {
	btx *badger.Txn
}

func trieNodeKey(nodeID string) []byte     { return []byte(prefixNode + nodeID) }
func trieEdgeKey(from, word string) []byte { return []byte(prefixEdge + from + "\x00" + word) }
func topicKey(filter, node string) []byte  { return []byte(prefixTopic + filter + "\x00" + node) }
func subKey(filter, clientID string) []byte {
	return []byte(prefixSub + filter + "\x00" + clientID)
}

func readTrieNode(btx *badger.Txn, nodeID string) (*store.TrieNode, bool, error) {
	item, err := btx.Get(trieNodeKey(nodeID))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var n store.TrieNode
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &n) }); err != nil {
		return nil, false, err
	}
	return &n, true, nil
}

func readTrieEdge(btx *badger.Txn, from, word string) (*store.TrieEdge, bool, error) {
	item, err := btx.Get(trieEdgeKey(from, word))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e store.TrieEdge
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func matchTopicRecords(btx *badger.Txn, filter string) ([]*store.TopicRecord, error) {
	prefix := []byte(prefixTopic + filter + "\x00")
	it := btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []*store.TopicRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec store.TopicRecord
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func matchSubscribers(btx *badger.Txn, filter string) ([]*store.SubscriberRecord, error) {
	prefix := []byte(prefixSub + filter + "\x00")
	it := btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []*store.SubscriberRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec store.SubscriberRecord
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (t *tx) ReadTrieNode(nodeID string) (*store.TrieNode, bool, error) {
	return readTrieNode(t.btx, nodeID)
}

func (t *tx) WriteTrieNode(node *store.TrieNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return t.btx.Set(trieNodeKey(node.NodeID), data)
}

func (t *tx) DeleteTrieNode(nodeID string) error {
	return t.btx.Delete(trieNodeKey(nodeID))
}

func (t *tx) ReadTrieEdge(from, word string) (*store.TrieEdge, bool, error) {
	return readTrieEdge(t.btx, from, word)
}

func (t *tx) WriteTrieEdge(edge *store.TrieEdge) error {
	data, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	return t.btx.Set(trieEdgeKey(edge.From, edge.Word), data)
}

func (t *tx) DeleteTrieEdge(from, word string) error {
	return t.btx.Delete(trieEdgeKey(from, word))
}

func (t *tx) MatchTopicRecords(filter string) ([]*store.TopicRecord, error) {
	return matchTopicRecords(t.btx, filter)
}

func (t *tx) WriteTopicRecord(rec *store.TopicRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.btx.Set(topicKey(rec.Filter, rec.Node), data)
}

func (t *tx) DeleteTopicRecord(filter, node string) error {
	return t.btx.Delete(topicKey(filter, node))
}

func (t *tx) MatchSubscribers(filter string) ([]*store.SubscriberRecord, error) {
	return matchSubscribers(t.btx, filter)
}

func (t *tx) ReadSubscriber(filter, clientID string) (*store.SubscriberRecord, bool, error) {
	item, err := t.btx.Get(subKey(filter, clientID))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec store.SubscriberRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (t *tx) WriteSubscriber(rec *store.SubscriberRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.btx.Set(subKey(rec.Filter, rec.ClientID), data)
}

func (t *tx) DeleteSubscriber(filter, clientID string) error {
	return t.btx.Delete(subKey(filter, clientID))
}

func (t *tx) AllFilters() ([]string, error) {
	it := t.btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	seen := make(map[string]struct{})
	prefix := []byte(prefixSub)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().Key())
		rest := strings.TrimPrefix(key, prefixSub)
		filter, _, ok := strings.Cut(rest, "\x00")
		if !ok {
			continue
		}
		seen[filter] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out, nil
}
