// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscribe implements the subscription table and topic
// registry (spec components B and C, §4.B/§4.C): the cluster-replicated
// bag of (filter, client_id, qos) records, the (filter, node) topic
// registry that feeds trie pruning decisions, and the wiring between
// the two and the trie (package trie).
package subscribe

import (
	"github.com/absmach/mqtt-registry/store"
	"github.com/absmach/mqtt-registry/trie"
)

// Locality answers whether a client_id is bound on the current node.
// register.Names implements this; subscribe depends only on this
// narrow interface so the two packages don't import each other.
type Locality interface {
	IsLocal(clientID string) bool
}

// Table is the subscription table and topic registry for one node.
// All of its operations run inside a single store.Store transaction
// per filter, per spec §9 open question 3 (per-topic, not per-batch).
type Table struct {
	store    store.Store
	node     string
	locality Locality
}

// New returns a Table bound to node nodeID. locality is consulted when
// deciding whether this node still has any local subscriber for a
// filter, to decide whether the node's topic record should be dropped.
func New(s store.Store, nodeID string, locality Locality) *Table {
	return &Table{store: s, node: nodeID, locality: locality}
}

// Add upserts a (filter, client_id, qos) subscriber record, ensures a
// topic record exists for (filter, current_node), and inserts filter
// into the trie. Re-subscribing with a different qos overwrites the
// existing record (bag semantics: at most one record per (filter,
// client_id), per spec §3).
func (t *Table) Add(filter string, qos byte, clientID string) error {
	return t.store.Transaction(func(tx store.Tx) error {
		if err := tx.WriteSubscriber(&store.SubscriberRecord{
			Filter:   filter,
			ClientID: clientID,
			QoS:      qos,
		}); err != nil {
			return err
		}
		if err := tx.WriteTopicRecord(&store.TopicRecord{Filter: filter, Node: t.node}); err != nil {
			return err
		}
		return trie.Insert(tx, filter)
	})
}

// Remove deletes the (filter, client_id) subscriber record. If, after
// the delete, this node has no remaining local subscriber for filter,
// it also drops its own (filter, current_node) topic record, and — if
// that was the last topic record for filter anywhere in the cluster,
// checked transactionally within the same transaction via
// tx.MatchTopicRecords — prunes filter out of the trie.
//
// The MatchTopicRecords check happens inside the same transaction that
// deletes this node's own topic record, so it correctly observes
// concurrently-visible topic records written by other nodes rather
// than a stale dirty read (spec §9 open question 2).
func (t *Table) Remove(filter, clientID string) error {
	return t.store.Transaction(func(tx store.Tx) error {
		if err := tx.DeleteSubscriber(filter, clientID); err != nil {
			return err
		}

		if t.hasLocalSubscriber(tx, filter) {
			return nil
		}

		if err := tx.DeleteTopicRecord(filter, t.node); err != nil {
			return err
		}

		remaining, err := tx.MatchTopicRecords(filter)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return nil
		}
		return trie.Delete(tx, filter)
	})
}

// RemoveAllForClient removes every subscription belonging to clientID,
// one filter (and one transaction) at a time, for use during session
// cleanup on disconnect or takeover with clean_session semantics.
func (t *Table) RemoveAllForClient(clientID string) error {
	filters, err := t.filtersForClient(clientID)
	if err != nil {
		return err
	}
	for _, filter := range filters {
		if err := t.Remove(filter, clientID); err != nil {
			return err
		}
	}
	return nil
}

// FiltersForClient returns every filter clientID currently holds a
// subscriber record for, via a dirty read over the full filter set.
// Used by the registry facade's "subscriptions" operation.
func (t *Table) FiltersForClient(clientID string) ([]string, error) {
	return t.filtersForClient(clientID)
}

func (t *Table) filtersForClient(clientID string) ([]string, error) {
	var all []string
	err := t.store.Transaction(func(tx store.Tx) error {
		var err error
		all, err = tx.AllFilters()
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, filter := range all {
		recs := t.store.DirtyMatchSubscribers(filter)
		for _, r := range recs {
			if r.ClientID == clientID {
				out = append(out, filter)
				break
			}
		}
	}
	return out, nil
}

// hasLocalSubscriber reports whether any remaining subscriber record
// for filter belongs to a client currently bound on this node.
func (t *Table) hasLocalSubscriber(tx store.Tx, filter string) bool {
	recs, err := tx.MatchSubscribers(filter)
	if err != nil {
		return true // fail closed: don't prune on an error we can't interpret
	}
	for _, r := range recs {
		if t.locality.IsLocal(r.ClientID) {
			return true
		}
	}
	return false
}

// Subscribers returns the current subscriber bag for filter, as seen
// via a non-transactional dirty read. Used by the match engine and the
// local router's delivery fan-out.
func (t *Table) Subscribers(filter string) []*store.SubscriberRecord {
	return t.store.DirtyMatchSubscribers(filter)
}

// TopicNodes returns the set of nodes that currently hold a topic
// record for filter, i.e. the nodes that may have a local subscriber
// for it (spec §4.C).
func (t *Table) TopicNodes(filter string) []string {
	recs := t.store.DirtyMatchTopicRecords(filter)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Node)
	}
	return out
}
