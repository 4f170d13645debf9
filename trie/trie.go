// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package trie implements the replicated, wildcard-aware prefix index
// over MQTT topic filters (spec component A). It operates directly on
// a store.Tx for mutation and a narrower Reader for the hot match path,
// so match can run against dirty reads without a transaction.
package trie

import (
	"strings"

	"github.com/absmach/mqtt-registry/store"
)

// Reader is the subset of store.Store needed to walk the trie for a
// match. store.Store satisfies it directly.
type Reader interface {
	DirtyReadTrieNode(nodeID string) (*store.TrieNode, bool)
	DirtyReadTrieEdge(from, word string) (*store.TrieEdge, bool)
}

// words splits a filter or routing key into its slash-separated words.
// Adjacent slashes produce empty-string words, which are ordinary words
// to the trie.
func words(topic string) []string {
	return strings.Split(topic, "/")
}

func nodeID(prefix []string) string {
	if len(prefix) == 0 {
		return store.RootNodeID
	}
	return strings.Join(prefix, "\x1f")
}

// Insert adds filter to the trie within tx, per spec §4.A. Idempotent:
// inserting the same filter twice is a no-op on the second call.
func Insert(tx store.Tx, filter string) error {
	w := words(filter)
	fullID := nodeID(w)

	terminal, ok, err := tx.ReadTrieNode(fullID)
	if err != nil {
		return err
	}
	if ok && terminal.HasTopic && terminal.Topic == filter {
		return nil
	}
	if ok && !terminal.HasTopic {
		terminal.HasTopic = true
		terminal.Topic = filter
		return tx.WriteTrieNode(terminal)
	}

	fromID := store.RootNodeID
	prefix := make([]string, 0, len(w))
	for _, word := range w {
		toPrefix := append(prefix, word)
		toID := nodeID(toPrefix)

		edge, eok, err := tx.ReadTrieEdge(fromID, word)
		if err != nil {
			return err
		}
		if !eok {
			fromNode, fok, err := tx.ReadTrieNode(fromID)
			if err != nil {
				return err
			}
			if !fok {
				fromNode = &store.TrieNode{NodeID: fromID, EdgeCount: 1}
			} else {
				fromNode.EdgeCount++
			}
			if err := tx.WriteTrieNode(fromNode); err != nil {
				return err
			}
			if err := tx.WriteTrieEdge(&store.TrieEdge{From: fromID, Word: word, To: toID}); err != nil {
				return err
			}
			fromID = toID
		} else {
			fromID = edge.To
		}
		prefix = toPrefix
	}

	node, ok, err := tx.ReadTrieNode(fullID)
	if err != nil {
		return err
	}
	if !ok {
		node = &store.TrieNode{NodeID: fullID}
	}
	node.HasTopic = true
	node.Topic = filter
	return tx.WriteTrieNode(node)
}

// Delete removes filter from the trie within tx, per spec §4.A. Callers
// must only call this once no topic records remain for filter anywhere
// in the cluster (spec §4.B, §9 open question 2).
func Delete(tx store.Tx, filter string) error {
	w := words(filter)
	fullID := nodeID(w)

	terminal, ok, err := tx.ReadTrieNode(fullID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrInvariantViolation
	}

	if terminal.EdgeCount > 0 {
		terminal.HasTopic = false
		terminal.Topic = ""
		return tx.WriteTrieNode(terminal)
	}

	if err := tx.DeleteTrieNode(fullID); err != nil {
		return err
	}

	type step struct{ from, word string }
	steps := make([]step, 0, len(w))
	fromID := store.RootNodeID
	prefix := make([]string, 0, len(w))
	for _, word := range w {
		steps = append(steps, step{fromID, word})
		prefix = append(prefix, word)
		fromID = nodeID(prefix)
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := tx.DeleteTrieEdge(s.from, s.word); err != nil {
			return err
		}

		fromNode, fok, err := tx.ReadTrieNode(s.from)
		if err != nil {
			return err
		}
		if !fok {
			return store.ErrInvariantViolation
		}

		switch {
		case fromNode.EdgeCount == 1 && !fromNode.HasTopic:
			if err := tx.DeleteTrieNode(s.from); err != nil {
				return err
			}
			continue
		case fromNode.EdgeCount == 1 && fromNode.HasTopic:
			fromNode.EdgeCount = 0
			return tx.WriteTrieNode(fromNode)
		default:
			fromNode.EdgeCount--
			return tx.WriteTrieNode(fromNode)
		}
	}
	return nil
}

// Match walks the trie for routingKey and returns the deduplicated set
// of filters it matches, per spec §4.A.
func Match(r Reader, routingKey string) []string {
	seen := make(map[string]struct{})
	var results []string
	add := func(filter string) {
		if _, ok := seen[filter]; ok {
			return
		}
		seen[filter] = struct{}{}
		results = append(results, filter)
	}

	var walk func(nodeID string, remaining []string)
	walk = func(nodeID string, remaining []string) {
		if edge, ok := r.DirtyReadTrieEdge(nodeID, "#"); ok {
			if leaf, ok := r.DirtyReadTrieNode(edge.To); ok && leaf.HasTopic {
				add(leaf.Topic)
			}
		}

		if len(remaining) == 0 {
			if node, ok := r.DirtyReadTrieNode(nodeID); ok && node.HasTopic {
				add(node.Topic)
			}
			return
		}

		w, rest := remaining[0], remaining[1:]
		if edge, ok := r.DirtyReadTrieEdge(nodeID, w); ok {
			walk(edge.To, rest)
		}
		if edge, ok := r.DirtyReadTrieEdge(nodeID, "+"); ok {
			walk(edge.To, rest)
		}
	}

	walk(store.RootNodeID, words(routingKey))
	return results
}
