// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package match implements the match engine (spec component D, §4.D):
// it walks the trie for a routing key to produce matched (filter,
// node) pairs, by combining trie.Match with the topic registry.
package match

// Pair is one matched (filter, node) result. The same filter may
// appear more than once if it is hosted on multiple nodes; callers
// that dispatch per-node must expect and handle duplicates.
type Pair struct {
	Filter string
	Node   string
}

// Trie is the subset of trie's exported surface the engine needs.
// trie.Match satisfies this signature directly.
type Trie func(routingKey string) []string

// Topics looks up the nodes hosting subscribers for a filter.
// subscribe.Table.TopicNodes satisfies this directly.
type Topics func(filter string) []string

// Engine wires a trie match function to a topic-registry lookup to
// produce (filter, node) pairs for a routing key.
type Engine struct {
	trie   Trie
	topics Topics
}

// New returns a match Engine.
func New(trie Trie, topics Topics) *Engine {
	return &Engine{trie: trie, topics: topics}
}

// Match returns every (filter, node) pair for routingKey. Order is not
// significant; duplicates across nodes are preserved, not collapsed,
// per spec §4.D ("dispatcher iterates all").
func (e *Engine) Match(routingKey string) []Pair {
	filters := e.trie(routingKey)
	var out []Pair
	for _, f := range filters {
		for _, n := range e.topics(f) {
			out = append(out, Pair{Filter: f, Node: n})
		}
	}
	return out
}

// LocalOnly reports whether every pair in matches names localNode,
// i.e. whether the single-node fast-path (spec §4.F step 3) applies.
// An empty match set is vacuously local-only.
func LocalOnly(matches []Pair, localNode string) bool {
	for _, m := range matches {
		if m.Node != localNode {
			return false
		}
	}
	return true
}

// ByNode groups matches by node, for the publish dispatcher's
// per-node fan-out.
func ByNode(matches []Pair) map[string][]string {
	out := make(map[string][]string)
	for _, m := range matches {
		out[m.Node] = append(out[m.Node], m.Filter)
	}
	return out
}
