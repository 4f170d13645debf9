// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hooks implements the observation/authorization hook bus
// consumed by the core (spec §6 "Hooks"): only (first handler wins),
// all (run all, ignore result), and every (threaded reduction).
package hooks

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Only when no registered handler for a
// hook name claims it.
var ErrNotFound = errors.New("hooks: no handler claimed the hook")

// OnlyHandler returns (result, true) if it claims the hook, or
// (_, false) to let the next handler try.
type OnlyHandler[A, R any] func(A) (R, bool, error)

// AllHandler observes a hook's arguments; its return value is ignored.
type AllHandler[A any] func(A) error

// EveryHandler folds an accumulator through a hook's argument.
type EveryHandler[T, A any] func(acc T, args A) (T, error)

// Bus is a named registry of hook handlers, one independent chain per
// (name, combinator). It is safe for concurrent registration and
// dispatch.
type Bus struct {
	mu   sync.RWMutex
	only map[string][]any
	all  map[string][]any
	evry map[string][]any
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		only: make(map[string][]any),
		all:  make(map[string][]any),
		evry: make(map[string][]any),
	}
}

// RegisterOnly adds h to the "only" chain for name. Handlers run in
// registration order; the first to claim the hook wins.
func RegisterOnly[A, R any](b *Bus, name string, h OnlyHandler[A, R]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.only[name] = append(b.only[name], h)
}

// RegisterAll adds h to the "all" chain for name.
func RegisterAll[A any](b *Bus, name string, h AllHandler[A]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all[name] = append(b.all[name], h)
}

// RegisterEvery adds h to the "every" chain for name.
func RegisterEvery[T, A any](b *Bus, name string, h EveryHandler[T, A]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evry[name] = append(b.evry[name], h)
}

// Only runs the "only" chain for name, stopping at the first handler
// that claims the hook. It returns ErrNotFound if none does.
func Only[A, R any](b *Bus, name string, args A) (R, error) {
	var zero R
	for _, raw := range snapshot(b, b.only, name) {
		h, ok := raw.(OnlyHandler[A, R])
		if !ok {
			continue
		}
		res, claimed, err := h(args)
		if err != nil {
			return zero, err
		}
		if claimed {
			return res, nil
		}
	}
	return zero, ErrNotFound
}

// All runs every handler in the "all" chain for name, ignoring
// individual results: a failing handler does not stop the ones after
// it. The first error any handler returned, if any, is returned once
// the whole chain has run.
func All[A any](b *Bus, name string, args A) error {
	var first error
	for _, raw := range snapshot(b, b.all, name) {
		h, ok := raw.(AllHandler[A])
		if !ok {
			continue
		}
		if err := h(args); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Every threads seed through every handler in the "every" chain for
// name, in registration order, and returns the final accumulator. This
// is the mechanism behind the local router's filter_subscribers chain
// (spec §4.G step 2), where each hook may drop or re-weight the
// subscriber list before delivery.
func Every[T, A any](b *Bus, name string, seed T, args A) (T, error) {
	acc := seed
	for _, raw := range snapshot(b, b.evry, name) {
		h, ok := raw.(EveryHandler[T, A])
		if !ok {
			continue
		}
		next, err := h(acc, args)
		if err != nil {
			return acc, err
		}
		acc = next
	}
	return acc, nil
}

func snapshot(b *Bus, chains map[string][]any, name string) []any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := chains[name]
	out := make([]any, len(src))
	copy(out, src)
	return out
}
