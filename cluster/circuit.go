// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	breakerFailureRatio = 0.6
	breakerMinRequests  = 5
	breakerOpenTimeout  = 10 * time.Second

	maxRetries     = 5
	retryBaseDelay = 250 * time.Millisecond
)

// peerBreakers manages one circuit breaker per peer node, so a peer
// that starts failing doesn't stall calls directed at healthy peers.
type peerBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newPeerBreakers() *peerBreakers {
	return &peerBreakers{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (pb *peerBreakers) get(nodeID string) *gobreaker.CircuitBreaker {
	pb.mu.RLock()
	cb, ok := pb.breakers[nodeID]
	pb.mu.RUnlock()
	if ok {
		return cb
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if cb, ok = pb.breakers[nodeID]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer-" + nodeID,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= breakerMinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
	})
	pb.breakers[nodeID] = cb
	return cb
}

// retryWithBreaker retries fn up to maxRetries times with exponential
// backoff, tripping nodeID's breaker open after a run of failures so
// further calls fail fast instead of retrying into a dead peer.
func retryWithBreaker(ctx context.Context, breakers *peerBreakers, nodeID string, fn func() error) error {
	cb := breakers.get(nodeID)

	var lastErr error
	for attempt := range maxRetries {
		_, err := cb.Execute(func() (any, error) { return nil, fn() })
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("circuit open for peer %s: %w", nodeID, err)
		}
		lastErr = err

		if attempt < maxRetries-1 {
			delay := retryBaseDelay << attempt
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
