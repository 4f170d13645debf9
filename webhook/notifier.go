// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mqtt-registry/config"
	"github.com/absmach/mqtt-registry/events"
	"github.com/sony/gobreaker"
)

// GenericNotifier implements Notifier with a worker pool, per-endpoint
// circuit breakers, and exponential-backoff retry.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	nodeID         string
	endpoints      []endpointConfig
	eventQueue     chan eventJob
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includePayload bool
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier builds a GenericNotifier from cfg and starts its worker
// pool. nodeID is stamped into every envelope (spec §6's "hooks" are
// node-local; the envelope records which node observed the event).
func NewNotifier(cfg config.WebhookConfig, nodeID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("webhook: sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool)
		for _, t := range ep.Events {
			filters[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, ep := range endpoints {
		name := ep.name
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name), slog.String("from", from.String()), slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:            cfg,
		nodeID:         nodeID,
		endpoints:      endpoints,
		eventQueue:     make(chan eventJob, cfg.QueueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includePayload: cfg.IncludePayload,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers), slog.Int("queue_size", cfg.QueueSize), slog.Int("endpoints", len(endpoints)))
	return n, nil
}

// Notify implements hooks.AllHandler[any]'s expected signature loosely:
// it satisfies Notifier so a registry wires it through hooks.RegisterAll
// with a thin adapter closure.
func (n *GenericNotifier) Notify(ctx context.Context, event interface{}) error {
	ev, ok := event.(events.Event)
	if !ok {
		return fmt.Errorf("webhook: event must implement events.Event")
	}

	for _, ep := range n.endpoints {
		if !n.shouldNotify(ep, ev) {
			continue
		}
		job := eventJob{event: ev, endpoint: ep}

		select {
		case n.eventQueue <- job:
		default:
			n.dropOrRequeue(job)
		}
	}
	return nil
}

func (n *GenericNotifier) dropOrRequeue(job eventJob) {
	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", job.event.Type()), slog.String("endpoint", job.endpoint.name))
}

func (n *GenericNotifier) shouldNotify(ep endpointConfig, ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type()] {
		return false
	}
	if ev.Filter() != "" && len(ep.topicFilters) > 0 {
		for _, f := range ep.topicFilters {
			if filterMatches(f, ev.Filter()) {
				return true
			}
		}
		return false
	}
	return true
}

// filterMatches applies MQTT wildcard rules when checking an endpoint's
// own topic_filters against an event's routing key or filter string.
func filterMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	fi, ti := 0, 0
	for fi < len(fParts) {
		if fParts[fi] == "#" {
			return true
		}
		if ti >= len(tParts) {
			return false
		}
		if fParts[fi] != "+" && fParts[fi] != tParts[ti] {
			return false
		}
		fi++
		ti++
	}
	return ti == len(tParts)
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			for {
				select {
				case job := <-n.eventQueue:
					n.processJob(job)
				default:
					return
				}
			}
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]
	_, err := breaker.Execute(func() (any, error) { return nil, n.sendWebhook(job) })
	if err == nil {
		n.logger.Debug("webhook delivered", slog.String("endpoint", job.endpoint.name), slog.String("event_type", job.event.Type()))
		return
	}

	if job.attempt < job.endpoint.retryConfig.MaxAttempts-1 {
		job.attempt++
		delay := retryDelay(job.attempt, job.endpoint.retryConfig)
		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", job.endpoint.name), slog.Int("attempt", job.attempt), slog.Duration("retry_after", delay))
		time.AfterFunc(delay, func() {
			select {
			case n.eventQueue <- job:
			default:
				n.logger.Error("failed to requeue webhook retry", slog.String("endpoint", job.endpoint.name))
			}
		})
		return
	}

	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", job.endpoint.name), slog.String("event_type", job.event.Type()), slog.String("error", err.Error()))
}

func (n *GenericNotifier) sendWebhook(job eventJob) error {
	envelope := job.event.Wrap(n.nodeID)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()
	return n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout)
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close signals the workers to stop once they have drained the queue,
// and waits for them up to the configured shutdown timeout. Notify does
// not check whether Close has run; an event it enqueues after the
// workers have exited is never sent.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, events may be lost", slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}
