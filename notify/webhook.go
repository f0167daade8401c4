// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/topics"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*Webhook)(nil)

// Webhook fans events out to HTTP endpoints through a bounded queue and a
// worker pool. Each endpoint has its own circuit breaker.
type Webhook struct {
	cfg       config.WebhookConfig
	source    string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	filters []string
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
}

// accepts reports whether the endpoint subscribed to this event.
func (e endpoint) accepts(ev events.Event) bool {
	if len(e.events) > 0 && !e.events[ev.Type()] {
		return false
	}
	if ev.Topic() == "" || len(e.filters) == 0 {
		return true
	}
	for _, f := range e.filters {
		if topics.TopicMatch(f, ev.Topic()) {
			return true
		}
	}
	return false
}

type job struct {
	payload   []byte
	eventType string
	endpoint  endpoint
	attempt   int
}

// NewWebhook starts a webhook notifier. source identifies this instance in
// every envelope.
func NewWebhook(cfg config.WebhookConfig, source string, sender Sender, logger *slog.Logger) (*Webhook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filter := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filter[t] = true
		}
		e := endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  filter,
			filters: ep.TopicFilters,
			headers: ep.Headers,
			timeout: cfg.Defaults.Timeout,
			retry:   cfg.Defaults.Retry,
		}
		if ep.Timeout > 0 {
			e.timeout = ep.Timeout
		}
		if ep.Retry != nil {
			e.retry = *ep.Retry
		}
		endpoints = append(endpoints, e)
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:       cfg,
		source:    source,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for range cfg.Workers {
		w.wg.Add(1)
		go w.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return w, nil
}

// Notify wraps the event once and queues it for every matching endpoint.
func (w *Webhook) Notify(ctx context.Context, ev events.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}

	var payload []byte
	for _, ep := range w.endpoints {
		if !ep.accepts(ev) {
			continue
		}
		if payload == nil {
			data, err := json.Marshal(ev.Wrap(w.source))
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			payload = data
		}
		w.enqueue(job{payload: payload, eventType: ev.Type(), endpoint: ep})
	}
	return nil
}

// enqueue applies the drop policy when the queue is full.
func (w *Webhook) enqueue(j job) {
	select {
	case w.queue <- j:
		return
	default:
	}

	if w.cfg.DropPolicy == "oldest" {
		select {
		case <-w.queue:
		default:
		}
		select {
		case w.queue <- j:
			return
		default:
		}
	}
	w.logger.Error("webhook_queue_full_event_dropped",
		slog.String("event_type", j.eventType),
		slog.String("endpoint", j.endpoint.name))
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.queue:
			w.process(j)
		}
	}
}

func (w *Webhook) process(j job) {
	breaker := w.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(w.ctx, j.endpoint.timeout)
		defer cancel()
		return nil, w.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, j.payload)
	})
	if err == nil {
		w.logger.Debug("webhook_delivered",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.eventType))
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		w.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.eventType),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	w.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", j.endpoint.name),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if w.ctx.Err() != nil {
			return
		}
		select {
		case w.queue <- j:
		default:
			w.logger.Error("webhook_retry_dropped",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.eventType))
		}
	})
}

// retryDelay is exponential backoff capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events, drains what the workers can within the
// shutdown timeout and stops them.
func (w *Webhook) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	timeout := w.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.After(timeout)

drain:
	for len(w.queue) > 0 {
		select {
		case <-deadline:
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("webhook_notifier_stopped")
	case <-deadline:
		w.logger.Warn("webhook_notifier_shutdown_timeout",
			slog.Int("queue_depth", len(w.queue)))
	}
	return nil
}
