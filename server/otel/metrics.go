// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Error types recorded through RecordError.
const (
	ErrorHandler            = "handler"
	ErrorDecode             = "decode"
	ErrorSink               = "sink"
	ErrorCache              = "cache"
	ErrorStore              = "store"
	ErrorPublish            = "publish"
	ErrorPublishUnconfirmed = "publish_unconfirmed"
	ErrorConnect            = "connect"
	ErrorAlertSink          = "alert_sink"
	ErrorOrgLookup          = "org_lookup"
	ErrorRuleLoad           = "rule_load"
	ErrorRealtimeSend       = "realtime_send"
)

// Metrics holds OpenTelemetry metric instruments for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesReceived   metric.Int64Counter
	messagesPublished  metric.Int64Counter
	messagesRequeued   metric.Int64Counter
	reconnects         metric.Int64Counter
	errorsTotal        metric.Int64Counter
	commandsDispatched metric.Int64Counter
	commandsAcked      metric.Int64Counter
	commandsTimedOut   metric.Int64Counter
	framesIngested     metric.Int64Counter
	alertsRaised       metric.Int64Counter
	alertsSuppressed   metric.Int64Counter
	broadcastFailures  metric.Int64Counter

	// UpDownCounters (Gauges)
	queueDepth          metric.Int64UpDownCounter
	realtimeConnections metric.Int64UpDownCounter

	// Histograms
	dispatchDuration metric.Float64Histogram
	ingestDuration   metric.Float64Histogram
}

type counterDef struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter(Instrumentation),
	}

	counters := []counterDef{
		{&m.messagesReceived, "aerocommand.bus.messages.received.total", "Messages delivered by the transport"},
		{&m.messagesPublished, "aerocommand.bus.messages.published.total", "Messages handed to the transport"},
		{&m.messagesRequeued, "aerocommand.bus.messages.requeued.total", "Messages re-enqueued while disconnected"},
		{&m.reconnects, "aerocommand.bus.reconnects.total", "Transport connection attempts after a failure"},
		{&m.errorsTotal, "aerocommand.errors.total", "Swallowed errors by type"},
		{&m.commandsDispatched, "aerocommand.commands.dispatched.total", "Commands dispatched by type"},
		{&m.commandsAcked, "aerocommand.commands.acked.total", "Command acknowledgments by status"},
		{&m.commandsTimedOut, "aerocommand.commands.timeout.total", "Commands flipped to timeout"},
		{&m.framesIngested, "aerocommand.telemetry.frames.total", "Telemetry frames accepted"},
		{&m.alertsRaised, "aerocommand.alerts.raised.total", "Alerts emitted by category"},
		{&m.alertsSuppressed, "aerocommand.alerts.suppressed.total", "Alerts suppressed by cooldown"},
		{&m.broadcastFailures, "aerocommand.realtime.send.failures.total", "Viewer sends that failed"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"aerocommand.bus.queue.depth",
		metric.WithDescription("Messages waiting in the publish queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.realtimeConnections, err = m.meter.Int64UpDownCounter(
		"aerocommand.realtime.connections.current",
		metric.WithDescription("Connected live viewers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtimeConnections gauge: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"aerocommand.commands.dispatch.duration.ms",
		metric.WithDescription("Command dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	m.ingestDuration, err = m.meter.Float64Histogram(
		"aerocommand.telemetry.ingest.duration.ms",
		metric.WithDescription("Telemetry fan-out duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordMessageReceived(pattern string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("pattern", pattern),
	))
}

func (m *Metrics) RecordMessagePublished(qos byte) {
	if m == nil {
		return
	}
	m.messagesPublished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
}

func (m *Metrics) RecordRequeue() {
	if m == nil {
		return
	}
	m.messagesRequeued.Add(context.Background(), 1)
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

// RecordQueueDelta moves the publish queue depth gauge.
func (m *Metrics) RecordQueueDelta(delta int64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(context.Background(), delta)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordSinkError records a failed fan-out sink.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", ErrorSink),
		attribute.String("sink", sink),
	))
}

func (m *Metrics) RecordCommandDispatched(commandType string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.commandsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", commandType),
	))
	m.dispatchDuration.Record(ctx, durationMs)
}

func (m *Metrics) RecordCommandAck(status string) {
	if m == nil {
		return
	}
	m.commandsAcked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordCommandTimeout() {
	if m == nil {
		return
	}
	m.commandsTimedOut.Add(context.Background(), 1)
}

func (m *Metrics) RecordFrameIngested(durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.framesIngested.Add(ctx, 1)
	m.ingestDuration.Record(ctx, durationMs)
}

func (m *Metrics) RecordAlert(category, severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("severity", severity),
	))
}

func (m *Metrics) RecordAlertSuppressed(category string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordConnection moves the live viewer gauge by delta.
func (m *Metrics) RecordConnection(delta int64) {
	if m == nil {
		return
	}
	m.realtimeConnections.Add(context.Background(), delta)
}

func (m *Metrics) RecordBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailures.Add(context.Background(), 1)
}
