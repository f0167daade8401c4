// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/server/otel"
	"github.com/absmach/aerocommand/telemetry"
	"github.com/absmach/aerocommand/topics"
	"github.com/google/uuid"
)

// RuleSource supplies the enabled rules and zones of an organization.
type RuleSource interface {
	ActiveRules(ctx context.Context, org string) ([]Rule, error)
	ActiveZones(ctx context.Context, org string) ([]Zone, error)
}

// Sink delivers a raised alert somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert events.AlertRaised) error
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

func WithMonitorMetrics(mt *otel.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

func WithMonitorKeys(k cache.Keys) MonitorOption {
	return func(m *Monitor) { m.keys = k }
}

func WithMonitorTopics(b topics.Builder) MonitorOption {
	return func(m *Monitor) { m.topics = b }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// Monitor turns frames into delivered alerts.
type Monitor struct {
	rules           RuleSource
	cache           cache.Cache
	sinks           []Sink
	defaultCooldown time.Duration
	keys            cache.Keys
	topics          topics.Builder
	logger          *slog.Logger
	metrics         *otel.Metrics
	now             func() time.Time
}

// NewMonitor creates a monitor. c holds cooldown markers and may be nil, in
// which case nothing is suppressed.
func NewMonitor(cfg config.AlertsConfig, rules RuleSource, c cache.Cache, sinks []Sink, opts ...MonitorOption) (*Monitor, error) {
	if rules == nil {
		return nil, errors.New("alert monitor requires a rule source")
	}
	m := &Monitor{
		rules:           rules,
		cache:           c,
		sinks:           sinks,
		defaultCooldown: cfg.DefaultCooldown,
		keys:            cache.NewKeys(cache.DefaultPrefix),
		topics:          topics.NewBuilder(topics.DefaultRoot),
		now:             time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Process evaluates f against the org's rules and zones and delivers every
// alert that is not cooling down. It satisfies telemetry.AlertProcessor.
func (m *Monitor) Process(ctx context.Context, org string, f telemetry.Frame) {
	rules, err := m.rules.ActiveRules(ctx, org)
	if err != nil {
		m.metrics.RecordError(otel.ErrorRuleLoad)
		m.logger.Warn("alert_rules_load_failed", slog.String("org_id", org), slog.String("error", err.Error()))
	}
	zones, err := m.rules.ActiveZones(ctx, org)
	if err != nil {
		m.metrics.RecordError(otel.ErrorRuleLoad)
		m.logger.Warn("alert_zones_load_failed", slog.String("org_id", org), slog.String("error", err.Error()))
	}

	for _, c := range Evaluate(f, rules, zones) {
		if m.suppressed(ctx, c) {
			m.metrics.RecordAlertSuppressed(string(c.Category))
			continue
		}
		m.raise(ctx, org, c)
	}
}

// suppressed claims the cooldown marker for (source, vehicle). It fails open.
func (m *Monitor) suppressed(ctx context.Context, c Candidate) bool {
	cooldown := c.Cooldown
	if cooldown <= 0 {
		cooldown = m.defaultCooldown
	}
	if m.cache == nil || cooldown <= 0 {
		return false
	}

	claimed, err := m.cache.SetNX(ctx, m.keys.AlertCooldown(c.SourceID, c.VehicleID), m.now().UTC().Format(time.RFC3339), cooldown)
	if err != nil {
		m.metrics.RecordError(otel.ErrorCache)
		m.logger.Warn("alert_cooldown_unavailable",
			slog.String("source_id", c.SourceID),
			slog.String("error", err.Error()))
		return false
	}
	return !claimed
}

func (m *Monitor) raise(ctx context.Context, org string, c Candidate) {
	alert := events.AlertRaised{
		AlertID:    uuid.NewString(),
		OrgID:      org,
		VehicleID:  c.VehicleID,
		Severity:   string(c.Severity),
		Category:   string(c.Category),
		Title:      c.Title,
		Message:    c.Message,
		Metadata:   c.Metadata,
		CreatedAt:  m.now().UTC(),
		AlertTopic: m.topics.Alert(org, c.VehicleID, string(c.Category)),
	}
	m.metrics.RecordAlert(alert.Category, alert.Severity)
	m.logger.Info("alert_raised",
		slog.String("alert_id", alert.AlertID),
		slog.String("org_id", org),
		slog.String("vehicle_id", alert.VehicleID),
		slog.String("category", alert.Category),
		slog.String("severity", alert.Severity),
		slog.String(c.Source+"_id", c.SourceID))

	for _, s := range m.sinks {
		m.deliver(ctx, s, alert)
	}
}

func (m *Monitor) deliver(ctx context.Context, s Sink, alert events.AlertRaised) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordError(otel.ErrorAlertSink)
			m.logger.Error("alert_sink_panic", slog.String("sink", s.Name()), slog.Any("panic", r))
		}
	}()
	if err := s.Send(ctx, alert); err != nil {
		m.metrics.RecordError(otel.ErrorAlertSink)
		m.logger.Error("alert_sink_failed",
			slog.String("sink", s.Name()),
			slog.String("alert_id", alert.AlertID),
			slog.String("error", err.Error()))
	}
}
