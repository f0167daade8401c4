// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry ingests vehicle telemetry and heartbeats. Every valid
// frame is mirrored, independently and best effort, to the time-series
// store, the snapshot cache and live viewers, then handed to alerting.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/realtime"
	"github.com/absmach/aerocommand/server/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Sink names used in logs and metrics.
const (
	SinkStore     = "store"
	SinkSnapshot  = "snapshot"
	SinkBroadcast = "broadcast"
	SinkAlerts    = "alerts"
)

const (
	statusOnline        = "online"
	defaultHistoryLimit = 10000
)

var (
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
	ErrNoSnapshot       = errors.New("no telemetry snapshot")
	ErrInvalidRange     = errors.New("invalid history range")
)

// Store is the time-series telemetry sink.
type Store interface {
	AppendTelemetry(ctx context.Context, f Frame) error
	TelemetryHistory(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]Frame, error)
}

// Broadcaster pushes a payload to live viewer channels.
type Broadcaster interface {
	BroadcastJSON(ctx context.Context, v any, channels ...string) (int, error)
}

// AlertProcessor evaluates a frame against the organization's rules.
type AlertProcessor interface {
	Process(ctx context.Context, org string, f Frame)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAlerts hands every ingested frame to p after the sinks ran.
func WithAlerts(p AlertProcessor) Option {
	return func(pl *Pipeline) { pl.alerts = p }
}

// WithOrgResolver resolves the owning org for broadcasts. Without one the
// org from the topic is used.
func WithOrgResolver(r *OrgResolver) Option {
	return func(pl *Pipeline) { pl.orgs = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(pl *Pipeline) { pl.tracer = t }
}

func WithKeys(k cache.Keys) Option {
	return func(pl *Pipeline) { pl.keys = k }
}

func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// Pipeline is the telemetry ingestion pipeline.
type Pipeline struct {
	cfg     config.TelemetryConfig
	store   Store
	cache   cache.Cache
	hub     Broadcaster
	orgs    *OrgResolver
	alerts  AlertProcessor
	keys    cache.Keys
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPipeline creates a pipeline writing to st, c and hub.
func NewPipeline(cfg config.TelemetryConfig, st Store, c cache.Cache, hub Broadcaster, opts ...Option) (*Pipeline, error) {
	if st == nil || c == nil || hub == nil {
		return nil, errors.New("telemetry pipeline requires a store, a cache and a broadcaster")
	}
	p := &Pipeline{
		cfg:   cfg,
		store: st,
		cache: c,
		hub:   hub,
		keys:  cache.NewKeys(cache.DefaultPrefix),
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("telemetry")
	}
	return p, nil
}

// Ingest decodes payload and fans the frame out to every sink. Only a decode
// failure is returned; sink failures are logged and counted per sink.
func (p *Pipeline) Ingest(ctx context.Context, org, vehicleID string, payload []byte) error {
	start := p.now()
	f, err := Decode(payload, vehicleID)
	if err != nil {
		p.metrics.RecordError(otel.ErrorDecode)
		return err
	}

	ctx, span := p.tracer.Start(ctx, "telemetry.ingest",
		trace.WithAttributes(
			attribute.String("vehicle_id", f.VehicleID),
			attribute.Int64("seq", f.Seq),
		))
	defer span.End()

	var (
		wg       sync.WaitGroup
		resolved = org
	)
	wg.Add(3)
	go p.run(&wg, SinkStore, f, func() error {
		return p.store.AppendTelemetry(ctx, f)
	})
	go p.run(&wg, SinkSnapshot, f, func() error {
		return p.writeSnapshot(ctx, f)
	})
	go p.run(&wg, SinkBroadcast, f, func() error {
		resolved = p.resolveOrg(ctx, f.VehicleID, org)
		msg := realtime.Message{Type: "telemetry", VehicleID: f.VehicleID, Data: f}
		_, err := p.hub.BroadcastJSON(ctx, msg, realtime.VehicleChannel(f.VehicleID), realtime.OrgChannel(resolved))
		return err
	})
	wg.Wait()

	if p.alerts != nil && resolved != "" {
		wg.Add(1)
		p.run(&wg, SinkAlerts, f, func() error {
			p.alerts.Process(ctx, resolved, f)
			return nil
		})
	}

	p.metrics.RecordFrameIngested(float64(p.now().Sub(start).Milliseconds()))
	return nil
}

// run executes one sink, isolating its errors and panics.
func (p *Pipeline) run(wg *sync.WaitGroup, sink string, f Frame, fn func() error) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordSinkError(sink)
			p.logger.Error("telemetry_sink_panic",
				slog.String("sink", sink),
				slog.String("vehicle_id", f.VehicleID),
				slog.Any("panic", r))
		}
	}()

	if err := fn(); err != nil {
		p.metrics.RecordSinkError(sink)
		p.logger.Error("telemetry_sink_failed",
			slog.String("sink", sink),
			slog.String("vehicle_id", f.VehicleID),
			slog.Int64("seq", f.Seq),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) writeSnapshot(ctx context.Context, f Frame) error {
	key := p.keys.Telemetry(f.VehicleID)
	if err := p.cache.HSet(ctx, key, f.Snapshot().Fields()); err != nil {
		return err
	}
	return p.cache.Expire(ctx, key, p.cfg.SnapshotTTL)
}

// resolveOrg prefers the directory; the topic org is the fallback.
func (p *Pipeline) resolveOrg(ctx context.Context, vehicleID, topicOrg string) string {
	if p.orgs == nil {
		return topicOrg
	}
	org, err := p.orgs.Resolve(ctx, vehicleID)
	if err != nil || org == "" {
		p.metrics.RecordError(otel.ErrorOrgLookup)
		p.logger.Debug("telemetry_org_lookup_failed",
			slog.String("vehicle_id", vehicleID),
			slog.Any("error", err))
		return topicOrg
	}
	return org
}

// ProcessHeartbeat refreshes the liveness keys of a vehicle. The keys expire
// on their own; there is no explicit offline transition.
func (p *Pipeline) ProcessHeartbeat(ctx context.Context, org, vehicleID string, payload []byte) error {
	var hb Heartbeat
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hb); err != nil {
			p.metrics.RecordError(otel.ErrorDecode)
			return fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
		}
	}
	if hb.VehicleID != "" && hb.VehicleID != vehicleID {
		p.metrics.RecordError(otel.ErrorDecode)
		return fmt.Errorf("%w: vehicle_id %q does not match topic vehicle %q", ErrInvalidHeartbeat, hb.VehicleID, vehicleID)
	}

	now := p.now().UTC()
	statusKey := p.keys.VehicleStatus(vehicleID)
	wasOnline, err := p.cache.Exists(ctx, statusKey)
	if err == nil {
		err = p.cache.Set(ctx, p.keys.Heartbeat(vehicleID), now.Format(time.RFC3339Nano), p.cfg.HeartbeatTTL)
	}
	if err == nil {
		err = p.cache.Set(ctx, statusKey, statusOnline, p.cfg.OnlineTTL)
	}
	if err != nil {
		p.metrics.RecordError(otel.ErrorCache)
		p.logger.Error("heartbeat_cache_failed",
			slog.String("vehicle_id", vehicleID),
			slog.String("error", err.Error()))
		return nil
	}

	if !wasOnline {
		p.logger.Info("vehicle_online", slog.String("vehicle_id", vehicleID), slog.String("org_id", org))
		ev := events.VehicleOnline{VehicleID: vehicleID, OrgID: org, SeenAt: now}
		if _, err := p.hub.BroadcastJSON(ctx, ev.Wrap("aerocommand"), realtime.VehicleChannel(vehicleID), realtime.OrgChannel(org)); err != nil {
			p.metrics.RecordSinkError(SinkBroadcast)
		}
	}
	return nil
}

// IsOnline reports whether the heartbeat key of vehicleID is still live.
func (p *Pipeline) IsOnline(ctx context.Context, vehicleID string) (bool, error) {
	return p.cache.Exists(ctx, p.keys.Heartbeat(vehicleID))
}

// LatestSnapshot returns the cached projection of the last frame.
func (p *Pipeline) LatestSnapshot(ctx context.Context, vehicleID string) (Snapshot, error) {
	fields, err := p.cache.HGetAll(ctx, p.keys.Telemetry(vehicleID))
	if err != nil {
		return Snapshot{}, err
	}
	if len(fields) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return ParseSnapshot(fields)
}

// History returns stored frames of vehicleID in [from, to], oldest first.
func (p *Pipeline) History(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]Frame, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, to, from)
	}
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	return p.store.TelemetryHistory(ctx, vehicleID, from, to, limit)
}

// RelayMission pushes a mission progress or status update to viewers of the
// vehicle and its org. Missions are not persisted here.
func (p *Pipeline) RelayMission(ctx context.Context, org, vehicleID string, payload []byte) error {
	if !json.Valid(payload) {
		p.metrics.RecordError(otel.ErrorDecode)
		return errors.New("invalid mission update payload")
	}
	msg := realtime.Message{Type: "mission", VehicleID: vehicleID, Data: json.RawMessage(payload)}
	if _, err := p.hub.BroadcastJSON(ctx, msg, realtime.VehicleChannel(vehicleID), realtime.OrgChannel(org)); err != nil {
		p.metrics.RecordSinkError(SinkBroadcast)
		return err
	}
	return nil
}
