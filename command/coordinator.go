// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/aerocommand/bus"
	"github.com/absmach/aerocommand/cache"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/notify"
	"github.com/absmach/aerocommand/realtime"
	"github.com/absmach/aerocommand/server/otel"
	"github.com/absmach/aerocommand/topics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const statusOnline = "online"

// Fast-path hash fields.
const (
	fieldID         = "id"
	fieldStatus     = "status"
	fieldVehicleID  = "vehicle_id"
	fieldOrgID      = "org_id"
	fieldCommand    = "command"
	fieldTimeout    = "timeout"
	fieldIssuedAt   = "issued_at"
	fieldUpdatedAt  = "updated_at"
	fieldAckAt      = "ack_at"
	fieldResultCode = "result_code"
	fieldMessage    = "message"
)

// Publisher queues a message on the bus.
type Publisher interface {
	PublishJSON(topic string, v any, opts ...bus.PublishOption) error
}

// Broadcaster pushes a payload to live viewer channels.
type Broadcaster interface {
	BroadcastJSON(ctx context.Context, v any, channels ...string) (int, error)
}

// Store is the durable command record sink.
type Store interface {
	CreateCommand(ctx context.Context, rec Record) error
	UpdateCommandStatus(ctx context.Context, id string, status Status, at time.Time) error
	GetCommand(ctx context.Context, id string) (Record, error)
}

// View is the operational status of a command.
type View struct {
	ID         string     `json:"id"`
	VehicleID  string     `json:"vehicle_id,omitempty"`
	OrgID      string     `json:"org_id,omitempty"`
	Command    Type       `json:"command,omitempty"`
	Status     Status     `json:"status"`
	ResultCode int        `json:"result_code"`
	Message    string     `json:"message,omitempty"`
	IssuedAt   time.Time  `json:"issued_at,omitzero"`
	UpdatedAt  time.Time  `json:"updated_at,omitzero"`
	AckAt      *time.Time `json:"ack_at,omitempty"`
	Cached     bool       `json:"cached"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBroadcaster pushes lifecycle events to vehicle and org channels.
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) { c.hub = b }
}

// WithNotifier forwards lifecycle events to a notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

func WithKeys(k cache.Keys) Option {
	return func(c *Coordinator) { c.keys = k }
}

func WithTopics(b topics.Builder) Option {
	return func(c *Coordinator) { c.topics = b }
}

// WithSource sets the source recorded on event envelopes.
func WithSource(s string) Option {
	return func(c *Coordinator) { c.source = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimeoutUnit sets the duration of one timeout second.
func WithTimeoutUnit(d time.Duration) Option {
	return func(c *Coordinator) { c.unit = d }
}

// Coordinator owns the command lifecycle.
type Coordinator struct {
	limits    Limits
	slack     time.Duration
	orphanTTL time.Duration
	unit      time.Duration
	source    string

	pub      Publisher
	cache    cache.Cache
	store    Store
	keys     cache.Keys
	topics   topics.Builder
	hub      Broadcaster
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

// NewCoordinator creates a coordinator publishing through pub, tracking fast
// status in c and durable records in st.
func NewCoordinator(cfg config.CommandConfig, pub Publisher, c cache.Cache, st Store, opts ...Option) (*Coordinator, error) {
	if pub == nil || c == nil || st == nil {
		return nil, errors.New("command coordinator requires a publisher, a cache and a store")
	}

	co := &Coordinator{
		limits: Limits{
			DefaultTimeout: cfg.DefaultTimeout,
			MinTimeout:     cfg.MinTimeout,
			MaxTimeout:     cfg.MaxTimeout,
		},
		slack:     cfg.StatusTTLSlack,
		orphanTTL: cfg.OrphanAckTTL,
		unit:      time.Second,
		source:    "aerocommand",
		pub:       pub,
		cache:     c,
		store:     st,
		keys:      cache.NewKeys(cache.DefaultPrefix),
		topics:    topics.NewBuilder(topics.DefaultRoot),
		now:       time.Now,
	}
	if co.limits.MaxTimeout == 0 {
		co.limits = DefaultLimits()
	}
	if co.orphanTTL <= 0 {
		co.orphanTTL = time.Minute
	}
	for _, o := range opts {
		o(co)
	}
	if co.logger == nil {
		co.logger = slog.Default()
	}
	if co.tracer == nil {
		co.tracer = noop.NewTracerProvider().Tracer("command")
	}
	co.ctx, co.cancel = context.WithCancel(context.Background())
	return co, nil
}

// Dispatch validates req, persists it, publishes it to the vehicle and
// starts its timeout watch. Only validation, the liveness precondition, the
// durable write and bus submission can fail the call.
func (c *Coordinator) Dispatch(ctx context.Context, org, issuer string, req Request) (Record, error) {
	ctx, span := c.tracer.Start(ctx, "command.dispatch",
		trace.WithAttributes(
			attribute.String("org_id", org),
			attribute.String("vehicle_id", req.VehicleID),
			attribute.String("command", string(req.Command)),
		))
	defer span.End()

	rec, err := c.dispatch(ctx, org, issuer, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}
	span.SetAttributes(attribute.String("command_id", rec.ID))
	return rec, nil
}

func (c *Coordinator) dispatch(ctx context.Context, org, issuer string, req Request) (Record, error) {
	start := c.now()
	if err := req.Normalize(c.limits); err != nil {
		return Record{}, err
	}
	if err := c.checkOnline(ctx, req.VehicleID); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:             uuid.NewString(),
		VehicleID:      req.VehicleID,
		OrgID:          org,
		Command:        req.Command,
		Status:         StatusPending,
		Params:         req.Params,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		IssuedBy:       issuer,
		IssuedAt:       start.UTC(),
	}
	if err := c.store.CreateCommand(ctx, rec); err != nil {
		c.metrics.RecordError(otel.ErrorStore)
		return Record{}, fmt.Errorf("failed to persist command: %w", err)
	}

	wire := Wire{
		CommandID: rec.ID,
		Command:   rec.Command,
		MAVLink:   Translate(rec.Command, rec.Params),
		Params:    rec.Params,
		Priority:  rec.Priority,
		Timeout:   rec.TimeoutSeconds,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	}
	topic := c.topics.CommandRequest(org, rec.VehicleID)
	if err := c.pub.PublishJSON(topic, wire); err != nil {
		c.metrics.RecordError(otel.ErrorPublish)
		c.logger.Error("command_publish_failed",
			slog.String("command_id", rec.ID),
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return Record{}, fmt.Errorf("%w: %w", ErrDispatchUnavailable, err)
	}
	c.logger.Info("command_dispatched",
		slog.String("command_id", rec.ID),
		slog.String("vehicle_id", rec.VehicleID),
		slog.String("command", string(rec.Command)),
		slog.String("topic", topic))

	c.writeSent(ctx, rec)

	if err := c.store.UpdateCommandStatus(ctx, rec.ID, StatusSent, c.now().UTC()); err != nil {
		c.metrics.RecordError(otel.ErrorStore)
		c.logger.Warn("command_status_update_failed",
			slog.String("command_id", rec.ID),
			slog.String("error", err.Error()))
	} else {
		rec.Status = StatusSent
	}

	c.watch(rec)
	c.emit(ctx, org, rec.VehicleID, events.CommandSent{
		CommandID:    rec.ID,
		VehicleID:    rec.VehicleID,
		OrgID:        org,
		Command:      string(rec.Command),
		Priority:     rec.Priority,
		Timeout:      rec.TimeoutSeconds,
		RequestTopic: topic,
	})
	c.metrics.RecordCommandDispatched(string(rec.Command), float64(c.now().Sub(start).Milliseconds()))
	return rec, nil
}

// checkOnline fails open when the cache cannot answer.
func (c *Coordinator) checkOnline(ctx context.Context, vehicleID string) error {
	v, err := c.cache.Get(ctx, c.keys.VehicleStatus(vehicleID))
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return ErrVehicleOffline
	case err != nil:
		c.metrics.RecordError(otel.ErrorCache)
		c.logger.Warn("liveness_check_skipped",
			slog.String("vehicle_id", vehicleID),
			slog.String("error", err.Error()))
		return nil
	case v != statusOnline:
		return ErrVehicleOffline
	}
	return nil
}

// writeSent records SENT in the fast-path entry unless an ack got there first.
func (c *Coordinator) writeSent(ctx context.Context, rec Record) {
	key := c.keys.Command(rec.ID)
	now := c.now().UTC().Format(time.RFC3339Nano)
	fields := map[string]string{
		fieldID:        rec.ID,
		fieldVehicleID: rec.VehicleID,
		fieldOrgID:     rec.OrgID,
		fieldCommand:   string(rec.Command),
		fieldTimeout:   strconv.Itoa(rec.TimeoutSeconds),
		fieldIssuedAt:  rec.IssuedAt.Format(time.RFC3339Nano),
	}

	sent := map[string]string{fieldStatus: string(StatusSent), fieldUpdatedAt: now}
	for k, v := range fields {
		sent[k] = v
	}
	ok, err := c.cache.HCompareAndSet(ctx, key, fieldStatus, sentFrom, sent)
	if err == nil && !ok {
		c.logger.Debug("command_ack_preceded_send", slog.String("command_id", rec.ID))
		err = c.cache.HSet(ctx, key, fields)
	}
	if err == nil {
		err = c.cache.Expire(ctx, key, time.Duration(rec.TimeoutSeconds)*c.unit+c.slack)
	}
	if err != nil {
		c.metrics.RecordError(otel.ErrorCache)
		c.logger.Warn("command_status_cache_failed",
			slog.String("command_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

// watch flips the cached status to TIMEOUT if nothing moved it past SENT
// within the command timeout.
func (c *Coordinator) watch(rec Record) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		t := time.NewTimer(time.Duration(rec.TimeoutSeconds) * c.unit)
		defer t.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.expire(rec)
	}()
}

func (c *Coordinator) expire(rec Record) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	ok, err := c.cache.HCompareAndSet(ctx, c.keys.Command(rec.ID), fieldStatus, timeoutFrom, map[string]string{
		fieldStatus:    string(StatusTimeout),
		fieldUpdatedAt: c.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.metrics.RecordError(otel.ErrorCache)
		c.logger.Warn("command_timeout_check_failed",
			slog.String("command_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	c.metrics.RecordCommandTimeout()
	c.logger.Warn("command_timeout",
		slog.String("command_id", rec.ID),
		slog.String("vehicle_id", rec.VehicleID),
		slog.Int("timeout", rec.TimeoutSeconds))
	c.emit(ctx, rec.OrgID, rec.VehicleID, events.CommandTimedOut{
		CommandID: rec.ID,
		VehicleID: rec.VehicleID,
		OrgID:     rec.OrgID,
		Timeout:   rec.TimeoutSeconds,
	})
}

// HandleAck applies a vehicle acknowledgment to the fast-path entry. The
// durable record is left alone. An ack never replaces COMPLETED, FAILED or
// REJECTED; acks for unknown commands are kept for a short while.
func (c *Coordinator) HandleAck(ctx context.Context, org, vehicleID string, ack Ack) error {
	if ack.CommandID == "" || !ack.Status.Reportable() {
		return fmt.Errorf("%w: command_id %q status %q", ErrInvalidAck, ack.CommandID, ack.Status)
	}
	switch {
	case ack.VehicleID == "":
		ack.VehicleID = vehicleID
	case vehicleID != "" && ack.VehicleID != vehicleID:
		return fmt.Errorf("%w: vehicle_id %q does not match topic vehicle %q", ErrInvalidAck, ack.VehicleID, vehicleID)
	}
	if ack.Timestamp.IsZero() {
		ack.Timestamp = c.now()
	}

	fields := map[string]string{
		fieldStatus:     string(ack.Status),
		fieldResultCode: strconv.Itoa(ack.ResultCode),
		fieldMessage:    ack.Message,
		fieldAckAt:      ack.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:  c.now().UTC().Format(time.RFC3339Nano),
		fieldVehicleID:  ack.VehicleID,
	}

	applied, err := c.applyAck(ctx, ack.CommandID, fields)
	if err == nil && !applied {
		c.logger.Debug("command_ack_ignored",
			slog.String("command_id", ack.CommandID),
			slog.String("status", string(ack.Status)))
		return nil
	}
	if err != nil {
		c.metrics.RecordError(otel.ErrorCache)
		c.logger.Warn("command_ack_cache_failed",
			slog.String("command_id", ack.CommandID),
			slog.String("error", err.Error()))
	}

	c.metrics.RecordCommandAck(string(ack.Status))
	c.logger.Info("command_acknowledged",
		slog.String("command_id", ack.CommandID),
		slog.String("vehicle_id", ack.VehicleID),
		slog.String("status", string(ack.Status)),
		slog.Int("result_code", ack.ResultCode))
	c.emit(ctx, org, ack.VehicleID, events.CommandAcknowledged{
		CommandID:  ack.CommandID,
		VehicleID:  ack.VehicleID,
		OrgID:      org,
		Status:     string(ack.Status),
		ResultCode: ack.ResultCode,
		Message:    ack.Message,
		AckTopic:   c.topics.CommandAck(org, ack.VehicleID),
	})
	return nil
}

// applyAck writes fields over a live entry, or creates an orphan entry when
// none exists. The SENT write may create the entry between the two checks,
// so a lost race on the absent entry goes back to the live-entry check.
// It reports false only when the entry holds a status no ack may replace.
func (c *Coordinator) applyAck(ctx context.Context, id string, fields map[string]string) (bool, error) {
	key := c.keys.Command(id)
	for range ackAttempts {
		ok, err := c.cache.HCompareAndSet(ctx, key, fieldStatus, ackOverwritable, fields)
		if err != nil || ok {
			return ok, err
		}
		ok, err = c.cache.HCompareAndSet(ctx, key, fieldStatus, absent, fields)
		if err != nil {
			return false, err
		}
		if ok {
			c.logger.Debug("command_ack_unknown", slog.String("command_id", id))
			return true, c.cache.Expire(ctx, key, c.orphanTTL)
		}
	}
	return false, nil
}

// Status returns the fast-path view of a command, falling back to the
// durable record when the cache has no entry.
func (c *Coordinator) Status(ctx context.Context, id string) (View, error) {
	fields, err := c.cache.HGetAll(ctx, c.keys.Command(id))
	if err != nil {
		c.metrics.RecordError(otel.ErrorCache)
		c.logger.Warn("command_status_cache_failed",
			slog.String("command_id", id),
			slog.String("error", err.Error()))
	}
	if err == nil && len(fields) > 0 {
		return viewFromHash(id, fields), nil
	}

	rec, err := c.store.GetCommand(ctx, id)
	if err != nil {
		return View{}, err
	}
	return View{
		ID:        rec.ID,
		VehicleID: rec.VehicleID,
		OrgID:     rec.OrgID,
		Command:   rec.Command,
		Status:    rec.Status,
		IssuedAt:  rec.IssuedAt,
		AckAt:     rec.AcknowledgedAt,
	}, nil
}

func viewFromHash(id string, f map[string]string) View {
	v := View{
		ID:        id,
		VehicleID: f[fieldVehicleID],
		OrgID:     f[fieldOrgID],
		Command:   Type(f[fieldCommand]),
		Status:    Status(f[fieldStatus]),
		Message:   f[fieldMessage],
		Cached:    true,
	}
	v.ResultCode, _ = strconv.Atoi(f[fieldResultCode])
	v.IssuedAt, _ = time.Parse(time.RFC3339Nano, f[fieldIssuedAt])
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, f[fieldUpdatedAt])
	if t, err := time.Parse(time.RFC3339Nano, f[fieldAckAt]); err == nil {
		v.AckAt = &t
	}
	return v
}

func (c *Coordinator) emit(ctx context.Context, org, vehicleID string, ev events.Event) {
	if c.hub != nil {
		if _, err := c.hub.BroadcastJSON(ctx, ev.Wrap(c.source), realtime.VehicleChannel(vehicleID), realtime.OrgChannel(org)); err != nil {
			c.metrics.RecordError(otel.ErrorRealtimeSend)
			c.logger.Warn("command_event_broadcast_failed",
				slog.String("event_type", ev.Type()),
				slog.String("error", err.Error()))
		}
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Debug("command_event_notify_failed",
				slog.String("event_type", ev.Type()),
				slog.String("error", err.Error()))
		}
	}
}

// Close stops pending timeout watchers and waits for them to return.
func (c *Coordinator) Close() {
	c.cancel()
	c.watchers.Wait()
}
