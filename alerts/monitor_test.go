// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/aerocommand/alerts"
	"github.com/absmach/aerocommand/bus"
	"github.com/absmach/aerocommand/cache"
	cachemem "github.com/absmach/aerocommand/cache/memory"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/realtime"
	"github.com/absmach/aerocommand/store/memory"
	"github.com/absmach/aerocommand/telemetry"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink down")

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []events.AlertRaised
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, a events.AlertRaised) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

func (s *recordingSink) alerts() []events.AlertRaised {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.AlertRaised(nil), s.got...)
}

type panickingSink struct{}

func (panickingSink) Name() string { return "panics" }

func (panickingSink) Send(context.Context, events.AlertRaised) error { panic("boom") }

type downCache struct {
	cache.Cache
}

func (downCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}

func lowBatteryFrame(vehicle string) telemetry.Frame {
	return telemetry.Frame{
		VehicleID: vehicle,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		GPS:       telemetry.GPS{Lat: 0.5, Lng: 0.5, Alt: 50, FixType: 3},
		Battery:   telemetry.Battery{Voltage: 10.2, Remaining: 12},
	}
}

func seedRules(t *testing.T, st *memory.Store) {
	t.Helper()
	err := st.PutRule(context.Background(), alerts.Rule{
		ID:              "r-low",
		OrgID:           "o1",
		Name:            "Low battery",
		Enabled:         true,
		Category:        alerts.CategoryBattery,
		Severity:        alerts.SeverityCritical,
		Condition:       alerts.Condition{Field: "battery.remaining", Operator: alerts.OpLt, Value: 20},
		CooldownSeconds: 60,
	})
	require.NoError(t, err)
}

func newMonitor(t *testing.T, c cache.Cache, sinks ...alerts.Sink) (*alerts.Monitor, *memory.Store) {
	t.Helper()
	st := memory.New()
	seedRules(t, st)
	m, err := alerts.NewMonitor(config.Default().Alerts, st, c, sinks,
		alerts.WithMonitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return m, st
}

func TestMonitorRaisesAlert(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m, _ := newMonitor(t, cachemem.New(), sink)

	m.Process(context.Background(), "o1", lowBatteryFrame("v1"))

	got := sink.alerts()
	require.Len(t, got, 1)
	a := got[0]
	assert.NotEmpty(t, a.AlertID)
	assert.Equal(t, "o1", a.OrgID)
	assert.Equal(t, "v1", a.VehicleID)
	assert.Equal(t, "critical", a.Severity)
	assert.Equal(t, "battery", a.Category)
	assert.Equal(t, "Low battery", a.Title)
	assert.Equal(t, "aerocommand/o1/alert/v1/battery", a.AlertTopic)
	assert.Equal(t, 12.0, a.Metadata["value"])
}

func TestMonitorCooldownSuppressesRepeats(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := cachemem.NewWithClock(clock)
	sink := &recordingSink{name: "rec"}
	st := memory.New()
	seedRules(t, st)
	m, err := alerts.NewMonitor(config.Default().Alerts, st, c, []alerts.Sink{sink},
		alerts.WithMonitorClock(clock),
		alerts.WithMonitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	ctx := context.Background()
	m.Process(ctx, "o1", lowBatteryFrame("v1"))
	m.Process(ctx, "o1", lowBatteryFrame("v1"))
	assert.Len(t, sink.alerts(), 1, "second frame within cooldown")

	// Another vehicle has its own marker.
	m.Process(ctx, "o1", lowBatteryFrame("v2"))
	assert.Len(t, sink.alerts(), 2)

	now = now.Add(61 * time.Second)
	m.Process(ctx, "o1", lowBatteryFrame("v1"))
	assert.Len(t, sink.alerts(), 3, "cooldown elapsed")
}

func TestMonitorZonesUseDefaultCooldown(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m, st := newMonitor(t, cachemem.New(), sink)
	radius := 100.0
	require.NoError(t, st.PutZone(context.Background(), alerts.Zone{
		ID:          "z1",
		OrgID:       "o1",
		Name:        "Yard",
		Type:        alerts.ZoneCircle,
		Coordinates: [][]float64{{10, 10}},
		Radius:      &radius,
		Action:      "rtl",
		Enabled:     true,
	}))

	m.Process(context.Background(), "o1", lowBatteryFrame("v1"))
	m.Process(context.Background(), "o1", lowBatteryFrame("v1"))

	got := sink.alerts()
	require.Len(t, got, 2)
	categories := []string{got[0].Category, got[1].Category}
	assert.ElementsMatch(t, []string{"battery", "geofence"}, categories)
}

func TestMonitorCacheDownFailsOpen(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m, _ := newMonitor(t, downCache{Cache: cachemem.New()}, sink)

	m.Process(context.Background(), "o1", lowBatteryFrame("v1"))
	m.Process(context.Background(), "o1", lowBatteryFrame("v1"))
	assert.Len(t, sink.alerts(), 2)
}

func TestMonitorSinkIsolation(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errSink}
	last := &recordingSink{name: "last"}
	m, _ := newMonitor(t, nil, failing, panickingSink{}, last)

	require.NotPanics(t, func() {
		m.Process(context.Background(), "o1", lowBatteryFrame("v1"))
	})
	assert.Len(t, failing.alerts(), 1)
	assert.Len(t, last.alerts(), 1)
}

func TestMonitorOtherOrgHasNoRules(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m, _ := newMonitor(t, nil, sink)
	m.Process(context.Background(), "o2", lowBatteryFrame("v1"))
	assert.Empty(t, sink.alerts())
}

func TestNewMonitorRequiresRules(t *testing.T) {
	_, err := alerts.NewMonitor(config.Default().Alerts, nil, nil, nil)
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleAlert() events.AlertRaised {
	return events.AlertRaised{
		AlertID:    "a1",
		OrgID:      "o1",
		VehicleID:  "v1",
		Severity:   "warning",
		Category:   "battery",
		Title:      "Low battery",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		AlertTopic: "aerocommand/o1/alert/v1/battery",
	}
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	s := alerts.NewKafkaSinkWithWriter(w, "aerocommand")
	assert.Equal(t, "kafka", s.Name())

	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("v1"), msg.Key)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "event_type", Value: []byte(events.TypeAlertRaised)})
	assert.Contains(t, msg.Headers, kafka.Header{Key: "org_id", Value: []byte("o1")})

	var env struct {
		EventType string         `json:"event_type"`
		Source    string         `json:"source"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, events.TypeAlertRaised, env.EventType)
	assert.Equal(t, "aerocommand", env.Source)
	assert.Equal(t, "a1", env.Data["id"])

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := alerts.NewKafkaSink(config.KafkaConfig{AlertTopic: "alerts"}, "aerocommand")
	assert.Error(t, err)

	s, err := alerts.NewKafkaSink(config.KafkaConfig{Brokers: []string{"localhost:9092"}, AlertTopic: "alerts"}, "aerocommand")
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

type fakePublisher struct {
	topic string
	v     any
}

func (p *fakePublisher) PublishJSON(topic string, v any, _ ...bus.PublishOption) error {
	p.topic, p.v = topic, v
	return nil
}

func TestBusSink(t *testing.T) {
	pub := &fakePublisher{}
	s := alerts.NewBusSink(pub)
	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	assert.Equal(t, "aerocommand/o1/alert/v1/battery", pub.topic)
	assert.Equal(t, sampleAlert(), pub.v)
}

type viewer struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (v *viewer) Send(_ context.Context, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = append(v.msgs, data)
	return nil
}

func (v *viewer) Close() error { return nil }

func TestRealtimeSink(t *testing.T) {
	hub := realtime.NewHub(time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	alertsViewer, orgViewer := &viewer{}, &viewer{}
	hub.Connect(alertsViewer, realtime.AlertsChannel("o1"))
	hub.Connect(orgViewer, realtime.OrgChannel("o1"))

	require.NoError(t, alerts.NewRealtimeSink(hub).Send(context.Background(), sampleAlert()))

	require.Len(t, alertsViewer.msgs, 1)
	assert.Empty(t, orgViewer.msgs)
	var msg struct {
		Type      string         `json:"type"`
		VehicleID string         `json:"vehicle_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(alertsViewer.msgs[0], &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "v1", msg.VehicleID)
	assert.Equal(t, "Low battery", msg.Data["title"])
}

type fakeNotifier struct {
	got []events.Event
	err error
}

func (n *fakeNotifier) Notify(_ context.Context, ev events.Event) error {
	n.got = append(n.got, ev)
	return n.err
}

func (n *fakeNotifier) Close() error { return nil }

func TestNotifierSink(t *testing.T) {
	n := &fakeNotifier{}
	s := alerts.NewNotifierSink(n)
	assert.Equal(t, "webhook", s.Name())

	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	require.Len(t, n.got, 1)
	assert.Equal(t, sampleAlert(), n.got[0])

	n.err = errSink
	assert.ErrorIs(t, s.Send(context.Background(), sampleAlert()), errSink)
}
