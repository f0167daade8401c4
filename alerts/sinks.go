// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/aerocommand/bus"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/events"
	"github.com/absmach/aerocommand/notify"
	"github.com/absmach/aerocommand/realtime"
	"github.com/segmentio/kafka-go"
)

// Broadcaster pushes a payload to live viewer channels.
type Broadcaster interface {
	BroadcastJSON(ctx context.Context, v any, channels ...string) (int, error)
}

// Publisher queues a message on the bus.
type Publisher interface {
	PublishJSON(topic string, v any, opts ...bus.PublishOption) error
}

// RealtimeSink pushes alerts to the alerts:{org} channel.
type RealtimeSink struct {
	hub Broadcaster
}

func NewRealtimeSink(hub Broadcaster) *RealtimeSink {
	return &RealtimeSink{hub: hub}
}

func (s *RealtimeSink) Name() string { return "realtime" }

func (s *RealtimeSink) Send(ctx context.Context, alert events.AlertRaised) error {
	msg := realtime.Message{Type: "alert", VehicleID: alert.VehicleID, Data: alert}
	_, err := s.hub.BroadcastJSON(ctx, msg, realtime.AlertsChannel(alert.OrgID))
	return err
}

// BusSink republishes alerts on the vehicle's alert topic.
type BusSink struct {
	pub Publisher
}

func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Send(_ context.Context, alert events.AlertRaised) error {
	return s.pub.PublishJSON(alert.AlertTopic, alert)
}

// NotifierSink hands alerts to a notifier such as the webhook notifier.
type NotifierSink struct {
	notifier notify.Notifier
}

func NewNotifierSink(n notify.Notifier) *NotifierSink {
	return &NotifierSink{notifier: n}
}

func (s *NotifierSink) Name() string { return "webhook" }

func (s *NotifierSink) Send(ctx context.Context, alert events.AlertRaised) error {
	return s.notifier.Notify(ctx, alert)
}

// MessageWriter is the subset of *kafka.Writer the Kafka sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports alert envelopes to a Kafka topic keyed by vehicle, so
// alerts of one vehicle stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
	source string
}

// NewKafkaSink creates a sink writing to cfg.AlertTopic.
func NewKafkaSink(cfg config.KafkaConfig, source string) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.AlertTopic == "" {
		return nil, errors.New("kafka sink requires brokers and an alert topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
	}
	return NewKafkaSinkWithWriter(w, source), nil
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, source string) *KafkaSink {
	return &KafkaSink{writer: w, source: source}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, alert events.AlertRaised) error {
	value, err := json.Marshal(alert.Wrap(s.source))
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.VehicleID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(alert.Type())},
			{Key: "org_id", Value: []byte(alert.OrgID)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
