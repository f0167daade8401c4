// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/aerocommand/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.AsString()
	}
	return out
}

func TestServiceAttributes(t *testing.T) {
	svc := config.ServiceConfig{Name: "aerocommand", InstanceID: "gw-1", TopicRoot: "fleet"}

	got := attrMap(serviceAttributes(config.OtelConfig{ServiceName: "ground", ServiceVersion: "1.2.0"}, svc))
	assert.Equal(t, map[string]string{
		"service.name":           "ground",
		"service.namespace":      "aerocommand",
		"service.instance.id":    "gw-1",
		"service.version":        "1.2.0",
		"aerocommand.topic_root": "fleet",
	}, got)

	got = attrMap(serviceAttributes(config.OtelConfig{}, svc))
	assert.Equal(t, "aerocommand", got["service.name"])
	assert.NotContains(t, got, "service.version")
}

func TestSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "command.dispatch",
	}

	assert.Equal(t, sdktrace.RecordAndSample, sampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(2).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(0).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(-1).ShouldSample(root).Decision)

	sampled := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
	})
	child := root
	child.ParentContext = trace.ContextWithSpanContext(context.Background(), sampled)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(0).ShouldSample(child).Decision)
}

func TestSetupWithoutExporters(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OtelConfig{Enabled: true}, config.ServiceConfig{Name: "aerocommand"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer("command").Start(context.Background(), "command.dispatch")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}
