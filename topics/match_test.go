// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/absmach/aerocommand/topics"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"root/+/telemetry/+/raw", "root/org1/telemetry/v1/raw", true},
		{"root/org1/telemetry/v1", "root/org1/telemetry/v1/raw", false},
		{"root/org1/telemetry/#", "root/org1/telemetry/v1/raw", true},
		{"root/org1/telemetry/#", "root/org1/telemetry", true},
		{"root/+/command/+/ack", "root/org1/telemetry/v1/ack", false},
		{"root/+/telemetry/+/raw", "root/org1/telemetry/v1/raw/extra", false},
		{"foo/bar", "foo/bar", true},
		{"foo/+", "foo/bar", true},
		{"foo/+", "foo", false},
		{"foo/+", "foo/bar/baz", false},
		{"foo/#", "foo/bar/baz", true},
		{"#", "foo/bar", true},
		{"+/+", "foo/bar", true},
		{"+/+", "foo/bar/baz", false},
		{"$SYS/#", "$SYS/monitor/Clients", true},
		{"#", "$SYS/monitor/Clients", false},
		{"+/monitor/Clients", "$SYS/monitor/Clients", false},
		{"foo/bar", "foo/baz", false},
		{"", "foo", false},
		{"foo", "", false},
	}

	for _, tt := range tests {
		if got := topics.TopicMatch(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatch(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

// referenceMatch restates the level-by-level rule independently.
func referenceMatch(filter, topic string) bool {
	f := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i := range f {
		if f[i] == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f[i] != "+" && f[i] != tl[i] {
			return false
		}
	}
	return len(f) == len(tl)
}

func TestTopicMatchAgreesWithLevelRule(t *testing.T) {
	alphabet := []string{"a", "b", "c"}
	rng := rand.New(rand.NewSource(42))

	randomLevels := func(n int, wild bool) []string {
		levels := make([]string, n)
		for i := range levels {
			levels[i] = alphabet[rng.Intn(len(alphabet))]
			if wild && rng.Intn(4) == 0 {
				levels[i] = "+"
			}
		}
		if wild && n > 0 && rng.Intn(5) == 0 {
			levels[n-1] = "#"
		}
		return levels
	}

	for i := 0; i < 2000; i++ {
		topic := strings.Join(randomLevels(1+rng.Intn(5), false), "/")
		filter := strings.Join(randomLevels(1+rng.Intn(5), true), "/")
		if got, want := topics.TopicMatch(filter, topic), referenceMatch(filter, topic); got != want {
			t.Fatalf("TopicMatch(%q, %q) = %v, want %v", filter, topic, got, want)
		}
	}
}
