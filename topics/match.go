// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Wildcard levels.
const (
	SingleLevel = "+"
	MultiLevel  = "#"
	Separator   = "/"
)

// TopicMatch checks if the topic matches the given filter according to MQTT wildcard rules.
// Rules:
// - filter can contain '+' (exactly one level) and '#' (the remainder, at the end).
// - topic must not contain wildcards.
// - '$' prefix topics only match filters that start with '$' explicitly.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	if strings.HasPrefix(topic, "$") {
		if filterLevels[0] == SingleLevel || filterLevels[0] == MultiLevel {
			return false
		}
	}

	for i, fLevel := range filterLevels {
		// '#' matches the parent level and all children.
		if fLevel == MultiLevel {
			return true
		}

		if i >= len(topicLevels) {
			return false
		}

		if fLevel == SingleLevel {
			continue
		}

		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
