// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName  = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidFilter     = errors.New("invalid topic filter")
	ErrInvalidAddress    = errors.New("topic does not follow root/{org}/{domain}/{vehicle}/{sub}")
	ErrUnknownDomain     = errors.New("unknown topic domain")
	ErrEmptyTopicSegment = errors.New("topic segment cannot be empty")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.Contains(topic, "\u0000") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a subscription pattern. Wildcards must occupy a whole
// level and '#' may only appear as the last level.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.Contains(filter, "\u0000") {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		switch {
		case level == MultiLevel:
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case level == SingleLevel:
		case strings.ContainsAny(level, SingleLevel+MultiLevel):
			return ErrInvalidFilter
		}
	}
	return nil
}
