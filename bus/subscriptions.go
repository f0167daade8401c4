// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"

	"github.com/absmach/aerocommand/topics"
)

type subscription struct {
	pattern string
	qos     byte
	handler Handler
}

// registry keeps subscriptions in registration order. Order decides which
// handler wins when several patterns match the same topic.
type registry struct {
	mu   sync.RWMutex
	subs []subscription
}

// add appends a subscription. Re-registering a pattern replaces its handler
// and QoS but keeps its original position.
func (r *registry) add(s subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].pattern == s.pattern {
			r.subs[i] = s
			return
		}
	}
	r.subs = append(r.subs, s)
}

func (r *registry) remove(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].pattern == pattern {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// match returns the first subscription whose pattern matches topic.
func (r *registry) match(topic string) (subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if topics.TopicMatch(s.pattern, topic) {
			return s, true
		}
	}
	return subscription{}, false
}

func (r *registry) snapshot() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subscription, len(r.subs))
	copy(out, r.subs)
	return out
}
