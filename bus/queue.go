// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"sync"
)

// Message is an outbound publish waiting for the transport.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// queue is an unbounded FIFO with a single consumer. Items put back with
// pushFront are the next ones popped, so order survives a failed send.
type queue struct {
	mu     sync.Mutex
	items  []Message
	head   int
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pushBack(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) pushFront(m Message) {
	q.mu.Lock()
	if q.head > 0 {
		q.head--
		q.items[q.head] = m
	} else {
		q.items = append([]Message{m}, q.items...)
	}
	q.mu.Unlock()
	q.notify()
}

// pop blocks until a message is available or ctx is done.
func (q *queue) pop(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			m := q.items[q.head]
			q.items[q.head] = Message{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.mu.Unlock()
			return m, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
