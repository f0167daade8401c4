// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "sync/atomic"

// State represents the client connection state.
type State uint32

// Client states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// transition moves to the new state unless the client is closed.
// Closed is terminal and only reachable through close.
func (sm *stateManager) transition(to State) bool {
	for {
		cur := sm.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if sm.state.CompareAndSwap(cur, uint32(to)) {
			return true
		}
	}
}

// close marks the client closed and reports whether this call did so.
func (sm *stateManager) close() bool {
	return State(sm.state.Swap(uint32(StateClosed))) != StateClosed
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
