// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package command

// transitions lists the allowed forward edges. TIMEOUT is reachable from
// every non-terminal state and is handled separately.
var transitions = map[Status][]Status{
	StatusPending:      {StatusSent},
	StatusSent:         {StatusAcknowledged, StatusAccepted, StatusRejected, StatusInProgress},
	StatusAcknowledged: {StatusAccepted, StatusRejected, StatusInProgress, StatusCompleted, StatusFailed},
	StatusAccepted:     {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress:   {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusAcknowledged, StatusAccepted, StatusRejected,
		StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Reportable reports whether a vehicle may send s in an acknowledgment.
func (s Status) Reportable() bool {
	switch s {
	case StatusAcknowledged, StatusAccepted, StatusRejected, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidTransition reports whether a record may move from one status to another.
func ValidTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusTimeout {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var statuses = []Status{
	StatusPending, StatusSent, StatusAcknowledged, StatusAccepted, StatusRejected,
	StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout,
}

// AllowedFrom returns every status that may move to to.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, s := range statuses {
		if ValidTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// ackOverwritable lists the cached statuses an acknowledgment may replace.
// A late ack overrides the advisory TIMEOUT but never another terminal state.
var ackOverwritable = []string{
	string(StatusPending),
	string(StatusSent),
	string(StatusAcknowledged),
	string(StatusAccepted),
	string(StatusInProgress),
	string(StatusTimeout),
}

// timeoutFrom lists the cached statuses the timeout watcher may replace.
var timeoutFrom = []string{string(StatusPending), string(StatusSent)}

// absent matches a missing entry or field in a compare-and-set.
var absent = []string{""}

// ackAttempts bounds how often an ack chases an entry that keeps changing
// under it.
const ackAttempts = 3

// sentFrom lists the cached states the fast-path SENT write may replace;
// "" is an absent entry.
var sentFrom = []string{"", string(StatusPending)}
