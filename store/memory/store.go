// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process implementation of the durable sinks:
// command records, telemetry history, the vehicle directory and alert rules.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/absmach/aerocommand/alerts"
	"github.com/absmach/aerocommand/command"
	"github.com/absmach/aerocommand/store"
	"github.com/absmach/aerocommand/telemetry"
)

var (
	_ command.Store       = (*Store)(nil)
	_ telemetry.Store     = (*Store)(nil)
	_ telemetry.Directory = (*Store)(nil)
	_ alerts.RuleSource   = (*Store)(nil)
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu        sync.RWMutex
	commands  map[string]command.Record
	telemetry map[string][]telemetry.Frame // vehicle → frames ordered by timestamp
	vehicles  map[string]string            // vehicle → org
	rules     map[string]map[string]alerts.Rule
	zones     map[string]map[string]alerts.Zone
}

// New creates an empty store.
func New() *Store {
	return &Store{
		commands:  make(map[string]command.Record),
		telemetry: make(map[string][]telemetry.Frame),
		vehicles:  make(map[string]string),
		rules:     make(map[string]map[string]alerts.Rule),
		zones:     make(map[string]map[string]alerts.Zone),
	}
}

// CreateCommand stores a new record.
func (s *Store) CreateCommand(ctx context.Context, rec command.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[rec.ID]; ok {
		return fmt.Errorf("%w: command %s", store.ErrAlreadyExists, rec.ID)
	}
	rec.Params = maps.Clone(rec.Params)
	s.commands[rec.ID] = rec
	return nil
}

// UpdateCommandStatus moves a record along a valid state machine edge.
func (s *Store) UpdateCommandStatus(ctx context.Context, id string, status command.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.commands[id]
	if !ok {
		return store.ErrNotFound
	}
	if !command.ValidTransition(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, rec.Status, status)
	}
	rec.Status = status
	switch {
	case status == command.StatusAcknowledged || status == command.StatusAccepted:
		if rec.AcknowledgedAt == nil {
			rec.AcknowledgedAt = &at
		}
	case status.Terminal():
		rec.CompletedAt = &at
	}
	s.commands[id] = rec
	return nil
}

// GetCommand returns a record by id.
func (s *Store) GetCommand(ctx context.Context, id string) (command.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.commands[id]
	if !ok {
		return command.Record{}, store.ErrNotFound
	}
	rec.Params = maps.Clone(rec.Params)
	return rec, nil
}

// AppendTelemetry inserts f keeping each vehicle's series ordered by
// timestamp; frames arriving out of order are placed, not rejected.
func (s *Store) AppendTelemetry(ctx context.Context, f telemetry.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.telemetry[f.VehicleID]
	i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(f.Timestamp) })
	series = append(series, telemetry.Frame{})
	copy(series[i+1:], series[i:])
	series[i] = f
	s.telemetry[f.VehicleID] = series
	return nil
}

// TelemetryHistory returns up to limit frames in [from, to], oldest first.
func (s *Store) TelemetryHistory(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]telemetry.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []telemetry.Frame{}
	for _, f := range s.telemetry[vehicleID] {
		if f.Timestamp.Before(from) || f.Timestamp.After(to) {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PutVehicle assigns a vehicle to an org.
func (s *Store) PutVehicle(ctx context.Context, vehicleID, org string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[vehicleID] = org
	return nil
}

// VehicleOrg returns the org owning vehicleID.
func (s *Store) VehicleOrg(ctx context.Context, vehicleID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.vehicles[vehicleID]
	if !ok {
		return "", store.ErrNotFound
	}
	return org, nil
}

// PutRule validates and stores a rule.
func (s *Store) PutRule(ctx context.Context, r alerts.Rule) error {
	if err := alerts.ValidateRule(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules[r.OrgID] == nil {
		s.rules[r.OrgID] = make(map[string]alerts.Rule)
	}
	s.rules[r.OrgID][r.ID] = r
	return nil
}

// PutZone validates and stores a zone.
func (s *Store) PutZone(ctx context.Context, z alerts.Zone) error {
	if err := alerts.ValidateZone(z); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zones[z.OrgID] == nil {
		s.zones[z.OrgID] = make(map[string]alerts.Zone)
	}
	s.zones[z.OrgID][z.ID] = z
	return nil
}

// ActiveRules returns the enabled rules of org ordered by id.
func (s *Store) ActiveRules(ctx context.Context, org string) ([]alerts.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alerts.Rule, 0, len(s.rules[org]))
	for _, r := range s.rules[org] {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveZones returns the enabled zones of org ordered by id.
func (s *Store) ActiveZones(ctx context.Context, org string) ([]alerts.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alerts.Zone, 0, len(s.zones[org]))
	for _, z := range s.zones[org] {
		if z.Enabled {
			out = append(out, z)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
