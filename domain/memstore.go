// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

package domain

import (
	"sort"
	"sync"
	"time"
)

// MemStore is the default, in-process Store implementation: plain maps
// guarded by a single RWMutex. It is what the test suite and a
// single-process deployment without Postgres run against; PgStore
// (pgstore.go) implements the same interface for a clustered deployment.
//
// Every Tx method here is lock-free (it assumes the caller already holds
// mu appropriately), and the same methods serve as the top-level Store
// methods, so a direct top-level call takes no lock either. View/Update
// are the only things that actually lock, so a multi-step Update never
// deadlocks re-entering its own lock.
type MemStore struct {
	mu sync.RWMutex

	trains      map[int]Train
	sections    map[int]Section
	controllers map[int]Controller

	latestPosition map[int]PositionReport
	occupancies    []OccupancyRecord // open and closed; closed ones retained for history

	conflicts     map[string]Conflict
	decisions     map[string]Decision
	decisionOrder []string
}

func NewMemStore() *MemStore {
	return &MemStore{
		trains:         make(map[int]Train),
		sections:       make(map[int]Section),
		controllers:    make(map[int]Controller),
		latestPosition: make(map[int]PositionReport),
		conflicts:      make(map[string]Conflict),
		decisions:      make(map[string]Decision),
	}
}

var _ Store = (*MemStore)(nil)

// -- Tx surface (unlocked; also the top-level Store methods, so only
// calls made through View/Update hold mu) --

func (m *MemStore) Train(id int) (Train, error) {
	t, ok := m.trains[id]
	if !ok {
		return Train{}, NewError(NotFound, "train %d not found", id)
	}
	return t, nil
}

func (m *MemStore) Trains() ([]Train, error) {
	out := make([]Train, 0, len(m.trains))
	for _, t := range m.trains {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpsertTrain(t Train) error {
	m.trains[t.ID] = t
	return nil
}

func (m *MemStore) DeleteTrain(id int) error {
	delete(m.trains, id)
	delete(m.latestPosition, id)
	return nil
}

func (m *MemStore) Section(id int) (Section, error) {
	s, ok := m.sections[id]
	if !ok {
		return Section{}, NewError(NotFound, "section %d not found", id)
	}
	return s, nil
}

func (m *MemStore) Sections() ([]Section, error) {
	out := make([]Section, 0, len(m.sections))
	for _, s := range m.sections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpsertSection(s Section) error {
	m.sections[s.ID] = s
	return nil
}

func (m *MemStore) Controller(id int) (Controller, error) {
	c, ok := m.controllers[id]
	if !ok {
		return Controller{}, NewError(NotFound, "controller %d not found", id)
	}
	return c, nil
}

func (m *MemStore) UpsertController(c Controller) error {
	m.controllers[c.ID] = c
	return nil
}

func (m *MemStore) LatestPosition(trainID int) (PositionReport, bool, error) {
	p, ok := m.latestPosition[trainID]
	return p, ok, nil
}

func (m *MemStore) AppendPosition(p PositionReport) error {
	m.latestPosition[p.TrainID] = p
	return nil
}

func (m *MemStore) OpenOccupancy(sectionID, trainID int, entryTime time.Time, expectedExit *time.Time) error {
	m.occupancies = append(m.occupancies, OccupancyRecord{
		SectionID:        sectionID,
		TrainID:          trainID,
		EntryTime:        entryTime,
		ExpectedExitTime: expectedExit,
	})
	return nil
}

func (m *MemStore) CloseOccupancy(sectionID, trainID int, exitTime time.Time) error {
	for i := range m.occupancies {
		o := &m.occupancies[i]
		if o.SectionID == sectionID && o.TrainID == trainID && o.Live() {
			et := exitTime
			o.ExitTime = &et
			return nil
		}
	}
	return nil
}

func (m *MemStore) OpenOccupanciesInSection(sectionID int) ([]OccupancyRecord, error) {
	var out []OccupancyRecord
	for _, o := range m.occupancies {
		if o.Live() && o.SectionID == sectionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemStore) OpenOccupancies() ([]OccupancyRecord, error) {
	var out []OccupancyRecord
	for _, o := range m.occupancies {
		if o.Live() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemStore) Conflict(id string) (Conflict, bool, error) {
	c, ok := m.conflicts[id]
	return c, ok, nil
}

func (m *MemStore) SaveConflict(c Conflict) error {
	m.conflicts[c.ID] = c
	return nil
}

func (m *MemStore) ActiveConflicts() ([]Conflict, error) {
	var out []Conflict
	for _, c := range m.conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemStore) Decision(id string) (Decision, bool, error) {
	d, ok := m.decisions[id]
	return d, ok, nil
}

func (m *MemStore) SaveDecision(d Decision) error {
	if _, exists := m.decisions[d.ID]; !exists {
		m.decisionOrder = append(m.decisionOrder, d.ID)
	}
	m.decisions[d.ID] = d
	return nil
}

func (m *MemStore) QueryDecisions(f DecisionFilter) ([]Decision, int, error) {
	var matched []Decision
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		if f.ControllerID != nil && d.ControllerID != *f.ControllerID {
			continue
		}
		if f.TrainID != nil && (d.TrainID == nil || *d.TrainID != *f.TrainID) {
			continue
		}
		if f.ConflictID != nil && (d.ConflictID == nil || *d.ConflictID != *f.ConflictID) {
			continue
		}
		if f.Action != nil && d.Action != *f.Action {
			continue
		}
		if f.Since != nil && d.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && d.Timestamp.After(*f.Until) {
			continue
		}
		matched = append(matched, d)
	}
	total := len(matched)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	offset, limit := f.Offset, f.Limit
	if limit <= 0 {
		limit = 100
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (m *MemStore) Snapshot() (Snapshot, error) {
	trains := make(map[int]Train, len(m.trains))
	for k, v := range m.trains {
		trains[k] = v
	}
	sections := make(map[int]Section, len(m.sections))
	for k, v := range m.sections {
		sections[k] = v
	}
	occ := make([]OccupancyRecord, len(m.occupancies))
	copy(occ, m.occupancies)
	return Snapshot{Now: time.Now().UTC(), Trains: trains, Sections: sections, Occupancies: occ}, nil
}

// -- locking Store surface --

func (m *MemStore) View(fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m)
}

func (m *MemStore) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}
