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

// Package predictor implements PredictPath (§4.2): a pure function over a
// domain.Snapshot that projects a train's remaining section-by-section
// path and the entry/exit time at each section.
package predictor

import (
	"time"

	"github.com/ts2/railctl/domain"
)

// Leg is one predicted section occupancy: the train is expected to enter
// at EntryTime and leave at ExitTime.
type Leg struct {
	SectionID int
	EntryTime time.Time
	ExitTime  time.Time
}

// Config bundles the §6.4 tunables this package reads.
type Config struct {
	DefaultHorizon   time.Duration // default 60 min
	TravelTimeMargin float64       // multiplicative margin applied to section traversal time
}

func (c Config) withDefaults() Config {
	if c.DefaultHorizon <= 0 {
		c.DefaultHorizon = 60 * time.Minute
	}
	if c.TravelTimeMargin <= 0 {
		c.TravelTimeMargin = 1.1
	}
	return c
}

// Predictor projects trains' future section occupancy over a snapshot.
// It holds no mutable state: every call is a pure function of its
// arguments, as required by the detector's reproducibility contract.
type Predictor struct {
	cfg Config
}

func New(cfg Config) *Predictor {
	return &Predictor{cfg: cfg.withDefaults()}
}

// PredictPath returns the ordered list of sections train is expected to
// traverse starting now, up to horizon (or the configured default if
// horizon <= 0). If the caller passes a non-empty route, the legs follow
// it; otherwise heuristicContinuation supplies the path, starting with
// the train's current section.
func (pr *Predictor) PredictPath(snap domain.Snapshot, trainID int, horizon time.Duration, route []int) ([]Leg, error) {
	if horizon <= 0 {
		horizon = pr.cfg.DefaultHorizon
	}
	train, ok := snap.Trains[trainID]
	if !ok {
		return nil, domain.NewError(domain.NotFound, "train %d not found in snapshot", trainID)
	}
	if train.CurrentSectionID == nil {
		return nil, nil
	}

	deadline := snap.Now.Add(horizon)
	sections := route
	if len(sections) == 0 {
		sections = pr.heuristicContinuation(snap, *train.CurrentSectionID)
	}

	var legs []Leg
	cursor := snap.Now
	entryOffset := pr.entryOffsetInCurrentSection(snap, train)
	for i, sectionID := range sections {
		section, ok := snap.Sections[sectionID]
		if !ok {
			break
		}
		entry := cursor
		if i == 0 {
			entry = cursor.Add(-entryOffset)
			if entry.Before(snap.Now) {
				entry = snap.Now
			}
		}
		if entry.After(deadline) {
			break
		}
		speed := minPositive(train.MaxSpeed, section.MaxSpeed)
		if speed <= 0 {
			speed = 1
		}
		hours := (section.Length / speed) * pr.cfg.TravelTimeMargin
		exit := entry.Add(time.Duration(hours * float64(time.Hour)))
		if exit.After(deadline) {
			exit = deadline
		}
		legs = append(legs, Leg{SectionID: sectionID, EntryTime: entry, ExitTime: exit})
		cursor = exit
		if !exit.Before(deadline) {
			break
		}
	}
	return legs, nil
}

// heuristicContinuation is used when a train has no remaining scheduled
// route: stay in the current section (§4.2), optionally extending into
// an adjacent section if the topology offers exactly one so the horizon
// isn't wasted on a single, already-occupied leg.
func (pr *Predictor) heuristicContinuation(snap domain.Snapshot, currentSectionID int) []int {
	path := []int{currentSectionID}
	visited := map[int]bool{currentSectionID: true}
	cursor := currentSectionID
	for len(path) < 8 {
		section, ok := snap.Sections[cursor]
		if !ok || len(section.AdjacentSectionIDs) != 1 {
			break
		}
		next := section.AdjacentSectionIDs[0]
		if visited[next] {
			break
		}
		path = append(path, next)
		visited[next] = true
		cursor = next
	}
	return path
}

// entryOffsetInCurrentSection estimates how long the train has already
// been in its current section from the entry time of its live occupancy
// there (0 if there is none). PredictPath clamps the first leg's entry
// to no earlier than snap.Now.
func (pr *Predictor) entryOffsetInCurrentSection(snap domain.Snapshot, train domain.Train) time.Duration {
	for _, o := range snap.Occupancies {
		if o.Live() && o.TrainID == train.ID && train.CurrentSectionID != nil && o.SectionID == *train.CurrentSectionID {
			return snap.Now.Sub(o.EntryTime)
		}
	}
	return 0
}

func minPositive(a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
