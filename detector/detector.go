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

// Package detector implements the Conflict Detector (§4.2): a pure
// function over a domain.Snapshot plus predicted paths that emits the
// four conflict rules, scores their severity, and proposes resolution
// suggestions. It mirrors the candidate-generation/scoring shape of the
// teacher's suggestion engine but over railway occupancy instead of
// route/signal state.
package detector

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/predictor"
)

// Weights are the severity-score coefficients of §4.2 (sum = 10).
type Weights struct {
	Time   float64
	Prio   float64
	Pax    float64
	Net    float64
	Safety float64
}

func defaultWeights() Weights {
	return Weights{Time: 3, Prio: 2, Pax: 2.5, Net: 1.5, Safety: 1}
}

// Config bundles the §6.4 tunables this package reads.
type Config struct {
	Weights          Weights
	AlertWindow      time.Duration // default 5 min
	PredictionWindow time.Duration // default 60 min
	JunctionWindow   time.Duration // default 2 min, rolling window for JUNCTION_CONFLICT
	SafetyBuffer     time.Duration // default 2 min, added to COLLISION_RISK delay suggestions
	DedupWindow      time.Duration // default 10 s, conflict identity rounding + re-detect window
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = defaultWeights()
	}
	if c.AlertWindow <= 0 {
		c.AlertWindow = 5 * time.Minute
	}
	if c.PredictionWindow <= 0 {
		c.PredictionWindow = 60 * time.Minute
	}
	if c.JunctionWindow <= 0 {
		c.JunctionWindow = 2 * time.Minute
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = 2 * time.Minute
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Second
	}
	return c
}

// predictedTrain is a train's projected path over the snapshot's horizon,
// plus the data the scoring and suggestion steps need.
type predictedTrain struct {
	train domain.Train
	legs  []predictor.Leg
}

// Detector is stateless: every DetectAll call is a pure function of its
// arguments (§4.2's reproducibility contract). existing is supplied by
// the caller (the Detection Scheduler) so the detector can apply the
// identity-based dedup/refine rule without owning the Store itself.
type Detector struct {
	cfg  Config
	pred *predictor.Predictor
}

func New(cfg Config, pred *predictor.Predictor) *Detector {
	return &Detector{cfg: cfg.withDefaults(), pred: pred}
}

// DetectAll runs the four conflict rules over snap and reconciles the
// result against existing (open conflicts known to the caller), applying
// the §4.2 identity/dedup rule: a re-detected conflict that matches an
// open one on type, trains and sections keeps its id and only refines
// severity_score, expected_impact_time, and suggestions.
func (d *Detector) DetectAll(snap domain.Snapshot, existing []domain.Conflict) []domain.Conflict {
	predicted := d.predictAll(snap)

	collisions, overlapBySignature := d.collisionRisk(snap, predicted)

	var raw []domain.Conflict
	raw = append(raw, d.sectionOverload(snap)...)
	raw = append(raw, collisions...)
	raw = append(raw, d.priorityConflict(snap, predicted)...)
	raw = append(raw, d.junctionConflict(snap, predicted)...)

	for i := range raw {
		d.score(&raw[i], snap)
		raw[i].Suggestions = d.suggest(raw[i], snap, overlapBySignature)
	}

	// Matching against already-open conflicts is done on the type/trains/
	// sections signature alone, NOT the rounded detection_time: the
	// scheduler (§4.3) feeds every currently-open conflict back in as
	// existing on every tick, and a conflict that is still live 30 s
	// (the default detection period, which exceeds the 10 s dedup
	// window) after it was first detected must still be refined in
	// place, not re-minted under a new id.
	bySignature := make(map[string]domain.Conflict, len(existing))
	for _, c := range existing {
		bySignature[signature(c.Type, c.TrainsInvolved, c.SectionsInvolved)] = c
	}

	out := make([]domain.Conflict, 0, len(raw))
	for _, c := range raw {
		sig := signature(c.Type, c.TrainsInvolved, c.SectionsInvolved)
		if prior, ok := bySignature[sig]; ok {
			c.ID = prior.ID
			c.DetectionTime = prior.DetectionTime
			c.ResolutionTime = prior.ResolutionTime
			c.ResolvedByControllerID = prior.ResolvedByControllerID
			c.AutoResolved = prior.AutoResolved
		} else {
			// Brand new: the rounded-time identity key makes two
			// independent DetectAll calls on the same underlying
			// condition within the dedup window agree on an id even
			// before either result has been persisted back as existing.
			c.DetectionTime = snap.Now
			c.ID = identityKey(c.Type, c.TrainsInvolved, c.SectionsInvolved, snap.Now, d.cfg.DedupWindow)
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SeverityScore != out[j].SeverityScore {
			return out[i].SeverityScore > out[j].SeverityScore
		}
		ti, tj := out[i].ExpectedImpactTime, out[j].ExpectedImpactTime
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func identityKey(typ domain.ConflictType, trains, sections []int, detectionTime time.Time, window time.Duration) string {
	rounded := detectionTime.Truncate(window)
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d", signature(typ, trains, sections), rounded.Unix())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// signature is the time-independent part of a conflict's identity
// (§4.2): type plus sorted participant sets. It is what open conflicts
// are reconciled on; the rounded detection_time only ever enters when
// minting the id of a conflict that has no open match yet.
func signature(typ domain.ConflictType, trains, sections []int) string {
	t := append([]int(nil), trains...)
	s := append([]int(nil), sections...)
	sort.Ints(t)
	sort.Ints(s)
	return fmt.Sprintf("%s|%v|%v", typ, t, s)
}

func (d *Detector) predictAll(snap domain.Snapshot) map[int]predictedTrain {
	out := make(map[int]predictedTrain, len(snap.Trains))
	for id, train := range snap.Trains {
		if !train.IsActive() || train.CurrentSectionID == nil {
			continue
		}
		legs, err := d.pred.PredictPath(snap, id, d.cfg.PredictionWindow, nil)
		if err != nil {
			continue
		}
		out[id] = predictedTrain{train: train, legs: legs}
	}
	return out
}

// sectionOverload is rule 1: |live occupancies in S| > S.capacity.
func (d *Detector) sectionOverload(snap domain.Snapshot) []domain.Conflict {
	bySection := make(map[int][]int)
	for _, o := range snap.Occupancies {
		if o.Live() {
			bySection[o.SectionID] = append(bySection[o.SectionID], o.TrainID)
		}
	}
	var out []domain.Conflict
	for sectionID, trains := range bySection {
		section, ok := snap.Sections[sectionID]
		if !ok || section.Capacity <= 0 {
			continue
		}
		if len(trains) > section.Capacity {
			sort.Ints(trains)
			out = append(out, domain.Conflict{
				Type:             domain.SectionOverload,
				TrainsInvolved:   trains,
				SectionsInvolved: []int{sectionID},
				Description:      fmt.Sprintf("section %d holds %d trains, capacity %d", sectionID, len(trains), section.Capacity),
			})
		}
	}
	return out
}

// collisionRisk is rule 2: two distinct trains whose predicted paths
// share a section within the prediction window, with overlapping
// [entry,exit] intervals in it. It also returns, keyed by each emitted
// conflict's signature, the actual overlap duration of the colliding
// legs — domain.Conflict itself carries no leg timing, so this is the
// only place that interval is available, and the suggestion pass
// (suggestCollisionRisk) looks it up by signature instead of
// recomputing it from scratch.
func (d *Detector) collisionRisk(snap domain.Snapshot, predicted map[int]predictedTrain) ([]domain.Conflict, map[string]time.Duration) {
	buckets := bucketBySection(predicted)
	var out []domain.Conflict
	overlapBySignature := make(map[string]time.Duration)
	for sectionID, entries := range buckets {
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				a, b := entries[i], entries[j]
				if a.trainID == b.trainID {
					continue
				}
				if !overlaps(a.entry, a.exit, b.entry, b.exit) {
					continue
				}
				impact := a.entry
				if b.entry.After(impact) {
					impact = b.entry
				}
				trains := sortedPair(a.trainID, b.trainID)
				out = append(out, domain.Conflict{
					Type:               domain.CollisionRisk,
					TrainsInvolved:     trains,
					SectionsInvolved:   []int{sectionID},
					ExpectedImpactTime: timePtr(impact),
					Description:        fmt.Sprintf("trains %d and %d predicted to share section %d", a.trainID, b.trainID, sectionID),
				})
				overlapBySignature[signature(domain.CollisionRisk, trains, []int{sectionID})] = intervalOverlap(a.entry, a.exit, b.entry, b.exit)
			}
		}
	}
	return out, overlapBySignature
}

// intervalOverlap returns the duration two closed-open intervals share,
// or zero if they don't overlap.
func intervalOverlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// priorityConflict is rule 3: a predicted shared single-capacity section
// where the lower-priority train arrives first and blocks the higher-
// priority one.
func (d *Detector) priorityConflict(snap domain.Snapshot, predicted map[int]predictedTrain) []domain.Conflict {
	buckets := bucketBySection(predicted)
	var out []domain.Conflict
	for sectionID, entries := range buckets {
		section, ok := snap.Sections[sectionID]
		if !ok || section.Capacity != 1 {
			continue
		}
		for i := 0; i < len(entries); i++ {
			for j := 0; j < len(entries); j++ {
				if i == j {
					continue
				}
				a, b := entries[i], entries[j]
				if a.trainID == b.trainID {
					continue
				}
				aTrain, bTrain := predicted[a.trainID].train, predicted[b.trainID].train
				if aTrain.Priority > bTrain.Priority && b.entry.Before(a.entry) && b.exit.After(a.entry) {
					out = append(out, domain.Conflict{
						Type:               domain.PriorityConflict,
						TrainsInvolved:     sortedPair(a.trainID, b.trainID),
						SectionsInvolved:   []int{sectionID},
						ExpectedImpactTime: timePtr(a.entry),
						Description:        fmt.Sprintf("lower-priority train %d blocks train %d at section %d", b.trainID, a.trainID, sectionID),
					})
				}
			}
		}
	}
	return out
}

// junctionConflict is rule 4: a JUNCTION section predicted to hold more
// than capacity distinct trains within a rolling window.
func (d *Detector) junctionConflict(snap domain.Snapshot, predicted map[int]predictedTrain) []domain.Conflict {
	buckets := bucketBySection(predicted)
	var out []domain.Conflict
	for sectionID, entries := range buckets {
		section, ok := snap.Sections[sectionID]
		if !ok || section.Type != domain.Junction || section.Capacity <= 0 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].entry.Before(entries[j].entry) })
		for i := range entries {
			windowEnd := entries[i].entry.Add(d.cfg.JunctionWindow)
			distinct := map[int]bool{entries[i].trainID: true}
			for j := i + 1; j < len(entries) && entries[j].entry.Before(windowEnd); j++ {
				distinct[entries[j].trainID] = true
			}
			if len(distinct) > section.Capacity {
				trains := make([]int, 0, len(distinct))
				for id := range distinct {
					trains = append(trains, id)
				}
				sort.Ints(trains)
				out = append(out, domain.Conflict{
					Type:               domain.JunctionConflict,
					TrainsInvolved:     trains,
					SectionsInvolved:   []int{sectionID},
					ExpectedImpactTime: timePtr(entries[i].entry),
					Description:        fmt.Sprintf("%d trains predicted inside junction %d within %s", len(distinct), sectionID, d.cfg.JunctionWindow),
				})
				break
			}
		}
	}
	return out
}

type sectionEntry struct {
	trainID int
	entry   time.Time
	exit    time.Time
}

func bucketBySection(predicted map[int]predictedTrain) map[int][]sectionEntry {
	buckets := make(map[int][]sectionEntry)
	for trainID, pt := range predicted {
		for _, leg := range pt.legs {
			buckets[leg.SectionID] = append(buckets[leg.SectionID], sectionEntry{trainID: trainID, entry: leg.EntryTime, exit: leg.ExitTime})
		}
	}
	return buckets
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func sortedPair(a, b int) []int {
	if a > b {
		a, b = b, a
	}
	return []int{a, b}
}

func timePtr(t time.Time) *time.Time { return &t }

// score computes the §4.2 severity score and sets Severity/SeverityScore
// in place.
func (d *Detector) score(c *domain.Conflict, snap domain.Snapshot) {
	now := snap.Now
	timeToImpact := c.TimeToImpact(now)
	minutes := timeToImpact.Minutes()
	fTime := clamp(1-minutes/d.cfg.AlertWindow.Minutes(), 0, 1)
	if c.ExpectedImpactTime == nil {
		fTime = 1 // no predicted horizon means the condition is already present (e.g. SECTION_OVERLOAD)
	}

	maxPrio := 0
	paxSum := 0
	for _, tid := range c.TrainsInvolved {
		if tr, ok := snap.Trains[tid]; ok {
			if tr.Priority > maxPrio {
				maxPrio = tr.Priority
			}
			paxSum += tr.PassengerCount
		}
	}
	fPrio := clamp(float64(maxPrio)/10.0, 0, 1)
	fPax := clamp(float64(paxSum)/1000.0, 0, 1)
	fNet := clamp(float64(len(c.SectionsInvolved))/5.0, 0, 1)

	var fSafety float64
	switch c.Type {
	case domain.CollisionRisk:
		fSafety = 1
	case domain.JunctionConflict:
		fSafety = 0.6
	default:
		fSafety = 0.3
	}

	w := d.cfg.Weights
	raw := w.Time*fTime + w.Prio*fPrio + w.Pax*fPax + w.Net*fNet + w.Safety*fSafety
	score := int(math.Round(raw))
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	c.SeverityScore = score
	c.Severity = domain.SeverityBucket(score)
}

// suggest builds the rule-based resolution suggestions of §4.2. At least
// one suggestion is always produced. overlapBySignature carries the
// actual colliding-leg overlap duration computed during collisionRisk,
// keyed by conflict signature (see collisionRisk).
func (d *Detector) suggest(c domain.Conflict, snap domain.Snapshot, overlapBySignature map[string]time.Duration) []domain.ResolutionSuggestion {
	switch c.Type {
	case domain.CollisionRisk:
		return d.suggestCollisionRisk(c, snap, overlapBySignature)
	case domain.SectionOverload:
		return d.suggestSectionOverload(c, snap)
	case domain.PriorityConflict:
		return d.suggestPriorityConflict(c, snap)
	case domain.JunctionConflict:
		return d.suggestJunctionConflict(c, snap)
	default:
		return nil
	}
}

// suggestCollisionRisk implements §4.2's COLLISION_RISK suggestion:
// delay the lower-priority train by ceil(time_overlap) + safety_buffer;
// if delay is unavailable — the lower-priority train has already
// entered the shared section, so it can no longer be held back from it
// — reroute it instead, provided its current section actually has an
// alternate adjacent section to divert onto.
func (d *Detector) suggestCollisionRisk(c domain.Conflict, snap domain.Snapshot, overlapBySignature map[string]time.Duration) []domain.ResolutionSuggestion {
	if len(c.TrainsInvolved) < 2 {
		return nil
	}
	a, b := c.TrainsInvolved[0], c.TrainsInvolved[1]
	lower := a
	if snap.Trains[a].Priority > snap.Trains[b].Priority {
		lower = b
	}

	overlap := overlapBySignature[signature(c.Type, c.TrainsInvolved, c.SectionsInvolved)]
	overlapMinutes := overlap.Minutes()
	if overlapMinutes <= 0 {
		overlapMinutes = 1 // fallback for a conflict refined without a fresh overlap entry this tick
	}
	delay := time.Duration(math.Ceil(overlapMinutes))*time.Minute + d.cfg.SafetyBuffer

	conflictSectionID := 0
	if len(c.SectionsInvolved) > 0 {
		conflictSectionID = c.SectionsInvolved[0]
	}
	lowerTrain := snap.Trains[lower]
	delayAvailable := lowerTrain.CurrentSectionID == nil || *lowerTrain.CurrentSectionID != conflictSectionID

	if delayAvailable {
		return []domain.ResolutionSuggestion{{
			Description:   fmt.Sprintf("delay train %d by %s", lower, delay),
			EstimatedCost: delay.Minutes(),
			Actions: []domain.ResolutionAction{{
				Action:  domain.ActionDelay,
				TrainID: lower,
				Parameters: map[string]interface{}{
					"delay_minutes": delay.Minutes(),
				},
			}},
		}}
	}

	if altRoute := rerouteAlternative(snap, *lowerTrain.CurrentSectionID); len(altRoute) > 0 {
		return []domain.ResolutionSuggestion{{
			Description:   fmt.Sprintf("delay unavailable: train %d already in section %d, reroute via section %d", lower, conflictSectionID, altRoute[0]),
			EstimatedCost: delay.Minutes() * 1.5,
			Actions: []domain.ResolutionAction{{
				Action:  domain.ActionReroute,
				TrainID: lower,
				Parameters: map[string]interface{}{
					"new_route": altRoute,
				},
			}},
		}}
	}

	// No delay and no alternate route: fall back to delay anyway, best effort.
	return []domain.ResolutionSuggestion{{
		Description:   fmt.Sprintf("delay train %d by %s", lower, delay),
		EstimatedCost: delay.Minutes(),
		Actions: []domain.ResolutionAction{{
			Action:  domain.ActionDelay,
			TrainID: lower,
			Parameters: map[string]interface{}{
				"delay_minutes": delay.Minutes(),
			},
		}},
	}}
}

// rerouteAlternative returns a minimal new_route (a single adjacent
// section id) the train at fromSection could divert onto, or nil if
// fromSection has no adjacent section to offer.
func rerouteAlternative(snap domain.Snapshot, fromSection int) []int {
	section, ok := snap.Sections[fromSection]
	if !ok || len(section.AdjacentSectionIDs) == 0 {
		return nil
	}
	adjacent := append([]int(nil), section.AdjacentSectionIDs...)
	sort.Ints(adjacent)
	return adjacent[:1]
}

func (d *Detector) suggestSectionOverload(c domain.Conflict, snap domain.Snapshot) []domain.ResolutionSuggestion {
	trains := append([]int(nil), c.TrainsInvolved...)
	sort.Slice(trains, func(i, j int) bool { return snap.Trains[trains[i]].Priority < snap.Trains[trains[j]].Priority })
	section := snap.Sections[c.SectionsInvolved[0]]
	overflow := len(trains) - section.Capacity
	if overflow < 1 {
		overflow = 1
	}
	var actions []domain.ResolutionAction
	for i := 0; i < overflow && i < len(trains); i++ {
		actions = append(actions, domain.ResolutionAction{
			Action:     domain.ActionDelay,
			TrainID:    trains[i],
			Parameters: map[string]interface{}{"delay_minutes": 5.0},
		})
	}
	return []domain.ResolutionSuggestion{{
		Description:   fmt.Sprintf("delay %d lowest-priority trains until capacity restored", len(actions)),
		EstimatedCost: float64(len(actions)) * 5,
		Actions:       actions,
	}}
}

func (d *Detector) suggestPriorityConflict(c domain.Conflict, snap domain.Snapshot) []domain.ResolutionSuggestion {
	if len(c.TrainsInvolved) < 2 {
		return nil
	}
	blocker := c.TrainsInvolved[0]
	if snap.Trains[c.TrainsInvolved[0]].Priority > snap.Trains[c.TrainsInvolved[1]].Priority {
		blocker = c.TrainsInvolved[1]
	}
	delay := time.Minute
	return []domain.ResolutionSuggestion{{
		Description:   fmt.Sprintf("delay blocking train %d", blocker),
		EstimatedCost: delay.Minutes(),
		Actions: []domain.ResolutionAction{{
			Action:     domain.ActionDelay,
			TrainID:    blocker,
			Parameters: map[string]interface{}{"delay_minutes": delay.Minutes()},
		}},
	}}
}

func (d *Detector) suggestJunctionConflict(c domain.Conflict, snap domain.Snapshot) []domain.ResolutionSuggestion {
	trains := append([]int(nil), c.TrainsInvolved...)
	sort.Slice(trains, func(i, j int) bool { return snap.Trains[trains[i]].Priority > snap.Trains[trains[j]].Priority })
	var actions []domain.ResolutionAction
	for i, tid := range trains {
		if i == 0 {
			continue // highest priority proceeds unimpeded
		}
		actions = append(actions, domain.ResolutionAction{
			Action:     domain.ActionDelay,
			TrainID:    tid,
			Parameters: map[string]interface{}{"delay_minutes": float64(i) * 2.0},
		})
	}
	return []domain.ResolutionSuggestion{{
		Description:   "sequence trains through junction by descending priority",
		EstimatedCost: float64(len(actions)) * 2,
		Actions:       actions,
	}}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
