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

// Package domain holds the authoritative entities of the railway traffic
// engine (§3 of the design): trains, sections, positions, occupancies,
// conflicts, decisions and controllers. The Domain Store (store.go) is the
// only component that owns mutable copies of these; every other component
// holds borrowed read snapshots or requests writes through Store.
package domain

import "time"

type TrainType string

const (
	Express     TrainType = "EXPRESS"
	Local       TrainType = "LOCAL"
	Freight     TrainType = "FREIGHT"
	Maintenance TrainType = "MAINTENANCE"
)

type OperationalStatus string

const (
	StatusActive      OperationalStatus = "ACTIVE"
	StatusMaintenance OperationalStatus = "MAINTENANCE"
	StatusOutOfSvc    OperationalStatus = "OUT_OF_SERVICE"
	StatusEmergency   OperationalStatus = "EMERGENCY"
)

// Train is the identity and live state of one train. TrainNumber, Type,
// MaxSpeed, Capacity, Length and Weight are immutable once created;
// Priority, OperationalStatus, CurrentSectionID, CurrentSpeed and
// CurrentLoad change over the train's life.
type Train struct {
	ID                int
	TrainNumber       string
	Type              TrainType
	MaxSpeed          float64
	Capacity          int
	Length            float64
	Weight            float64
	PassengerCount    int
	Priority          int // [1,10]
	OperationalStatus OperationalStatus
	CurrentSectionID  *int
	CurrentSpeed      float64
	CurrentLoad       int
	ScheduleID        string
}

func (t Train) IsActive() bool {
	return t.OperationalStatus != StatusOutOfSvc
}

type SectionType string

const (
	Track    SectionType = "TRACK"
	Junction SectionType = "JUNCTION"
	Station  SectionType = "STATION"
	Yard     SectionType = "YARD"
)

// Section is a fixed-topology unit of track. Topology is immutable within a
// run once created.
type Section struct {
	ID                 int
	Code               string
	Type               SectionType
	Length             float64
	MaxSpeed           float64
	Capacity           int
	AdjacentSectionIDs []int
	Active             bool
}

type Coordinates struct {
	Lat float64
	Lon float64
}

// PositionReport is a single, time-stamped train-position observation.
// Append-only: retained for PositionRetention (default 30 days).
type PositionReport struct {
	TrainID                  int
	SectionID                int
	Timestamp                time.Time
	Coordinates              *Coordinates
	Speed                    float64
	Heading                  float64
	DistanceFromSectionStart *float64
	SignalStrength           *float64
	GPSAccuracy              *float64
}

// OccupancyRecord is the open interval [EntryTime, ExitTime) during which a
// train is recorded as occupying a section. ExitTime == nil means live.
type OccupancyRecord struct {
	SectionID        int
	TrainID          int
	EntryTime        time.Time
	ExpectedExitTime *time.Time
	ExitTime         *time.Time
}

func (o OccupancyRecord) Live() bool { return o.ExitTime == nil }

type ConflictType string

const (
	CollisionRisk    ConflictType = "COLLISION_RISK"
	SectionOverload  ConflictType = "SECTION_OVERLOAD"
	PriorityConflict ConflictType = "PRIORITY_CONFLICT"
	JunctionConflict ConflictType = "JUNCTION_CONFLICT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityBucket maps an integer score [1,10] to its named bucket per §4.2.
func SeverityBucket(score int) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ResolutionAction is one proposed step of a ResolutionSuggestion.
type ResolutionAction struct {
	Action     DecisionAction
	TrainID    int
	Parameters map[string]interface{}
}

// ResolutionSuggestion is an ordered list of proposed actions plus a cost.
type ResolutionSuggestion struct {
	Actions       []ResolutionAction
	EstimatedCost float64
	Description   string
}

// Conflict is a detected or predicted violation of capacity, priority, or
// junction-throughput constraints. Created only by the detector; mutated
// only by the detector (in-place refinement) or the decision engine
// (resolution). Never deleted.
type Conflict struct {
	ID                     string
	Type                   ConflictType
	Severity               Severity
	SeverityScore          int
	TrainsInvolved         []int
	SectionsInvolved       []int
	DetectionTime          time.Time
	ExpectedImpactTime     *time.Time
	Description            string
	Suggestions            []ResolutionSuggestion
	ResolutionTime         *time.Time
	ResolvedByControllerID *int
	AutoResolved           bool
	AIAnalyzed             bool
	AIConfidence           *float64
	AISolutionID           *string
}

func (c Conflict) Resolved() bool { return c.ResolutionTime != nil }

// TimeToImpact returns the duration until ExpectedImpactTime, or zero if unset.
func (c Conflict) TimeToImpact(now time.Time) time.Duration {
	if c.ExpectedImpactTime == nil {
		return 0
	}
	return c.ExpectedImpactTime.Sub(now)
}

// PriorityScore is the GetActiveConflicts ranking key of §4.4.
func (c Conflict) PriorityScore(now time.Time) float64 {
	minutes := c.TimeToImpact(now).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return float64(c.SeverityScore) + 100.0/(minutes+1.0)
}

type DecisionAction string

const (
	ActionDelay          DecisionAction = "DELAY"
	ActionReroute        DecisionAction = "REROUTE"
	ActionPriorityChange DecisionAction = "PRIORITY_CHANGE"
	ActionEmergencyStop  DecisionAction = "EMERGENCY_STOP"
	ActionSpeedLimit     DecisionAction = "SPEED_LIMIT"
	ActionManualOverride DecisionAction = "MANUAL_OVERRIDE"
	ActionResume         DecisionAction = "RESUME"
)

// ResolveAction is the verb set of ResolveConflict (§4.4), distinct from
// DecisionAction which names the underlying control command.
type ResolveAction string

const (
	ResolveAccept ResolveAction = "ACCEPT"
	ResolveModify ResolveAction = "MODIFY"
	ResolveReject ResolveAction = "REJECT"
)

// Decision is an append-only, attributable record of a controller-initiated
// action. Immutable once Executed == true.
type Decision struct {
	ID                     string
	ControllerID           int
	ConflictID             *string
	TrainID                *int
	SectionID              *int
	Action                 DecisionAction
	Timestamp              time.Time
	Rationale              string
	Parameters             map[string]interface{}
	Executed               bool
	ExecutionTime          *time.Time
	ExecutionResult        string
	ApprovalRequired       bool
	ApprovedByControllerID *int
	ApprovalTime           *time.Time
	AIGenerated            bool
	AISolverMethod         string
	AIScore                *float64
	AIConfidence           *float64
	Attempts               int
}

func (d Decision) Approved() bool {
	return !d.ApprovalRequired || (d.ApprovedByControllerID != nil && d.ApprovalTime != nil)
}

type AuthLevel int

const (
	Operator AuthLevel = iota
	Supervisor
	Manager
	Admin
)

func (a AuthLevel) String() string {
	switch a {
	case Operator:
		return "OPERATOR"
	case Supervisor:
		return "SUPERVISOR"
	case Manager:
		return "MANAGER"
	case Admin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// Controller is an authenticated principal with an authorization level and
// a set of sections they are responsible for.
type Controller struct {
	ID                    int
	EmployeeID            string
	AuthLevel             AuthLevel
	SectionResponsibility map[int]bool
	Active                bool
}

func (c Controller) ResponsibleFor(sectionID int) bool {
	if c.AuthLevel == Admin {
		return true
	}
	return c.SectionResponsibility[sectionID]
}

// DecisionFilter selects a page of decisions for QueryAudit.
type DecisionFilter struct {
	ControllerID *int
	TrainID      *int
	ConflictID   *string
	Action       *DecisionAction
	Since        *time.Time
	Until        *time.Time
	Offset       int
	Limit        int
}
