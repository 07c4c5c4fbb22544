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

import "time"

// EventName enumerates the event kinds fanned out by the Broadcast Hub
// (§4.5/§6.2) and recorded by the audit log.
type EventName string

const (
	PositionUpdateEvent   EventName = "PositionUpdate"
	SectionStatusEvent    EventName = "SectionStatus"
	SectionEntryEvent     EventName = "SectionEntry"
	SectionExitEvent      EventName = "SectionExit"
	ConflictDetectedEvent EventName = "ConflictDetected"
	ConflictUpdatedEvent  EventName = "ConflictUpdated"
	ConflictResolvedEvent EventName = "ConflictResolved"
	ConflictAlertEvent    EventName = "ConflictAlert"
	DecisionLoggedEvent   EventName = "DecisionLogged"
	DecisionExecutedEvent EventName = "DecisionExecuted"
	SystemMessageEvent    EventName = "SystemMessage"
)

// Event is the envelope carried across every internal handoff (ingestion ->
// hub, detector -> scheduler -> hub, decision engine -> hub) and is what the
// Hub fans out to subscribed WebSocket clients. TrainID/SectionID are the
// routing keys used for per-connection subscription matching and for the
// hub's shard assignment.
type Event struct {
	Name       EventName   `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	TrainID    *int        `json:"trainId,omitempty"`
	SectionID  *int        `json:"sectionId,omitempty"`
	Data       interface{} `json:"data"`
}

func NewEvent(name EventName, data interface{}) *Event {
	return &Event{Name: name, OccurredAt: time.Now().UTC(), Data: data}
}

func (e *Event) WithTrain(trainID int) *Event {
	e.TrainID = &trainID
	return e
}

func (e *Event) WithSection(sectionID int) *Event {
	e.SectionID = &sectionID
	return e
}

// Sink is anything that can absorb a stream of domain events; the Broadcast
// Hub and the audit log both implement it so upstream components don't need
// to know about either concretely.
type Sink interface {
	Publish(e *Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e *Event)

func (f SinkFunc) Publish(e *Event) { f(e) }

// MultiSink fans a single event out to several sinks (e.g. hub + audit log).
type MultiSink []Sink

func (m MultiSink) Publish(e *Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
