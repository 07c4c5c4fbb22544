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

// Package audit is the live-tailing supplement named in SPEC_FULL.md
// §4.10: a ring buffer of human-readable entries derived from domain
// events, with non-blocking fan-out to subscriber channels (for an
// SSE-style "tail the control room" view). QueryAudit itself (spec.md
// §6.1) reads the persisted Decision log directly from the Store; this
// package is a supplementary, in-memory, short-horizon view of the same
// event stream, ported from the teacher's server/audit.go
// (auditState/append/getSince/subscribe) and re-targeted at conflict and
// decision events instead of route/signal/station events.
package audit

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "audit")
}

// Entry is one audit log item, shaped for a live dashboard feed.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Event     string                 `json:"event"`
	Category  string                 `json:"category"`
	Severity  string                 `json:"severity"`
	Object    map[string]interface{} `json:"object"`
	Details   map[string]interface{} `json:"details"`
}

// Log is a bounded ring buffer of Entry plus its live subscribers. It
// implements domain.Sink so it can sit alongside the Broadcast Hub in a
// domain.MultiSink without either needing to know about the other.
type Log struct {
	mu          sync.RWMutex
	entries     []Entry
	capacity    int
	nextID      int64
	subscribers map[chan Entry]bool
}

// NewLog returns a Log with the given ring-buffer capacity (the teacher
// default is 1000).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		capacity:    capacity,
		entries:     make([]Entry, 0, capacity),
		subscribers: make(map[chan Entry]bool),
	}
}

var _ domain.Sink = (*Log)(nil)

// Publish implements domain.Sink: it derives zero or one Entry from e
// and appends it, skipping the chattiest event kinds (plain position
// updates) the way the teacher's recordAuditFromEvent ignores
// TrackItemChanged/TrainChanged/Clock.
func (l *Log) Publish(e *domain.Event) {
	entry, ok := entryFromEvent(e)
	if !ok {
		return
	}
	l.append(entry)
}

func (l *Log) append(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	entry.ID = strconv.FormatInt(l.nextID, 10)
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if len(l.entries) == l.capacity {
		copy(l.entries[0:], l.entries[1:])
		l.entries[len(l.entries)-1] = entry
	} else {
		l.entries = append(l.entries, entry)
	}
	for ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber: drop rather than block Publish
		}
	}
}

// Subscribe returns a channel that receives every new Entry until
// Unsubscribe is called. The channel is buffered so a momentarily slow
// reader doesn't stall append.
func (l *Log) Subscribe() chan Entry {
	ch := make(chan Entry, 256)
	l.mu.Lock()
	l.subscribers[ch] = true
	l.mu.Unlock()
	return ch
}

func (l *Log) Unsubscribe(ch chan Entry) {
	l.mu.Lock()
	delete(l.subscribers, ch)
	l.mu.Unlock()
	close(ch)
}

// Since returns up to limit entries with ID strictly greater than
// sinceID, in append order — the paging primitive behind a "/audit/tail"
// style endpoint.
func (l *Log) Since(sinceID int64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Entry, 0, limit)
	for _, e := range l.entries {
		id, _ := strconv.ParseInt(e.ID, 10, 64)
		if id > sinceID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func entryFromEvent(e *domain.Event) (Entry, bool) {
	entry := Entry{
		Severity: "INFO",
		Object:   map[string]interface{}{},
		Details:  map[string]interface{}{},
	}
	if e.TrainID != nil {
		entry.Object["trainId"] = *e.TrainID
	}
	if e.SectionID != nil {
		entry.Object["sectionId"] = *e.SectionID
	}

	switch e.Name {
	case domain.ConflictDetectedEvent:
		entry.Event, entry.Category, entry.Severity = "CONFLICT_DETECTED", "conflict", "WARN"
		describeConflict(&entry, e.Data)
	case domain.ConflictUpdatedEvent:
		entry.Event, entry.Category = "CONFLICT_UPDATED", "conflict"
		describeConflict(&entry, e.Data)
	case domain.ConflictResolvedEvent:
		entry.Event, entry.Category = "CONFLICT_RESOLVED", "conflict"
		describeConflict(&entry, e.Data)
	case domain.ConflictAlertEvent:
		entry.Event, entry.Category, entry.Severity = "CONFLICT_ALERT", "conflict", "CRITICAL"
		describeConflict(&entry, e.Data)
	case domain.DecisionLoggedEvent:
		entry.Event, entry.Category = "DECISION_LOGGED", "decision"
		describeDecision(&entry, e.Data)
	case domain.DecisionExecutedEvent:
		entry.Event, entry.Category = "DECISION_EXECUTED", "decision"
		describeDecision(&entry, e.Data)
	case domain.SectionEntryEvent, domain.SectionExitEvent:
		entry.Event, entry.Category = string(e.Name), "occupancy"
	case domain.SystemMessageEvent:
		entry.Event, entry.Category = "SYSTEM_MESSAGE", "system"
		entry.Details["message"] = fmt.Sprintf("%v", e.Data)
	default:
		// PositionUpdate and SectionStatus are too chatty for the audit
		// feed; they already reach clients through the Broadcast Hub.
		return Entry{}, false
	}
	return entry, true
}

func describeConflict(entry *Entry, data interface{}) {
	c, ok := data.(domain.Conflict)
	if !ok {
		return
	}
	entry.Object["conflictId"] = c.ID
	entry.Object["type"] = string(c.Type)
	entry.Details["severity"] = string(c.Severity)
	entry.Details["severityScore"] = c.SeverityScore
	entry.Details["trainsInvolved"] = c.TrainsInvolved
	entry.Details["sectionsInvolved"] = c.SectionsInvolved
	if c.ExpectedImpactTime != nil {
		entry.Details["expectedImpactTime"] = c.ExpectedImpactTime.Format(time.RFC3339)
	}
}

func describeDecision(entry *Entry, data interface{}) {
	d, ok := data.(domain.Decision)
	if !ok {
		return
	}
	entry.Object["decisionId"] = d.ID
	entry.Details["controllerId"] = d.ControllerID
	entry.Details["action"] = string(d.Action)
	entry.Details["executed"] = d.Executed
	if d.ExecutionResult != "" {
		entry.Details["executionResult"] = d.ExecutionResult
	}
}
