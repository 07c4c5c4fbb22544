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

// Package api is the thin JSON/HTTP binding over the Decision Engine and
// Ingestion Tracker named in §6.1. Per spec.md's non-goal, HTTP routing
// and request parsing are treated as an external collaborator's concern:
// this package is intentionally a bare translation layer (decode,
// call, encode) with no business logic of its own, routed with
// go-chi/chi the way ManuGH-xg2g's internal/control/http/v3 wires its
// handlers onto a chi.Router.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/audit"
	"github.com/ts2/railctl/broadcast"
	"github.com/ts2/railctl/decision"
	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/engine"
	"github.com/ts2/railctl/ingestion"
	"github.com/ts2/railctl/kpi"
	"github.com/ts2/railctl/metrics"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "api")
}

// NewRouter builds the full HTTP surface for a running Engine: the
// command/query endpoints of §6.1, the WebSocket upgrade for Subscribe,
// the audit tail, the KPI snapshot, and the Prometheus /metrics handler.
func NewRouter(e *engine.Engine) http.Handler {
	r := chi.NewRouter()

	r.Post("/positions", handlePosition(e.Ingestion))
	r.Post("/positions/bulk", handleBulkPositions(e.Ingestion))
	r.Get("/conflicts", handleActiveConflicts(e.Decision))
	r.Post("/conflicts/{id}/resolve", handleResolveConflict(e.Decision))
	r.Post("/trains/{id}/control", handleControlTrain(e.Decision))
	r.Post("/decisions/{id}/approve", handleApprove(e.Decision))
	r.Get("/decisions", handleQueryAudit(e.Decision))
	r.Post("/detect", handleRunDetectionOnce(e.Decision))

	r.Get("/audit/tail", handleAuditTail(e.Audit))
	r.Get("/kpi", handleKPI(e.KPI))
	r.Get("/ws", handleWebSocket(e.Hub))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a domain.Error onto the HTTP status §7 implies for
// each code; an unrecognized error is treated as INTERNAL.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.Validation:
		status = http.StatusBadRequest
	case domain.NotFound:
		status = http.StatusNotFound
	case domain.Stale, domain.Precondition:
		status = http.StatusConflict
	case domain.Forbidden:
		status = http.StatusForbidden
	case domain.RateLimited:
		status = http.StatusTooManyRequests
	case domain.Transient, domain.Overloaded:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"code": string(code), "error": err.Error()})
}

// controllerID reads the acting principal from the X-Controller-Id
// header — authentication itself (mapping a bearer token to a
// controller id) is the external collaborator's job per §1's scope
// note; this layer only forwards the id to the Decision Engine, which
// re-validates it against the Store on every call.
func controllerID(r *http.Request) (int, error) {
	raw := r.Header.Get("X-Controller-Id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError(domain.Validation, "missing or invalid X-Controller-Id header")
	}
	return id, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError(domain.Validation, "%s must be an integer", name)
	}
	return v, nil
}

func handlePosition(tracker *ingestion.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report domain.PositionReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			writeError(w, domain.NewError(domain.Validation, "invalid request body: %v", err))
			return
		}
		if err := tracker.ReportPosition(report); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, nil)
	}
}

func handleBulkPositions(tracker *ingestion.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reports []domain.PositionReport
		if err := json.NewDecoder(r.Body).Decode(&reports); err != nil {
			writeError(w, domain.NewError(domain.Validation, "invalid request body: %v", err))
			return
		}
		accepted, rejections := tracker.ReportBulk(reports)
		errs := make([]string, len(rejections))
		for i, e := range rejections {
			if e != nil {
				errs[i] = e.Error()
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": accepted, "rejections": errs})
	}
}

func handleActiveConflicts(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		conflicts, err := d.GetActiveConflicts(cid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conflicts)
	}
}

type resolveRequest struct {
	Action        domain.ResolveAction   `json:"action"`
	Rationale     string                 `json:"rationale"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
	AISolutionID  *string                `json:"aiSolutionId,omitempty"`
}

func handleResolveConflict(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		conflictID := chi.URLParam(r, "id")
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewError(domain.Validation, "invalid request body: %v", err))
			return
		}
		dec, err := d.ResolveConflict(r.Context(), cid, conflictID, req.Action, req.Rationale, req.Modifications, req.AISolutionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dec)
	}
}

type controlRequest struct {
	Command    domain.DecisionAction  `json:"command"`
	Parameters map[string]interface{} `json:"parameters"`
	Reason     string                 `json:"reason"`
	Emergency  bool                   `json:"emergency"`
}

func handleControlTrain(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		trainID, err := intParam(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewError(domain.Validation, "invalid request body: %v", err))
			return
		}
		dec, err := d.ControlTrain(r.Context(), cid, trainID, req.Command, req.Parameters, req.Reason, req.Emergency)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dec)
	}
}

func handleApprove(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		decisionID := chi.URLParam(r, "id")
		dec, err := d.Approve(r.Context(), cid, decisionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dec)
	}
}

func handleRunDetectionOnce(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		delta, err := d.RunDetectionOnce(r.Context(), cid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delta)
	}
}

func handleQueryAudit(d *decision.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, err := controllerID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		filter, err := parseDecisionFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}
		decisions, total, err := d.QueryAudit(r.Context(), cid, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions, "total": total})
	}
}

func parseDecisionFilter(r *http.Request) (domain.DecisionFilter, error) {
	q := r.URL.Query()
	var f domain.DecisionFilter
	if v := q.Get("controllerId"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, domain.NewError(domain.Validation, "controllerId must be an integer")
		}
		f.ControllerID = &n
	}
	if v := q.Get("trainId"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, domain.NewError(domain.Validation, "trainId must be an integer")
		}
		f.TrainID = &n
	}
	if v := q.Get("conflictId"); v != "" {
		f.ConflictID = &v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, domain.NewError(domain.Validation, "since must be RFC3339")
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, domain.NewError(domain.Validation, "until must be RFC3339")
		}
		f.Until = &t
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return f, nil
}

func handleAuditTail(auditLog *audit.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, auditLog.Since(since, limit))
	}
}

func handleKPI(c *kpi.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.URL.Query().Get("history"); raw != "" {
			n, _ := strconv.Atoi(raw)
			writeJSON(w, http.StatusOK, c.History(n))
			return
		}
		writeJSON(w, http.StatusOK, c.Take())
	}
}

func handleWebSocket(hub *broadcast.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcast.ServeWS(hub, w, r)
	}
}
