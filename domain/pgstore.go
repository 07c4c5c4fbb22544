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
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres-backed Store for a clustered deployment
// (storage.driver: postgres, §6.4). It satisfies the same Tx/Store
// surface as MemStore but persists every entity, so a Decision Engine
// restart does not lose the audit trail or open occupancies.
//
// Following kubernaut's fix for #200 (stale prepared-statement plans after
// a schema migration), every pool is opened with QueryExecModeDescribeExec
// rather than the pgx default of QueryExecModeCacheStatement.
type PgStore struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewPgxConnConfig parses dsn and forces QueryExecModeDescribeExec so a
// live schema migration never leaves a connection holding a stale cached
// plan.
func NewPgxConnConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

// OpenPgStore connects to dsn and verifies the schema (see migrations/)
// has already been applied by pinging a known table.
func OpenPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	connCfg, err := NewPgxConnConfig(dsn)
	if err != nil {
		return nil, Wrap(Internal, err, "parse postgres dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, Wrap(Internal, err, "parse postgres pool config")
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = connCfg.DefaultQueryExecMode
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, Wrap(Transient, err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Wrap(Transient, err, "ping postgres")
	}
	return &PgStore{pool: pool, ctx: ctx}, nil
}

func (p *PgStore) Close() { p.pool.Close() }

var _ Store = (*PgStore)(nil)

// pgTx binds a borrowed pgxpool.Conn (or the pool itself outside a
// transaction) so the same Tx surface works whether called directly or
// from within View/Update.
type pgTx struct {
	ctx context.Context
	q   pgxQuerier
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (p *PgStore) tx() *pgTx { return &pgTx{ctx: p.ctx, q: p.pool} }

func (p *PgStore) Train(id int) (Train, error)        { return p.tx().Train(id) }
func (p *PgStore) Trains() ([]Train, error)            { return p.tx().Trains() }
func (p *PgStore) UpsertTrain(t Train) error            { return p.tx().UpsertTrain(t) }
func (p *PgStore) DeleteTrain(id int) error             { return p.tx().DeleteTrain(id) }
func (p *PgStore) Section(id int) (Section, error)      { return p.tx().Section(id) }
func (p *PgStore) Sections() ([]Section, error)         { return p.tx().Sections() }
func (p *PgStore) UpsertSection(s Section) error        { return p.tx().UpsertSection(s) }
func (p *PgStore) Controller(id int) (Controller, error) { return p.tx().Controller(id) }
func (p *PgStore) UpsertController(c Controller) error  { return p.tx().UpsertController(c) }
func (p *PgStore) LatestPosition(trainID int) (PositionReport, bool, error) {
	return p.tx().LatestPosition(trainID)
}
func (p *PgStore) AppendPosition(pos PositionReport) error { return p.tx().AppendPosition(pos) }
func (p *PgStore) OpenOccupancy(sectionID, trainID int, entryTime time.Time, expectedExit *time.Time) error {
	return p.tx().OpenOccupancy(sectionID, trainID, entryTime, expectedExit)
}
func (p *PgStore) CloseOccupancy(sectionID, trainID int, exitTime time.Time) error {
	return p.tx().CloseOccupancy(sectionID, trainID, exitTime)
}
func (p *PgStore) OpenOccupanciesInSection(sectionID int) ([]OccupancyRecord, error) {
	return p.tx().OpenOccupanciesInSection(sectionID)
}
func (p *PgStore) OpenOccupancies() ([]OccupancyRecord, error) { return p.tx().OpenOccupancies() }
func (p *PgStore) Conflict(id string) (Conflict, bool, error)  { return p.tx().Conflict(id) }
func (p *PgStore) SaveConflict(c Conflict) error                { return p.tx().SaveConflict(c) }
func (p *PgStore) ActiveConflicts() ([]Conflict, error)         { return p.tx().ActiveConflicts() }
func (p *PgStore) Decision(id string) (Decision, bool, error)   { return p.tx().Decision(id) }
func (p *PgStore) SaveDecision(d Decision) error                { return p.tx().SaveDecision(d) }
func (p *PgStore) QueryDecisions(f DecisionFilter) ([]Decision, int, error) {
	return p.tx().QueryDecisions(f)
}
func (p *PgStore) Snapshot() (Snapshot, error) { return p.tx().Snapshot() }

// View and Update both run fn against a single checked-out connection
// wrapped in a SQL transaction; Update's transaction commits on success,
// View's is always rolled back (it never writes).
func (p *PgStore) View(fn func(tx Tx) error) error {
	conn, err := p.pool.Acquire(p.ctx)
	if err != nil {
		return Wrap(Transient, err, "acquire connection")
	}
	defer conn.Release()
	sqlTx, err := conn.BeginTx(p.ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Wrap(Transient, err, "begin read transaction")
	}
	defer sqlTx.Rollback(p.ctx)
	return fn(&pgTx{ctx: p.ctx, q: sqlTx})
}

func (p *PgStore) Update(fn func(tx Tx) error) error {
	conn, err := p.pool.Acquire(p.ctx)
	if err != nil {
		return Wrap(Transient, err, "acquire connection")
	}
	defer conn.Release()
	sqlTx, err := conn.BeginTx(p.ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return Wrap(Transient, err, "begin write transaction")
	}
	if err := fn(&pgTx{ctx: p.ctx, q: sqlTx}); err != nil {
		sqlTx.Rollback(p.ctx)
		return err
	}
	if err := sqlTx.Commit(p.ctx); err != nil {
		return Wrap(Transient, err, "commit write transaction")
	}
	return nil
}

func (t *pgTx) Train(id int) (Train, error) {
	var tr Train
	var sectionID *int
	row := t.q.QueryRow(t.ctx, `SELECT id, train_number, type, max_speed, capacity, length, weight,
		passenger_count, priority, operational_status, current_section_id, current_speed,
		current_load, schedule_id FROM trains WHERE id=$1`, id)
	if err := row.Scan(&tr.ID, &tr.TrainNumber, &tr.Type, &tr.MaxSpeed, &tr.Capacity, &tr.Length,
		&tr.Weight, &tr.PassengerCount, &tr.Priority, &tr.OperationalStatus, &sectionID,
		&tr.CurrentSpeed, &tr.CurrentLoad, &tr.ScheduleID); err != nil {
		if err == pgx.ErrNoRows {
			return Train{}, NewError(NotFound, "train %d not found", id)
		}
		return Train{}, Wrap(Internal, err, "query train")
	}
	tr.CurrentSectionID = sectionID
	return tr, nil
}

func (t *pgTx) Trains() ([]Train, error) {
	rows, err := t.q.Query(t.ctx, `SELECT id, train_number, type, max_speed, capacity, length, weight,
		passenger_count, priority, operational_status, current_section_id, current_speed,
		current_load, schedule_id FROM trains ORDER BY id`)
	if err != nil {
		return nil, Wrap(Internal, err, "query trains")
	}
	defer rows.Close()
	var out []Train
	for rows.Next() {
		var tr Train
		var sectionID *int
		if err := rows.Scan(&tr.ID, &tr.TrainNumber, &tr.Type, &tr.MaxSpeed, &tr.Capacity, &tr.Length,
			&tr.Weight, &tr.PassengerCount, &tr.Priority, &tr.OperationalStatus, &sectionID,
			&tr.CurrentSpeed, &tr.CurrentLoad, &tr.ScheduleID); err != nil {
			return nil, Wrap(Internal, err, "scan train")
		}
		tr.CurrentSectionID = sectionID
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertTrain(tr Train) error {
	_, err := t.q.Exec(t.ctx, `INSERT INTO trains (id, train_number, type, max_speed, capacity, length,
		weight, passenger_count, priority, operational_status, current_section_id, current_speed,
		current_load, schedule_id) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET train_number=$2, type=$3, max_speed=$4, capacity=$5,
		length=$6, weight=$7, passenger_count=$8, priority=$9, operational_status=$10,
		current_section_id=$11, current_speed=$12, current_load=$13, schedule_id=$14`,
		tr.ID, tr.TrainNumber, tr.Type, tr.MaxSpeed, tr.Capacity, tr.Length, tr.Weight,
		tr.PassengerCount, tr.Priority, tr.OperationalStatus, tr.CurrentSectionID, tr.CurrentSpeed,
		tr.CurrentLoad, tr.ScheduleID)
	if err != nil {
		return Wrap(Internal, err, "upsert train")
	}
	return nil
}

func (t *pgTx) DeleteTrain(id int) error {
	_, err := t.q.Exec(t.ctx, `DELETE FROM trains WHERE id=$1`, id)
	if err != nil {
		return Wrap(Internal, err, "delete train")
	}
	return nil
}

func (t *pgTx) Section(id int) (Section, error) {
	var s Section
	row := t.q.QueryRow(t.ctx, `SELECT id, code, type, length, max_speed, capacity,
		adjacent_section_ids, active FROM sections WHERE id=$1`, id)
	if err := row.Scan(&s.ID, &s.Code, &s.Type, &s.Length, &s.MaxSpeed, &s.Capacity,
		&s.AdjacentSectionIDs, &s.Active); err != nil {
		if err == pgx.ErrNoRows {
			return Section{}, NewError(NotFound, "section %d not found", id)
		}
		return Section{}, Wrap(Internal, err, "query section")
	}
	return s, nil
}

func (t *pgTx) Sections() ([]Section, error) {
	rows, err := t.q.Query(t.ctx, `SELECT id, code, type, length, max_speed, capacity,
		adjacent_section_ids, active FROM sections ORDER BY id`)
	if err != nil {
		return nil, Wrap(Internal, err, "query sections")
	}
	defer rows.Close()
	var out []Section
	for rows.Next() {
		var s Section
		if err := rows.Scan(&s.ID, &s.Code, &s.Type, &s.Length, &s.MaxSpeed, &s.Capacity,
			&s.AdjacentSectionIDs, &s.Active); err != nil {
			return nil, Wrap(Internal, err, "scan section")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertSection(s Section) error {
	_, err := t.q.Exec(t.ctx, `INSERT INTO sections (id, code, type, length, max_speed, capacity,
		adjacent_section_ids, active) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET code=$2, type=$3, length=$4, max_speed=$5, capacity=$6,
		adjacent_section_ids=$7, active=$8`,
		s.ID, s.Code, s.Type, s.Length, s.MaxSpeed, s.Capacity, s.AdjacentSectionIDs, s.Active)
	if err != nil {
		return Wrap(Internal, err, "upsert section")
	}
	return nil
}

func (t *pgTx) Controller(id int) (Controller, error) {
	var c Controller
	var respJSON []byte
	row := t.q.QueryRow(t.ctx, `SELECT id, employee_id, auth_level, section_responsibility, active
		FROM controllers WHERE id=$1`, id)
	if err := row.Scan(&c.ID, &c.EmployeeID, &c.AuthLevel, &respJSON, &c.Active); err != nil {
		if err == pgx.ErrNoRows {
			return Controller{}, NewError(NotFound, "controller %d not found", id)
		}
		return Controller{}, Wrap(Internal, err, "query controller")
	}
	c.SectionResponsibility = decodeSectionSet(respJSON)
	return c, nil
}

func (t *pgTx) UpsertController(c Controller) error {
	respJSON, _ := json.Marshal(encodeSectionSet(c.SectionResponsibility))
	_, err := t.q.Exec(t.ctx, `INSERT INTO controllers (id, employee_id, auth_level,
		section_responsibility, active) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET employee_id=$2, auth_level=$3, section_responsibility=$4,
		active=$5`, c.ID, c.EmployeeID, c.AuthLevel, respJSON, c.Active)
	if err != nil {
		return Wrap(Internal, err, "upsert controller")
	}
	return nil
}

func (t *pgTx) LatestPosition(trainID int) (PositionReport, bool, error) {
	var p PositionReport
	var lat, lon, dist, sig, gps *float64
	row := t.q.QueryRow(t.ctx, `SELECT train_id, section_id, ts, lat, lon, speed, heading,
		distance_from_section_start, signal_strength, gps_accuracy FROM positions
		WHERE train_id=$1 ORDER BY ts DESC LIMIT 1`, trainID)
	if err := row.Scan(&p.TrainID, &p.SectionID, &p.Timestamp, &lat, &lon, &p.Speed, &p.Heading,
		&dist, &sig, &gps); err != nil {
		if err == pgx.ErrNoRows {
			return PositionReport{}, false, nil
		}
		return PositionReport{}, false, Wrap(Internal, err, "query latest position")
	}
	if lat != nil && lon != nil {
		p.Coordinates = &Coordinates{Lat: *lat, Lon: *lon}
	}
	p.DistanceFromSectionStart = dist
	p.SignalStrength = sig
	p.GPSAccuracy = gps
	return p, true, nil
}

func (t *pgTx) AppendPosition(p PositionReport) error {
	var lat, lon *float64
	if p.Coordinates != nil {
		lat, lon = &p.Coordinates.Lat, &p.Coordinates.Lon
	}
	_, err := t.q.Exec(t.ctx, `INSERT INTO positions (train_id, section_id, ts, lat, lon, speed,
		heading, distance_from_section_start, signal_strength, gps_accuracy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.TrainID, p.SectionID, p.Timestamp, lat, lon, p.Speed, p.Heading,
		p.DistanceFromSectionStart, p.SignalStrength, p.GPSAccuracy)
	if err != nil {
		return Wrap(Internal, err, "append position")
	}
	return nil
}

func (t *pgTx) OpenOccupancy(sectionID, trainID int, entryTime time.Time, expectedExit *time.Time) error {
	_, err := t.q.Exec(t.ctx, `INSERT INTO occupancies (section_id, train_id, entry_time,
		expected_exit_time, exit_time) VALUES ($1,$2,$3,$4,NULL)`,
		sectionID, trainID, entryTime, expectedExit)
	if err != nil {
		return Wrap(Internal, err, "open occupancy")
	}
	return nil
}

func (t *pgTx) CloseOccupancy(sectionID, trainID int, exitTime time.Time) error {
	_, err := t.q.Exec(t.ctx, `UPDATE occupancies SET exit_time=$1 WHERE section_id=$2 AND
		train_id=$3 AND exit_time IS NULL`, exitTime, sectionID, trainID)
	if err != nil {
		return Wrap(Internal, err, "close occupancy")
	}
	return nil
}

func (t *pgTx) scanOccupancies(rows pgx.Rows) ([]OccupancyRecord, error) {
	defer rows.Close()
	var out []OccupancyRecord
	for rows.Next() {
		var o OccupancyRecord
		if err := rows.Scan(&o.SectionID, &o.TrainID, &o.EntryTime, &o.ExpectedExitTime, &o.ExitTime); err != nil {
			return nil, Wrap(Internal, err, "scan occupancy")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) OpenOccupanciesInSection(sectionID int) ([]OccupancyRecord, error) {
	rows, err := t.q.Query(t.ctx, `SELECT section_id, train_id, entry_time, expected_exit_time,
		exit_time FROM occupancies WHERE section_id=$1 AND exit_time IS NULL`, sectionID)
	if err != nil {
		return nil, Wrap(Internal, err, "query open occupancies")
	}
	return t.scanOccupancies(rows)
}

func (t *pgTx) OpenOccupancies() ([]OccupancyRecord, error) {
	rows, err := t.q.Query(t.ctx, `SELECT section_id, train_id, entry_time, expected_exit_time,
		exit_time FROM occupancies WHERE exit_time IS NULL`)
	if err != nil {
		return nil, Wrap(Internal, err, "query open occupancies")
	}
	return t.scanOccupancies(rows)
}

func (t *pgTx) Conflict(id string) (Conflict, bool, error) {
	var c Conflict
	var trainsJSON, sectionsJSON, suggestionsJSON []byte
	row := t.q.QueryRow(t.ctx, `SELECT id, type, severity, severity_score, trains_involved,
		sections_involved, detection_time, expected_impact_time, description, suggestions,
		resolution_time, resolved_by_controller_id, auto_resolved, ai_analyzed, ai_confidence,
		ai_solution_id FROM conflicts WHERE id=$1`, id)
	if err := row.Scan(&c.ID, &c.Type, &c.Severity, &c.SeverityScore, &trainsJSON, &sectionsJSON,
		&c.DetectionTime, &c.ExpectedImpactTime, &c.Description, &suggestionsJSON,
		&c.ResolutionTime, &c.ResolvedByControllerID, &c.AutoResolved, &c.AIAnalyzed,
		&c.AIConfidence, &c.AISolutionID); err != nil {
		if err == pgx.ErrNoRows {
			return Conflict{}, false, nil
		}
		return Conflict{}, false, Wrap(Internal, err, "query conflict")
	}
	_ = json.Unmarshal(trainsJSON, &c.TrainsInvolved)
	_ = json.Unmarshal(sectionsJSON, &c.SectionsInvolved)
	_ = json.Unmarshal(suggestionsJSON, &c.Suggestions)
	return c, true, nil
}

func (t *pgTx) SaveConflict(c Conflict) error {
	trainsJSON, _ := json.Marshal(c.TrainsInvolved)
	sectionsJSON, _ := json.Marshal(c.SectionsInvolved)
	suggestionsJSON, _ := json.Marshal(c.Suggestions)
	_, err := t.q.Exec(t.ctx, `INSERT INTO conflicts (id, type, severity, severity_score,
		trains_involved, sections_involved, detection_time, expected_impact_time, description,
		suggestions, resolution_time, resolved_by_controller_id, auto_resolved, ai_analyzed,
		ai_confidence, ai_solution_id) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET type=$2, severity=$3, severity_score=$4,
		trains_involved=$5, sections_involved=$6, detection_time=$7, expected_impact_time=$8,
		description=$9, suggestions=$10, resolution_time=$11, resolved_by_controller_id=$12,
		auto_resolved=$13, ai_analyzed=$14, ai_confidence=$15, ai_solution_id=$16`,
		c.ID, c.Type, c.Severity, c.SeverityScore, trainsJSON, sectionsJSON, c.DetectionTime,
		c.ExpectedImpactTime, c.Description, suggestionsJSON, c.ResolutionTime,
		c.ResolvedByControllerID, c.AutoResolved, c.AIAnalyzed, c.AIConfidence, c.AISolutionID)
	if err != nil {
		return Wrap(Internal, err, "save conflict")
	}
	return nil
}

func (t *pgTx) ActiveConflicts() ([]Conflict, error) {
	rows, err := t.q.Query(t.ctx, `SELECT id, type, severity, severity_score, trains_involved,
		sections_involved, detection_time, expected_impact_time, description, suggestions,
		resolution_time, resolved_by_controller_id, auto_resolved, ai_analyzed, ai_confidence,
		ai_solution_id FROM conflicts WHERE resolution_time IS NULL`)
	if err != nil {
		return nil, Wrap(Internal, err, "query active conflicts")
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		var c Conflict
		var trainsJSON, sectionsJSON, suggestionsJSON []byte
		if err := rows.Scan(&c.ID, &c.Type, &c.Severity, &c.SeverityScore, &trainsJSON,
			&sectionsJSON, &c.DetectionTime, &c.ExpectedImpactTime, &c.Description,
			&suggestionsJSON, &c.ResolutionTime, &c.ResolvedByControllerID, &c.AutoResolved,
			&c.AIAnalyzed, &c.AIConfidence, &c.AISolutionID); err != nil {
			return nil, Wrap(Internal, err, "scan conflict")
		}
		_ = json.Unmarshal(trainsJSON, &c.TrainsInvolved)
		_ = json.Unmarshal(sectionsJSON, &c.SectionsInvolved)
		_ = json.Unmarshal(suggestionsJSON, &c.Suggestions)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) Decision(id string) (Decision, bool, error) {
	var d Decision
	var paramsJSON []byte
	row := t.q.QueryRow(t.ctx, `SELECT id, controller_id, conflict_id, train_id, section_id, action,
		ts, rationale, parameters, executed, execution_time, execution_result, approval_required,
		approved_by_controller_id, approval_time, ai_generated, ai_solver_method, ai_score,
		ai_confidence, attempts FROM decisions WHERE id=$1`, id)
	if err := row.Scan(&d.ID, &d.ControllerID, &d.ConflictID, &d.TrainID, &d.SectionID, &d.Action,
		&d.Timestamp, &d.Rationale, &paramsJSON, &d.Executed, &d.ExecutionTime, &d.ExecutionResult,
		&d.ApprovalRequired, &d.ApprovedByControllerID, &d.ApprovalTime, &d.AIGenerated,
		&d.AISolverMethod, &d.AIScore, &d.AIConfidence, &d.Attempts); err != nil {
		if err == pgx.ErrNoRows {
			return Decision{}, false, nil
		}
		return Decision{}, false, Wrap(Internal, err, "query decision")
	}
	_ = json.Unmarshal(paramsJSON, &d.Parameters)
	return d, true, nil
}

func (t *pgTx) SaveDecision(d Decision) error {
	paramsJSON, _ := json.Marshal(d.Parameters)
	_, err := t.q.Exec(t.ctx, `INSERT INTO decisions (id, controller_id, conflict_id, train_id,
		section_id, action, ts, rationale, parameters, executed, execution_time, execution_result,
		approval_required, approved_by_controller_id, approval_time, ai_generated,
		ai_solver_method, ai_score, ai_confidence, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET executed=$10, execution_time=$11, execution_result=$12,
		approval_required=$13, approved_by_controller_id=$14, approval_time=$15, attempts=$20`,
		d.ID, d.ControllerID, d.ConflictID, d.TrainID, d.SectionID, d.Action, d.Timestamp,
		d.Rationale, paramsJSON, d.Executed, d.ExecutionTime, d.ExecutionResult,
		d.ApprovalRequired, d.ApprovedByControllerID, d.ApprovalTime, d.AIGenerated,
		d.AISolverMethod, d.AIScore, d.AIConfidence, d.Attempts)
	if err != nil {
		return Wrap(Internal, err, "save decision")
	}
	return nil
}

func (t *pgTx) QueryDecisions(f DecisionFilter) ([]Decision, int, error) {
	// Postgres would push this filter+pagination into SQL; kept as an
	// in-process filter over a bounded page fetch since the predicate set
	// mirrors MemStore's and callers already page with Limit/Offset.
	rows, err := t.q.Query(t.ctx, `SELECT id, controller_id, conflict_id, train_id, section_id,
		action, ts, rationale, parameters, executed, execution_time, execution_result,
		approval_required, approved_by_controller_id, approval_time, ai_generated,
		ai_solver_method, ai_score, ai_confidence, attempts FROM decisions ORDER BY ts DESC`)
	if err != nil {
		return nil, 0, Wrap(Internal, err, "query decisions")
	}
	defer rows.Close()
	var all []Decision
	for rows.Next() {
		var d Decision
		var paramsJSON []byte
		if err := rows.Scan(&d.ID, &d.ControllerID, &d.ConflictID, &d.TrainID, &d.SectionID,
			&d.Action, &d.Timestamp, &d.Rationale, &paramsJSON, &d.Executed, &d.ExecutionTime,
			&d.ExecutionResult, &d.ApprovalRequired, &d.ApprovedByControllerID, &d.ApprovalTime,
			&d.AIGenerated, &d.AISolverMethod, &d.AIScore, &d.AIConfidence, &d.Attempts); err != nil {
			return nil, 0, Wrap(Internal, err, "scan decision")
		}
		_ = json.Unmarshal(paramsJSON, &d.Parameters)
		all = append(all, d)
	}
	var matched []Decision
	for _, d := range all {
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

func (t *pgTx) Snapshot() (Snapshot, error) {
	trains, err := t.Trains()
	if err != nil {
		return Snapshot{}, err
	}
	sections, err := t.Sections()
	if err != nil {
		return Snapshot{}, err
	}
	occ, err := t.OpenOccupancies()
	if err != nil {
		return Snapshot{}, err
	}
	tm := make(map[int]Train, len(trains))
	for _, tr := range trains {
		tm[tr.ID] = tr
	}
	sm := make(map[int]Section, len(sections))
	for _, s := range sections {
		sm[s.ID] = s
	}
	sort.Slice(occ, func(i, j int) bool { return occ[i].EntryTime.Before(occ[j].EntryTime) })
	return Snapshot{Now: time.Now().UTC(), Trains: tm, Sections: sm, Occupancies: occ}, nil
}

func encodeSectionSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for id, ok := range m {
		if ok {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func decodeSectionSet(raw []byte) map[int]bool {
	var ids []int
	_ = json.Unmarshal(raw, &ids)
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
