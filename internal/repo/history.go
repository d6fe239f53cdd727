package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"readyline/internal/db"
	"readyline/internal/domain"
)

func (r Repo) InsertStatusEvent(ctx context.Context, q db.DBTX, ev domain.StatusEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO status_events(org_id,unit_id,old_status,new_status,reason,actor_id,ts,details_json) VALUES (?,?,?,?,?,?,?,?)`,
		ev.OrgID, ev.UnitID, statusPtr(ev.OldStatus), string(ev.NewStatus), string(ev.Reason), nullableStringPtr(ev.ActorID), ev.TS, nullable(ev.Details))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListStatusEvents(ctx context.Context, unitID string, limit int) ([]domain.StatusEvent, error) {
	return r.ListStatusEventsTx(ctx, r.DB, unitID, limit)
}

// ListStatusEventsTx returns a unit's transitions oldest first.
func (r Repo) ListStatusEventsTx(ctx context.Context, q db.DBTX, unitID string, limit int) ([]domain.StatusEvent, error) {
	query := `SELECT id,org_id,unit_id,old_status,new_status,reason,actor_id,ts,COALESCE(details_json,'') FROM status_events WHERE unit_id=? ORDER BY id`
	args := []any{unitID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		var ev domain.StatusEvent
		var oldStatus, actor sql.NullString
		var newStatus, reason string
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.UnitID, &oldStatus, &newStatus, &reason, &actor, &ev.TS, &ev.Details); err != nil {
			return nil, err
		}
		if oldStatus.Valid {
			s := domain.Status(oldStatus.String)
			ev.OldStatus = &s
		}
		ev.NewStatus = domain.Status(newStatus)
		ev.Reason = domain.Reason(reason)
		ev.ActorID = stringPtr(actor)
		res = append(res, ev)
	}
	return res, rows.Err()
}

const escalationColumns = `id,org_id,unit_id,level,triggered_at,percent_elapsed,target_roles_json,recipients_json,state,
COALESCE(acknowledged_by,''),acknowledged_at,resolved_at`

func scanEscalation(s interface{ Scan(...any) error }) (domain.EscalationEvent, error) {
	var e domain.EscalationEvent
	var roles, recipients, state string
	var ackAt, resolvedAt sql.NullString
	if err := s.Scan(&e.ID, &e.OrgID, &e.UnitID, &e.Level, &e.TriggeredAt, &e.PercentElapsed, &roles, &recipients, &state,
		&e.AcknowledgedBy, &ackAt, &resolvedAt); err != nil {
		return e, err
	}
	var err error
	if e.TargetRoles, err = unmarshalStrings(roles); err != nil {
		return e, fmt.Errorf("escalation %s roles: %w", e.ID, err)
	}
	if e.Recipients, err = unmarshalStrings(recipients); err != nil {
		return e, fmt.Errorf("escalation %s recipients: %w", e.ID, err)
	}
	e.State = domain.EscalationState(state)
	e.AcknowledgedAt = stringPtr(ackAt)
	e.ResolvedAt = stringPtr(resolvedAt)
	return e, nil
}

func (r Repo) InsertEscalation(ctx context.Context, q db.DBTX, e domain.EscalationEvent) error {
	roles, err := marshalStrings(e.TargetRoles)
	if err != nil {
		return err
	}
	recipients, err := marshalStrings(e.Recipients)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO escalation_events(id,org_id,unit_id,level,triggered_at,percent_elapsed,target_roles_json,recipients_json,state)
VALUES (?,?,?,?,?,?,?,?,?)`, e.ID, e.OrgID, e.UnitID, e.Level, e.TriggeredAt, e.PercentElapsed, roles, recipients, string(e.State))
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.EscalationEvent, error) {
	return r.GetEscalationTx(ctx, r.DB, id)
}

func (r Repo) GetEscalationTx(ctx context.Context, q db.DBTX, id string) (domain.EscalationEvent, error) {
	e, err := scanEscalation(q.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalation_events WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type EscalationFilters struct {
	OrgID  string
	UnitID string
	States []domain.EscalationState
	Limit  int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.EscalationEvent, error) {
	return r.ListEscalationsTx(ctx, r.DB, f)
}

func (r Repo) ListEscalationsTx(ctx context.Context, q db.DBTX, f EscalationFilters) ([]domain.EscalationEvent, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, f.UnitID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalation_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY triggered_at, unit_id, level"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationEvent
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) AcknowledgeEscalation(ctx context.Context, q db.DBTX, id, actorID, now string) error {
	return exec1(ctx, q, `UPDATE escalation_events SET state='acknowledged', acknowledged_by=?, acknowledged_at=? WHERE id=? AND state='active'`,
		actorID, now, id)
}

// ResolveEscalations closes every open escalation of a unit and reports how many.
func (r Repo) ResolveEscalations(ctx context.Context, q db.DBTX, unitID, now string) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE escalation_events SET state='resolved', resolved_at=? WHERE unit_id=? AND state IN ('active','acknowledged')`,
		now, unitID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
