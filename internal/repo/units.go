package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/ladder"
)

const unitColumns = `id,org_id,workstream_id,title,COALESCE(owner_name,''),required_count,COALESCE(required_types_json,''),
requires_reviewer_approval,requires_reference_number,requires_expiry_date,high_criticality,status,status_computed_at,
escalation_level,last_escalated_at,ladder_json,blocked,COALESCE(block_reason,''),COALESCE(blocked_by,''),blocked_at,
deadline,confirmed,archived,created_by,created_at,updated_at`

func scanUnit(s interface{ Scan(...any) error }) (domain.Unit, error) {
	var (
		u                                  domain.Unit
		typesJSON, ladderJSON, st          string
		approval, ref, expiry, critical    int
		blocked, confirmed, archived       int
		lastEscalated, blockedAt, deadline sql.NullString
	)
	if err := s.Scan(&u.ID, &u.OrgID, &u.WorkstreamID, &u.Title, &u.OwnerName, &u.Requirement.Count, &typesJSON,
		&approval, &ref, &expiry, &critical, &st, &u.StatusComputedAt,
		&u.EscalationLevel, &lastEscalated, &ladderJSON, &blocked, &u.BlockReason, &u.BlockedBy, &blockedAt,
		&deadline, &confirmed, &archived, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	if typesJSON != "" {
		if err := json.Unmarshal([]byte(typesJSON), &u.Requirement.Types); err != nil {
			return u, fmt.Errorf("unit %s proof types: %w", u.ID, err)
		}
	}
	l, err := ladder.FromJSON(ladderJSON)
	if err != nil {
		return u, fmt.Errorf("unit %s: %w", u.ID, err)
	}
	u.Ladder = l
	u.Requirement.RequiresReviewerApproval = approval == 1
	u.Requirement.RequiresReferenceNumber = ref == 1
	u.Requirement.RequiresExpiryDate = expiry == 1
	u.HighCriticality = critical == 1
	u.Status = domain.Status(st)
	u.LastEscalatedAt = stringPtr(lastEscalated)
	u.Blocked = blocked == 1
	u.BlockedAt = stringPtr(blockedAt)
	u.Deadline = stringPtr(deadline)
	u.Confirmed = confirmed == 1
	u.Archived = archived == 1
	return u, nil
}

func encodeTypes(types []domain.ProofType) (any, error) {
	if len(types) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(types)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r Repo) InsertUnit(ctx context.Context, q db.DBTX, u domain.Unit) error {
	types, err := encodeTypes(u.Requirement.Types)
	if err != nil {
		return err
	}
	ladderJSON, err := u.Ladder.JSON()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO units(id,org_id,workstream_id,title,owner_name,required_count,required_types_json,
requires_reviewer_approval,requires_reference_number,requires_expiry_date,high_criticality,status,status_computed_at,
escalation_level,last_escalated_at,ladder_json,blocked,block_reason,blocked_by,blocked_at,deadline,confirmed,archived,
created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.OrgID, u.WorkstreamID, u.Title, nullable(u.OwnerName), u.Requirement.Count, types,
		boolInt(u.Requirement.RequiresReviewerApproval), boolInt(u.Requirement.RequiresReferenceNumber),
		boolInt(u.Requirement.RequiresExpiryDate), boolInt(u.HighCriticality), string(u.Status), u.StatusComputedAt,
		u.EscalationLevel, nullableStringPtr(u.LastEscalatedAt), ladderJSON, boolInt(u.Blocked), nullable(u.BlockReason),
		nullable(u.BlockedBy), nullableStringPtr(u.BlockedAt), nullableStringPtr(u.Deadline), boolInt(u.Confirmed),
		boolInt(u.Archived), u.CreatedBy, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	return r.GetUnitTx(ctx, r.DB, id)
}

func (r Repo) GetUnitTx(ctx context.Context, q db.DBTX, id string) (domain.Unit, error) {
	u, err := scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// UnitFilters narrows ListUnits. Archived units are skipped unless
// IncludeArchived is set.
type UnitFilters struct {
	OrgID           string
	WorkstreamID    string
	Status          string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListUnits(ctx context.Context, f UnitFilters) ([]domain.Unit, error) {
	return r.ListUnitsTx(ctx, r.DB, f)
}

func (r Repo) ListUnitsTx(ctx context.Context, q db.DBTX, f UnitFilters) ([]domain.Unit, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.WorkstreamID != "" {
		clauses = append(clauses, "workstream_id=?")
		args = append(args, f.WorkstreamID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	query := `SELECT ` + unitColumns + ` FROM units`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryUnits(ctx, q, query, args...)
}

// EscalationCandidates returns RED, unblocked, confirmed, live units that
// carry a deadline and have not reached their ladder's top level.
func (r Repo) EscalationCandidates(ctx context.Context, orgID string) ([]domain.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units
WHERE status='RED' AND blocked=0 AND confirmed=1 AND archived=0 AND deadline IS NOT NULL`
	var args []any
	if orgID != "" {
		query += " AND org_id=?"
		args = append(args, orgID)
	}
	query += " ORDER BY deadline, id"
	units, err := queryUnits(ctx, r.DB, query, args...)
	if err != nil {
		return nil, err
	}
	out := units[:0]
	for _, u := range units {
		if u.EscalationLevel < u.Ladder.MaxLevel() {
			out = append(out, u)
		}
	}
	return out, nil
}

func queryUnits(ctx context.Context, q db.DBTX, query string, args ...any) ([]domain.Unit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UpdateUnitStatus is the only writer of a unit's computed status.
func (r Repo) UpdateUnitStatus(ctx context.Context, q db.DBTX, id string, st domain.Status, now string) error {
	return exec1(ctx, q, `UPDATE units SET status=?, status_computed_at=?, updated_at=? WHERE id=?`, string(st), now, now, id)
}

// TouchUnitStatus records that a recompute ran without changing the value.
func (r Repo) TouchUnitStatus(ctx context.Context, q db.DBTX, id, now string) error {
	return exec1(ctx, q, `UPDATE units SET status_computed_at=? WHERE id=?`, now, id)
}

func (r Repo) SetUnitEscalation(ctx context.Context, q db.DBTX, id string, level int, lastEscalatedAt *string, now string) error {
	return exec1(ctx, q, `UPDATE units SET escalation_level=?, last_escalated_at=?, updated_at=? WHERE id=?`,
		level, nullableStringPtr(lastEscalatedAt), now, id)
}

// ResetUnitEscalation drops the level to 0 and keeps last_escalated_at for history.
func (r Repo) ResetUnitEscalation(ctx context.Context, q db.DBTX, id, now string) error {
	return exec1(ctx, q, `UPDATE units SET escalation_level=0, updated_at=? WHERE id=?`, now, id)
}

func (r Repo) SetUnitBlock(ctx context.Context, q db.DBTX, id string, blocked bool, reason, actorID, now string) error {
	if !blocked {
		return exec1(ctx, q, `UPDATE units SET blocked=0, block_reason=NULL, blocked_by=NULL, blocked_at=NULL, updated_at=? WHERE id=?`, now, id)
	}
	return exec1(ctx, q, `UPDATE units SET blocked=1, block_reason=?, blocked_by=?, blocked_at=?, updated_at=? WHERE id=?`,
		reason, actorID, now, now, id)
}

func (r Repo) SetUnitConfirmed(ctx context.Context, q db.DBTX, id, now string) error {
	return exec1(ctx, q, `UPDATE units SET confirmed=1, updated_at=? WHERE id=?`, now, id)
}

func (r Repo) SetUnitArchived(ctx context.Context, q db.DBTX, id, now string) error {
	return exec1(ctx, q, `UPDATE units SET archived=1, updated_at=? WHERE id=?`, now, id)
}

func (r Repo) SetUnitRequirement(ctx context.Context, q db.DBTX, id string, req domain.ProofRequirement, highCriticality bool, now string) error {
	types, err := encodeTypes(req.Types)
	if err != nil {
		return err
	}
	return exec1(ctx, q, `UPDATE units SET required_count=?, required_types_json=?, requires_reviewer_approval=?,
requires_reference_number=?, requires_expiry_date=?, high_criticality=?, updated_at=? WHERE id=?`,
		req.Count, types, boolInt(req.RequiresReviewerApproval), boolInt(req.RequiresReferenceNumber),
		boolInt(req.RequiresExpiryDate), boolInt(highCriticality), now, id)
}

func (r Repo) SetUnitDeadline(ctx context.Context, q db.DBTX, id string, deadline *string, now string) error {
	return exec1(ctx, q, `UPDATE units SET deadline=?, updated_at=? WHERE id=?`, nullableStringPtr(deadline), now, id)
}

func (r Repo) SetUnitLadder(ctx context.Context, q db.DBTX, id string, l ladder.Ladder, now string) error {
	data, err := l.JSON()
	if err != nil {
		return err
	}
	return exec1(ctx, q, `UPDATE units SET ladder_json=?, updated_at=? WHERE id=?`, data, now, id)
}

// exec1 runs an update that must touch exactly one row.
func exec1(ctx context.Context, q db.DBTX, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
