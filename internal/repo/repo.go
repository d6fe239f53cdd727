package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"readyline/internal/db"
	"readyline/internal/domain"
)

// Repo is the SQL persistence layer. Methods suffixed Tx run on the caller's
// transaction; the rest use DB directly and must not be called while a
// transaction is open on the single-connection pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) EnsureOrg(ctx context.Context, q db.DBTX, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) OrgExists(ctx context.Context, orgID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM organizations WHERE id=?`, orgID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) EnsureActor(ctx context.Context, q db.DBTX, actorID, now string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertProgram(ctx context.Context, q db.DBTX, p domain.Program) error {
	_, err := q.ExecContext(ctx, `INSERT INTO programs(id,org_id,name,created_by,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.CreatedBy, p.CreatedAt)
	return err
}

func (r Repo) GetProgram(ctx context.Context, id string) (domain.Program, error) {
	return r.GetProgramTx(ctx, r.DB, id)
}

func (r Repo) GetProgramTx(ctx context.Context, q db.DBTX, id string) (domain.Program, error) {
	var p domain.Program
	err := q.QueryRowContext(ctx, `SELECT id,org_id,name,created_by,created_at FROM programs WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPrograms(ctx context.Context, orgID string) ([]domain.Program, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_by,created_at FROM programs WHERE org_id=? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Program
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const workstreamColumns = `id,org_id,program_id,name,status,status_computed_at,created_by,created_at`

func scanWorkstream(s interface{ Scan(...any) error }) (domain.Workstream, error) {
	var w domain.Workstream
	var st, computed sql.NullString
	if err := s.Scan(&w.ID, &w.OrgID, &w.ProgramID, &w.Name, &st, &computed, &w.CreatedBy, &w.CreatedAt); err != nil {
		return w, err
	}
	if st.Valid {
		v := domain.Status(st.String)
		w.Status = &v
	}
	w.StatusComputedAt = stringPtr(computed)
	return w, nil
}

func (r Repo) InsertWorkstream(ctx context.Context, q db.DBTX, w domain.Workstream) error {
	_, err := q.ExecContext(ctx, `INSERT INTO workstreams(id,org_id,program_id,name,status,status_computed_at,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.OrgID, w.ProgramID, w.Name, statusPtr(w.Status), nullableStringPtr(w.StatusComputedAt), w.CreatedBy, w.CreatedAt)
	return err
}

func (r Repo) GetWorkstream(ctx context.Context, id string) (domain.Workstream, error) {
	return r.GetWorkstreamTx(ctx, r.DB, id)
}

func (r Repo) GetWorkstreamTx(ctx context.Context, q db.DBTX, id string) (domain.Workstream, error) {
	w, err := scanWorkstream(q.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkstreams(ctx context.Context, orgID, programID string) ([]domain.Workstream, error) {
	clauses := []string{"org_id=?"}
	args := []any{orgID}
	if programID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, programID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWorkstreamStatus stores an aggregated status; nil means no eligible units.
func (r Repo) UpdateWorkstreamStatus(ctx context.Context, q db.DBTX, id string, st *domain.Status, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE workstreams SET status=?, status_computed_at=? WHERE id=?`, statusPtr(st), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func statusPtr(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
