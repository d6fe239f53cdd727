package repo

import (
	"context"

	"readyline/internal/db"
	"readyline/internal/domain"
)

func (r Repo) InsertDependency(ctx context.Context, q db.DBTX, d domain.Dependency) error {
	_, err := q.ExecContext(ctx, `INSERT INTO unit_deps(downstream_id,upstream_id,type,created_by,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(downstream_id,upstream_id) DO UPDATE SET type=excluded.type`,
		d.DownstreamID, d.UpstreamID, string(d.Type), d.CreatedBy, d.CreatedAt)
	return err
}

func (r Repo) DeleteDependency(ctx context.Context, q db.DBTX, downstreamID, upstreamID string) error {
	return exec1(ctx, q, `DELETE FROM unit_deps WHERE downstream_id=? AND upstream_id=?`, downstreamID, upstreamID)
}

func (r Repo) GetDependencyTx(ctx context.Context, q db.DBTX, downstreamID, upstreamID string) (domain.Dependency, error) {
	deps, err := queryDeps(ctx, q, `SELECT downstream_id,upstream_id,type,created_by,created_at FROM unit_deps WHERE downstream_id=? AND upstream_id=?`,
		downstreamID, upstreamID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if len(deps) == 0 {
		return domain.Dependency{}, ErrNotFound
	}
	return deps[0], nil
}

func (r Repo) ListUpstream(ctx context.Context, unitID string) ([]domain.Dependency, error) {
	return r.ListUpstreamTx(ctx, r.DB, unitID)
}

// ListUpstreamTx returns the edges where unitID is the downstream side.
func (r Repo) ListUpstreamTx(ctx context.Context, q db.DBTX, unitID string) ([]domain.Dependency, error) {
	return queryDeps(ctx, q, `SELECT downstream_id,upstream_id,type,created_by,created_at FROM unit_deps WHERE downstream_id=? ORDER BY upstream_id`, unitID)
}

func (r Repo) ListDownstream(ctx context.Context, unitID string) ([]domain.Dependency, error) {
	return r.ListDownstreamTx(ctx, r.DB, unitID)
}

// ListDownstreamTx returns the edges where unitID is the upstream side.
func (r Repo) ListDownstreamTx(ctx context.Context, q db.DBTX, unitID string) ([]domain.Dependency, error) {
	return queryDeps(ctx, q, `SELECT downstream_id,upstream_id,type,created_by,created_at FROM unit_deps WHERE upstream_id=? ORDER BY downstream_id`, unitID)
}

// HardDependentsTx lists units that declare a hard dependency on unitID.
func (r Repo) HardDependentsTx(ctx context.Context, q db.DBTX, unitID string) ([]string, error) {
	return queryIDs(ctx, q, `SELECT downstream_id FROM unit_deps WHERE upstream_id=? AND type='hard' ORDER BY downstream_id`, unitID)
}

// HardUpstreamIDsTx lists the hard upstreams of unitID.
func (r Repo) HardUpstreamIDsTx(ctx context.Context, q db.DBTX, unitID string) ([]string, error) {
	return queryIDs(ctx, q, `SELECT upstream_id FROM unit_deps WHERE downstream_id=? AND type='hard' ORDER BY upstream_id`, unitID)
}

func queryDeps(ctx context.Context, q db.DBTX, query string, args ...any) ([]domain.Dependency, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		var typ string
		if err := rows.Scan(&d.DownstreamID, &d.UpstreamID, &typ, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Type = domain.DependencyType(typ)
		res = append(res, d)
	}
	return res, rows.Err()
}

func queryIDs(ctx context.Context, q db.DBTX, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
