package lock

import (
	"context"
	"database/sql"
	"time"
)

// SQLite keeps leases in the sweep_locks table of the workspace database.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l SQLite) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Acquire takes the lease when it is free, expired or already held by owner.
func (l SQLite) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	res, err := l.DB.ExecContext(ctx, `INSERT INTO sweep_locks(name, owner, acquired_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE sweep_locks.expires_at <= excluded.acquired_at OR sweep_locks.owner = excluded.owner`,
		name, owner, now.Format(leaseFormat), now.Add(ttl).Format(leaseFormat))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if owner still holds it.
func (l SQLite) Release(ctx context.Context, name, owner string) error {
	_, err := l.DB.ExecContext(ctx, `DELETE FROM sweep_locks WHERE name=? AND owner=?`, name, owner)
	return err
}
