// Package lock provides named leases so that only one process runs the
// escalation sweep at a time. Leases expire on their own if a holder dies.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"readyline/internal/config"
)

// leaseFormat is fixed width so stored timestamps compare as strings.
const leaseFormat = "2006-01-02T15:04:05.000000000Z"

// Locker is satisfied by every lease backend.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// FromConfig returns the locker selected by escalation.lock_backend.
func FromConfig(cfg config.Escalation, conn *sql.DB) (Locker, error) {
	switch cfg.LockBackend {
	case "", "sqlite":
		return SQLite{DB: conn}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}
