// Package app resolves the workspace: database, config and org, and wires
// the engine with its collaborators.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/engine"
	"readyline/internal/identity"
	"readyline/internal/lock"
	"readyline/internal/migrate"
	"readyline/internal/repo"
)

// ErrNoWorkspace is returned when no readyline.yml exists and no org was
// given to seed one.
var ErrNoWorkspace = errors.New("workspace not initialized; run `rl init --org <id>`")

type Options struct {
	Workspace string
	// OrgOverride replaces org.id from readyline.yml.
	OrgOverride string
	Logger      *slog.Logger
}

// Context is an opened workspace.
type Context struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Identity identity.Service
	Logger   *slog.Logger
}

func (c *Context) OrgID() string {
	return c.Config.Org.ID
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// Open loads readyline.yml, opens and migrates the database and ensures the
// configured org exists.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		if strings.TrimSpace(opts.OrgOverride) == "" {
			return nil, ErrNoWorkspace
		}
		cfg = config.Default(opts.OrgOverride)
	}
	if opts.OrgOverride != "" {
		cfg.Org.ID = opts.OrgOverride
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureOrg(ctx, conn, cfg.Org.ID, cfg.Org.Name, now); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure org: %w", err)
	}
	locker, err := lock.FromConfig(cfg.Escalation, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg)
	e.Locker = locker
	e.Logger = logger
	return &Context{
		DB:       conn,
		Config:   cfg,
		Engine:   e,
		Identity: identity.Service{DB: conn},
		Logger:   logger,
	}, nil
}

// Init writes a default readyline.yml for orgID unless one exists, then
// opens the workspace. The initializing actor becomes an executive so that
// the first units it creates count immediately.
func Init(ctx context.Context, workspace, orgID, actorID string, logger *slog.Logger) (*Context, bool, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, false, errors.New("org id is required")
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, false, err
	}
	path := config.Path(workspace)
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
			return nil, false, fmt.Errorf("write config: %w", err)
		}
		created = true
	} else if err != nil {
		return nil, false, err
	}
	c, err := Open(ctx, Options{Workspace: workspace, Logger: logger})
	if err != nil {
		return nil, false, err
	}
	if actorID != "" {
		if err := c.Identity.AssignRole(ctx, c.OrgID(), actorID, "executive", identity.ActorProfile{}); err != nil {
			c.Close()
			return nil, false, fmt.Errorf("assign initial role: %w", err)
		}
	}
	return c, created, nil
}
