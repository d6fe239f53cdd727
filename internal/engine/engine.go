package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/identity"
	"readyline/internal/repo"
)

// SweepLocker is a named lease shared between processes so only one
// escalation sweep runs at a time.
type SweepLocker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Directory identity.Directory
	Locker    SweepLocker
	Logger    *slog.Logger
	Now       func() time.Time

	// sweepMu is shared by copies of the Engine value.
	sweepMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Directory: identity.Service{DB: db},
		Now:       time.Now,
		sweepMu:   &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// audit appends an event stamped with the engine clock unless the writer
// carries its own.
func (e Engine) audit(ctx context.Context, q db.DBTX, evtType, orgID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, q, evtType, orgID, entityKind, entityID, actorID, payload)
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ErrInvalidInput marks malformed requests that are not governance violations.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Governance violation codes.
const (
	CodeSeparationOfDuties     = "separation_of_duties"
	CodeApprovalNotPending     = "approval_not_pending"
	CodeImmutableField         = "immutable_field"
	CodeBlockReasonRequired    = "block_reason_required"
	CodeMissingStructuredField = "missing_structured_field"
	CodeElevatedRoleRequired   = "elevated_role_required"
	CodeInvalidLadder          = "invalid_ladder"
	CodeDependencySelfLoop     = "dependency_self_loop"
	CodeDependencyCycle        = "dependency_cycle"
	CodeUnitArchived           = "unit_archived"
	CodeInvalidProofType       = "invalid_proof_type"
	CodeEscalationNotActive    = "escalation_not_active"
)

// GovernanceError is a rejected write. The transaction that raised it is
// rolled back, so nothing it touched is persisted.
type GovernanceError struct {
	Code    string
	Message string
}

func (e GovernanceError) Error() string {
	return e.Code + ": " + e.Message
}

func governance(code, format string, args ...any) error {
	return GovernanceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsGovernance unwraps a GovernanceError.
func AsGovernance(err error) (GovernanceError, bool) {
	var ge GovernanceError
	if errors.As(err, &ge) {
		return ge, true
	}
	return GovernanceError{}, false
}

// withTx runs fn in an immediate-mode transaction. Repository calls inside
// fn must use tx, never e.DB: the pool has one connection.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func newID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}

// CreateProgram registers a program under an org, creating the org on first use.
func (e Engine) CreateProgram(ctx context.Context, orgID, id, name, actorID string) (domain.Program, error) {
	if strings.TrimSpace(orgID) == "" {
		return domain.Program{}, invalidf("org is required")
	}
	if strings.TrimSpace(name) == "" {
		return domain.Program{}, invalidf("name is required")
	}
	if actorID == "" {
		return domain.Program{}, invalidf("actor is required")
	}
	p := domain.Program{ID: newID(id), OrgID: orgID, Name: name, CreatedBy: actorID, CreatedAt: e.stamp()}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureOrg(ctx, tx, orgID, "", p.CreatedAt); err != nil {
			return fmt.Errorf("ensure org: %w", err)
		}
		if err := e.Repo.EnsureActor(ctx, tx, actorID, p.CreatedAt); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertProgram(ctx, tx, p); err != nil {
			return fmt.Errorf("insert program: %w", err)
		}
		return e.audit(ctx, tx, "program.created", orgID, "program", p.ID, actorID, events.EventPayload{"name": name})
	})
	if err != nil {
		return domain.Program{}, err
	}
	return p, nil
}

// CreateWorkstream adds a workstream to a program. Its status stays null until
// an eligible unit exists.
func (e Engine) CreateWorkstream(ctx context.Context, programID, id, name, actorID string) (domain.Workstream, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Workstream{}, invalidf("name is required")
	}
	if actorID == "" {
		return domain.Workstream{}, invalidf("actor is required")
	}
	prog, err := e.Repo.GetProgram(ctx, programID)
	if err != nil {
		return domain.Workstream{}, fmt.Errorf("program %s: %w", programID, err)
	}
	w := domain.Workstream{ID: newID(id), OrgID: prog.OrgID, ProgramID: prog.ID, Name: name, CreatedBy: actorID, CreatedAt: e.stamp()}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, w.CreatedAt); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertWorkstream(ctx, tx, w); err != nil {
			return fmt.Errorf("insert workstream: %w", err)
		}
		return e.audit(ctx, tx, "workstream.created", w.OrgID, "workstream", w.ID, actorID, events.EventPayload{"program_id": prog.ID, "name": name})
	})
	if err != nil {
		return domain.Workstream{}, err
	}
	return w, nil
}
