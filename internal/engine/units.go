package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/identity"
	"readyline/internal/ladder"
	"readyline/internal/status"
)

// UnitCreateOptions are parameters for creating a unit. A nil Ladder picks
// CRITICAL for high-criticality units and STANDARD otherwise.
type UnitCreateOptions struct {
	ID              string
	WorkstreamID    string
	Title           string
	OwnerName       string
	Requirement     domain.ProofRequirement
	HighCriticality bool
	Ladder          *ladder.Ladder
	Deadline        *time.Time
	ActorID         string
}

func validateRequirement(req domain.ProofRequirement) error {
	if req.Count < 0 {
		return invalidf("required count must be >= 0")
	}
	seen := map[domain.ProofType]bool{}
	for _, t := range req.Types {
		if !t.Valid() {
			return governance(CodeInvalidProofType, "unknown proof type %q", t)
		}
		if seen[t] {
			return invalidf("proof type %s listed twice", t)
		}
		seen[t] = true
	}
	return nil
}

func validateLadder(l ladder.Ladder) error {
	if err := l.Validate(); err != nil {
		return governance(CodeInvalidLadder, "%v", err)
	}
	return nil
}

// trusted reports whether actorID may create units that count immediately.
// An empty trusted_roles list trusts everyone.
func (e Engine) trusted(ctx context.Context, orgID, actorID string) (bool, error) {
	if e.Config == nil || len(e.Config.Governance.TrustedRoles) == 0 || e.Directory == nil {
		return true, nil
	}
	return e.Directory.HasAnyRole(ctx, orgID, actorID, e.Config.Governance.TrustedRoles)
}

func (e Engine) CreateUnit(ctx context.Context, opts UnitCreateOptions) (domain.Unit, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Unit{}, invalidf("title is required")
	}
	if opts.ActorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	if err := validateRequirement(opts.Requirement); err != nil {
		return domain.Unit{}, err
	}
	l := ladder.Standard()
	if opts.HighCriticality {
		l = ladder.Critical()
	}
	if opts.Ladder != nil {
		l = *opts.Ladder
	}
	if err := validateLadder(l); err != nil {
		return domain.Unit{}, err
	}
	ws, err := e.Repo.GetWorkstream(ctx, opts.WorkstreamID)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("workstream %s: %w", opts.WorkstreamID, err)
	}
	confirmed, err := e.trusted(ctx, ws.OrgID, opts.ActorID)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("check trusted roles: %w", err)
	}
	now := e.stamp()
	u := domain.Unit{
		ID:               newID(opts.ID),
		OrgID:            ws.OrgID,
		WorkstreamID:     ws.ID,
		Title:            opts.Title,
		OwnerName:        opts.OwnerName,
		Requirement:      opts.Requirement,
		HighCriticality:  opts.HighCriticality,
		StatusComputedAt: now,
		Ladder:           l,
		Confirmed:        confirmed,
		CreatedBy:        opts.ActorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.Deadline != nil {
		d := opts.Deadline.UTC().Format(time.RFC3339)
		u.Deadline = &d
	}
	u.Status = status.Compute(u, nil, status.Satisfied(), e.now())
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertUnit(ctx, tx, u); err != nil {
			return fmt.Errorf("insert unit: %w", err)
		}
		if err := e.writeStatusEvent(ctx, tx, u, nil, u.Status, domain.ReasonUnitCreated, opts.ActorID, nil, now); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "unit.created", u.OrgID, "unit", u.ID, opts.ActorID, events.EventPayload{
			"workstream_id": u.WorkstreamID,
			"status":        string(u.Status),
			"confirmed":     u.Confirmed,
			"ladder":        string(u.Ladder.Kind),
		}); err != nil {
			return err
		}
		c := e.newCascade(tx, opts.ActorID)
		if u.Confirmed {
			c.markWorkstream(u.WorkstreamID)
		}
		return c.finish(ctx)
	})
	if err != nil {
		return domain.Unit{}, err
	}
	return u, nil
}

// ConfirmUnit brings an unconfirmed unit into aggregation and escalation.
// The confirming actor must hold a trusted role.
func (e Engine) ConfirmUnit(ctx context.Context, unitID, actorID string) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	u, err := e.Repo.GetUnit(ctx, unitID)
	if err != nil {
		return domain.Unit{}, err
	}
	ok, err := e.trusted(ctx, u.OrgID, actorID)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("check trusted roles: %w", err)
	}
	if !ok {
		return domain.Unit{}, identity.ForbiddenError{Action: "unit.confirm", Resource: unitID}
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if u.Confirmed {
			return nil
		}
		if err := e.Repo.SetUnitConfirmed(ctx, tx, u.ID, c.now); err != nil {
			return err
		}
		c.markWorkstream(u.WorkstreamID)
		c.enqueue(RecomputeRequest{UnitID: u.ID, Reason: domain.ReasonUnitConfirmed, ActorID: actorID})
		return e.audit(ctx, tx, "unit.confirmed", u.OrgID, "unit", u.ID, actorID, nil)
	})
}

// ArchiveUnit soft-deletes a unit. History is kept; open escalations are
// resolved and hard dependents fail closed.
func (e Engine) ArchiveUnit(ctx context.Context, unitID, actorID string) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is already archived", u.ID)
		}
		if err := e.Repo.SetUnitArchived(ctx, tx, u.ID, c.now); err != nil {
			return err
		}
		prev := u.Status
		if err := e.writeStatusEvent(ctx, tx, u, &prev, u.Status, domain.ReasonUnitArchived, actorID, nil, c.now); err != nil {
			return err
		}
		if err := e.clearEscalations(ctx, tx, u, actorID, c.now); err != nil {
			return err
		}
		c.visited[u.ID] = true
		if u.Confirmed {
			c.markWorkstream(u.WorkstreamID)
		}
		dependents, err := e.Repo.HardDependentsTx(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		for _, id := range dependents {
			c.enqueue(RecomputeRequest{
				UnitID:  id,
				Reason:  domain.ReasonDependencyChanged,
				ActorID: actorID,
				Details: map[string]any{"upstream_id": u.ID, "upstream_archived": true},
			})
		}
		return e.audit(ctx, tx, "unit.archived", u.OrgID, "unit", u.ID, actorID, events.EventPayload{"status": string(u.Status)})
	})
}

// BlockUnit sets the explicit block flag. Re-blocking a blocked unit
// replaces the reason.
func (e Engine) BlockUnit(ctx context.Context, unitID, actorID, reason string) (domain.Unit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Unit{}, governance(CodeBlockReasonRequired, "a non-empty reason is required to block a unit")
	}
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if err := e.Repo.SetUnitBlock(ctx, tx, u.ID, true, reason, actorID, c.now); err != nil {
			return err
		}
		c.enqueue(RecomputeRequest{UnitID: u.ID, Reason: domain.ReasonManualBlock, ActorID: actorID, Details: map[string]any{"block_reason": reason}})
		return e.audit(ctx, tx, "unit.blocked", u.OrgID, "unit", u.ID, actorID, events.EventPayload{
			"reason":          reason,
			"previous_reason": u.BlockReason,
		})
	})
}

func (e Engine) UnblockUnit(ctx context.Context, unitID, actorID string) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if !u.Blocked {
			return nil
		}
		if err := e.Repo.SetUnitBlock(ctx, tx, u.ID, false, "", actorID, c.now); err != nil {
			return err
		}
		c.enqueue(RecomputeRequest{UnitID: u.ID, Reason: domain.ReasonManualUnblock, ActorID: actorID})
		return e.audit(ctx, tx, "unit.unblocked", u.OrgID, "unit", u.ID, actorID, events.EventPayload{"previous_reason": u.BlockReason})
	})
}

// UpdateUnitRequirements replaces the proof configuration. A nil
// highCriticality keeps the current flag.
func (e Engine) UpdateUnitRequirements(ctx context.Context, unitID, actorID string, req domain.ProofRequirement, highCriticality *bool) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	if err := validateRequirement(req); err != nil {
		return domain.Unit{}, err
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		critical := u.HighCriticality
		if highCriticality != nil {
			critical = *highCriticality
		}
		if err := e.Repo.SetUnitRequirement(ctx, tx, u.ID, req, critical, c.now); err != nil {
			return err
		}
		c.enqueue(RecomputeRequest{UnitID: u.ID, Reason: domain.ReasonRequirementsChanged, ActorID: actorID})
		return e.audit(ctx, tx, "unit.requirements.updated", u.OrgID, "unit", u.ID, actorID, events.EventPayload{
			"count":            req.Count,
			"types":            req.Types,
			"high_criticality": critical,
		})
	})
}

// SetDeadline sets or clears the required-by deadline.
func (e Engine) SetDeadline(ctx context.Context, unitID, actorID string, deadline *time.Time) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	var value *string
	if deadline != nil {
		d := deadline.UTC().Format(time.RFC3339)
		value = &d
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if err := e.Repo.SetUnitDeadline(ctx, tx, u.ID, value, c.now); err != nil {
			return err
		}
		return e.audit(ctx, tx, "unit.deadline.set", u.OrgID, "unit", u.ID, actorID, events.EventPayload{"deadline": value})
	})
}

// SetLadder swaps the escalation ladder. The current level is kept; a unit
// already at or above the new ladder's top simply stops escalating.
func (e Engine) SetLadder(ctx context.Context, unitID, actorID string, l ladder.Ladder) (domain.Unit, error) {
	if actorID == "" {
		return domain.Unit{}, invalidf("actor is required")
	}
	if err := validateLadder(l); err != nil {
		return domain.Unit{}, err
	}
	return e.mutateUnit(ctx, unitID, actorID, func(tx *sql.Tx, u domain.Unit, c *cascade) error {
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if err := e.Repo.SetUnitLadder(ctx, tx, u.ID, l, c.now); err != nil {
			return err
		}
		return e.audit(ctx, tx, "unit.ladder.set", u.OrgID, "unit", u.ID, actorID, events.EventPayload{
			"kind":       string(l.Kind),
			"thresholds": l.Thresholds(),
		})
	})
}

// Recompute re-evaluates a unit on demand, for example after a proof
// expiry date has passed.
func (e Engine) Recompute(ctx context.Context, unitID, actorID string, reason domain.Reason) ([]Transition, error) {
	if reason == "" {
		reason = domain.ReasonEvidenceRemoved
	}
	var transitions []Transition
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		transitions, err = e.newCascade(tx, actorID).execute(ctx, RecomputeRequest{UnitID: unitID, Reason: reason, ActorID: actorID})
		return err
	})
	return transitions, err
}

// mutateUnit loads the unit in a transaction, applies fn, drains the cascade
// fn seeded and returns the unit as committed.
func (e Engine) mutateUnit(ctx context.Context, unitID, actorID string, fn func(tx *sql.Tx, u domain.Unit, c *cascade) error) (domain.Unit, error) {
	var out domain.Unit
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		u, err := e.Repo.GetUnitTx(ctx, tx, unitID)
		if err != nil {
			return fmt.Errorf("unit %s: %w", unitID, err)
		}
		c := e.newCascade(tx, actorID)
		if err := fn(tx, u, c); err != nil {
			return err
		}
		if _, err := c.execute(ctx); err != nil {
			return err
		}
		out, err = e.Repo.GetUnitTx(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return domain.Unit{}, err
	}
	return out, nil
}
