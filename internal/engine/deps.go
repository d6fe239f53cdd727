package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/repo"
	"readyline/internal/status"
)

// resolveDependencies reports whether every hard upstream of unitID is
// GREEN. Missing or archived upstreams count as unsatisfied.
func (e Engine) resolveDependencies(ctx context.Context, q db.DBTX, unitID string) (status.DependencyResult, error) {
	ups, err := e.Repo.HardUpstreamIDsTx(ctx, q, unitID)
	if err != nil {
		return status.DependencyResult{}, fmt.Errorf("load dependencies of %s: %w", unitID, err)
	}
	res := status.DependencyResult{HardSatisfied: true}
	for _, id := range ups {
		up, err := e.Repo.GetUnitTx(ctx, q, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return status.DependencyResult{}, fmt.Errorf("load upstream %s: %w", id, err)
		}
		if err != nil || up.Archived || up.Status != domain.StatusGreen {
			res.HardSatisfied = false
			res.Unsatisfied = append(res.Unsatisfied, id)
		}
	}
	return res, nil
}

// HardDependenciesSatisfied is the dependency resolver's read entry point.
func (e Engine) HardDependenciesSatisfied(ctx context.Context, unitID string) (bool, error) {
	res, err := e.resolveDependencies(ctx, e.DB, unitID)
	if err != nil {
		return false, err
	}
	return res.HardSatisfied, nil
}

type DependencyOptions struct {
	DownstreamID string
	UpstreamID   string
	Type         domain.DependencyType
	ActorID      string
}

// AddDependency records downstream -> upstream and recomputes the downstream
// unit. Re-adding an existing edge updates its type. Hard edges that would
// close a cycle are rejected.
func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.Dependency, []Transition, error) {
	if opts.Type == "" {
		opts.Type = domain.DependencyHard
	}
	if opts.Type != domain.DependencyHard && opts.Type != domain.DependencySoft {
		return domain.Dependency{}, nil, invalidf("dependency type must be hard or soft")
	}
	if opts.ActorID == "" {
		return domain.Dependency{}, nil, invalidf("actor is required")
	}
	if opts.DownstreamID == opts.UpstreamID {
		return domain.Dependency{}, nil, governance(CodeDependencySelfLoop, "unit %s cannot depend on itself", opts.DownstreamID)
	}
	d := domain.Dependency{
		DownstreamID: opts.DownstreamID,
		UpstreamID:   opts.UpstreamID,
		Type:         opts.Type,
		CreatedBy:    opts.ActorID,
		CreatedAt:    e.stamp(),
	}
	var transitions []Transition
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		down, err := e.Repo.GetUnitTx(ctx, tx, opts.DownstreamID)
		if err != nil {
			return fmt.Errorf("downstream %s: %w", opts.DownstreamID, err)
		}
		up, err := e.Repo.GetUnitTx(ctx, tx, opts.UpstreamID)
		if err != nil {
			return fmt.Errorf("upstream %s: %w", opts.UpstreamID, err)
		}
		if down.OrgID != up.OrgID {
			return invalidf("units %s and %s belong to different orgs", down.ID, up.ID)
		}
		if down.Archived || up.Archived {
			return governance(CodeUnitArchived, "archived units cannot gain dependencies")
		}
		if d.Type == domain.DependencyHard {
			if err := e.ensureNoCycle(ctx, tx, down.ID, up.ID); err != nil {
				return err
			}
		}
		if err := e.Repo.InsertDependency(ctx, tx, d); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		if err := e.audit(ctx, tx, "dependency.added", down.OrgID, "unit", down.ID, opts.ActorID, events.EventPayload{
			"upstream_id": up.ID,
			"type":        string(d.Type),
		}); err != nil {
			return err
		}
		transitions, err = e.newCascade(tx, opts.ActorID).execute(ctx, RecomputeRequest{
			UnitID:  down.ID,
			Reason:  domain.ReasonDependencyChanged,
			ActorID: opts.ActorID,
			Details: map[string]any{"upstream_id": up.ID, "dependency": "added"},
		})
		return err
	})
	if err != nil {
		return domain.Dependency{}, nil, err
	}
	return d, transitions, nil
}

func (e Engine) RemoveDependency(ctx context.Context, downstreamID, upstreamID, actorID string) ([]Transition, error) {
	if actorID == "" {
		return nil, invalidf("actor is required")
	}
	var transitions []Transition
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		down, err := e.Repo.GetUnitTx(ctx, tx, downstreamID)
		if err != nil {
			return fmt.Errorf("downstream %s: %w", downstreamID, err)
		}
		dep, err := e.Repo.GetDependencyTx(ctx, tx, downstreamID, upstreamID)
		if err != nil {
			return fmt.Errorf("dependency %s -> %s: %w", downstreamID, upstreamID, err)
		}
		if err := e.Repo.DeleteDependency(ctx, tx, downstreamID, upstreamID); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "dependency.removed", down.OrgID, "unit", down.ID, actorID, events.EventPayload{
			"upstream_id": upstreamID,
			"type":        string(dep.Type),
		}); err != nil {
			return err
		}
		transitions, err = e.newCascade(tx, actorID).execute(ctx, RecomputeRequest{
			UnitID:  down.ID,
			Reason:  domain.ReasonDependencyChanged,
			ActorID: actorID,
			Details: map[string]any{"upstream_id": upstreamID, "dependency": "removed"},
		})
		return err
	})
	return transitions, err
}

// ensureNoCycle walks hard upstream edges from upstreamID; reaching
// downstreamID means the new edge would close a loop.
func (e Engine) ensureNoCycle(ctx context.Context, q db.DBTX, downstreamID, upstreamID string) error {
	seen := map[string]bool{upstreamID: true}
	queue := []string{upstreamID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ups, err := e.Repo.HardUpstreamIDsTx(ctx, q, id)
		if err != nil {
			return err
		}
		for _, next := range ups {
			if next == downstreamID {
				return governance(CodeDependencyCycle, "hard dependency %s -> %s would create a cycle", downstreamID, upstreamID)
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return nil
}
