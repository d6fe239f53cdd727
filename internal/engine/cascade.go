package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/metrics"
	"readyline/internal/repo"
	"readyline/internal/status"
)

var tracer = otel.Tracer("readyline.engine")

// RecomputeRequest asks the cascade to re-evaluate one unit.
type RecomputeRequest struct {
	UnitID  string
	Reason  domain.Reason
	ActorID string
	Details map[string]any
}

// Transition is one persisted status change produced by a cascade.
type Transition struct {
	UnitID string        `json:"unit_id"`
	From   domain.Status `json:"from"`
	To     domain.Status `json:"to"`
	Reason domain.Reason `json:"reason"`
}

// cascade recomputes units inside a single transaction. Units are visited
// breadth first and at most once per pass, so a cycle in the stored graph
// terminates instead of looping. Workstreams touched along the way are
// re-aggregated once in finish.
type cascade struct {
	e           Engine
	tx          *sql.Tx
	at          time.Time
	now         string
	actorID     string
	queue       []RecomputeRequest
	visited     map[string]bool
	workstreams map[string]bool
	wsOrder     []string
	transitions []Transition
}

func (e Engine) newCascade(tx *sql.Tx, actorID string) *cascade {
	return e.newCascadeAt(tx, actorID, e.now())
}

// newCascadeAt evaluates proof expiry against at instead of the engine clock.
func (e Engine) newCascadeAt(tx *sql.Tx, actorID string, at time.Time) *cascade {
	return &cascade{
		e:           e,
		tx:          tx,
		at:          at,
		now:         at.UTC().Format(time.RFC3339),
		actorID:     actorID,
		visited:     map[string]bool{},
		workstreams: map[string]bool{},
	}
}

func (c *cascade) markWorkstream(id string) {
	if id == "" || c.workstreams[id] {
		return
	}
	c.workstreams[id] = true
	c.wsOrder = append(c.wsOrder, id)
}

func (c *cascade) enqueue(reqs ...RecomputeRequest) {
	c.queue = append(c.queue, reqs...)
}

// run drains the queue. A missing unit is skipped; its dependents already
// fail closed because the resolver treats an absent upstream as unsatisfied.
func (c *cascade) run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.cascade", trace.WithAttributes(attribute.Int("cascade.seed", len(c.queue))))
	defer span.End()
	processed := 0
	for len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		if c.visited[req.UnitID] {
			continue
		}
		c.visited[req.UnitID] = true
		processed++
		if err := c.recomputeOne(ctx, req); err != nil {
			span.RecordError(err)
			return err
		}
	}
	span.SetAttributes(attribute.Int("cascade.units", processed))
	metrics.CascadeSize(processed)
	return nil
}

func (c *cascade) recomputeOne(ctx context.Context, req RecomputeRequest) error {
	u, err := c.e.Repo.GetUnitTx(ctx, c.tx, req.UnitID)
	if errors.Is(err, repo.ErrNotFound) {
		c.e.log().Warn("recompute skipped: unit not found", "unit_id", req.UnitID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load unit %s: %w", req.UnitID, err)
	}
	if u.Archived {
		return nil
	}
	proofs, err := c.e.Repo.ListProofsTx(ctx, c.tx, u.ID)
	if err != nil {
		return fmt.Errorf("load proofs for %s: %w", u.ID, err)
	}
	deps, err := c.e.resolveDependencies(ctx, c.tx, u.ID)
	if err != nil {
		return err
	}
	next := status.Compute(u, proofs, deps, c.at)
	changed := next != u.Status
	metrics.Recomputed(changed)
	if !changed {
		return c.e.Repo.TouchUnitStatus(ctx, c.tx, u.ID, c.now)
	}
	if err := c.e.Repo.UpdateUnitStatus(ctx, c.tx, u.ID, next, c.now); err != nil {
		return fmt.Errorf("persist status for %s: %w", u.ID, err)
	}
	prev := u.Status
	if err := c.e.writeStatusEvent(ctx, c.tx, u, &prev, next, req.Reason, req.ActorID, req.Details, c.now); err != nil {
		return err
	}
	c.transitions = append(c.transitions, Transition{UnitID: u.ID, From: prev, To: next, Reason: req.Reason})
	c.e.log().Debug("unit status changed", "unit_id", u.ID, "org_id", u.OrgID, "from", prev, "to", next, "reason", req.Reason)
	if u.Eligible() {
		c.markWorkstream(u.WorkstreamID)
	}
	if next == domain.StatusGreen {
		if err := c.e.clearEscalations(ctx, c.tx, u, req.ActorID, c.now); err != nil {
			return err
		}
	}
	dependents, err := c.e.Repo.HardDependentsTx(ctx, c.tx, u.ID)
	if err != nil {
		return fmt.Errorf("load dependents of %s: %w", u.ID, err)
	}
	for _, id := range dependents {
		c.enqueue(RecomputeRequest{
			UnitID:  id,
			Reason:  domain.ReasonDependencyChanged,
			ActorID: req.ActorID,
			Details: map[string]any{"upstream_id": u.ID, "upstream_status": string(next)},
		})
	}
	return nil
}

// finish re-aggregates every workstream the pass touched.
func (c *cascade) finish(ctx context.Context) error {
	for _, id := range c.wsOrder {
		if err := c.e.reaggregate(ctx, c.tx, id, c.actorID, c.now); err != nil {
			return err
		}
	}
	return nil
}

// execute is run followed by finish.
func (c *cascade) execute(ctx context.Context, reqs ...RecomputeRequest) ([]Transition, error) {
	c.enqueue(reqs...)
	if err := c.run(ctx); err != nil {
		return nil, err
	}
	if err := c.finish(ctx); err != nil {
		return nil, err
	}
	return c.transitions, nil
}

func (e Engine) writeStatusEvent(ctx context.Context, q db.DBTX, u domain.Unit, from *domain.Status, to domain.Status, reason domain.Reason, actorID string, details map[string]any, now string) error {
	ev := domain.StatusEvent{
		OrgID:     u.OrgID,
		UnitID:    u.ID,
		OldStatus: from,
		NewStatus: to,
		Reason:    reason,
		TS:        now,
	}
	if actorID != "" {
		a := actorID
		ev.ActorID = &a
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal status details: %w", err)
		}
		ev.Details = string(data)
	}
	if _, err := e.Repo.InsertStatusEvent(ctx, q, ev); err != nil {
		return fmt.Errorf("insert status event for %s: %w", u.ID, err)
	}
	fromLabel := ""
	if from != nil {
		fromLabel = string(*from)
	}
	metrics.Transition(fromLabel, string(to), string(reason))
	return nil
}

// clearEscalations resolves open escalations and resets the level after a
// unit turns GREEN or leaves live computation.
func (e Engine) clearEscalations(ctx context.Context, q db.DBTX, u domain.Unit, actorID, now string) error {
	n, err := e.Repo.ResolveEscalations(ctx, q, u.ID, now)
	if err != nil {
		return fmt.Errorf("resolve escalations for %s: %w", u.ID, err)
	}
	if u.EscalationLevel > 0 {
		if err := e.Repo.ResetUnitEscalation(ctx, q, u.ID, now); err != nil {
			return fmt.Errorf("reset escalation level for %s: %w", u.ID, err)
		}
	}
	if n == 0 && u.EscalationLevel == 0 {
		return nil
	}
	return e.audit(ctx, q, "escalation.resolved", u.OrgID, "unit", u.ID, actorID, events.EventPayload{
		"resolved":       n,
		"previous_level": u.EscalationLevel,
	})
}
