package engine

import (
	"context"
	"fmt"

	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/repo"
)

// AggregateStatus rolls unit statuses up to a workstream status over the
// eligible units: nil when there are none, BLOCKED if any is blocked, GREEN
// if all are green, RED otherwise.
func AggregateStatus(units []domain.Unit) *domain.Status {
	var (
		eligible int
		green    int
		blocked  bool
	)
	for _, u := range units {
		if !u.Eligible() {
			continue
		}
		eligible++
		switch u.Status {
		case domain.StatusBlocked:
			blocked = true
		case domain.StatusGreen:
			green++
		}
	}
	if eligible == 0 {
		return nil
	}
	st := domain.StatusRed
	switch {
	case blocked:
		st = domain.StatusBlocked
	case green == eligible:
		st = domain.StatusGreen
	}
	return &st
}

func sameStatus(a, b *domain.Status) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (e Engine) reaggregate(ctx context.Context, q db.DBTX, workstreamID, actorID, now string) error {
	ws, err := e.Repo.GetWorkstreamTx(ctx, q, workstreamID)
	if err != nil {
		return fmt.Errorf("workstream %s: %w", workstreamID, err)
	}
	units, err := e.Repo.ListUnitsTx(ctx, q, repo.UnitFilters{WorkstreamID: workstreamID})
	if err != nil {
		return fmt.Errorf("list units of %s: %w", workstreamID, err)
	}
	next := AggregateStatus(units)
	if err := e.Repo.UpdateWorkstreamStatus(ctx, q, workstreamID, next, now); err != nil {
		return err
	}
	if sameStatus(ws.Status, next) {
		return nil
	}
	payload := events.EventPayload{"from": statusLabel(ws.Status), "to": statusLabel(next)}
	return e.audit(ctx, q, "workstream.status.changed", ws.OrgID, "workstream", ws.ID, actorID, payload)
}

func statusLabel(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
