package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"readyline/internal/domain"
	"readyline/internal/ladder"
	"readyline/internal/repo"
	"readyline/internal/status"
)

type ProofMetrics struct {
	Total      int `json:"total"`
	Qualifying int `json:"qualifying"`
	Pending    int `json:"pending"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Superseded int `json:"superseded"`
	Invalid    int `json:"invalid"`
}

type DependencyView struct {
	UpstreamID     string                `json:"upstream_id"`
	Type           domain.DependencyType `json:"type"`
	UpstreamStatus domain.Status         `json:"upstream_status,omitempty"`
	Satisfied      bool                  `json:"satisfied"`
}

// UnitView is a unit with its computed status and the facts behind it.
type UnitView struct {
	Unit              domain.Unit              `json:"unit"`
	Proofs            ProofMetrics             `json:"proofs"`
	MissingTypes      []domain.ProofType       `json:"missing_types,omitempty"`
	Dependencies      []DependencyView         `json:"dependencies"`
	Dependents        []string                 `json:"dependents,omitempty"`
	PercentElapsed    *float64                 `json:"percent_elapsed,omitempty"`
	ActiveEscalations []domain.EscalationEvent `json:"active_escalations"`
}

func (e Engine) GetUnitView(ctx context.Context, unitID string) (UnitView, error) {
	u, err := e.Repo.GetUnit(ctx, unitID)
	if err != nil {
		return UnitView{}, err
	}
	now := e.now()
	proofs, err := e.Repo.ListProofs(ctx, u.ID)
	if err != nil {
		return UnitView{}, err
	}
	v := UnitView{Unit: u, Dependencies: []DependencyView{}, ActiveEscalations: []domain.EscalationEvent{}}
	for _, p := range proofs {
		v.Proofs.Total++
		switch p.ApprovalState {
		case domain.ApprovalPending:
			v.Proofs.Pending++
		case domain.ApprovalApproved:
			v.Proofs.Approved++
		case domain.ApprovalRejected:
			v.Proofs.Rejected++
		}
		if p.Superseded() {
			v.Proofs.Superseded++
		}
		if !p.Valid {
			v.Proofs.Invalid++
		}
	}
	v.Proofs.Qualifying = status.CountQualifying(u.Requirement, proofs, now)
	v.MissingTypes = status.MissingTypes(u.Requirement, proofs, now)

	ups, err := e.Repo.ListUpstream(ctx, u.ID)
	if err != nil {
		return UnitView{}, err
	}
	for _, d := range ups {
		dv := DependencyView{UpstreamID: d.UpstreamID, Type: d.Type}
		up, err := e.Repo.GetUnit(ctx, d.UpstreamID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return UnitView{}, err
		default:
			dv.UpstreamStatus = up.Status
			dv.Satisfied = !up.Archived && up.Status == domain.StatusGreen
		}
		if d.Type == domain.DependencySoft {
			dv.Satisfied = true
		}
		v.Dependencies = append(v.Dependencies, dv)
	}
	downs, err := e.Repo.ListDownstream(ctx, u.ID)
	if err != nil {
		return UnitView{}, err
	}
	for _, d := range downs {
		v.Dependents = append(v.Dependents, d.DownstreamID)
	}
	if pct, ok := percentElapsed(u, now); ok {
		v.PercentElapsed = &pct
	}
	active, err := e.Repo.ListEscalations(ctx, repo.EscalationFilters{
		UnitID: u.ID,
		States: []domain.EscalationState{domain.EscalationActive, domain.EscalationAcknowledged},
	})
	if err != nil {
		return UnitView{}, err
	}
	if active != nil {
		v.ActiveEscalations = active
	}
	return v, nil
}

func percentElapsed(u domain.Unit, now time.Time) (float64, bool) {
	if u.Deadline == nil {
		return 0, false
	}
	created, err := time.Parse(time.RFC3339, u.CreatedAt)
	if err != nil {
		return 0, false
	}
	deadline, err := time.Parse(time.RFC3339, *u.Deadline)
	if err != nil {
		return 0, false
	}
	return ladder.PercentElapsed(created, deadline, now), true
}

type WorkstreamCounts struct {
	Total       int `json:"total"`
	Red         int `json:"red"`
	Green       int `json:"green"`
	Blocked     int `json:"blocked"`
	Stale       int `json:"stale"`
	Unconfirmed int `json:"unconfirmed"`
}

type WorkstreamView struct {
	Workstream domain.Workstream `json:"workstream"`
	Counts     WorkstreamCounts  `json:"counts"`
}

// GetWorkstreamView counts live units. Status buckets and stale cover
// eligible units only; stale means not GREEN with the deadline passed.
func (e Engine) GetWorkstreamView(ctx context.Context, workstreamID string) (WorkstreamView, error) {
	ws, err := e.Repo.GetWorkstream(ctx, workstreamID)
	if err != nil {
		return WorkstreamView{}, err
	}
	units, err := e.Repo.ListUnits(ctx, repo.UnitFilters{WorkstreamID: ws.ID})
	if err != nil {
		return WorkstreamView{}, err
	}
	now := e.now()
	v := WorkstreamView{Workstream: ws}
	for _, u := range units {
		v.Counts.Total++
		if !u.Confirmed {
			v.Counts.Unconfirmed++
			continue
		}
		switch u.Status {
		case domain.StatusRed:
			v.Counts.Red++
		case domain.StatusGreen:
			v.Counts.Green++
		case domain.StatusBlocked:
			v.Counts.Blocked++
		}
		if u.Status != domain.StatusGreen && u.Deadline != nil {
			if d, err := time.Parse(time.RFC3339, *u.Deadline); err == nil && now.After(d) {
				v.Counts.Stale++
			}
		}
	}
	return v, nil
}

// EscalationListOptions filter ListEscalations. Without States, active and
// acknowledged escalations are returned.
type EscalationListOptions struct {
	OrgID  string
	UnitID string
	States []domain.EscalationState
	Limit  int
}

func (e Engine) ListEscalations(ctx context.Context, opts EscalationListOptions) ([]domain.EscalationEvent, error) {
	states := opts.States
	if len(states) == 0 {
		states = []domain.EscalationState{domain.EscalationActive, domain.EscalationAcknowledged}
	}
	res, err := e.Repo.ListEscalations(ctx, repo.EscalationFilters{OrgID: opts.OrgID, UnitID: opts.UnitID, States: states, Limit: opts.Limit})
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return res, nil
}

func (e Engine) ListStatusEvents(ctx context.Context, unitID string, limit int) ([]domain.StatusEvent, error) {
	if _, err := e.Repo.GetUnit(ctx, unitID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatusEvents(ctx, unitID, limit)
}
