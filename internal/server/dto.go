package server

import (
	"time"

	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/ladder"
)

// Request payloads

type LadderRequest struct {
	Kind       string    `json:"kind" enum:"STANDARD,CRITICAL,CUSTOM"`
	Thresholds []float64 `json:"thresholds,omitempty" maxItems:"5"`
}

func (l *LadderRequest) ladder() (*ladder.Ladder, error) {
	if l == nil {
		return nil, nil
	}
	parsed, err := ladder.Parse(l.Kind, l.Thresholds)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

type CreateUnitRequest struct {
	ID                       string         `json:"id,omitempty"`
	WorkstreamID             string         `json:"workstream_id" minLength:"1"`
	Title                    string         `json:"title" minLength:"1"`
	OwnerName                string         `json:"owner_name,omitempty"`
	RequiredCount            int            `json:"required_count,omitempty" minimum:"0"`
	RequiredTypes            []string       `json:"required_types,omitempty"`
	RequiresReviewerApproval bool           `json:"requires_reviewer_approval,omitempty"`
	RequiresReferenceNumber  bool           `json:"requires_reference_number,omitempty"`
	RequiresExpiryDate       bool           `json:"requires_expiry_date,omitempty"`
	HighCriticality          bool           `json:"high_criticality,omitempty"`
	Ladder                   *LadderRequest `json:"ladder,omitempty"`
	Deadline                 *time.Time     `json:"deadline,omitempty"`
}

func (r CreateUnitRequest) requirement() domain.ProofRequirement {
	types := make([]domain.ProofType, 0, len(r.RequiredTypes))
	for _, t := range r.RequiredTypes {
		types = append(types, domain.ProofType(t))
	}
	return domain.ProofRequirement{
		Count:                    r.RequiredCount,
		Types:                    types,
		RequiresReviewerApproval: r.RequiresReviewerApproval,
		RequiresReferenceNumber:  r.RequiresReferenceNumber,
		RequiresExpiryDate:       r.RequiresExpiryDate,
	}
}

type BlockRequest struct {
	Reason string `json:"reason"`
}

type SubmitProofRequest struct {
	ID              string `json:"id,omitempty"`
	UnitID          string `json:"unit_id" minLength:"1"`
	Type            string `json:"type" enum:"photo,video,document,link"`
	URL             string `json:"url,omitempty"`
	FileHash        string `json:"file_hash,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ExpiryDate      string `json:"expiry_date,omitempty"`
	ReplacesProofID string `json:"replaces_proof_id,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Reason   string `json:"reason,omitempty"`
}

type InvalidateRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type DependencyRequest struct {
	DownstreamID string `json:"downstream_id" minLength:"1"`
	UpstreamID   string `json:"upstream_id" minLength:"1"`
	Type         string `json:"type,omitempty" enum:"hard,soft"`
}

// Responses

type UnitResponse struct {
	Unit domain.Unit `json:"unit"`
}

type ProofResponse struct {
	Proof       domain.Proof        `json:"proof"`
	Transitions []engine.Transition `json:"transitions"`
}

type DependencyResponse struct {
	Dependency  *domain.Dependency  `json:"dependency,omitempty"`
	Transitions []engine.Transition `json:"transitions"`
}

type EscalationListResponse struct {
	Items []domain.EscalationEvent `json:"items"`
}

type StatusEventListResponse struct {
	Items []domain.StatusEvent `json:"items"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
