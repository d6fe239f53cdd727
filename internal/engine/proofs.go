package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/identity"
	"readyline/internal/repo"
	"readyline/internal/status"
)

// ProofSubmitOptions carry a proof as returned by the storage collaborator:
// the core keeps only the URL or hash, never the media.
type ProofSubmitOptions struct {
	ID              string
	UnitID          string
	Type            domain.ProofType
	UploaderID      string
	URL             string
	FileHash        string
	ReferenceNumber string
	ExpiryDate      string
	ReplacesProofID string
}

func (e Engine) SubmitProof(ctx context.Context, opts ProofSubmitOptions) (domain.Proof, []Transition, error) {
	if opts.UploaderID == "" {
		return domain.Proof{}, nil, invalidf("uploader is required")
	}
	if !opts.Type.Valid() {
		return domain.Proof{}, nil, governance(CodeInvalidProofType, "unknown proof type %q", opts.Type)
	}
	if strings.TrimSpace(opts.URL) == "" && strings.TrimSpace(opts.FileHash) == "" {
		return domain.Proof{}, nil, invalidf("url or file_hash is required")
	}
	if opts.ExpiryDate != "" {
		if _, ok := status.ParseExpiry(opts.ExpiryDate); !ok {
			return domain.Proof{}, nil, invalidf("expiry_date must be RFC3339 or YYYY-MM-DD")
		}
	}
	p := domain.Proof{
		ID:              newID(opts.ID),
		UnitID:          opts.UnitID,
		Type:            opts.Type,
		URL:             strings.TrimSpace(opts.URL),
		FileHash:        strings.TrimSpace(opts.FileHash),
		ReferenceNumber: strings.TrimSpace(opts.ReferenceNumber),
		ExpiryDate:      strings.TrimSpace(opts.ExpiryDate),
		UploadedBy:      opts.UploaderID,
		UploadedAt:      e.stamp(),
		Valid:           true,
		ApprovalState:   domain.ApprovalPending,
		ReplacesProofID: opts.ReplacesProofID,
	}
	var transitions []Transition
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		u, err := e.Repo.GetUnitTx(ctx, tx, opts.UnitID)
		if err != nil {
			return fmt.Errorf("unit %s: %w", opts.UnitID, err)
		}
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if u.Requirement.RequiresReferenceNumber && p.ReferenceNumber == "" {
			return governance(CodeMissingStructuredField, "unit %s requires a reference number", u.ID)
		}
		if u.Requirement.RequiresExpiryDate && p.ExpiryDate == "" {
			return governance(CodeMissingStructuredField, "unit %s requires an expiry date", u.ID)
		}
		if p.ReplacesProofID != "" {
			old, err := e.Repo.GetProofTx(ctx, tx, p.ReplacesProofID)
			if err != nil {
				return fmt.Errorf("replaced proof %s: %w", p.ReplacesProofID, err)
			}
			if old.UnitID != u.ID {
				return invalidf("proof %s belongs to another unit", old.ID)
			}
		}
		p.OrgID = u.OrgID
		if err := e.Repo.EnsureActor(ctx, tx, p.UploadedBy, p.UploadedAt); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertProof(ctx, tx, p); err != nil {
			return fmt.Errorf("insert proof: %w", err)
		}
		if err := e.audit(ctx, tx, "proof.submitted", u.OrgID, "proof", p.ID, p.UploadedBy, events.EventPayload{
			"unit_id":           u.ID,
			"type":              string(p.Type),
			"replaces_proof_id": p.ReplacesProofID,
		}); err != nil {
			return err
		}
		transitions, err = e.newCascade(tx, p.UploadedBy).execute(ctx, RecomputeRequest{
			UnitID:  u.ID,
			Reason:  domain.ReasonValidProofReceived,
			ActorID: p.UploadedBy,
			Details: map[string]any{"proof_id": p.ID},
		})
		return err
	})
	if err != nil {
		return domain.Proof{}, nil, err
	}
	return p, transitions, nil
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type ProofDecisionOptions struct {
	ProofID    string
	ApproverID string
	Decision   Decision
	Reason     string
}

// DecideProof applies an approval or rejection. Separation of duties and
// forward-only approval are checked inside the transaction; a violation
// leaves the proof untouched.
func (e Engine) DecideProof(ctx context.Context, opts ProofDecisionOptions) (domain.Proof, []Transition, error) {
	if opts.ApproverID == "" {
		return domain.Proof{}, nil, invalidf("approver is required")
	}
	var next domain.ApprovalState
	switch opts.Decision {
	case DecisionApprove:
		next = domain.ApprovalApproved
	case DecisionReject:
		next = domain.ApprovalRejected
	default:
		return domain.Proof{}, nil, invalidf("decision must be approve or reject")
	}
	// Role lookups go through the directory, which uses its own connection,
	// so they run before the transaction opens.
	pre, err := e.Repo.GetProof(ctx, opts.ProofID)
	if err != nil {
		return domain.Proof{}, nil, fmt.Errorf("proof %s: %w", opts.ProofID, err)
	}
	elevated, err := e.hasElevatedRole(ctx, pre.OrgID, opts.ApproverID)
	if err != nil {
		return domain.Proof{}, nil, err
	}

	var (
		out         domain.Proof
		transitions []Transition
	)
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProofTx(ctx, tx, opts.ProofID)
		if err != nil {
			return fmt.Errorf("proof %s: %w", opts.ProofID, err)
		}
		if p.UploadedBy == opts.ApproverID {
			return governance(CodeSeparationOfDuties, "approver %s uploaded proof %s", opts.ApproverID, p.ID)
		}
		if p.ApprovalState != domain.ApprovalPending {
			return governance(CodeApprovalNotPending, "proof %s is already %s", p.ID, p.ApprovalState)
		}
		if next == domain.ApprovalApproved && !p.Valid {
			return invalidf("proof %s has been invalidated", p.ID)
		}
		u, err := e.Repo.GetUnitTx(ctx, tx, p.UnitID)
		if err != nil {
			return fmt.Errorf("unit %s: %w", p.UnitID, err)
		}
		if u.Archived {
			return governance(CodeUnitArchived, "unit %s is archived", u.ID)
		}
		if u.HighCriticality && !elevated {
			return governance(CodeElevatedRoleRequired, "unit %s is high criticality; %s holds no elevated role", u.ID, opts.ApproverID)
		}
		now := e.stamp()
		if err := e.Repo.EnsureActor(ctx, tx, opts.ApproverID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.DecideProof(ctx, tx, p.ID, next, opts.ApproverID, opts.Reason, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return governance(CodeApprovalNotPending, "proof %s was decided concurrently", p.ID)
			}
			return err
		}
		evtType := "proof.approved"
		reason := domain.ReasonValidProofReceived
		if next == domain.ApprovalRejected {
			evtType = "proof.rejected"
			reason = domain.ReasonEvidenceRemoved
		}
		if err := e.audit(ctx, tx, evtType, u.OrgID, "proof", p.ID, opts.ApproverID, events.EventPayload{
			"unit_id": u.ID,
			"reason":  opts.Reason,
		}); err != nil {
			return err
		}
		if next == domain.ApprovalApproved && p.ReplacesProofID != "" {
			if err := e.supersede(ctx, tx, u, p, opts.ApproverID, now); err != nil {
				return err
			}
		}
		transitions, err = e.newCascade(tx, opts.ApproverID).execute(ctx, RecomputeRequest{
			UnitID:  u.ID,
			Reason:  reason,
			ActorID: opts.ApproverID,
			Details: map[string]any{"proof_id": p.ID, "decision": string(opts.Decision)},
		})
		if err != nil {
			return err
		}
		out, err = e.Repo.GetProofTx(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return domain.Proof{}, nil, err
	}
	return out, transitions, nil
}

// supersede retires the proof named by p.ReplacesProofID. A target that was
// never approved, or is already superseded, is left alone.
func (e Engine) supersede(ctx context.Context, tx *sql.Tx, u domain.Unit, p domain.Proof, actorID, now string) error {
	err := e.Repo.SupersedeProof(ctx, tx, p.ReplacesProofID, p.ID, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("supersede %s: %w", p.ReplacesProofID, err)
	}
	return e.audit(ctx, tx, "proof.superseded", u.OrgID, "proof", p.ReplacesProofID, actorID, events.EventPayload{
		"unit_id":       u.ID,
		"superseded_by": p.ID,
	})
}

func (e Engine) hasElevatedRole(ctx context.Context, orgID, actorID string) (bool, error) {
	if e.Config == nil || len(e.Config.Governance.ElevatedRoles) == 0 || e.Directory == nil {
		return false, nil
	}
	ok, err := e.Directory.HasAnyRole(ctx, orgID, actorID, e.Config.Governance.ElevatedRoles)
	if err != nil {
		return false, fmt.Errorf("check elevated roles: %w", err)
	}
	return ok, nil
}

// ProofAmendOptions fill structured fields on a pending proof. UploadedBy
// and UploadedAt exist only so that attempts to change them are rejected.
type ProofAmendOptions struct {
	ProofID         string
	ActorID         string
	URL             string
	FileHash        string
	ReferenceNumber string
	ExpiryDate      string
	UploadedBy      string
	UploadedAt      string
}

func (e Engine) AmendProof(ctx context.Context, opts ProofAmendOptions) (domain.Proof, []Transition, error) {
	if opts.ActorID == "" {
		return domain.Proof{}, nil, invalidf("actor is required")
	}
	if opts.ExpiryDate != "" {
		if _, ok := status.ParseExpiry(opts.ExpiryDate); !ok {
			return domain.Proof{}, nil, invalidf("expiry_date must be RFC3339 or YYYY-MM-DD")
		}
	}
	var (
		out         domain.Proof
		transitions []Transition
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProofTx(ctx, tx, opts.ProofID)
		if err != nil {
			return fmt.Errorf("proof %s: %w", opts.ProofID, err)
		}
		if opts.UploadedBy != "" && opts.UploadedBy != p.UploadedBy {
			return governance(CodeImmutableField, "uploader of proof %s cannot change", p.ID)
		}
		if opts.UploadedAt != "" && opts.UploadedAt != p.UploadedAt {
			return governance(CodeImmutableField, "upload time of proof %s cannot change", p.ID)
		}
		if opts.ActorID != p.UploadedBy {
			return identity.ForbiddenError{Action: "proof.amend", Resource: p.ID}
		}
		if p.ApprovalState != domain.ApprovalPending {
			return governance(CodeImmutableField, "proof %s is %s and frozen", p.ID, p.ApprovalState)
		}
		if err := e.Repo.AmendProofFields(ctx, tx, p.ID, opts.URL, opts.FileHash, opts.ReferenceNumber, opts.ExpiryDate); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "proof.amended", p.OrgID, "proof", p.ID, opts.ActorID, events.EventPayload{
			"reference_number": opts.ReferenceNumber,
			"expiry_date":      opts.ExpiryDate,
		}); err != nil {
			return err
		}
		transitions, err = e.newCascade(tx, opts.ActorID).execute(ctx, RecomputeRequest{
			UnitID:  p.UnitID,
			Reason:  domain.ReasonValidProofReceived,
			ActorID: opts.ActorID,
			Details: map[string]any{"proof_id": p.ID, "amended": true},
		})
		if err != nil {
			return err
		}
		out, err = e.Repo.GetProofTx(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return domain.Proof{}, nil, err
	}
	return out, transitions, nil
}

// InvalidateProof withdraws a proof from counting without deleting it.
func (e Engine) InvalidateProof(ctx context.Context, proofID, actorID, reason string) (domain.Proof, []Transition, error) {
	reason = strings.TrimSpace(reason)
	if actorID == "" {
		return domain.Proof{}, nil, invalidf("actor is required")
	}
	if reason == "" {
		return domain.Proof{}, nil, invalidf("reason is required to invalidate a proof")
	}
	var (
		out         domain.Proof
		transitions []Transition
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProofTx(ctx, tx, proofID)
		if err != nil {
			return fmt.Errorf("proof %s: %w", proofID, err)
		}
		if !p.Valid {
			return invalidf("proof %s is already invalid", p.ID)
		}
		now := e.stamp()
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InvalidateProof(ctx, tx, p.ID, actorID, reason, now); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "proof.invalidated", p.OrgID, "proof", p.ID, actorID, events.EventPayload{
			"unit_id": p.UnitID,
			"reason":  reason,
		}); err != nil {
			return err
		}
		transitions, err = e.newCascade(tx, actorID).execute(ctx, RecomputeRequest{
			UnitID:  p.UnitID,
			Reason:  domain.ReasonProofInvalidated,
			ActorID: actorID,
			Details: map[string]any{"proof_id": p.ID, "reason": reason},
		})
		if err != nil {
			return err
		}
		out, err = e.Repo.GetProofTx(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return domain.Proof{}, nil, err
	}
	return out, transitions, nil
}
