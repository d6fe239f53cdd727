// Package status holds the status computer: a pure function from a unit's
// configuration, its proofs and its dependency result to RED, GREEN or
// BLOCKED.
package status

import (
	"strings"
	"time"

	"readyline/internal/domain"
)

// DependencyResult is the resolver's verdict over a unit's hard upstreams.
type DependencyResult struct {
	HardSatisfied bool     `json:"hard_satisfied"`
	Unsatisfied   []string `json:"unsatisfied,omitempty"`
}

// Satisfied is the result for a unit without hard dependencies.
func Satisfied() DependencyResult {
	return DependencyResult{HardSatisfied: true}
}

// Compute evaluates, first match wins: block flag, hard dependencies, proof
// count, proof types.
func Compute(u domain.Unit, proofs []domain.Proof, deps DependencyResult, now time.Time) domain.Status {
	if u.Blocked {
		return domain.StatusBlocked
	}
	if !deps.HardSatisfied {
		return domain.StatusRed
	}
	if CountQualifying(u.Requirement, proofs, now) < u.Requirement.Count {
		return domain.StatusRed
	}
	if len(MissingTypes(u.Requirement, proofs, now)) > 0 {
		return domain.StatusRed
	}
	return domain.StatusGreen
}

// Qualifies reports whether a proof counts toward the requirement at now.
// Rejected proofs never count.
func Qualifies(req domain.ProofRequirement, p domain.Proof, now time.Time) bool {
	if !p.Valid || p.Superseded() {
		return false
	}
	if p.ApprovalState == domain.ApprovalRejected {
		return false
	}
	if req.RequiresReviewerApproval && p.ApprovalState != domain.ApprovalApproved {
		return false
	}
	if req.RequiresReferenceNumber && strings.TrimSpace(p.ReferenceNumber) == "" {
		return false
	}
	if req.RequiresExpiryDate {
		exp, ok := ParseExpiry(p.ExpiryDate)
		if !ok || !now.Before(exp) {
			return false
		}
	}
	return true
}

func CountQualifying(req domain.ProofRequirement, proofs []domain.Proof, now time.Time) int {
	n := 0
	for _, p := range proofs {
		if Qualifies(req, p, now) {
			n++
		}
	}
	return n
}

// MissingTypes lists required types with no qualifying proof, in
// requirement order.
func MissingTypes(req domain.ProofRequirement, proofs []domain.Proof, now time.Time) []domain.ProofType {
	if len(req.Types) == 0 {
		return nil
	}
	have := map[domain.ProofType]bool{}
	for _, p := range proofs {
		if Qualifies(req, p, now) {
			have[p.Type] = true
		}
	}
	var missing []domain.ProofType
	for _, t := range req.Types {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// ParseExpiry accepts RFC3339 or a bare date. A bare date stays valid
// through the end of that day in UTC.
func ParseExpiry(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d.Add(24 * time.Hour), true
	}
	return time.Time{}, false
}
