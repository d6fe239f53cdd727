package domain

import "readyline/internal/ladder"

type Status string

const (
	StatusRed     Status = "RED"
	StatusGreen   Status = "GREEN"
	StatusBlocked Status = "BLOCKED"
)

func (s Status) Valid() bool {
	return s == StatusRed || s == StatusGreen || s == StatusBlocked
}

type ProofType string

const (
	ProofPhoto    ProofType = "photo"
	ProofVideo    ProofType = "video"
	ProofDocument ProofType = "document"
	ProofLink     ProofType = "link"
)

func (t ProofType) Valid() bool {
	switch t {
	case ProofPhoto, ProofVideo, ProofDocument, ProofLink:
		return true
	}
	return false
}

type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

type DependencyType string

const (
	DependencyHard DependencyType = "hard"
	DependencySoft DependencyType = "soft"
)

// Reason explains a status event.
type Reason string

const (
	ReasonValidProofReceived  Reason = "valid_proof_received"
	ReasonEvidenceRemoved     Reason = "evidence_removed"
	ReasonProofInvalidated    Reason = "proof_invalidated"
	ReasonDeadlineMissed      Reason = "deadline_missed"
	ReasonEscalationTriggered Reason = "escalation_triggered"
	ReasonManualBlock         Reason = "manual_block"
	ReasonManualUnblock       Reason = "manual_unblock"
	ReasonDependencyChanged   Reason = "dependency_changed"
	ReasonUnitCreated         Reason = "unit_created"
	ReasonUnitConfirmed       Reason = "unit_confirmed"
	ReasonUnitArchived        Reason = "unit_archived"
	ReasonRequirementsChanged Reason = "requirements_changed"
)

type EscalationState string

const (
	EscalationActive       EscalationState = "active"
	EscalationAcknowledged EscalationState = "acknowledged"
	EscalationResolved     EscalationState = "resolved"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

type Program struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Workstream struct {
	ID               string  `json:"id"`
	OrgID            string  `json:"org_id"`
	ProgramID        string  `json:"program_id"`
	Name             string  `json:"name"`
	Status           *Status `json:"status,omitempty" enum:"RED,GREEN,BLOCKED"`
	StatusComputedAt *string `json:"status_computed_at,omitempty" format:"date-time"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// ProofRequirement is the per-unit proof configuration.
type ProofRequirement struct {
	Count                    int         `json:"count"`
	Types                    []ProofType `json:"types,omitempty"`
	RequiresReviewerApproval bool        `json:"requires_reviewer_approval"`
	RequiresReferenceNumber  bool        `json:"requires_reference_number"`
	RequiresExpiryDate       bool        `json:"requires_expiry_date"`
}

type Unit struct {
	ID               string           `json:"id"`
	OrgID            string           `json:"org_id"`
	WorkstreamID     string           `json:"workstream_id"`
	Title            string           `json:"title"`
	OwnerName        string           `json:"owner_name,omitempty"`
	Requirement      ProofRequirement `json:"requirement"`
	HighCriticality  bool             `json:"high_criticality"`
	Status           Status           `json:"status" enum:"RED,GREEN,BLOCKED"`
	StatusComputedAt string           `json:"status_computed_at" format:"date-time"`
	EscalationLevel  int              `json:"escalation_level"`
	LastEscalatedAt  *string          `json:"last_escalated_at,omitempty" format:"date-time"`
	Ladder           ladder.Ladder    `json:"ladder"`
	Blocked          bool             `json:"blocked"`
	BlockReason      string           `json:"block_reason,omitempty"`
	BlockedBy        string           `json:"blocked_by,omitempty"`
	BlockedAt        *string          `json:"blocked_at,omitempty" format:"date-time"`
	Deadline         *string          `json:"deadline,omitempty" format:"date-time"`
	Confirmed        bool             `json:"confirmed"`
	Archived         bool             `json:"archived"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
}

// Eligible reports whether the unit takes part in aggregation and escalation.
func (u Unit) Eligible() bool {
	return u.Confirmed && !u.Archived
}

type Proof struct {
	ID                 string        `json:"id"`
	OrgID              string        `json:"org_id"`
	UnitID             string        `json:"unit_id"`
	Type               ProofType     `json:"type" enum:"photo,video,document,link"`
	URL                string        `json:"url,omitempty"`
	FileHash           string        `json:"file_hash,omitempty"`
	ReferenceNumber    string        `json:"reference_number,omitempty"`
	ExpiryDate         string        `json:"expiry_date,omitempty"`
	UploadedBy         string        `json:"uploaded_by"`
	UploadedAt         string        `json:"uploaded_at" format:"date-time"`
	Valid              bool          `json:"valid"`
	InvalidatedBy      string        `json:"invalidated_by,omitempty"`
	InvalidatedAt      *string       `json:"invalidated_at,omitempty" format:"date-time"`
	InvalidationReason string        `json:"invalidation_reason,omitempty"`
	ApprovalState      ApprovalState `json:"approval_state" enum:"pending,approved,rejected"`
	DecidedBy          string        `json:"decided_by,omitempty"`
	DecidedAt          *string       `json:"decided_at,omitempty" format:"date-time"`
	DecisionReason     string        `json:"decision_reason,omitempty"`
	ReplacesProofID    string        `json:"replaces_proof_id,omitempty"`
	SupersededBy       string        `json:"superseded_by,omitempty"`
	SupersededAt       *string       `json:"superseded_at,omitempty" format:"date-time"`
}

func (p Proof) Superseded() bool {
	return p.SupersededBy != ""
}

type Dependency struct {
	DownstreamID string         `json:"downstream_id"`
	UpstreamID   string         `json:"upstream_id"`
	Type         DependencyType `json:"type" enum:"hard,soft"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type StatusEvent struct {
	ID        int64   `json:"id"`
	OrgID     string  `json:"org_id"`
	UnitID    string  `json:"unit_id"`
	OldStatus *Status `json:"old_status,omitempty"`
	NewStatus Status  `json:"new_status"`
	Reason    Reason  `json:"reason"`
	ActorID   *string `json:"actor_id,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
	Details   string  `json:"details_json,omitempty"`
}

type EscalationEvent struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	UnitID         string          `json:"unit_id"`
	Level          int             `json:"level"`
	TriggeredAt    string          `json:"triggered_at" format:"date-time"`
	PercentElapsed float64         `json:"percent_elapsed"`
	TargetRoles    []string        `json:"target_roles"`
	Recipients     []string        `json:"recipients"`
	State          EscalationState `json:"state" enum:"active,acknowledged,resolved"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *string         `json:"acknowledged_at,omitempty" format:"date-time"`
	ResolvedAt     *string         `json:"resolved_at,omitempty" format:"date-time"`
}

// Notification is an outbox row handed to the delivery collaborator.
type Notification struct {
	ID           string             `json:"id"`
	OrgID        string             `json:"org_id"`
	EscalationID string             `json:"escalation_id,omitempty"`
	Recipient    string             `json:"recipient"`
	Channel      string             `json:"channel"`
	Subject      string             `json:"subject"`
	Body         string             `json:"body"`
	Priority     string             `json:"priority"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Status       NotificationStatus `json:"status" enum:"pending,sent,failed"`
	Attempts     int                `json:"attempts"`
	LastError    string             `json:"last_error,omitempty"`
	CreatedAt    string             `json:"created_at" format:"date-time"`
	UpdatedAt    string             `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Actor struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
