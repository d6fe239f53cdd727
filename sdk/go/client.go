package readylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Readyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Ladder struct {
	Kind       string    `json:"kind"`
	Thresholds []float64 `json:"thresholds,omitempty"`
}

// Unit represents the API unit model (partial).
type Unit struct {
	ID              string  `json:"id"`
	OrgID           string  `json:"org_id"`
	WorkstreamID    string  `json:"workstream_id"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	EscalationLevel int     `json:"escalation_level"`
	Blocked         bool    `json:"blocked"`
	BlockReason     string  `json:"block_reason,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
	Confirmed       bool    `json:"confirmed"`
	Archived        bool    `json:"archived"`
}

type CreateUnitInput struct {
	ID                       string     `json:"id,omitempty"`
	WorkstreamID             string     `json:"workstream_id"`
	Title                    string     `json:"title"`
	OwnerName                string     `json:"owner_name,omitempty"`
	RequiredCount            int        `json:"required_count,omitempty"`
	RequiredTypes            []string   `json:"required_types,omitempty"`
	RequiresReviewerApproval bool       `json:"requires_reviewer_approval,omitempty"`
	RequiresReferenceNumber  bool       `json:"requires_reference_number,omitempty"`
	RequiresExpiryDate       bool       `json:"requires_expiry_date,omitempty"`
	HighCriticality          bool       `json:"high_criticality,omitempty"`
	Ladder                   *Ladder    `json:"ladder,omitempty"`
	Deadline                 *time.Time `json:"deadline,omitempty"`
}

// UnitView is a unit with its proof counts, dependencies and escalations.
type UnitView struct {
	Unit   Unit `json:"unit"`
	Proofs struct {
		Total      int `json:"total"`
		Qualifying int `json:"qualifying"`
		Pending    int `json:"pending"`
	} `json:"proofs"`
	MissingTypes []string `json:"missing_types,omitempty"`
	Dependencies []struct {
		UpstreamID     string `json:"upstream_id"`
		Type           string `json:"type"`
		UpstreamStatus string `json:"upstream_status,omitempty"`
		Satisfied      bool   `json:"satisfied"`
	} `json:"dependencies"`
	PercentElapsed    *float64     `json:"percent_elapsed,omitempty"`
	ActiveEscalations []Escalation `json:"active_escalations"`
}

// Proof represents a piece of evidence.
type Proof struct {
	ID              string `json:"id"`
	UnitID          string `json:"unit_id"`
	Type            string `json:"type"`
	URL             string `json:"url,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ExpiryDate      string `json:"expiry_date,omitempty"`
	UploadedBy      string `json:"uploaded_by"`
	Valid           bool   `json:"valid"`
	ApprovalState   string `json:"approval_state"`
	DecidedBy       string `json:"decided_by,omitempty"`
	SupersededBy    string `json:"superseded_by,omitempty"`
}

type SubmitProofInput struct {
	ID              string `json:"id,omitempty"`
	UnitID          string `json:"unit_id"`
	Type            string `json:"type"`
	URL             string `json:"url,omitempty"`
	FileHash        string `json:"file_hash,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ExpiryDate      string `json:"expiry_date,omitempty"`
	ReplacesProofID string `json:"replaces_proof_id,omitempty"`
}

// Transition is a status change caused by a mutation.
type Transition struct {
	UnitID string `json:"unit_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type ProofResult struct {
	Proof       Proof        `json:"proof"`
	Transitions []Transition `json:"transitions"`
}

type Dependency struct {
	DownstreamID string `json:"downstream_id"`
	UpstreamID   string `json:"upstream_id"`
	Type         string `json:"type"`
}

type DependencyResult struct {
	Dependency  *Dependency  `json:"dependency,omitempty"`
	Transitions []Transition `json:"transitions"`
}

type WorkstreamView struct {
	Workstream struct {
		ID        string  `json:"id"`
		ProgramID string  `json:"program_id"`
		Name      string  `json:"name"`
		Status    *string `json:"status,omitempty"`
	} `json:"workstream"`
	Counts struct {
		Total       int `json:"total"`
		Red         int `json:"red"`
		Green       int `json:"green"`
		Blocked     int `json:"blocked"`
		Stale       int `json:"stale"`
		Unconfirmed int `json:"unconfirmed"`
	} `json:"counts"`
}

type Escalation struct {
	ID             string   `json:"id"`
	UnitID         string   `json:"unit_id"`
	Level          int      `json:"level"`
	TriggeredAt    string   `json:"triggered_at"`
	PercentElapsed float64  `json:"percent_elapsed"`
	TargetRoles    []string `json:"target_roles"`
	Recipients     []string `json:"recipients"`
	State          string   `json:"state"`
	AcknowledgedBy string   `json:"acknowledged_by,omitempty"`
}

type SweepResult struct {
	UnitsChecked       int          `json:"units_checked"`
	EscalationsCreated int          `json:"escalations_created"`
	UnitsRefreshed     int          `json:"units_refreshed"`
	Failures           int          `json:"failures"`
	Skipped            bool         `json:"skipped"`
	Escalations        []Escalation `json:"escalations,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the server's error code
// such as separation_of_duties when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateUnit(ctx context.Context, in CreateUnitInput) (Unit, error) {
	var resp struct {
		Unit Unit `json:"unit"`
	}
	err := c.do(ctx, http.MethodPost, "units", in, &resp)
	return resp.Unit, err
}

func (c *Client) GetUnit(ctx context.Context, id string) (UnitView, error) {
	var resp UnitView
	err := c.do(ctx, http.MethodGet, "units/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ConfirmUnit(ctx context.Context, id string) (Unit, error) {
	return c.unitAction(ctx, http.MethodPost, id, "confirm", nil)
}

func (c *Client) ArchiveUnit(ctx context.Context, id string) (Unit, error) {
	return c.unitAction(ctx, http.MethodPost, id, "archive", nil)
}

func (c *Client) BlockUnit(ctx context.Context, id, reason string) (Unit, error) {
	return c.unitAction(ctx, http.MethodPost, id, "block", map[string]string{"reason": reason})
}

func (c *Client) UnblockUnit(ctx context.Context, id string) (Unit, error) {
	return c.unitAction(ctx, http.MethodDelete, id, "block", nil)
}

func (c *Client) unitAction(ctx context.Context, method, id, action string, body any) (Unit, error) {
	var resp struct {
		Unit Unit `json:"unit"`
	}
	err := c.do(ctx, method, fmt.Sprintf("units/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp.Unit, err
}

// SubmitProof attaches a pending proof to a unit.
func (c *Client) SubmitProof(ctx context.Context, in SubmitProofInput) (ProofResult, error) {
	var resp ProofResult
	err := c.do(ctx, http.MethodPost, "proofs", in, &resp)
	return resp, err
}

// DecideProof approves or rejects a pending proof as the token's actor.
func (c *Client) DecideProof(ctx context.Context, proofID string, approve bool, reason string) (ProofResult, error) {
	decision := "reject"
	if approve {
		decision = "approve"
	}
	var resp ProofResult
	endpoint := fmt.Sprintf("proofs/%s/decision", url.PathEscape(proofID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"decision": decision, "reason": reason}, &resp)
	return resp, err
}

func (c *Client) InvalidateProof(ctx context.Context, proofID, reason string) (ProofResult, error) {
	var resp ProofResult
	endpoint := fmt.Sprintf("proofs/%s/invalidate", url.PathEscape(proofID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"reason": reason}, &resp)
	return resp, err
}

// AddDependency makes downstream depend on upstream; depType is hard or soft.
func (c *Client) AddDependency(ctx context.Context, downstreamID, upstreamID, depType string) (DependencyResult, error) {
	body := map[string]string{"downstream_id": downstreamID, "upstream_id": upstreamID}
	if depType != "" {
		body["type"] = depType
	}
	var resp DependencyResult
	err := c.do(ctx, http.MethodPost, "dependencies", body, &resp)
	return resp, err
}

func (c *Client) RemoveDependency(ctx context.Context, downstreamID, upstreamID string) (DependencyResult, error) {
	var resp DependencyResult
	endpoint := fmt.Sprintf("dependencies/%s/%s", url.PathEscape(downstreamID), url.PathEscape(upstreamID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Workstream(ctx context.Context, id string) (WorkstreamView, error) {
	var resp WorkstreamView
	err := c.do(ctx, http.MethodGet, "workstreams/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Escalations lists escalations; empty state returns active ones.
func (c *Client) Escalations(ctx context.Context, unitID, state string, limit int) ([]Escalation, error) {
	q := url.Values{}
	if unitID != "" {
		q.Set("unit_id", unitID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Escalation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("escalations", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) AcknowledgeEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("escalations/%s/ack", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Sweep runs an escalation sweep over the caller's org at the server's clock.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "sweeps", nil, &resp)
	return resp, err
}

// Events returns audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
