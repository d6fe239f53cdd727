package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/identity"
	"readyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Authorizer defaults to identity.AllowAll.
	Authorizer identity.Authorizer
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"separation_of_duties"`
	Message string         `json:"message" example:"approver alice uploaded proof p-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the readyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = identity.AllowAll{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("readyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, authz: cfg.Authorizer, logger: logger}
	registerHealth(group)
	registerMe(group)
	registerUnits(group, h)
	registerProofs(group, h)
	registerDependencies(group, h)
	registerWorkstreams(group, h)
	registerEscalations(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the envelope: governance violations
// are 422 with their code, missing entities 404, malformed input 400.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if ge, ok := engine.AsGovernance(err); ok {
		return newAPIError(http.StatusUnprocessableEntity, ge.Code, ge.Message, nil)
	}
	var fe identity.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		h.logger.Error("request failed", "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type handlers struct {
	e      engine.Engine
	authz  identity.Authorizer
	logger *slog.Logger
}

// authorize returns the caller when it may perform action on resource.
func (h handlers) authorize(ctx context.Context, resource, action string) (Principal, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	ok, err := h.authz.Allowed(ctx, p.OrgID, p.ActorID, resource, action)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, identity.ForbiddenError{Action: action, Resource: resource}
	}
	return p, nil
}

// unitInOrg reports units of another org as missing.
func (h handlers) unitInOrg(ctx context.Context, p Principal, unitID string) (domain.Unit, error) {
	u, err := h.e.Repo.GetUnit(ctx, unitID)
	if err != nil {
		return domain.Unit{}, err
	}
	if u.OrgID != p.OrgID {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", unitID, repo.ErrNotFound)
	}
	return u, nil
}

func (h handlers) proofInOrg(ctx context.Context, p Principal, proofID string) error {
	pr, err := h.e.Repo.GetProof(ctx, proofID)
	if err != nil {
		return err
	}
	if pr.OrgID != p.OrgID {
		return fmt.Errorf("proof %s: %w", proofID, repo.ErrNotFound)
	}
	return nil
}

func (h handlers) now() time.Time {
	if h.e.Now != nil {
		return h.e.Now()
	}
	return time.Now()
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, OrgID: p.OrgID, Roles: nonNilSlice(p.Roles)}}, nil
	})
}

type unitPath struct {
	UnitID string `path:"unit_id"`
}

type unitOutput struct {
	Body UnitResponse `json:"body"`
}

func registerUnits(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Create unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateUnitRequest `json:"body"`
	}) (*unitOutput, error) {
		p, err := h.authorize(ctx, "workstream:"+input.Body.WorkstreamID, "unit.create")
		if err != nil {
			return nil, h.handleError(err)
		}
		ws, err := h.e.Repo.GetWorkstream(ctx, input.Body.WorkstreamID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if ws.OrgID != p.OrgID {
			return nil, h.handleError(fmt.Errorf("workstream %s: %w", ws.ID, repo.ErrNotFound))
		}
		l, err := input.Body.Ladder.ladder()
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, engine.CodeInvalidLadder, err.Error(), nil)
		}
		u, err := h.e.CreateUnit(ctx, engine.UnitCreateOptions{
			ID:              input.Body.ID,
			WorkstreamID:    ws.ID,
			Title:           input.Body.Title,
			OwnerName:       input.Body.OwnerName,
			Requirement:     input.Body.requirement(),
			HighCriticality: input.Body.HighCriticality,
			Ladder:          l,
			Deadline:        input.Body.Deadline,
			ActorID:         p.ActorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &unitOutput{Body: UnitResponse{Unit: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Get unit with status facts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *unitPath) (*struct {
		Body engine.UnitView `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "unit:"+input.UnitID, "unit.read")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.UnitID); err != nil {
			return nil, h.handleError(err)
		}
		view, err := h.e.GetUnitView(ctx, input.UnitID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.UnitView `json:"body"`
		}{Body: view}, nil
	})

	unitAction := func(id, route, summary, action string, run func(ctx context.Context, unitID, actorID string) (domain.Unit, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        route,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *unitPath) (*unitOutput, error) {
			p, err := h.authorize(ctx, "unit:"+input.UnitID, action)
			if err != nil {
				return nil, h.handleError(err)
			}
			if _, err := h.unitInOrg(ctx, p, input.UnitID); err != nil {
				return nil, h.handleError(err)
			}
			u, err := run(ctx, input.UnitID, p.ActorID)
			if err != nil {
				return nil, h.handleError(err)
			}
			return &unitOutput{Body: UnitResponse{Unit: u}}, nil
		})
	}
	unitAction("confirm-unit", "/units/{unit_id}/confirm", "Confirm unit", "unit.confirm", h.e.ConfirmUnit)
	unitAction("archive-unit", "/units/{unit_id}/archive", "Archive unit", "unit.archive", h.e.ArchiveUnit)

	huma.Register(api, huma.Operation{
		OperationID: "block-unit",
		Method:      http.MethodPost,
		Path:        "/units/{unit_id}/block",
		Summary:     "Block unit",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		UnitID string       `path:"unit_id"`
		Body   BlockRequest `json:"body"`
	}) (*unitOutput, error) {
		p, err := h.authorize(ctx, "unit:"+input.UnitID, "unit.block")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.UnitID); err != nil {
			return nil, h.handleError(err)
		}
		u, err := h.e.BlockUnit(ctx, input.UnitID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &unitOutput{Body: UnitResponse{Unit: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-unit",
		Method:      http.MethodDelete,
		Path:        "/units/{unit_id}/block",
		Summary:     "Unblock unit",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *unitPath) (*unitOutput, error) {
		p, err := h.authorize(ctx, "unit:"+input.UnitID, "unit.unblock")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.UnitID); err != nil {
			return nil, h.handleError(err)
		}
		u, err := h.e.UnblockUnit(ctx, input.UnitID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &unitOutput{Body: UnitResponse{Unit: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-status-events",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/status-events",
		Summary:     "Status transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
		Limit  int    `query:"limit" default:"0" minimum:"0"`
	}) (*struct {
		Body StatusEventListResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "unit:"+input.UnitID, "unit.read")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.UnitID); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.e.ListStatusEvents(ctx, input.UnitID, input.Limit)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body StatusEventListResponse `json:"body"`
		}{Body: StatusEventListResponse{Items: nonNilSlice(items)}}, nil
	})
}

type proofOutput struct {
	Body ProofResponse `json:"body"`
}

func registerProofs(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proof",
		Method:        http.MethodPost,
		Path:          "/proofs",
		Summary:       "Submit proof reference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SubmitProofRequest `json:"body"`
	}) (*proofOutput, error) {
		p, err := h.authorize(ctx, "unit:"+input.Body.UnitID, "proof.submit")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.Body.UnitID); err != nil {
			return nil, h.handleError(err)
		}
		proof, transitions, err := h.e.SubmitProof(ctx, engine.ProofSubmitOptions{
			ID:              input.Body.ID,
			UnitID:          input.Body.UnitID,
			Type:            domain.ProofType(input.Body.Type),
			UploaderID:      p.ActorID,
			URL:             input.Body.URL,
			FileHash:        input.Body.FileHash,
			ReferenceNumber: input.Body.ReferenceNumber,
			ExpiryDate:      input.Body.ExpiryDate,
			ReplacesProofID: input.Body.ReplacesProofID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &proofOutput{Body: ProofResponse{Proof: proof, Transitions: nonNilSlice(transitions)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-proof",
		Method:      http.MethodPost,
		Path:        "/proofs/{proof_id}/decision",
		Summary:     "Approve or reject a proof",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProofID string          `path:"proof_id"`
		Body    DecisionRequest `json:"body"`
	}) (*proofOutput, error) {
		p, err := h.authorize(ctx, "proof:"+input.ProofID, "proof.decide")
		if err != nil {
			return nil, h.handleError(err)
		}
		if err := h.proofInOrg(ctx, p, input.ProofID); err != nil {
			return nil, h.handleError(err)
		}
		proof, transitions, err := h.e.DecideProof(ctx, engine.ProofDecisionOptions{
			ProofID:    input.ProofID,
			ApproverID: p.ActorID,
			Decision:   engine.Decision(input.Body.Decision),
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &proofOutput{Body: ProofResponse{Proof: proof, Transitions: nonNilSlice(transitions)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-proof",
		Method:      http.MethodPost,
		Path:        "/proofs/{proof_id}/invalidate",
		Summary:     "Invalidate a proof",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProofID string            `path:"proof_id"`
		Body    InvalidateRequest `json:"body"`
	}) (*proofOutput, error) {
		p, err := h.authorize(ctx, "proof:"+input.ProofID, "proof.invalidate")
		if err != nil {
			return nil, h.handleError(err)
		}
		if err := h.proofInOrg(ctx, p, input.ProofID); err != nil {
			return nil, h.handleError(err)
		}
		proof, transitions, err := h.e.InvalidateProof(ctx, input.ProofID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &proofOutput{Body: ProofResponse{Proof: proof, Transitions: nonNilSlice(transitions)}}, nil
	})
}

func registerDependencies(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/dependencies",
		Summary:       "Add or retype a dependency",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body DependencyRequest `json:"body"`
	}) (*struct {
		Body DependencyResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "unit:"+input.Body.DownstreamID, "dependency.write")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.Body.DownstreamID); err != nil {
			return nil, h.handleError(err)
		}
		dep, transitions, err := h.e.AddDependency(ctx, engine.DependencyOptions{
			DownstreamID: input.Body.DownstreamID,
			UpstreamID:   input.Body.UpstreamID,
			Type:         domain.DependencyType(input.Body.Type),
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body DependencyResponse `json:"body"`
		}{Body: DependencyResponse{Dependency: &dep, Transitions: nonNilSlice(transitions)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/dependencies/{downstream_id}/{upstream_id}",
		Summary:     "Remove a dependency",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DownstreamID string `path:"downstream_id"`
		UpstreamID   string `path:"upstream_id"`
	}) (*struct {
		Body DependencyResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "unit:"+input.DownstreamID, "dependency.write")
		if err != nil {
			return nil, h.handleError(err)
		}
		if _, err := h.unitInOrg(ctx, p, input.DownstreamID); err != nil {
			return nil, h.handleError(err)
		}
		transitions, err := h.e.RemoveDependency(ctx, input.DownstreamID, input.UpstreamID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body DependencyResponse `json:"body"`
		}{Body: DependencyResponse{Transitions: nonNilSlice(transitions)}}, nil
	})
}

func registerWorkstreams(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workstream",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}",
		Summary:     "Workstream status and counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
	}) (*struct {
		Body engine.WorkstreamView `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "workstream:"+input.WorkstreamID, "workstream.read")
		if err != nil {
			return nil, h.handleError(err)
		}
		view, err := h.e.GetWorkstreamView(ctx, input.WorkstreamID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if view.Workstream.OrgID != p.OrgID {
			return nil, h.handleError(fmt.Errorf("workstream %s: %w", input.WorkstreamID, repo.ErrNotFound))
		}
		return &struct {
			Body engine.WorkstreamView `json:"body"`
		}{Body: view}, nil
	})
}

func registerEscalations(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations; open ones by default",
	}, func(ctx context.Context, input *struct {
		UnitID string `query:"unit_id"`
		State  string `query:"state" enum:"active,acknowledged,resolved"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body EscalationListResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "org:"+principalOrg(ctx), "escalation.read")
		if err != nil {
			return nil, h.handleError(err)
		}
		opts := engine.EscalationListOptions{OrgID: p.OrgID, UnitID: input.UnitID, Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			opts.States = []domain.EscalationState{domain.EscalationState(input.State)}
		}
		items, err := h.e.ListEscalations(ctx, opts)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body EscalationListResponse `json:"body"`
		}{Body: EscalationListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/ack",
		Summary:     "Acknowledge an escalation",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		EscalationID string `path:"escalation_id"`
	}) (*struct {
		Body domain.EscalationEvent `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "escalation:"+input.EscalationID, "escalation.ack")
		if err != nil {
			return nil, h.handleError(err)
		}
		ev, err := h.e.Repo.GetEscalation(ctx, input.EscalationID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if ev.OrgID != p.OrgID {
			return nil, h.handleError(fmt.Errorf("escalation %s: %w", ev.ID, repo.ErrNotFound))
		}
		ev, err = h.e.AcknowledgeEscalation(ctx, input.EscalationID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.EscalationEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps",
		Summary:     "Run an escalation sweep over the caller's org",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "org:"+principalOrg(ctx), "sweep.run")
		if err != nil {
			return nil, h.handleError(err)
		}
		res, err := h.e.SweepOrg(ctx, p.OrgID, h.now())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"program,workstream,unit,proof,dependency,escalation"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "org:"+principalOrg(ctx), "events.read")
		if err != nil {
			return nil, h.handleError(err)
		}
		var after int64
		if input.Cursor != "" {
			after, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.Repo.ListEvents(ctx, repo.EventFilters{
			OrgID:      p.OrgID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    after,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := EventListResponse{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func principalOrg(ctx context.Context) string {
	p, _ := principalFromContext(ctx)
	return p.OrgID
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
