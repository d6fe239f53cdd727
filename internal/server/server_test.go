package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/identity"
	"readyline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	engine engine.Engine
	ws     domain.Workstream
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("acme"))
	prog, err := e.CreateProgram(ctx, "acme", "", "Opening", "tester")
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	if err := (identity.Service{DB: conn}).AssignRole(ctx, "acme", "tester", "program_manager", identity.ActorProfile{}); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	ws, err := e.CreateWorkstream(ctx, prog.ID, "", "Electrical", "tester")
	if err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, engine: e, ws: ws}
}

func token(t *testing.T, actor, org string) string {
	t.Helper()
	claims := jwtClaims{Org: org}
	claims.Subject = actor
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env apiError
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, data)
	}
	return env.Body.Code
}

func TestHealthAndAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/me", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/me", "not-a-jwt", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/me", token(t, "alice", "acme"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "alice" || who.OrgID != "acme" {
		t.Fatalf("unexpected principal %+v", who)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestProofApprovalFlow(t *testing.T) {
	srv := newTestServer(t)
	tester := token(t, "tester", "acme")
	alice := token(t, "alice", "acme")
	bob := token(t, "bob", "acme")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/units", tester, CreateUnitRequest{
		WorkstreamID:             srv.ws.ID,
		Title:                    "Switchgear installed",
		RequiredCount:            1,
		RequiredTypes:            []string{"photo"},
		RequiresReviewerApproval: true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create unit status %d: %s", res.StatusCode, data)
	}
	var created UnitResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Unit.Status != domain.StatusRed || !created.Unit.Confirmed {
		t.Fatalf("unexpected unit %+v", created.Unit)
	}
	unitID := created.Unit.ID

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/proofs", alice, SubmitProofRequest{UnitID: unitID, Type: "photo", URL: "https://files/1.jpg"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var submitted ProofResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatal(err)
	}

	decisionURL := srv.URL + "/v0/proofs/" + submitted.Proof.ID + "/decision"
	res, data = doJSON(t, http.MethodPost, decisionURL, alice, DecisionRequest{Decision: "approve"})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeSeparationOfDuties {
		t.Fatalf("expected separation_of_duties, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, decisionURL, bob, DecisionRequest{Decision: "approve"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	var decided ProofResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatal(err)
	}
	if len(decided.Transitions) != 1 || decided.Transitions[0].To != domain.StatusGreen {
		t.Fatalf("expected GREEN transition, got %+v", decided.Transitions)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/units/"+unitID, bob, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get unit status %d: %s", res.StatusCode, data)
	}
	var view engine.UnitView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Unit.Status != domain.StatusGreen || view.Proofs.Qualifying != 1 {
		t.Fatalf("unexpected view %+v", view)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/units/"+unitID+"/status-events", bob, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status events %d: %s", res.StatusCode, data)
	}
	var history StatusEventListResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatal(err)
	}
	if len(history.Items) != 2 || history.Items[1].Reason != domain.ReasonValidProofReceived {
		t.Fatalf("unexpected history %+v", history.Items)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/workstreams/"+srv.ws.ID, bob, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workstream %d: %s", res.StatusCode, data)
	}
	var ws engine.WorkstreamView
	if err := json.Unmarshal(data, &ws); err != nil {
		t.Fatal(err)
	}
	if ws.Workstream.Status == nil || *ws.Workstream.Status != domain.StatusGreen {
		t.Fatalf("workstream should be GREEN, got %v", ws.Workstream.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	tester := token(t, "tester", "acme")
	u, err := srv.engine.CreateUnit(context.Background(), engine.UnitCreateOptions{WorkstreamID: srv.ws.ID, Title: "Trench", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/units/"+u.ID+"/block", tester, BlockRequest{Reason: " "})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeBlockReasonRequired {
		t.Fatalf("expected block_reason_required, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/units/missing", tester, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/units/"+u.ID, token(t, "tester", "other-org"), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("units of another org must be invisible, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/dependencies", tester, DependencyRequest{DownstreamID: u.ID, UpstreamID: u.ID})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeDependencySelfLoop {
		t.Fatalf("expected dependency_self_loop, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/units", tester, CreateUnitRequest{
		WorkstreamID: srv.ws.ID, Title: "x", Ladder: &LadderRequest{Kind: "CUSTOM", Thresholds: []float64{80, 20}},
	})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeInvalidLadder {
		t.Fatalf("expected invalid_ladder, got %d: %s", res.StatusCode, data)
	}
}

func TestAuthorizerDenies(t *testing.T) {
	srv := newTestServer(t)
	handler, err := New(Config{
		Engine:     srv.engine,
		Auth:       AuthConfig{JWTSecret: testSecret},
		Authorizer: identity.RolePolicy{Directory: identity.Service{DB: srv.engine.DB}, Require: map[string][]string{"sweep.run": {"executive"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	guarded := httptest.NewServer(handler)
	defer guarded.Close()

	res, data := doJSON(t, http.MethodPost, guarded.URL+"/v0/sweeps", token(t, "bob", "acme"), nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodGet, guarded.URL+"/v0/escalations", token(t, "bob", "acme"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unguarded action should pass, got %d: %s", res.StatusCode, data)
	}
}

func TestSweepIsScopedToCallerOrg(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)
	u, err := srv.engine.CreateUnit(ctx, engine.UnitCreateOptions{
		WorkstreamID: srv.ws.ID,
		Title:        "Switchgear energised",
		Requirement:  domain.ProofRequirement{Count: 1},
		Deadline:     &deadline,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	// Three of four hours already elapsed.
	created := time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339)
	if _, err := srv.engine.DB.ExecContext(ctx, `UPDATE units SET created_at=? WHERE id=?`, created, u.ID); err != nil {
		t.Fatalf("backdate unit: %v", err)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/sweeps", token(t, "mallory", "globex"), map[string]any{"now": "2099-01-01T00:00:00Z"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("foreign sweep status %d: %s", res.StatusCode, data)
	}
	var out engine.SweepResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if out.UnitsChecked != 0 || out.EscalationsCreated != 0 {
		t.Fatalf("foreign sweep touched acme units: %+v", out)
	}
	got, err := srv.engine.Repo.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EscalationLevel != 0 {
		t.Fatalf("expected level 0 after foreign sweep, got %d", got.EscalationLevel)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/sweeps", token(t, "tester", "acme"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own sweep status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if out.EscalationsCreated != 1 || out.Escalations[0].UnitID != u.ID || out.Escalations[0].Level != 1 {
		t.Fatalf("expected one level-1 escalation for %s, got %+v", u.ID, out)
	}
}

func TestUnitOfAnotherOrgIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	u, err := srv.engine.CreateUnit(context.Background(), engine.UnitCreateOptions{WorkstreamID: srv.ws.ID, Title: "Roof sealed", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/units/"+u.ID, token(t, "mallory", "globex"), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 across orgs, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/units/"+u.ID, token(t, "tester", "acme"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 in own org, got %d: %s", res.StatusCode, data)
	}
}
