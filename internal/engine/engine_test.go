package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/identity"
	"readyline/internal/ladder"
	"readyline/internal/migrate"
	"readyline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Set(d time.Duration) { c.t = t0.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Dir    identity.Service
	WS     domain.Workstream
}

// newTestEnv seeds org acme with one program and workstream. tester is a
// program manager, lead a workstream lead, boss an executive and bob a
// plain reviewer with no roles.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: t0}
	eng := engine.New(conn, config.Default("acme"))
	eng.Now = clk.Now
	prog, err := eng.CreateProgram(ctx, "acme", "prog-1", "Plant opening", "tester")
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	ids := identity.Service{DB: conn, Now: clk.Now}
	grants := []struct{ actor, role, email string }{
		{"tester", "program_manager", "tester@acme.test"},
		{"lead", "workstream_lead", "lead@acme.test"},
		{"boss", "executive", "boss@acme.test"},
	}
	for _, g := range grants {
		if err := ids.AssignRole(ctx, "acme", g.actor, g.role, identity.ActorProfile{Email: g.email}); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	ws, err := eng.CreateWorkstream(ctx, prog.ID, "ws-1", "Electrical", "tester")
	if err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Dir: ids, WS: ws}
}

func (env testEnv) unit(t *testing.T, title string, req domain.ProofRequirement) domain.Unit {
	t.Helper()
	u, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{
		WorkstreamID: env.WS.ID,
		Title:        title,
		Requirement:  req,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create unit %s: %v", title, err)
	}
	return u
}

func (env testEnv) submit(t *testing.T, unitID string, typ domain.ProofType, uploader string) domain.Proof {
	t.Helper()
	p, _, err := env.Engine.SubmitProof(env.Ctx, engine.ProofSubmitOptions{
		UnitID:     unitID,
		Type:       typ,
		UploaderID: uploader,
		URL:        "https://files.acme.test/" + unitID,
	})
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	return p
}

func (env testEnv) approve(t *testing.T, proofID, approver string) domain.Proof {
	t.Helper()
	p, _, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: proofID, ApproverID: approver, Decision: engine.DecisionApprove})
	if err != nil {
		t.Fatalf("approve %s: %v", proofID, err)
	}
	return p
}

func (env testEnv) status(t *testing.T, unitID string) domain.Unit {
	t.Helper()
	u, err := env.Engine.Repo.GetUnit(env.Ctx, unitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	return u
}

func governanceCode(t *testing.T, err error) string {
	t.Helper()
	ge, ok := engine.AsGovernance(err)
	if !ok {
		t.Fatalf("expected governance error, got %v", err)
	}
	return ge.Code
}

var twoApprovedPhotos = domain.ProofRequirement{Count: 2, Types: []domain.ProofType{domain.ProofPhoto}, RequiresReviewerApproval: true}

func TestTwoApprovedPhotosTurnUnitGreen(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Switchgear installed", twoApprovedPhotos)
	if u.Status != domain.StatusRed {
		t.Fatalf("new unit should be RED, got %s", u.Status)
	}

	p1 := env.submit(t, u.ID, domain.ProofPhoto, "alice")
	env.approve(t, p1.ID, "bob")
	if got := env.status(t, u.ID).Status; got != domain.StatusRed {
		t.Fatalf("one approved photo should stay RED, got %s", got)
	}

	p2 := env.submit(t, u.ID, domain.ProofPhoto, "alice")
	_, transitions, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: p2.ID, ApproverID: "bob", Decision: engine.DecisionApprove})
	if err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if len(transitions) != 1 || transitions[0].To != domain.StatusGreen {
		t.Fatalf("expected one transition to GREEN, got %+v", transitions)
	}
	if got := env.status(t, u.ID).Status; got != domain.StatusGreen {
		t.Fatalf("expected GREEN, got %s", got)
	}

	evs, err := env.Engine.ListStatusEvents(env.Ctx, u.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected creation + transition events, got %d", len(evs))
	}
	if evs[0].OldStatus != nil || evs[0].Reason != domain.ReasonUnitCreated {
		t.Fatalf("unexpected creation event %+v", evs[0])
	}
	last := evs[1]
	if last.Reason != domain.ReasonValidProofReceived || *last.OldStatus != domain.StatusRed || last.NewStatus != domain.StatusGreen {
		t.Fatalf("unexpected transition event %+v", last)
	}
	if last.ActorID == nil || *last.ActorID != "bob" {
		t.Fatalf("transition actor should be the approver")
	}
}

func TestSeparationOfDuties(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Permit filed", domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true})
	p := env.submit(t, u.ID, domain.ProofDocument, "alice")

	_, _, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: p.ID, ApproverID: "alice", Decision: engine.DecisionApprove})
	if code := governanceCode(t, err); code != engine.CodeSeparationOfDuties {
		t.Fatalf("expected separation_of_duties, got %s", code)
	}
	got, err := env.Engine.Repo.GetProof(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ApprovalState != domain.ApprovalPending || got.DecidedBy != "" {
		t.Fatalf("proof must stay pending, got %+v", got)
	}
}

func TestApprovalIsForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Permit filed", domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true})
	p := env.submit(t, u.ID, domain.ProofDocument, "alice")
	env.approve(t, p.ID, "bob")

	_, _, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: p.ID, ApproverID: "lead", Decision: engine.DecisionReject})
	if code := governanceCode(t, err); code != engine.CodeApprovalNotPending {
		t.Fatalf("expected approval_not_pending, got %s", code)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE proofs SET approval_state='pending' WHERE id=?`, p.ID); err == nil {
		t.Fatalf("database must refuse to revert an approved proof")
	}
}

func TestRejectionRemovesEvidence(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Walkthrough video", domain.ProofRequirement{Count: 1})
	p := env.submit(t, u.ID, domain.ProofVideo, "alice")
	if got := env.status(t, u.ID).Status; got != domain.StatusGreen {
		t.Fatalf("unit without approval requirement should be GREEN on submission, got %s", got)
	}
	_, transitions, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: p.ID, ApproverID: "bob", Decision: engine.DecisionReject, Reason: "blurry"})
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 1 || transitions[0].Reason != domain.ReasonEvidenceRemoved || transitions[0].To != domain.StatusRed {
		t.Fatalf("unexpected transitions %+v", transitions)
	}
}

func TestSupersessionReplacesApprovedProof(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Insurance certificate", domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true})
	p1 := env.submit(t, u.ID, domain.ProofDocument, "alice")
	env.approve(t, p1.ID, "bob")

	p2, _, err := env.Engine.SubmitProof(env.Ctx, engine.ProofSubmitOptions{
		UnitID: u.ID, Type: domain.ProofDocument, UploaderID: "alice", URL: "https://files.acme.test/v2", ReplacesProofID: p1.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.approve(t, p2.ID, "bob")

	old, err := env.Engine.Repo.GetProof(env.Ctx, p1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.SupersededBy != p2.ID || old.SupersededAt == nil {
		t.Fatalf("p1 should be superseded by p2, got %+v", old)
	}
	if !old.Valid || old.ApprovalState != domain.ApprovalApproved {
		t.Fatalf("superseded proof keeps its history, got %+v", old)
	}
	if got := env.status(t, u.ID).Status; got != domain.StatusGreen {
		t.Fatalf("expected GREEN, got %s", got)
	}

	if _, _, err := env.Engine.InvalidateProof(env.Ctx, p2.ID, "lead", "wrong policy number"); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, u.ID).Status; got != domain.StatusRed {
		t.Fatalf("superseded p1 must not count once p2 is invalid, got %s", got)
	}
}

func TestStructuredFieldsRequiredAtSubmission(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Inspection", domain.ProofRequirement{Count: 1, RequiresReferenceNumber: true, RequiresExpiryDate: true})
	_, _, err := env.Engine.SubmitProof(env.Ctx, engine.ProofSubmitOptions{UnitID: u.ID, Type: domain.ProofDocument, UploaderID: "alice", URL: "x"})
	if code := governanceCode(t, err); code != engine.CodeMissingStructuredField {
		t.Fatalf("expected missing_structured_field, got %s", code)
	}
	_, _, err = env.Engine.SubmitProof(env.Ctx, engine.ProofSubmitOptions{UnitID: u.ID, Type: "fax", UploaderID: "alice", URL: "x"})
	if code := governanceCode(t, err); code != engine.CodeInvalidProofType {
		t.Fatalf("expected invalid_proof_type, got %s", code)
	}
	p, _, err := env.Engine.SubmitProof(env.Ctx, engine.ProofSubmitOptions{
		UnitID: u.ID, Type: domain.ProofDocument, UploaderID: "alice", URL: "x", ReferenceNumber: "INS-9", ExpiryDate: "2024-01-02",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, u.ID).Status; got != domain.StatusGreen {
		t.Fatalf("expected GREEN while unexpired, got %s", got)
	}

	// The expiry lapses; the next sweep notices.
	env.Clock.Set(48 * time.Hour)
	res, err := env.Engine.RunEscalationSweep(env.Ctx, env.Clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.UnitsRefreshed != 1 {
		t.Fatalf("expected one refreshed unit, got %+v", res)
	}
	if got := env.status(t, u.ID).Status; got != domain.StatusRed {
		t.Fatalf("expired proof should turn unit RED, got %s", got)
	}
	_ = p
}

func TestAmendProofGuards(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Inspection", domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true})
	p := env.submit(t, u.ID, domain.ProofDocument, "alice")

	_, _, err := env.Engine.AmendProof(env.Ctx, engine.ProofAmendOptions{ProofID: p.ID, ActorID: "alice", UploadedBy: "mallory"})
	if code := governanceCode(t, err); code != engine.CodeImmutableField {
		t.Fatalf("expected immutable_field, got %s", code)
	}
	_, _, err = env.Engine.AmendProof(env.Ctx, engine.ProofAmendOptions{ProofID: p.ID, ActorID: "bob", ReferenceNumber: "R-1"})
	var forbidden identity.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("only the uploader may amend, got %v", err)
	}
	amended, _, err := env.Engine.AmendProof(env.Ctx, engine.ProofAmendOptions{ProofID: p.ID, ActorID: "alice", ReferenceNumber: "R-1"})
	if err != nil {
		t.Fatal(err)
	}
	if amended.ReferenceNumber != "R-1" || amended.UploadedBy != "alice" || amended.UploadedAt != p.UploadedAt {
		t.Fatalf("unexpected amended proof %+v", amended)
	}
	env.approve(t, p.ID, "bob")
	_, _, err = env.Engine.AmendProof(env.Ctx, engine.ProofAmendOptions{ProofID: p.ID, ActorID: "alice", ReferenceNumber: "R-2"})
	if code := governanceCode(t, err); code != engine.CodeImmutableField {
		t.Fatalf("approved proofs are frozen, got %s", code)
	}
}

func TestHighCriticalityNeedsElevatedApprover(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{
		WorkstreamID: env.WS.ID, Title: "Fire suppression", ActorID: "tester", HighCriticality: true,
		Requirement: domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if u.Ladder.Kind != ladder.KindCritical {
		t.Fatalf("high criticality units default to the CRITICAL ladder, got %s", u.Ladder.Kind)
	}
	p := env.submit(t, u.ID, domain.ProofDocument, "alice")
	_, _, err = env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: p.ID, ApproverID: "bob", Decision: engine.DecisionApprove})
	if code := governanceCode(t, err); code != engine.CodeElevatedRoleRequired {
		t.Fatalf("expected elevated_role_required, got %s", code)
	}
	env.approve(t, p.ID, "boss")
	if got := env.status(t, u.ID).Status; got != domain.StatusGreen {
		t.Fatalf("expected GREEN, got %s", got)
	}
}

func TestHardDependencyCascade(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", domain.ProofRequirement{Count: 1, RequiresReviewerApproval: true})
	b := env.unit(t, "B", domain.ProofRequirement{Count: 1})
	c := env.unit(t, "C", domain.ProofRequirement{})

	if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: b.ID, UpstreamID: a.ID, Type: domain.DependencyHard, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: c.ID, UpstreamID: b.ID, Type: domain.DependencyHard, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	env.submit(t, b.ID, domain.ProofPhoto, "alice")
	if got := env.status(t, b.ID).Status; got != domain.StatusRed {
		t.Fatalf("B satisfies its own proofs but A is RED; got %s", got)
	}
	if got := env.status(t, c.ID).Status; got != domain.StatusRed {
		t.Fatalf("C should be RED behind B, got %s", got)
	}

	pa := env.submit(t, a.ID, domain.ProofPhoto, "alice")
	_, transitions, err := env.Engine.DecideProof(env.Ctx, engine.ProofDecisionOptions{ProofID: pa.ID, ApproverID: "bob", Decision: engine.DecisionApprove})
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 3 {
		t.Fatalf("expected A, B and C to transition, got %+v", transitions)
	}
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if got := env.status(t, id).Status; got != domain.StatusGreen {
			t.Fatalf("unit %s should be GREEN, got %s", id, got)
		}
	}
	evs, err := env.Engine.ListStatusEvents(env.Ctx, b.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if last := evs[len(evs)-1]; last.Reason != domain.ReasonDependencyChanged {
		t.Fatalf("B should record dependency_changed, got %s", last.Reason)
	}

	// Archiving A fails closed for its dependents.
	if _, err := env.Engine.ArchiveUnit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, b.ID).Status; got != domain.StatusRed {
		t.Fatalf("archived upstream must force RED, got %s", got)
	}
	if got := env.status(t, c.ID).Status; got != domain.StatusRed {
		t.Fatalf("C should follow B to RED, got %s", got)
	}
}

func TestSoftDependencyIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", domain.ProofRequirement{Count: 1})
	b := env.unit(t, "B", domain.ProofRequirement{})
	if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: b.ID, UpstreamID: a.ID, Type: domain.DependencySoft, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, b.ID).Status; got != domain.StatusGreen {
		t.Fatalf("soft dependency must not affect status, got %s", got)
	}
	if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: b.ID, UpstreamID: a.ID, Type: domain.DependencyHard, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, b.ID).Status; got != domain.StatusRed {
		t.Fatalf("upgrading to hard must force RED, got %s", got)
	}
	if _, err := env.Engine.RemoveDependency(env.Ctx, b.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, b.ID).Status; got != domain.StatusGreen {
		t.Fatalf("removing the edge restores GREEN, got %s", got)
	}
}

func TestDependencyCyclesRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", domain.ProofRequirement{})
	b := env.unit(t, "B", domain.ProofRequirement{})
	c := env.unit(t, "C", domain.ProofRequirement{})

	_, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: a.ID, UpstreamID: a.ID, ActorID: "tester"})
	if code := governanceCode(t, err); code != engine.CodeDependencySelfLoop {
		t.Fatalf("expected self loop error, got %s", code)
	}
	for _, edge := range [][2]string{{b.ID, a.ID}, {c.ID, b.ID}} {
		if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: edge[0], UpstreamID: edge[1], ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
	}
	_, _, err = env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: a.ID, UpstreamID: c.ID, ActorID: "tester"})
	if code := governanceCode(t, err); code != engine.CodeDependencyCycle {
		t.Fatalf("expected cycle error, got %s", code)
	}
	if _, _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{DownstreamID: a.ID, UpstreamID: c.ID, Type: domain.DependencySoft, ActorID: "tester"}); err != nil {
		t.Fatalf("soft edges may close loops: %v", err)
	}
}

func TestRecomputeTerminatesOnStoredCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", domain.ProofRequirement{Count: 1})
	b := env.unit(t, "B", domain.ProofRequirement{})
	if b.Status != domain.StatusGreen {
		t.Fatalf("B starts GREEN, got %s", b.Status)
	}
	// Rows written outside AddDependency, as an older import might leave them.
	stamp := t0.Format(time.RFC3339)
	for _, edge := range [][2]string{{b.ID, a.ID}, {a.ID, b.ID}} {
		if _, err := env.Engine.DB.ExecContext(env.Ctx,
			`INSERT INTO unit_deps (downstream_id, upstream_id, type, created_by, created_at) VALUES (?,?,'hard','tester',?)`,
			edge[0], edge[1], stamp); err != nil {
			t.Fatalf("insert edge: %v", err)
		}
	}

	type outcome struct {
		transitions []engine.Transition
		err         error
	}
	done := make(chan outcome, 1)
	go func() {
		tr, err := env.Engine.Recompute(env.Ctx, b.ID, "tester", domain.ReasonDependencyChanged)
		done <- outcome{tr, err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("recompute: %v", out.err)
		}
		if len(out.transitions) != 1 || out.transitions[0].UnitID != b.ID {
			t.Fatalf("expected only B to change, got %+v", out.transitions)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("recompute did not return on a stored dependency cycle")
	}
	if got := env.status(t, b.ID); got.Status != domain.StatusRed {
		t.Fatalf("B should follow its RED upstream, got %s", got.Status)
	}
	if got := env.status(t, a.ID); got.Status != domain.StatusRed {
		t.Fatalf("A stays RED, got %s", got.Status)
	}
}

func TestWorkstreamAggregation(t *testing.T) {
	env := newTestEnv(t)
	ws, err := env.Engine.Repo.GetWorkstream(env.Ctx, env.WS.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != nil {
		t.Fatalf("empty workstream has no status, got %s", *ws.Status)
	}

	// Units from actors without a trusted role start unconfirmed.
	draft, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{WorkstreamID: env.WS.ID, Title: "draft", ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if draft.Confirmed {
		t.Fatalf("unit from untrusted actor must start unconfirmed")
	}
	ws, _ = env.Engine.Repo.GetWorkstream(env.Ctx, env.WS.ID)
	if ws.Status != nil {
		t.Fatalf("unconfirmed units are not aggregated")
	}
	if _, err := env.Engine.ConfirmUnit(env.Ctx, draft.ID, "bob"); err == nil {
		t.Fatalf("untrusted actor cannot confirm")
	}
	if _, err := env.Engine.ConfirmUnit(env.Ctx, draft.ID, "lead"); err != nil {
		t.Fatal(err)
	}
	assertWorkstream(t, env, domain.StatusGreen)

	red := env.unit(t, "red", domain.ProofRequirement{Count: 1})
	assertWorkstream(t, env, domain.StatusRed)

	if _, err := env.Engine.BlockUnit(env.Ctx, draft.ID, "lead", "crane unavailable"); err != nil {
		t.Fatal(err)
	}
	assertWorkstream(t, env, domain.StatusBlocked)

	if _, err := env.Engine.UnblockUnit(env.Ctx, draft.ID, "lead"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ArchiveUnit(env.Ctx, red.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	assertWorkstream(t, env, domain.StatusGreen)

	env.Clock.Set(time.Hour)
	view, err := env.Engine.GetWorkstreamView(env.Ctx, env.WS.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Counts.Total != 1 || view.Counts.Green != 1 || view.Counts.Unconfirmed != 0 {
		t.Fatalf("unexpected counts %+v", view.Counts)
	}
}

func assertWorkstream(t *testing.T, env testEnv, want domain.Status) {
	t.Helper()
	ws, err := env.Engine.Repo.GetWorkstream(env.Ctx, env.WS.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status == nil || *ws.Status != want {
		t.Fatalf("workstream status = %v, want %s", ws.Status, want)
	}
}

func TestAggregateStatus(t *testing.T) {
	green := domain.Unit{Status: domain.StatusGreen, Confirmed: true}
	red := domain.Unit{Status: domain.StatusRed, Confirmed: true}
	blocked := domain.Unit{Status: domain.StatusBlocked, Confirmed: true}
	archivedRed := domain.Unit{Status: domain.StatusRed, Confirmed: true, Archived: true}
	unconfirmedRed := domain.Unit{Status: domain.StatusRed}

	cases := []struct {
		name  string
		units []domain.Unit
		want  *domain.Status
	}{
		{"empty", nil, nil},
		{"only ineligible", []domain.Unit{archivedRed, unconfirmedRed}, nil},
		{"all green", []domain.Unit{green, green, archivedRed}, ptr(domain.StatusGreen)},
		{"one red", []domain.Unit{green, red, green}, ptr(domain.StatusRed)},
		{"blocked wins", []domain.Unit{green, red, blocked}, ptr(domain.StatusBlocked)},
	}
	for _, tc := range cases {
		got := engine.AggregateStatus(tc.units)
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func ptr(s domain.Status) *domain.Status { return &s }

func TestBlockRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	u := env.unit(t, "Trenching", domain.ProofRequirement{Count: 1})
	_, err := env.Engine.BlockUnit(env.Ctx, u.ID, "lead", "   ")
	if code := governanceCode(t, err); code != engine.CodeBlockReasonRequired {
		t.Fatalf("expected block_reason_required, got %s", code)
	}
	if got := env.status(t, u.ID); got.Blocked || got.Status != domain.StatusRed {
		t.Fatalf("failed block must leave unit untouched, got %+v", got)
	}
	blocked, err := env.Engine.BlockUnit(env.Ctx, u.ID, "lead", "permit pending")
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != domain.StatusBlocked || blocked.BlockReason != "permit pending" {
		t.Fatalf("unexpected blocked unit %+v", blocked)
	}
	env.submit(t, u.ID, domain.ProofPhoto, "alice")
	if got := env.status(t, u.ID).Status; got != domain.StatusBlocked {
		t.Fatalf("block wins over proofs, got %s", got)
	}
	unblocked, err := env.Engine.UnblockUnit(env.Ctx, u.ID, "lead")
	if err != nil {
		t.Fatal(err)
	}
	if unblocked.Status != domain.StatusGreen {
		t.Fatalf("expected GREEN after unblock, got %s", unblocked.Status)
	}
}

func TestInvalidLadderRejected(t *testing.T) {
	env := newTestEnv(t)
	bad := ladder.Ladder{Kind: ladder.KindCustom, Steps: []ladder.Step{{Level: 1, Threshold: 80}, {Level: 2, Threshold: 40}}}
	_, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{WorkstreamID: env.WS.ID, Title: "x", ActorID: "tester", Ladder: &bad})
	if code := governanceCode(t, err); code != engine.CodeInvalidLadder {
		t.Fatalf("expected invalid_ladder, got %s", code)
	}
	units, err := env.Engine.Repo.ListUnits(env.Ctx, repo.UnitFilters{WorkstreamID: env.WS.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Fatalf("rejected unit must not persist")
	}
}
