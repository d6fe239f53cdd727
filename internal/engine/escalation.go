package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/identity"
	"readyline/internal/ladder"
	"readyline/internal/metrics"
	"readyline/internal/repo"
	"readyline/internal/status"
)

// SweepLockName is the lease name shared by every sweeping process.
const SweepLockName = "escalation-sweep"

type SweepResult struct {
	UnitsChecked       int                      `json:"units_checked"`
	EscalationsCreated int                      `json:"escalations_created"`
	UnitsRefreshed     int                      `json:"units_refreshed"`
	Failures           int                      `json:"failures"`
	Skipped            bool                     `json:"skipped"`
	Escalations        []domain.EscalationEvent `json:"escalations,omitempty"`
}

func (e Engine) lockOwner() string {
	host, _ := os.Hostname()
	return host + ":" + strconv.Itoa(os.Getpid())
}

// RunEscalationSweep evaluates every eligible unit once. Only one sweep runs
// at a time; a sweep that cannot take the lock returns Skipped without error.
// Each unit is escalated in its own transaction, so a failure part way
// through leaves earlier units committed and later ones for the next run.
func (e Engine) RunEscalationSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	return e.runSweep(ctx, "", now)
}

// SweepOrg runs the same sweep restricted to the units of one org. It shares
// the sweep lock with RunEscalationSweep.
func (e Engine) SweepOrg(ctx context.Context, orgID string, now time.Time) (SweepResult, error) {
	if orgID == "" {
		return SweepResult{}, errors.New("sweep org: org id required")
	}
	return e.runSweep(ctx, orgID, now)
}

func (e Engine) runSweep(ctx context.Context, orgID string, now time.Time) (SweepResult, error) {
	start := time.Now()
	if e.sweepMu != nil {
		if !e.sweepMu.TryLock() {
			metrics.Sweep("skipped", 0)
			return SweepResult{Skipped: true}, nil
		}
		defer e.sweepMu.Unlock()
	}
	if e.Locker != nil {
		owner := e.lockOwner()
		ok, err := e.Locker.Acquire(ctx, SweepLockName, owner, e.lockTTL())
		if err != nil {
			e.log().Warn("sweep lock unavailable", "err", err)
			metrics.Sweep("skipped", 0)
			return SweepResult{Skipped: true}, nil
		}
		if !ok {
			e.log().Debug("sweep already running elsewhere")
			metrics.Sweep("skipped", 0)
			return SweepResult{Skipped: true}, nil
		}
		defer func() {
			if err := e.Locker.Release(context.WithoutCancel(ctx), SweepLockName, owner); err != nil {
				e.log().Warn("release sweep lock", "err", err)
			}
		}()
	}

	ctx, span := tracer.Start(ctx, "engine.escalation_sweep")
	defer span.End()
	if orgID != "" {
		span.SetAttributes(attribute.String("sweep.org_id", orgID))
	}

	res, err := e.sweep(ctx, orgID, now)
	span.SetAttributes(
		attribute.Int("sweep.units_checked", res.UnitsChecked),
		attribute.Int("sweep.escalations_created", res.EscalationsCreated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Sweep("failed", time.Since(start))
		return res, err
	}
	metrics.Sweep("completed", time.Since(start))
	e.log().Info("escalation sweep finished",
		"units_checked", res.UnitsChecked,
		"escalations_created", res.EscalationsCreated,
		"units_refreshed", res.UnitsRefreshed,
		"failures", res.Failures)
	return res, nil
}

func (e Engine) lockTTL() time.Duration {
	if e.Config != nil && e.Config.Escalation.LockTTL > 0 {
		return e.Config.Escalation.LockTTL
	}
	return 5 * time.Minute
}

func (e Engine) sweep(ctx context.Context, orgID string, now time.Time) (SweepResult, error) {
	var res SweepResult
	refreshed, err := e.refreshExpiring(ctx, orgID, now)
	if err != nil {
		return res, err
	}
	res.UnitsRefreshed = refreshed

	candidates, err := e.Repo.EscalationCandidates(ctx, orgID)
	if err != nil {
		return res, fmt.Errorf("load escalation candidates: %w", err)
	}
	for _, u := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.UnitsChecked++
		ev, ok, err := e.evaluateUnit(ctx, u, now)
		if err != nil {
			res.Failures++
			e.log().Error("escalation failed", "unit_id", u.ID, "org_id", u.OrgID, "err", err)
			continue
		}
		if ok {
			res.EscalationsCreated++
			res.Escalations = append(res.Escalations, ev)
		}
	}
	return res, nil
}

// refreshExpiring recomputes GREEN units whose proofs carry expiry dates so
// a lapsed document turns the unit RED before escalation runs.
func (e Engine) refreshExpiring(ctx context.Context, orgID string, now time.Time) (int, error) {
	units, err := e.Repo.ListUnits(ctx, repo.UnitFilters{OrgID: orgID, Status: string(domain.StatusGreen)})
	if err != nil {
		return 0, fmt.Errorf("load green units: %w", err)
	}
	changed := 0
	for _, u := range units {
		if !u.Requirement.RequiresExpiryDate {
			continue
		}
		proofs, err := e.Repo.ListProofs(ctx, u.ID)
		if err != nil {
			return changed, err
		}
		deps, err := e.resolveDependencies(ctx, e.DB, u.ID)
		if err != nil {
			return changed, err
		}
		if status.Compute(u, proofs, deps, now) == u.Status {
			continue
		}
		var transitions []Transition
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			transitions, err = e.newCascadeAt(tx, "", now).execute(ctx, RecomputeRequest{
				UnitID:  u.ID,
				Reason:  domain.ReasonEvidenceRemoved,
				Details: map[string]any{"expired": true},
			})
			return err
		})
		if err != nil {
			e.log().Error("expiry refresh failed", "unit_id", u.ID, "err", err)
			continue
		}
		changed += len(transitions)
	}
	return changed, nil
}

// evaluateUnit decides whether u crosses its next threshold and, if so,
// records the escalation.
func (e Engine) evaluateUnit(ctx context.Context, u domain.Unit, now time.Time) (domain.EscalationEvent, bool, error) {
	if u.Deadline == nil {
		return domain.EscalationEvent{}, false, nil
	}
	created, err := time.Parse(time.RFC3339, u.CreatedAt)
	if err != nil {
		return domain.EscalationEvent{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	deadline, err := time.Parse(time.RFC3339, *u.Deadline)
	if err != nil {
		return domain.EscalationEvent{}, false, fmt.Errorf("parse deadline: %w", err)
	}
	pct := ladder.PercentElapsed(created, deadline, now)
	step, ok := u.Ladder.Next(u.EscalationLevel, pct)
	if !ok {
		return domain.EscalationEvent{}, false, nil
	}
	roles := step.Roles
	if len(roles) == 0 && e.Config != nil {
		roles = e.Config.RolesFor(step.Level)
	}
	var recipients []identity.Recipient
	if e.Directory != nil && len(roles) > 0 {
		recipients, err = e.Directory.ResolveRecipients(ctx, u.OrgID, roles)
		if err != nil {
			e.log().Warn("resolve escalation recipients", "unit_id", u.ID, "roles", roles, "err", err)
			recipients = nil
		}
	}
	ev, err := e.escalate(ctx, u, step, pct, roles, recipients, now)
	if errors.Is(err, errStaleCandidate) {
		return domain.EscalationEvent{}, false, nil
	}
	if err != nil {
		return domain.EscalationEvent{}, false, err
	}
	return ev, true, nil
}

var errStaleCandidate = errors.New("unit changed since candidate scan")

// escalate writes the escalation, level advance, status event, audit event
// and notification requests in one transaction. The unit is re-read first so
// a concurrent block, approval or earlier escalation wins.
func (e Engine) escalate(ctx context.Context, seen domain.Unit, step ladder.Step, pct float64, roles []string, recipients []identity.Recipient, now time.Time) (domain.EscalationEvent, error) {
	stamp := now.UTC().Format(time.RFC3339)
	addresses := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addresses = append(addresses, r.Address())
	}
	ev := domain.EscalationEvent{
		ID:             uuid.NewString(),
		OrgID:          seen.OrgID,
		UnitID:         seen.ID,
		Level:          step.Level,
		TriggeredAt:    stamp,
		PercentElapsed: pct,
		TargetRoles:    roles,
		Recipients:     addresses,
		State:          domain.EscalationActive,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		u, err := e.Repo.GetUnitTx(ctx, tx, seen.ID)
		if err != nil {
			return err
		}
		if u.Status != domain.StatusRed || u.Blocked || u.Archived || !u.Confirmed || u.EscalationLevel != seen.EscalationLevel {
			return errStaleCandidate
		}
		if err := e.Repo.InsertEscalation(ctx, tx, ev); err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}
		if err := e.Repo.SetUnitEscalation(ctx, tx, u.ID, step.Level, &stamp, stamp); err != nil {
			return err
		}
		reason := domain.ReasonEscalationTriggered
		if pct >= 100 {
			reason = domain.ReasonDeadlineMissed
		}
		red := domain.StatusRed
		details := map[string]any{"escalation_id": ev.ID, "level": step.Level, "percent_elapsed": pct}
		if err := e.writeStatusEvent(ctx, tx, u, &red, red, reason, "", details, stamp); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "escalation.triggered", u.OrgID, "unit", u.ID, events.SystemActor, events.EventPayload{
			"escalation_id":   ev.ID,
			"level":           step.Level,
			"percent_elapsed": pct,
			"target_roles":    roles,
			"recipients":      addresses,
		}); err != nil {
			return err
		}
		for _, r := range recipients {
			if err := e.Repo.InsertNotification(ctx, tx, e.notificationFor(u, ev, r, stamp)); err != nil {
				return fmt.Errorf("enqueue notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.EscalationEvent{}, err
	}
	metrics.Escalated(strconv.Itoa(step.Level))
	e.log().Info("unit escalated", "unit_id", seen.ID, "org_id", seen.OrgID, "level", step.Level,
		"percent_elapsed", pct, "escalation_id", ev.ID, "recipients", len(addresses))
	return ev, nil
}

func (e Engine) notificationFor(u domain.Unit, ev domain.EscalationEvent, r identity.Recipient, now string) domain.Notification {
	channel := "email"
	if e.Config != nil && e.Config.Escalation.Channel != "" {
		channel = e.Config.Escalation.Channel
	}
	priority := "normal"
	switch {
	case ev.Level >= 3:
		priority = "urgent"
	case ev.Level == 2:
		priority = "high"
	}
	deadline := ""
	if u.Deadline != nil {
		deadline = *u.Deadline
	}
	return domain.Notification{
		ID:           uuid.NewString(),
		OrgID:        u.OrgID,
		EscalationID: ev.ID,
		Recipient:    r.Address(),
		Channel:      channel,
		Subject:      fmt.Sprintf("[L%d] %s is RED at %.0f%% of its window", ev.Level, u.Title, ev.PercentElapsed),
		Body: fmt.Sprintf("Unit %q (%s) owned by %s is still RED. Deadline %s; %.1f%% of the time window has elapsed. You are receiving this as %s.",
			u.Title, u.ID, ownerOrUnknown(u.OwnerName), deadline, ev.PercentElapsed, r.Role),
		Priority: priority,
		Metadata: map[string]string{
			"unit_id":       u.ID,
			"workstream_id": u.WorkstreamID,
			"escalation_id": ev.ID,
			"level":         strconv.Itoa(ev.Level),
		},
		Status:    domain.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func ownerOrUnknown(owner string) string {
	if owner == "" {
		return "an unnamed owner"
	}
	return owner
}

// AcknowledgeEscalation records that someone has seen an active escalation.
// The unit's level is unaffected.
func (e Engine) AcknowledgeEscalation(ctx context.Context, escalationID, actorID string) (domain.EscalationEvent, error) {
	if actorID == "" {
		return domain.EscalationEvent{}, invalidf("actor is required")
	}
	var out domain.EscalationEvent
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.Repo.GetEscalationTx(ctx, tx, escalationID)
		if err != nil {
			return fmt.Errorf("escalation %s: %w", escalationID, err)
		}
		if ev.State != domain.EscalationActive {
			return governance(CodeEscalationNotActive, "escalation %s is %s", ev.ID, ev.State)
		}
		now := e.stamp()
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if err := e.Repo.AcknowledgeEscalation(ctx, tx, ev.ID, actorID, now); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "escalation.acknowledged", ev.OrgID, "escalation", ev.ID, actorID, events.EventPayload{
			"unit_id": ev.UnitID,
			"level":   ev.Level,
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetEscalationTx(ctx, tx, ev.ID)
		return err
	})
	if err != nil {
		return domain.EscalationEvent{}, err
	}
	return out, nil
}
