// Package identity resolves roles to people. The engine consults it for
// escalation recipients and approval authority; authentication itself lives
// elsewhere.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ForbiddenError reports a missing capability.
type ForbiddenError struct {
	Action   string
	Resource string
}

func (e ForbiddenError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("action %s not permitted", e.Action)
	}
	return fmt.Sprintf("action %s not permitted on %s", e.Action, e.Resource)
}

// Recipient is a concrete escalation target.
type Recipient struct {
	ActorID     string `json:"actor_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
}

// Address is the delivery handle: email when known, otherwise the actor id.
func (r Recipient) Address() string {
	if r.Email != "" {
		return r.Email
	}
	return r.ActorID
}

type Directory interface {
	ResolveRecipients(ctx context.Context, orgID string, roles []string) ([]Recipient, error)
	HasAnyRole(ctx context.Context, orgID, actorID string, roles []string) (bool, error)
}

// Authorizer answers (subject, resource, action) questions for the API layer.
type Authorizer interface {
	Allowed(ctx context.Context, orgID, subject, resource, action string) (bool, error)
}

type AllowAll struct{}

func (AllowAll) Allowed(context.Context, string, string, string, string) (bool, error) {
	return true, nil
}

// RolePolicy permits an action when the subject holds one of its roles.
// Actions absent from Require are open to any authenticated subject.
type RolePolicy struct {
	Directory Directory
	Require   map[string][]string
}

func (p RolePolicy) Allowed(ctx context.Context, orgID, subject, _ string, action string) (bool, error) {
	roles, ok := p.Require[action]
	if !ok || len(roles) == 0 {
		return true, nil
	}
	return p.Directory.HasAnyRole(ctx, orgID, subject, roles)
}

// Service is the SQL-backed Directory over actors and actor_roles.
type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s Service) ResolveRecipients(ctx context.Context, orgID string, roles []string) ([]Recipient, error) {
	roles = normalize(roles)
	if len(roles) == 0 {
		return nil, nil
	}
	marks := make([]string, len(roles))
	args := []any{orgID}
	for i, r := range roles {
		marks[i] = "?"
		args = append(args, r)
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, COALESCE(a.display_name,''), COALESCE(a.email,''), ar.role
FROM actor_roles ar
JOIN actors a ON a.id=ar.actor_id
WHERE ar.org_id=? AND ar.role IN (`+strings.Join(marks, ",")+`)
ORDER BY a.id, ar.role`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ActorID, &r.DisplayName, &r.Email, &r.Role); err != nil {
			return nil, err
		}
		if seen[r.ActorID] {
			continue
		}
		seen[r.ActorID] = true
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s Service) HasAnyRole(ctx context.Context, orgID, actorID string, roles []string) (bool, error) {
	have, err := s.ActorRoles(ctx, orgID, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range normalize(roles) {
		for _, h := range have {
			if r == h {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s Service) ActorRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE org_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ActorProfile is optional contact data stored with a role grant.
type ActorProfile struct {
	DisplayName string
	Email       string
}

// AssignRole grants role in org, creating the actor when missing.
func (s Service) AssignRole(ctx context.Context, orgID, actorID, role string, profile ActorProfile) error {
	actorID = strings.TrimSpace(actorID)
	role = strings.TrimSpace(role)
	if actorID == "" || role == "" {
		return errors.New("actor and role are required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO actors(id, display_name, email, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=COALESCE(excluded.display_name, actors.display_name), email=COALESCE(excluded.email, actors.email)`,
		actorID, nullable(profile.DisplayName), nullable(profile.Email), s.now()); err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(org_id, actor_id, role) VALUES (?,?,?)`, orgID, actorID, role); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return tx.Commit()
}

func (s Service) RevokeRole(ctx context.Context, orgID, actorID, role string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE org_id=? AND actor_id=? AND role=?`, orgID, actorID, role)
	return err
}

// Member is one actor with its roles in an org.
type Member struct {
	ActorID     string   `json:"actor_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
}

func (s Service) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, COALESCE(a.display_name,''), COALESCE(a.email,''), ar.role
FROM actor_roles ar JOIN actors a ON a.id=ar.actor_id
WHERE ar.org_id=? ORDER BY a.id, ar.role`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]*Member{}
	var order []string
	for rows.Next() {
		var id, name, email, role string
		if err := rows.Scan(&id, &name, &email, &role); err != nil {
			return nil, err
		}
		m, ok := byID[id]
		if !ok {
			m = &Member{ActorID: id, DisplayName: name, Email: email}
			byID[id] = m
			order = append(order, id)
		}
		m.Roles = append(m.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func normalize(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
