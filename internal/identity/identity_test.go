package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/db"
	"readyline/internal/identity"
	"readyline/internal/migrate"
	"readyline/internal/repo"
)

func newService(t *testing.T) identity.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, repo.Repo{DB: conn}.EnsureOrg(ctx, conn, "acme", "Acme", "2024-01-01T00:00:00Z"))
	return identity.Service{DB: conn}
}

func TestRolesAndRecipients(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.AssignRole(ctx, "acme", "dana", "workstream_lead", identity.ActorProfile{DisplayName: "Dana", Email: "dana@acme.test"}))
	require.NoError(t, s.AssignRole(ctx, "acme", "dana", "program_manager", identity.ActorProfile{}))
	require.NoError(t, s.AssignRole(ctx, "acme", "eli", "workstream_lead", identity.ActorProfile{}))
	require.NoError(t, s.AssignRole(ctx, "acme", "eli", "workstream_lead", identity.ActorProfile{}), "assigning twice is idempotent")

	recipients, err := s.ResolveRecipients(ctx, "acme", []string{"workstream_lead", "program_manager", " "})
	require.NoError(t, err)
	require.Len(t, recipients, 2, "one recipient per actor")
	assert.Equal(t, "dana@acme.test", recipients[0].Address(), "profile survives a later grant without one")
	assert.Equal(t, "eli", recipients[1].Address())

	ok, err := s.HasAnyRole(ctx, "acme", "eli", []string{"executive", "workstream_lead"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasAnyRole(ctx, "other", "eli", []string{"workstream_lead"})
	require.NoError(t, err)
	assert.False(t, ok, "roles are scoped to an org")

	require.NoError(t, s.RevokeRole(ctx, "acme", "dana", "program_manager"))
	members, err := s.ListMembers(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, []string{"workstream_lead"}, members[0].Roles)

	require.Error(t, s.AssignRole(ctx, "acme", "", "x", identity.ActorProfile{}))
}

func TestRolePolicy(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.AssignRole(ctx, "acme", "pm", "program_manager", identity.ActorProfile{}))
	p := identity.RolePolicy{Directory: s, Require: map[string][]string{"unit.archive": {"program_manager"}}}

	ok, err := p.Allowed(ctx, "acme", "pm", "unit", "unit.archive")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Allowed(ctx, "acme", "bob", "unit", "unit.archive")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.Allowed(ctx, "acme", "bob", "unit", "unit.show")
	require.NoError(t, err)
	assert.True(t, ok, "unlisted actions are open")

	assert.EqualError(t, identity.ForbiddenError{Action: "unit.archive", Resource: "u-1"}, "action unit.archive not permitted on u-1")
}
