package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("acme")
	assert.Equal(t, "acme", cfg.Org.ID)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.Interval)
	assert.Equal(t, "sqlite", cfg.Escalation.LockBackend)
	assert.Equal(t, []string{"workstream_lead"}, cfg.RolesFor(1))
	assert.Equal(t, []string{"executive"}, cfg.RolesFor(3))
	assert.Equal(t, []string{"executive"}, cfg.RolesFor(5), "levels above the table reuse the top entry")
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("org:\n  id: acme\n"))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Org.Name)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
	assert.Equal(t, "email", cfg.Escalation.Channel)
	assert.Nil(t, cfg.RolesFor(1))
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"missing org":        "escalation:\n  interval: 1m\n",
		"bad backend":        "org:\n  id: a\nescalation:\n  lock_backend: etcd\n",
		"redis without addr": "org:\n  id: a\nescalation:\n  lock_backend: redis\n",
		"bad webhook":        "org:\n  id: a\nnotifications:\n  webhooks:\n    - url: not a url\n",
		"empty role":         "org:\n  id: a\nescalation:\n  roles:\n    1: [\"\"]\n",
		"level zero":         "org:\n  id: a\nescalation:\n  roles:\n    0: [lead]\n",
		"negative interval":  "org:\n  id: a\nescalation:\n  interval: -1m\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readyline.yml"), []byte(GenerateDefault("acme")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Org.ID)
}
