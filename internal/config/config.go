package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models readyline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id" validate:"required"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Governance    Governance    `yaml:"governance"`
	Escalation    Escalation    `yaml:"escalation"`
	Notifications Notifications `yaml:"notifications"`
	Server        Server        `yaml:"server"`
}

// Governance names the roles that gate proof approval and unit trust.
type Governance struct {
	ElevatedRoles []string `yaml:"elevated_roles" validate:"dive,required"`
	TrustedRoles  []string `yaml:"trusted_roles" validate:"dive,required"`
}

type Escalation struct {
	Interval    time.Duration    `yaml:"interval" validate:"gt=0"`
	LockTTL     time.Duration    `yaml:"lock_ttl" validate:"gt=0"`
	LockBackend string           `yaml:"lock_backend" validate:"oneof=sqlite redis"`
	Redis       Redis            `yaml:"redis"`
	Roles       map[int][]string `yaml:"roles"`
	Channel     string           `yaml:"channel" validate:"required"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type Notifications struct {
	PollInterval  time.Duration   `yaml:"poll_interval" validate:"gt=0"`
	BatchSize     int             `yaml:"batch_size" validate:"gt=0"`
	MaxAttempts   int             `yaml:"max_attempts" validate:"gt=0"`
	RatePerSecond float64         `yaml:"rate_per_second" validate:"gte=0"`
	Concurrency   int             `yaml:"concurrency" validate:"gt=0"`
	Webhooks      []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// WebhookConfig is one HTTP endpoint that receives notifications for the
// listed channels; no channels means all.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Secret         string   `yaml:"secret"`
	Channels       []string `yaml:"channels"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s failed %s validation", strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config.")), fe.Tag())
		}
		return err
	}
	if c.Escalation.LockBackend == "redis" && strings.TrimSpace(c.Escalation.Redis.Addr) == "" {
		return fmt.Errorf("config.escalation.redis.addr is required when lock_backend is redis")
	}
	for level, roles := range c.Escalation.Roles {
		if level < 1 {
			return fmt.Errorf("config.escalation.roles has invalid level %d", level)
		}
		for _, r := range roles {
			if strings.TrimSpace(r) == "" {
				return fmt.Errorf("escalation level %d has empty role", level)
			}
		}
	}
	return nil
}

// RolesFor returns the target roles for an escalation level. Levels above
// the highest configured one reuse the highest.
func (c *Config) RolesFor(level int) []string {
	if roles, ok := c.Escalation.Roles[level]; ok {
		return roles
	}
	best := 0
	for l := range c.Escalation.Roles {
		if l <= level && l > best {
			best = l
		}
	}
	if best == 0 {
		return nil
	}
	return c.Escalation.Roles[best]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID, orgID)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(orgID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses config from raw YAML bytes, fills defaults for omitted
// fields and validates the result.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Org.Name == "" {
		c.Org.Name = c.Org.ID
	}
	if c.Escalation.Interval == 0 {
		c.Escalation.Interval = 10 * time.Minute
	}
	if c.Escalation.LockTTL == 0 {
		c.Escalation.LockTTL = 5 * time.Minute
	}
	if c.Escalation.LockBackend == "" {
		c.Escalation.LockBackend = "sqlite"
	}
	if c.Escalation.Channel == "" {
		c.Escalation.Channel = "email"
	}
	if c.Notifications.PollInterval == 0 {
		c.Notifications.PollInterval = 2 * time.Second
	}
	if c.Notifications.BatchSize == 0 {
		c.Notifications.BatchSize = 100
	}
	if c.Notifications.MaxAttempts == 0 {
		c.Notifications.MaxAttempts = 5
	}
	if c.Notifications.Concurrency == 0 {
		c.Notifications.Concurrency = 4
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
}

const defaultTemplate = `org:
  id: %s
  name: %s

governance:
  elevated_roles: [program_manager, executive]
  trusted_roles: [workstream_lead, program_manager, executive]

escalation:
  interval: 10m
  lock_ttl: 5m
  lock_backend: sqlite
  channel: email
  roles:
    1: [workstream_lead]
    2: [program_manager]
    3: [executive]

notifications:
  poll_interval: 2s
  batch_size: 100
  max_attempts: 5
  rate_per_second: 10
  concurrency: 4
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
