package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models matrix.yml.
type Config struct {
	App struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"app"`
	Auth struct {
		TokenTTLMinutes int `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
	Admin struct {
		Username string `yaml:"username"`
		Name     string `yaml:"name"`
		Password string `yaml:"password"`
	} `yaml:"admin"`
	ReportCategories []string  `yaml:"report_categories"`
	Webhooks         []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run mx init or provide matrix.yml", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("config.app.id is required")
	}
	if c.App.Name == "" {
		return fmt.Errorf("config.app.name is required")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	if c.Admin.Username == "" {
		return fmt.Errorf("config.admin.username is required")
	}
	if c.Admin.Name == "" {
		return fmt.Errorf("config.admin.name is required")
	}
	for i, cat := range c.ReportCategories {
		if cat == "" {
			return fmt.Errorf("config.report_categories[%d] is empty", i)
		}
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("config.webhooks[%d].id %q is duplicated", i, hook.ID)
		}
		seen[hook.ID] = true
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has empty url", hook.ID)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s timeout_seconds must not be negative", hook.ID)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhook %s has empty event type", hook.ID)
			}
		}
	}
	return nil
}

// TokenTTLMinutes returns the configured token TTL, defaulted when unset.
func (c *Config) TokenTTLMinutes() int {
	if c.Auth.TokenTTLMinutes > 0 {
		return c.Auth.TokenTTLMinutes
	}
	return 8 * 60
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "matrix.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(appID string) string {
	return fmt.Sprintf(defaultTemplate, appID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an app.
func Default(appID string) *Config {
	var cfg Config
	cfg.App.ID = appID
	cfg.App.Name = "Matrix"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, appID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `app:
  id: %s
  name: Matrix

auth:
  token_ttl_minutes: 480

admin:
  username: admin
  name: Administrator
  password: admin

report_categories:
  - Injection
  - Broken Access Control
  - Cryptographic Failures
  - Security Misconfiguration
  - Identification and Authentication Failures

webhooks: []
`
