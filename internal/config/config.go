// Package config provides YAML-based configuration loading for Coupler.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Integration types understood by the connector factory.
const (
	TypeJira     = "jira"
	TypeGitHub   = "github"
	TypeCalendar = "calendar"
	TypeMock     = "mock"
)

// Conflict policies selectable per integration.
const (
	PolicyLatestWriteWins = "latest-write-wins"
	PolicyLocalWins       = "local-wins"
	PolicyExternalWins    = "external-wins"
	PolicyManual          = "manual"
)

var validTypes = map[string]bool{TypeJira: true, TypeGitHub: true, TypeCalendar: true, TypeMock: true}

var validPolicies = map[string]bool{
	PolicyLatestWriteWins: true,
	PolicyLocalWins:       true,
	PolicyExternalWins:    true,
	PolicyManual:          true,
}

// scheduleParser accepts standard 5-field cron expressions plus descriptors
// such as "@every 5m" and "@hourly".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a sync schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Config is the top-level Coupler configuration, loaded from coupler.yaml.
type Config struct {
	Board        string              `yaml:"board"`
	Store        StoreConfig         `yaml:"store"`
	Sync         SyncConfig          `yaml:"sync"`
	Integrations []IntegrationConfig `yaml:"integrations"`
	Migration    MigrationConfig     `yaml:"migration"`
	Notify       NotifyConfig        `yaml:"notify"`
	Log          LogConfig           `yaml:"log"`
	HTTP         HTTPConfig          `yaml:"http"`
}

// StoreConfig selects and locates the database holding cards and links.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	PasswordRef string `yaml:"password_ref"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Schedule         string        `yaml:"schedule"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MinRetryInterval time.Duration `yaml:"min_retry_interval"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	OrphanStaleness  time.Duration `yaml:"orphan_staleness"`
}

// IntegrationConfig describes one configured connection to an external system.
type IntegrationConfig struct {
	ID                 string            `yaml:"id"`
	Type               string            `yaml:"type"`
	Name               string            `yaml:"name"`
	Enabled            *bool             `yaml:"enabled"`
	BaseURL            string            `yaml:"base_url"`
	BrowseURLTemplate  string            `yaml:"browse_url_template"`
	AuthRef            string            `yaml:"auth_ref"`
	Concurrency        int               `yaml:"concurrency"`
	ConflictPolicy     string            `yaml:"conflict_policy"`
	ApplyInboundStatus *bool             `yaml:"apply_inbound_status"`
	StatusMap          map[string]string `yaml:"status_map"`
	Settings           map[string]string `yaml:"settings"`
}

// IsEnabled reports whether the integration participates in sync. Defaults to true.
func (i IntegrationConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// AppliesInboundStatus reports whether inbound external status changes are
// written to the local card. Defaults to true.
func (i IntegrationConfig) AppliesInboundStatus() bool {
	return i.ApplyInboundStatus == nil || *i.ApplyInboundStatus
}

// Setting returns a connector-specific setting or def when unset.
func (i IntegrationConfig) Setting(key, def string) string {
	if v, ok := i.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// MigrationConfig holds defaults for the legacy reference migration.
type MigrationConfig struct {
	// LegacyIntegration owns legacy references on cards that do not name one.
	LegacyIntegration string `yaml:"legacy_integration"`
}

// NotifyConfig configures integration health alerts.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
	Command string     `yaml:"command"`
}

// ChatConfig holds a bot token reference and the channel alerts are posted to.
type ChatConfig struct {
	TokenRef string `yaml:"token_ref"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether both a token and a channel are configured.
func (c ChatConfig) Enabled() bool {
	return c.TokenRef != "" && c.Channel != ""
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// HTTPConfig configures the JSON API served by the daemon.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Integration returns the configuration for the integration with the given id.
func (c *Config) Integration(id string) (IntegrationConfig, bool) {
	for _, ic := range c.Integrations {
		if ic.ID == id {
			return ic, true
		}
	}
	return IntegrationConfig{}, false
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			c.Store.Path = "coupler.db"
		}
	case "mysql":
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" && c.Board != "" {
			c.Store.Database = "coupler_" + strings.ReplaceAll(c.Board, "-", "_")
		}
	}

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 5m"
	}
	if c.Sync.CallTimeout == 0 {
		c.Sync.CallTimeout = 15 * time.Second
	}
	if c.Sync.FailureThreshold == 0 {
		c.Sync.FailureThreshold = 3
	}
	if c.Sync.MinRetryInterval == 0 {
		c.Sync.MinRetryInterval = time.Minute
	}
	if c.Sync.DedupWindow == 0 {
		c.Sync.DedupWindow = 10 * time.Minute
	}
	if c.Sync.OrphanStaleness == 0 {
		c.Sync.OrphanStaleness = 24 * time.Hour
	}

	for i := range c.Integrations {
		ic := &c.Integrations[i]
		if ic.Name == "" {
			ic.Name = ic.ID
		}
		if ic.Concurrency == 0 {
			ic.Concurrency = 4
		}
		if ic.ConflictPolicy == "" {
			ic.ConflictPolicy = PolicyLatestWriteWins
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Board == "" {
		errs = append(errs, "board is required")
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, mysql)", c.Store.Driver))
	}
	if _, err := ParseSchedule(c.Sync.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("sync.schedule %q is invalid: %v", c.Sync.Schedule, err))
	}
	if c.Sync.CallTimeout < 0 {
		errs = append(errs, "sync.call_timeout must be positive")
	}
	if c.Sync.FailureThreshold < 0 {
		errs = append(errs, "sync.failure_threshold must be positive")
	}

	seen := make(map[string]bool)
	for i, ic := range c.Integrations {
		if ic.ID == "" {
			errs = append(errs, fmt.Sprintf("integrations[%d].id is required", i))
		} else if seen[ic.ID] {
			errs = append(errs, fmt.Sprintf("integrations[%d].id %q is duplicated", i, ic.ID))
		}
		seen[ic.ID] = true
		if !validTypes[ic.Type] {
			errs = append(errs, fmt.Sprintf("integrations[%d].type %q is not supported", i, ic.Type))
		}
		if ic.Type != TypeMock && ic.AuthRef == "" {
			errs = append(errs, fmt.Sprintf("integrations[%d].auth_ref is required", i))
		}
		if (ic.Type == TypeJira || ic.Type == TypeCalendar) && ic.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("integrations[%d].base_url is required", i))
		}
		if ic.Concurrency < 0 {
			errs = append(errs, fmt.Sprintf("integrations[%d].concurrency must be positive", i))
		}
		if !validPolicies[ic.ConflictPolicy] {
			errs = append(errs, fmt.Sprintf("integrations[%d].conflict_policy %q is not supported", i, ic.ConflictPolicy))
		}
	}
	if li := c.Migration.LegacyIntegration; li != "" && !seen[li] {
		errs = append(errs, fmt.Sprintf("migration.legacy_integration %q is not a configured integration", li))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (text, json)", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
