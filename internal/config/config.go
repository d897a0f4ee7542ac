// Package config loads the mapping/account configuration the
// Orchestrator consumes (spec §6: "Configuration (consumed, not defined
// here)"). Discovery order and the password_cmd/XDG conventions are
// grounded on original_source/src/config.py's load_config.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

var (
	ErrNotFound         = errors.New("config: file not found")
	ErrInvalidConfig    = errors.New("config: invalid configuration")
	ErrUnknownAccount   = errors.New("config: unknown account")
	ErrDuplicateAccount = errors.New("config: duplicate account name")
)

// AccountType names a supported backend kind.
type AccountType string

const (
	AccountCalDAV AccountType = "caldav"
	AccountGoogle AccountType = "google"
)

// Mode mirrors the two modes a mapping may declare in config (spec §6);
// BUSY mode additionally derives a companion FULL_ONEWAY state file
// internally (spec §3, §9) -- that is not a third configurable mode.
type Mode string

const (
	ModeFull Mode = "full"
	ModeBusy Mode = "busy"
)

// Account is one entry of the config's accounts table.
type Account struct {
	Name            string      `yaml:"name" validate:"required"`
	Type            AccountType `yaml:"type" validate:"required,oneof=caldav google"`
	URL             string      `yaml:"url"`
	Username        string      `yaml:"username"`
	Password        string      `yaml:"password"`
	PasswordCmd     string      `yaml:"password_cmd"`
	CredentialsPath string      `yaml:"credentials_path"`
	TokenPath       string      `yaml:"token_path"`
}

// EndpointRef names one (account, calendar) pair.
type EndpointRef struct {
	Account  string `yaml:"account" validate:"required"`
	Calendar string `yaml:"calendar" validate:"required"`
}

// Mapping is one configured sync relationship (spec §3). Schedule is
// only consulted by the optional daemon mode (cmd/calsyncd); the
// run-once CLI (cmd/calsync) ignores it and runs every mapping, or only
// the one named by its -mapping flag.
type Mapping struct {
	Source   EndpointRef `yaml:"source" validate:"required"`
	Target   EndpointRef `yaml:"target" validate:"required"`
	Mode     Mode        `yaml:"mode" validate:"required,oneof=full busy"`
	Schedule string      `yaml:"schedule,omitempty"`
}

// Identity is the mapping's stable identity string, per spec §3:
// "account_src|cal_src|account_tgt|cal_tgt|mode".
func (m Mapping) Identity() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", m.Source.Account, m.Source.Calendar, m.Target.Account, m.Target.Calendar, m.Mode)
}

type syncSection struct {
	Mappings []Mapping `yaml:"mappings" validate:"required,min=1,dive"`
}

// AlertsConfig configures the optional notify.Notifier (daemon mode only).
type AlertsConfig struct {
	WebhookEnabled  bool     `yaml:"webhook_enabled"`
	WebhookURL      string   `yaml:"webhook_url"`
	EmailEnabled    bool     `yaml:"email_enabled"`
	SMTPHost        string   `yaml:"smtp_host"`
	SMTPPort        int      `yaml:"smtp_port"`
	SMTPUsername    string   `yaml:"smtp_username"`
	SMTPPassword    string   `yaml:"smtp_password"`
	SMTPFrom        string   `yaml:"smtp_from"`
	SMTPTo          []string `yaml:"smtp_to"`
	SMTPTLS         bool     `yaml:"smtp_tls"`
	CooldownMinutes int      `yaml:"cooldown_minutes"`
}

// DaemonConfig configures the optional long-running mode (cmd/calsyncd).
type DaemonConfig struct {
	StatusPort int          `yaml:"status_port"`
	Alerts     AlertsConfig `yaml:"alerts"`
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Accounts []Account    `yaml:"accounts" validate:"required,min=1,dive"`
	Sync     syncSection  `yaml:"sync"`
	StateDir string       `yaml:"state_dir"`
	Daemon   DaemonConfig `yaml:"daemon"`
}

// Mappings returns the configured sync mappings.
func (c *Config) Mappings() []Mapping {
	return c.Sync.Mappings
}

// AccountsByName indexes accounts for Orchestrator lookups, rejecting a
// config that names the same account twice.
func (c *Config) AccountsByName() (map[string]Account, error) {
	out := make(map[string]Account, len(c.Accounts))
	for _, a := range c.Accounts {
		if _, exists := out[a.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, a.Name)
		}
		out[a.Name] = a
	}
	return out, nil
}

// Locate resolves the config file path: $SYNC_CONFIG, then
// $XDG_CONFIG_HOME/calsync/config.yaml, then
// $HOME/.config/calsync/config.yaml (spec.md's SYNC_CONFIG plus the XDG
// fallback chain from original_source/src/config.py:get_config_path).
func Locate() (string, error) {
	if p := os.Getenv("SYNC_CONFIG"); p != "" {
		return expandHome(p), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "calsync", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: no SYNC_CONFIG set and home directory unknown: %w", ErrNotFound, err)
	}
	return filepath.Join(home, ".config", "calsync", "config.yaml"), nil
}

// DefaultStateDir resolves the state base directory when the config
// omits state_dir: $XDG_DATA_HOME/calsync/state, else
// $HOME/.local/share/calsync/state (original_source/src/config.py:get_state_dir).
func DefaultStateDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "calsync", "state"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory unknown: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calsync", "state"), nil
}

// Load reads, expands, and validates the config file at path. An
// optional .env in the current working directory is loaded first so
// ${VAR} expansion in the YAML (e.g. account passwords) can reference it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
	}

	expanded := expandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}

	if err := resolvePasswords(&cfg); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = expandHome(cfg.StateDir)

	if cfg.Daemon.StatusPort == 0 {
		cfg.Daemon.StatusPort = 8080
	}
	if cfg.Daemon.Alerts.CooldownMinutes == 0 {
		cfg.Daemon.Alerts.CooldownMinutes = 30
	}

	if err := validateStruct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := validateAccountFields(&cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.AccountsByName(); err != nil {
		return nil, err
	}
	if err := validateMappingAccounts(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir %s: %w", ErrInvalidConfig, cfg.StateDir, err)
	}

	return &cfg, nil
}

func validateStruct(cfg *Config) error {
	v := validator.New()
	return v.Struct(cfg)
}

// validateAccountFields enforces the per-type required fields
// config.py's load_config checks explicitly (type-conditional fields
// are awkward to express as a single validator struct tag).
func validateAccountFields(cfg *Config) error {
	for _, a := range cfg.Accounts {
		switch a.Type {
		case AccountCalDAV:
			if a.URL == "" || a.Username == "" {
				return fmt.Errorf("%w: caldav account %q needs url and username", ErrInvalidConfig, a.Name)
			}
			if a.Password == "" && a.PasswordCmd == "" {
				return fmt.Errorf("%w: caldav account %q needs password or password_cmd", ErrInvalidConfig, a.Name)
			}
		case AccountGoogle:
			if a.CredentialsPath == "" || a.TokenPath == "" {
				return fmt.Errorf("%w: google account %q needs credentials_path and token_path", ErrInvalidConfig, a.Name)
			}
		}
	}
	return nil
}

func validateMappingAccounts(cfg *Config) error {
	byName, err := cfg.AccountsByName()
	if err != nil {
		return err
	}
	for _, m := range cfg.Sync.Mappings {
		if _, ok := byName[m.Source.Account]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, m.Source.Account)
		}
		if _, ok := byName[m.Target.Account]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, m.Target.Account)
		}
	}
	return nil
}

// resolvePasswords runs each caldav account's password_cmd, trimming
// trailing CR/LF characters from stdout, so literal passwords never have to
// sit in the YAML file (original_source/src/config.py).
func resolvePasswords(cfg *Config) error {
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Type != AccountCalDAV || a.PasswordCmd == "" {
			continue
		}
		out, err := exec.Command("sh", "-c", a.PasswordCmd).Output()
		if err != nil {
			return fmt.Errorf("%w: password_cmd for account %q: %w", ErrInvalidConfig, a.Name, err)
		}
		a.Password = strings.TrimRight(string(out), "\r\n")
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func expandEnv(raw []byte) []byte {
	return bytes.TrimSpace([]byte(os.Expand(string(raw), os.Getenv)))
}
