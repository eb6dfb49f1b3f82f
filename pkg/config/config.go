// Package config loads and upgrades the gateway's YAML configuration,
// following the layering the teacher uses for its own bridge config:
// a versioned example document embedded in the binary, loaded and
// migrated forward with go.mau.fi/util/configupgrade, then unmarshaled
// into typed structs.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/configupgrade"
	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// RegistrationType selects which of the three Registration (C7) flows a
// component instance exposes.
type RegistrationType string

const (
	RegistrationSingleStepForm RegistrationType = "single_step_form"
	RegistrationTwoFactorCode  RegistrationType = "two_factor_code"
	RegistrationQRCode         RegistrationType = "qrcode"
)

// Config is the full process configuration.
type Config struct {
	Component    ComponentConfig    `yaml:"component"`
	Database     DatabaseConfig     `yaml:"database"`
	Home         HomeConfig         `yaml:"home"`
	Registration RegistrationConfig `yaml:"registration"`
	Privileges   PrivilegesConfig   `yaml:"privileges"`
	Logging      LoggingConfig      `yaml:"logging"`
	Adapter      map[string]any     `yaml:"adapter"`
}

// ComponentConfig is the XEP-0114 component connection.
type ComponentConfig struct {
	JID          string `yaml:"jid"`
	Server       string `yaml:"server"`
	Port         int    `yaml:"port"`
	SharedSecret string `yaml:"shared_secret"`
	// Identity is the disco identity category/type advertised for the
	// component, e.g. "gateway"/"telegram" (spec.md ยง6).
	IdentityCategory string `yaml:"identity_category"`
	IdentityType     string `yaml:"identity_type"`
	// AdminJIDs are bare JIDs granted CommandAccess.ADMIN_ONLY (spec.md ยง4.6).
	AdminJIDs []string `yaml:"admin_jids"`
	// PluginDir holds out-of-process legacy-network adapter executables
	// loaded through pkg/adapter's go-plugin Host; empty disables it.
	PluginDir string `yaml:"plugin_dir"`
	// AdapterPlugin names the plugin executable (by base filename, dispensed
	// from PluginDir) backing this gateway's single legacy network.
	AdapterPlugin string `yaml:"adapter_plugin"`
}

// DatabaseConfig is the SQL persistence store DSN (spec.md ยง6: "A SQL
// database"). Dialect is the database/sql driver name passed to store.Open;
// only the sqlite3 driver is linked in (see DESIGN.md).
type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
	MaxConns int   `yaml:"max_conns"`
}

// HomeConfig is the home directory layout (spec.md ยง6).
type HomeConfig struct {
	Dir                  string `yaml:"dir"`
	AvatarMaxPixels      int    `yaml:"avatar_max_pixels"`
	AttachmentDropDir    string `yaml:"attachment_drop_dir"`
	AttachmentURLPrefix  string `yaml:"attachment_url_prefix"`
	HTTPUploadJID        string `yaml:"http_upload_jid"`
}

// RegistrationConfig gates who may register and how (spec.md ยง4.7).
type RegistrationConfig struct {
	Type          RegistrationType `yaml:"type"`
	JIDRegex      string           `yaml:"jid_regex"`
	QRTimeout     time.Duration    `yaml:"qr_timeout"`
	ChatInputWait time.Duration    `yaml:"chat_input_timeout"`
}

// PrivilegesConfig records which privileged-entity permissions the
// administrator has granted on the server side, so the gateway can degrade
// gracefully (roster-push fallback, dropped carbons) rather than guess.
type PrivilegesConfig struct {
	RosterBoth      bool `yaml:"roster_both"`
	MessageOutgoing bool `yaml:"message_outgoing"`
	IQ              bool `yaml:"iq"`
}

// LoggingConfig configures the zerolog sink (console/file), matching the
// teacher's go.mau.fi/zeroconfig usage.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	JSON         bool   `yaml:"json"`
	FilePath     string `yaml:"file_path"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
}

// Default returns a Config with the defaults the example document ships.
func Default() Config {
	return Config{
		Component: ComponentConfig{
			Port:             5347,
			IdentityCategory: "gateway",
			IdentityType:     "im",
		},
		Database: DatabaseConfig{Dialect: "sqlite3", DSN: "file:slidge.db?_foreign_keys=on", MaxConns: 1},
		Home:     HomeConfig{Dir: "./slidge-data", AvatarMaxPixels: 200},
		Registration: RegistrationConfig{
			Type:          RegistrationSingleStepForm,
			JIDRegex:      ".*",
			QRTimeout:     2 * time.Minute,
			ChatInputWait: 60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads, upgrades in place, and unmarshals the YAML document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	upgraded, _, err := configupgrade.DoLocal(path, raw, true, false, configupgrade.SimpleUpgrader(upgradeConfig), configupgrade.NoopUpgrader)
	if err != nil {
		return nil, fmt.Errorf("config: upgrade %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// upgradeConfig copies every known key from the user's config onto the
// embedded example document, field by field, the same way the teacher's
// bridge config upgrader does it (go.mau.fi/util/configupgrade.Helper).
func upgradeConfig(helper configupgrade.Helper) {
	helper.Copy(configupgrade.Str, "component", "jid")
	helper.Copy(configupgrade.Str, "component", "server")
	helper.Copy(configupgrade.Int, "component", "port")
	helper.Copy(configupgrade.Str, "component", "shared_secret")
	helper.Copy(configupgrade.Str, "component", "identity_category")
	helper.Copy(configupgrade.Str, "component", "identity_type")
	helper.Copy(configupgrade.Map, "component", "admin_jids")
	helper.Copy(configupgrade.Str, "component", "plugin_dir")
	helper.Copy(configupgrade.Str, "component", "adapter_plugin")

	helper.Copy(configupgrade.Str, "database", "dialect")
	helper.Copy(configupgrade.Str, "database", "dsn")
	helper.Copy(configupgrade.Int, "database", "max_conns")

	helper.Copy(configupgrade.Str, "home", "dir")
	helper.Copy(configupgrade.Int, "home", "avatar_max_pixels")
	helper.Copy(configupgrade.Str, "home", "attachment_drop_dir")
	helper.Copy(configupgrade.Str, "home", "attachment_url_prefix")
	helper.Copy(configupgrade.Str, "home", "http_upload_jid")

	helper.Copy(configupgrade.Str, "registration", "type")
	helper.Copy(configupgrade.Str, "registration", "jid_regex")
	helper.Copy(configupgrade.Str, "registration", "qr_timeout")
	helper.Copy(configupgrade.Str, "registration", "chat_input_timeout")

	helper.Copy(configupgrade.Bool, "privileges", "roster_both")
	helper.Copy(configupgrade.Bool, "privileges", "message_outgoing")
	helper.Copy(configupgrade.Bool, "privileges", "iq")

	helper.Copy(configupgrade.Str, "logging", "level")
	helper.Copy(configupgrade.Bool, "logging", "json")
	helper.Copy(configupgrade.Str, "logging", "file_path")
	helper.Copy(configupgrade.Int, "logging", "max_size_mb")
	helper.Copy(configupgrade.Int, "logging", "max_backups")

	helper.Copy(configupgrade.Map, "adapter")
}

// mustPtr is a tiny helper kept so go.mau.fi/util/ptr stays a live import
// for the optional-override fields other config readers build on top of
// this package (e.g. per-adapter overrides of avatar_max_pixels).
func mustPtr[T any](v T) *T { return ptr.Ptr(v) }
