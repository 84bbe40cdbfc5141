// Package config loads bundletool settings from defaults, an optional YAML
// file and BUNDLETOOL_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

const (
	// FileName is the config file looked up in the working directory.
	FileName = "bundletool.yaml"
	// EnvPrefix prefixes environment overrides, e.g. BUNDLETOOL_CODESIGN_IDENTITY.
	EnvPrefix = "BUNDLETOOL"
)

// Config is the full configuration.
type Config struct {
	Tools     Tools     `mapstructure:"tools"`
	Bundle    Bundle    `mapstructure:"bundle"`
	Codesign  Codesign  `mapstructure:"codesign"`
	Notarize  Notarize  `mapstructure:"notarize"`
	Universal Universal `mapstructure:"universal"`
}

// Tools names the external executables.
type Tools struct {
	Otool           string `mapstructure:"otool"`
	InstallNameTool string `mapstructure:"install_name_tool"`
	Codesign        string `mapstructure:"codesign"`
	Lipo            string `mapstructure:"lipo"`
	Ditto           string `mapstructure:"ditto"`
	Xcrun           string `mapstructure:"xcrun"`
}

// Bundle holds macos-bundle settings.
type Bundle struct {
	Exclude  []string `mapstructure:"exclude"`
	Manifest string   `mapstructure:"manifest"`
}

// Codesign holds macos-codesign settings.
type Codesign struct {
	Identity     string `mapstructure:"identity"`
	Entitlements string `mapstructure:"entitlements"`
}

// Notarize holds notary service credentials and polling limits.
type Notarize struct {
	KeychainProfile string        `mapstructure:"keychain_profile"`
	AppleID         string        `mapstructure:"apple_id"`
	Password        string        `mapstructure:"password"`
	TeamID          string        `mapstructure:"team_id"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Universal holds macos-universal settings.
type Universal struct {
	Workers int `mapstructure:"workers"`
}

// LoadOptions selects the config file.
type LoadOptions struct {
	// ConfigFile is used exclusively when set and must exist.
	ConfigFile string
	// SearchDir is searched for FileName when ConfigFile is empty.
	SearchDir string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Tools: Tools{
			Otool:           "otool",
			InstallNameTool: "install_name_tool",
			Codesign:        "codesign",
			Lipo:            "lipo",
			Ditto:           "ditto",
			Xcrun:           "xcrun",
		},
		Bundle: Bundle{Exclude: []string{}},
		Notarize: Notarize{
			PollInterval: 20 * time.Second,
			Timeout:      time.Hour,
		},
		Universal: Universal{Workers: 4},
	}
}

// Load builds the configuration. It returns the path of the file that was
// read, or "" when only defaults and the environment apply.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := opts.ConfigFile
	if path != "" {
		if !fileExists(path) {
			return nil, "", toolerr.Preconditionf("config file not found: %s", path)
		}
	} else if candidate := filepath.Join(opts.SearchDir, FileName); fileExists(candidate) {
		path = candidate
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Universal.Workers < 1 {
		return nil, "", toolerr.Preconditionf("universal.workers must be at least 1, got %d", cfg.Universal.Workers)
	}
	if cfg.Notarize.PollInterval <= 0 || cfg.Notarize.Timeout <= 0 {
		return nil, "", toolerr.Preconditionf("notarize.poll_interval and notarize.timeout must be positive")
	}
	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("tools.otool", d.Tools.Otool)
	v.SetDefault("tools.install_name_tool", d.Tools.InstallNameTool)
	v.SetDefault("tools.codesign", d.Tools.Codesign)
	v.SetDefault("tools.lipo", d.Tools.Lipo)
	v.SetDefault("tools.ditto", d.Tools.Ditto)
	v.SetDefault("tools.xcrun", d.Tools.Xcrun)
	v.SetDefault("bundle.exclude", d.Bundle.Exclude)
	v.SetDefault("bundle.manifest", d.Bundle.Manifest)
	v.SetDefault("codesign.identity", d.Codesign.Identity)
	v.SetDefault("codesign.entitlements", d.Codesign.Entitlements)
	v.SetDefault("notarize.keychain_profile", d.Notarize.KeychainProfile)
	v.SetDefault("notarize.apple_id", d.Notarize.AppleID)
	v.SetDefault("notarize.password", d.Notarize.Password)
	v.SetDefault("notarize.team_id", d.Notarize.TeamID)
	v.SetDefault("notarize.poll_interval", d.Notarize.PollInterval)
	v.SetDefault("notarize.timeout", d.Notarize.Timeout)
	v.SetDefault("universal.workers", d.Universal.Workers)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
