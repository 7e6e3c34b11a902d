// Package config manages maxrelay's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"maxrelay/internal/logging"

	"github.com/spf13/viper"
)

// CloakMode controls whether upstream requests carry the Claude Code
// system-prompt prefix (spec §6, §9 C10).
type CloakMode string

const (
	CloakAlways CloakMode = "always"
	CloakNever  CloakMode = "never"
	CloakAuto   CloakMode = "auto"
)

// Config is maxrelay's full runtime configuration, loaded from environment
// variables (authoritative) with a JSON file on disk as the persisted,
// admin-editable backing store.
type Config struct {
	AdminUsername string `json:"adminUsername"`
	AdminPassword string `json:"adminPassword"`

	Host string `json:"host"`
	Port int    `json:"port"`

	CORSOrigins string    `json:"corsOrigins"`
	CloakMode   CloakMode `json:"cloakMode"`

	DataDir string `json:"dataDir,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

const (
	appName          = "maxrelay"
	defaultHost      = "127.0.0.1"
	defaultPort      = 4096
	defaultCORS      = "localhost"
	defaultCloakMode = CloakAuto
)

func getDefaultConfig() *Config {
	return &Config{
		Host:        defaultHost,
		Port:        defaultPort,
		CORSOrigins: defaultCORS,
		CloakMode:   defaultCloakMode,
	}
}

var cfg *Config

var cfgMutex sync.RWMutex

// Load initializes configuration from environment variables, the user's
// config file, and an optional working-directory override, in that order
// of precedence (env wins). If debug is true, log level is set to debug.
func Load(workingDir string, debug bool) (*Config, error) {
	if cfg != nil {
		return cfg, nil
	}

	configureViper()
	setDefaults(debug)

	if err := ensureConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to initialize config file: %w", err)
	}

	if err := readConfig(viper.ReadInConfig()); err != nil {
		return nil, err
	}

	mergeLocalConfig(workingDir)

	dataDir := viper.GetString("dataDir")
	if dataDir == "" {
		homeDir, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir.HomeDir, ".maxrelay")
	} else if strings.HasPrefix(dataDir, "~/") {
		homeDir, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir.HomeDir, dataDir[2:])
	}

	cfg = &Config{DataDir: dataDir}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = dataDir

	if err := ensureDataDirectory(); err != nil {
		return cfg, fmt.Errorf("failed to initialize data directory: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logging.NewWriter(), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if err := Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func configureViper() {
	viper.SetConfigName(fmt.Sprintf(".%s", appName))
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
	viper.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	viper.SetEnvPrefix(strings.ToUpper(appName))
	viper.AutomaticEnv()

	_ = viper.BindEnv("adminUsername", "MAXRELAY_ADMIN_USERNAME")
	_ = viper.BindEnv("adminPassword", "MAXRELAY_ADMIN_PASSWORD")
	_ = viper.BindEnv("host", "MAXRELAY_HOST")
	_ = viper.BindEnv("port", "MAXRELAY_PORT")
	_ = viper.BindEnv("corsOrigins", "MAXRELAY_CORS_ORIGINS")
	_ = viper.BindEnv("cloakMode", "MAXRELAY_CLOAK_MODE")
	_ = viper.BindEnv("dataDir", "MAXRELAY_DATA_DIR")
}

func setDefaults(debug bool) {
	viper.SetDefault("host", defaultHost)
	viper.SetDefault("port", defaultPort)
	viper.SetDefault("corsOrigins", defaultCORS)
	viper.SetDefault("cloakMode", string(defaultCloakMode))
	viper.SetDefault("dataDir", "")

	if debug {
		viper.SetDefault("debug", true)
	} else {
		viper.SetDefault("debug", false)
	}
}

func readConfig(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	return fmt.Errorf("failed to read config: %w", err)
}

func ensureDataDirectory() error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

func ensureConfigFile() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configFile := filepath.Join(homeDir, fmt.Sprintf(".%s.json", appName))

	if _, err := os.Stat(configFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	defaultCfg := getDefaultConfig()
	configData, err := json.MarshalIndent(defaultCfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(configFile, configData, 0o644); err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configFile, err)
	}

	return nil
}

// mergeLocalConfig loads and merges configuration from the working directory,
// letting a per-project `.maxrelay.json` override the home-directory one.
func mergeLocalConfig(workingDir string) {
	local := viper.New()
	local.SetConfigName(fmt.Sprintf(".%s", appName))
	local.SetConfigType("json")
	local.AddConfigPath(workingDir)

	if err := local.ReadInConfig(); err == nil {
		_ = viper.MergeConfigMap(local.AllSettings())
	}
}

// Validate checks that required fields are present and normalizes enum-like
// fields to their recognized values.
func Validate() error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	cfgMutex.Lock()
	defer cfgMutex.Unlock()

	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("admin credentials are required: set MAXRELAY_ADMIN_USERNAME and MAXRELAY_ADMIN_PASSWORD")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		logging.Warn("invalid port, falling back to default", "port", cfg.Port)
		cfg.Port = defaultPort
	}

	switch cfg.CloakMode {
	case CloakAlways, CloakNever, CloakAuto:
	case "":
		cfg.CloakMode = defaultCloakMode
	default:
		logging.Warn("invalid cloak mode, falling back to auto", "cloak_mode", cfg.CloakMode)
		cfg.CloakMode = defaultCloakMode
	}

	return nil
}

// Get returns the current configuration, or the package defaults if Load
// has not run yet (e.g. a component reached for config before startup
// wiring finished). Safe to call repeatedly.
func Get() *Config {
	cfgMutex.RLock()
	defer cfgMutex.RUnlock()
	if cfg == nil {
		return getDefaultConfig()
	}
	return cfg
}

// SetForTest installs c as the active configuration and returns a restore
// function, letting tests exercise config-dependent code without going
// through Load's environment/file wiring.
func SetForTest(c *Config) func() {
	cfgMutex.Lock()
	prev := cfg
	cfg = c
	cfgMutex.Unlock()
	return func() {
		cfgMutex.Lock()
		cfg = prev
		cfgMutex.Unlock()
	}
}

// Addr returns the host:port the HTTP server should bind to.
func Addr() string {
	c := Get()
	if c == nil {
		return fmt.Sprintf("%s:%d", defaultHost, defaultPort)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
