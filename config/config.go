package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.skobk.in/skobkin/telegram-plaza-bridge/db"
	"git.skobk.in/skobkin/telegram-plaza-bridge/poller"
)

const (
	EnvTelegramBotToken     = "TELEGRAM_BOT_TOKEN"
	EnvTelegramBotName      = "TELEGRAM_BOT_NAME"
	EnvTelegramAPIServer    = "TELEGRAM_API_SERVER"
	EnvBridgeEndpoint       = "PLAZA_BRIDGE_ENDPOINT"
	EnvAuthToken            = "PLAZA_BRIDGE_AUTH_TOKEN"
	EnvMaintainerHandle     = "MAINTAINER_TELEGRAM_HANDLE"
	EnvListenAddr           = "LISTEN_ADDR"
	EnvDatabaseDriver       = "DATABASE_DRIVER"
	EnvDatabasePath         = "DATABASE_PATH"
	EnvDatabaseDSN          = "DATABASE_DSN"
	EnvPollTimeout          = "POLL_TIMEOUT"
	EnvHandlerFailurePolicy = "HANDLER_FAILURE_POLICY"
	EnvLogFormat            = "LOG_FORMAT"
)

// DefaultMaintainerHandle is who the help reply points users to.
const DefaultMaintainerHandle = "kenkeiras"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	TelegramBotToken     string        `yaml:"telegram_bot_token"`
	TelegramBotName      string        `yaml:"telegram_bot_name"`
	TelegramAPIServer    string        `yaml:"telegram_api_server"`
	BridgeEndpoint       string        `yaml:"plaza_bridge_endpoint"`
	AuthToken            string        `yaml:"plaza_authentication_token"`
	MaintainerHandle     string        `yaml:"maintainer_telegram_handle"`
	ListenAddr           string        `yaml:"listen_addr"`
	DatabaseDriver       string        `yaml:"database_driver"`
	DatabaseDSN          string        `yaml:"database_dsn"`
	PollTimeout          time.Duration `yaml:"poll_timeout"`
	HandlerFailurePolicy string        `yaml:"handler_failure_policy"`
	LogFormat            string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		MaintainerHandle:     DefaultMaintainerHandle,
		ListenAddr:           ":8080",
		DatabaseDriver:       db.DriverSQLite,
		DatabaseDSN:          filepath.Join(dataHome(), "plaza", "bridges", "telegram", "db.sqlite3"),
		PollTimeout:          poller.DefaultTimeout,
		HandlerFailurePolicy: poller.FailFast.String(),
		LogFormat:            "json",
	}
}

// DefaultPath is the YAML file read when no path is given.
func DefaultPath() string {
	return filepath.Join(configHome(), "plaza", "bridges", "telegram", "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path, a .env
// file in the working directory and the process environment, each source
// overriding the previous one. A missing YAML or .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("config: No .env file loaded", "error", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config: Config file not found, skipping", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}

	slog.Debug("config: Config file loaded", "path", path)
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString(&c.TelegramBotToken, EnvTelegramBotToken)
	setString(&c.TelegramBotName, EnvTelegramBotName)
	setString(&c.TelegramAPIServer, EnvTelegramAPIServer)
	setString(&c.BridgeEndpoint, EnvBridgeEndpoint)
	setString(&c.AuthToken, EnvAuthToken)
	setString(&c.MaintainerHandle, EnvMaintainerHandle)
	setString(&c.ListenAddr, EnvListenAddr)
	setString(&c.DatabaseDriver, EnvDatabaseDriver)
	setString(&c.DatabaseDSN, EnvDatabasePath)
	setString(&c.DatabaseDSN, EnvDatabaseDSN)
	setString(&c.HandlerFailurePolicy, EnvHandlerFailurePolicy)
	setString(&c.LogFormat, EnvLogFormat)

	if v := strings.TrimSpace(os.Getenv(EnvPollTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvPollTimeout, err)
		}
		c.PollTimeout = d
	}

	c.TelegramBotName = strings.TrimPrefix(c.TelegramBotName, "@")
	c.MaintainerHandle = strings.TrimPrefix(c.MaintainerHandle, "@")

	return nil
}

// Validate reports every missing or malformed value at once.
func (c Config) Validate() error {
	var errs []error

	if c.TelegramBotToken == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvTelegramBotToken))
	}
	if c.BridgeEndpoint == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvBridgeEndpoint))
	}
	if c.AuthToken == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvAuthToken))
	}
	if c.MaintainerHandle == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", EnvMaintainerHandle))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvDatabasePath))
	}
	if c.PollTimeout < time.Second {
		errs = append(errs, fmt.Errorf("%s must be at least 1s, got %s", EnvPollTimeout, c.PollTimeout))
	}
	if _, err := poller.ParsePolicy(c.HandlerFailurePolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("%s must be json or text, got %q", EnvLogFormat, c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Database returns the connection settings for db.Open.
func (c Config) Database() db.Config {
	cfg := db.DefaultConfig()
	cfg.Driver = c.DatabaseDriver
	cfg.DSN = c.DatabaseDSN
	if cfg.Driver == db.DriverMySQL {
		cfg.Pool = db.PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}
	}
	return cfg
}

func (c Config) Policy() poller.Policy {
	p, _ := poller.ParsePolicy(c.HandlerFailurePolicy)
	return p
}

func dataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}

func configHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}
