// Package config loads the mcplsp command configuration from a YAML or TOML file, a .env
// file and MCPLSP_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp-lsp"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCPLSP_"

// Config holds the command configuration. Durations, levels and kinds are kept as the
// strings found in the sources; Load validates them and exposes the parsed values through
// the accessor methods.
type Config struct {
	Transport        string `yaml:"transport" toml:"transport"`
	Address          string `yaml:"address" toml:"address"`
	ServerName       string `yaml:"server_name" toml:"server_name"`
	ServerVersion    string `yaml:"server_version" toml:"server_version"`
	RequestTimeout   string `yaml:"request_timeout" toml:"request_timeout"`
	LogLevel         string `yaml:"log_level" toml:"log_level"`
	StatusAddress    string `yaml:"status_address" toml:"status_address"`
	TextDocumentSync string `yaml:"text_document_sync" toml:"text_document_sync"`

	transportKind mcplsp.TransportKind
	timeout       time.Duration
	level         slog.Level
	syncKind      mcplsp.TextDocumentSyncKind
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Transport:        string(mcplsp.TransportStdio),
		ServerName:       "mcplsp",
		ServerVersion:    "dev",
		RequestTimeout:   "30s",
		LogLevel:         "info",
		TextDocumentSync: "incremental",
	}
}

// Load builds the configuration. It starts from Default, loads the variables of a .env file
// in the working directory if there is one, reads the file at path when path is not
// empty, applies MCPLSP_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files, or ".env" when none is given, into the process
// environment. Missing files are skipped and variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks every field and caches the parsed values.
func (c *Config) Validate() error {
	kind, err := mcplsp.ParseTransportKind(c.Transport)
	if err != nil {
		return err
	}
	if kind != mcplsp.TransportStdio && c.Address == "" {
		return fmt.Errorf("transport %s requires an address", kind)
	}

	timeout, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid request timeout %q: %w", c.RequestTimeout, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", timeout)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	syncKind, err := parseSyncKind(c.TextDocumentSync)
	if err != nil {
		return err
	}
	if c.ServerName == "" {
		return errors.New("server name is not set")
	}

	c.transportKind = kind
	c.timeout = timeout
	c.level = level
	c.syncKind = syncKind
	return nil
}

// TransportKind returns the validated transport kind.
func (c *Config) TransportKind() mcplsp.TransportKind { return c.transportKind }

// Timeout returns the validated request timeout.
func (c *Config) Timeout() time.Duration { return c.timeout }

// Level returns the validated log level.
func (c *Config) Level() slog.Level { return c.level }

// SyncKind returns the validated text document sync kind.
func (c *Config) SyncKind() mcplsp.TextDocumentSyncKind { return c.syncKind }

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, c); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(expanded, c); err != nil {
			return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		name  string
		field *string
	}{
		{"TRANSPORT", &c.Transport},
		{"ADDRESS", &c.Address},
		{"SERVER_NAME", &c.ServerName},
		{"SERVER_VERSION", &c.ServerVersion},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"LOG_LEVEL", &c.LogLevel},
		{"STATUS_ADDRESS", &c.StatusAddress},
		{"TEXT_DOCUMENT_SYNC", &c.TextDocumentSync},
	}
	for _, o := range overrides {
		if v := os.Getenv(EnvPrefix + o.name); v != "" {
			*o.field = v
		}
	}
}

func parseSyncKind(s string) (mcplsp.TextDocumentSyncKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return mcplsp.SyncNone, nil
	case "full":
		return mcplsp.SyncFull, nil
	case "incremental", "":
		return mcplsp.SyncIncremental, nil
	default:
		return 0, fmt.Errorf("invalid text document sync kind %q", s)
	}
}
