package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-lsp"
	"github.com/MegaGrindStone/go-mcp-lsp/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, mcplsp.TransportStdio, cfg.TransportKind())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Equal(t, mcplsp.SyncIncremental, cfg.SyncKind())
	assert.Equal(t, "mcplsp", cfg.ServerName)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_PORT", "7001")

	path := writeFile(t, "config.yaml", `
transport: tcp
address: 127.0.0.1:${LISTEN_PORT}
server_name: yaml-server
request_timeout: 5s
log_level: debug
status_address: 127.0.0.1:9090
text_document_sync: full
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, mcplsp.TransportTCP, cfg.TransportKind())
	assert.Equal(t, "127.0.0.1:7001", cfg.Address)
	assert.Equal(t, "yaml-server", cfg.ServerName)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "127.0.0.1:9090", cfg.StatusAddress)
	assert.Equal(t, mcplsp.SyncFull, cfg.SyncKind())
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.toml", `
transport = "ws"
address = "127.0.0.1:7002"
server_version = "1.2.3"
log_level = "warn"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, mcplsp.TransportWebSocket, cfg.TransportKind())
	assert.Equal(t, "1.2.3", cfg.ServerVersion)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
	assert.Equal(t, "mcplsp", cfg.ServerName, "unset fields keep their defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPLSP_TRANSPORT", "ipc")
	t.Setenv("MCPLSP_ADDRESS", "/tmp/mcplsp.sock")
	t.Setenv("MCPLSP_REQUEST_TIMEOUT", "2m")

	path := writeFile(t, "config.yml", `
transport: tcp
address: 127.0.0.1:7003
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, mcplsp.TransportIPC, cfg.TransportKind())
	assert.Equal(t, "/tmp/mcplsp.sock", cfg.Address)
	assert.Equal(t, 2*time.Minute, cfg.Timeout())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	const key = "MCPLSP_SERVER_NAME"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	require.NoError(t, os.Unsetenv(key))

	path := writeFile(t, "test.env", key+"=dotenv-server\n")
	require.NoError(t, config.LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "dotenv-server", os.Getenv(key))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-server", cfg.ServerName)
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name    string
		file    string
		content string
		env     map[string]string
	}{
		{name: "missing file", file: ""},
		{name: "unsupported extension", file: "config.json", content: `{}`},
		{name: "malformed yaml", file: "config.yaml", content: "transport: [tcp"},
		{name: "malformed toml", file: "config.toml", content: "transport = "},
		{name: "unknown transport", file: "config.yaml", content: "transport: pigeon"},
		{name: "missing address", file: "config.yaml", content: "transport: tcp"},
		{name: "bad timeout", env: map[string]string{"MCPLSP_REQUEST_TIMEOUT": "soon"}},
		{name: "negative timeout", env: map[string]string{"MCPLSP_REQUEST_TIMEOUT": "-1s"}},
		{name: "bad log level", env: map[string]string{"MCPLSP_LOG_LEVEL": "chatty"}},
		{name: "bad sync kind", env: map[string]string{"MCPLSP_TEXT_DOCUMENT_SYNC": "partial"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			path := ""
			switch {
			case tc.content != "":
				path = writeFile(t, tc.file, tc.content)
			case tc.env == nil:
				path = filepath.Join(t.TempDir(), "absent.yaml")
			}

			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearEnv blanks every override so the host environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"TRANSPORT", "ADDRESS", "SERVER_NAME", "SERVER_VERSION",
		"REQUEST_TIMEOUT", "LOG_LEVEL", "STATUS_ADDRESS", "TEXT_DOCUMENT_SYNC",
	} {
		t.Setenv(config.EnvPrefix+name, "")
	}
}
