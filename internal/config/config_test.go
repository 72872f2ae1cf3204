package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polycentric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "polycentric.db", cfg.Store.Path)
	assert.Empty(t, cfg.Servers)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 128, cfg.Sync.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.Sync.MaxElapsed)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.File)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: bolt
  path: /var/lib/polycentric/data.bolt
servers:
  - https://srv1.polycentric.io
  - http://localhost:8081
listen: 127.0.0.1:9000
sync:
  interval: 10s
  page_size: 32
log:
  level: debug
  format: json
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, []string{"https://srv1.polycentric.io", "http://localhost:8081"}, cfg.Servers)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 32, cfg.Sync.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.Sync.MaxElapsed)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: bolt\n  path: a.bolt\n")
	t.Setenv("POLYCENTRIC_STORE_DRIVER", "memory")
	t.Setenv("POLYCENTRIC_SYNC_PAGE_SIZE", "7")
	t.Setenv("POLYCENTRIC_SERVERS", "http://a:1,http://b:2")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Sync.PageSize)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.Servers)
}

func TestLoad_SetOverridesEverything(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POLYCENTRIC_LISTEN", ":7000")
	v := New()
	v.Set("listen", ":9999")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"unknown driver", "store:\n  driver: postgres\n", "store.driver"},
		{"empty path", "store:\n  driver: sqlite\n  path: \"\"\n", "store.path"},
		{"relative server", "servers:\n  - srv1.polycentric.io\n", "servers"},
		{"bad listen", "listen: localhost\n", "listen"},
		{"zero page size", "sync:\n  page_size: 0\n", "sync.page_size"},
		{"short interval", "sync:\n  interval: 10ms\n", "sync.interval_ms"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, tt.body))
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs), "got %v", err)

			found := slices.ContainsFunc(verrs, func(ve *ValidationError) bool {
				return strings.HasPrefix(ve.Path, tt.path)
			})
			assert.True(t, found, "no error under %s in %v", tt.path, err)
		})
	}
}

func TestValidate_PositionsPointIntoFile(t *testing.T) {
	path := writeConfig(t, "listen: \":8080\"\nlog:\n  level: loud\n")
	_, err := Load(New(), path)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	for _, ve := range verrs {
		if ve.Path != "log.level" {
			continue
		}
		require.True(t, ve.Pos.IsValid())
		assert.Equal(t, 3, ve.Pos.Line())
		assert.Contains(t, ve.Error(), path+":3:")
		return
	}
	t.Fatalf("no log.level error in %v", err)
}

func TestValidate_MemoryNeedsNoPath(t *testing.T) {
	cfg := &Config{
		Store:  StoreConfig{Driver: "memory"},
		Listen: ":1",
		Sync:   SyncConfig{Interval: time.Second, PageSize: 1},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
	assert.NoError(t, cfg.Validate())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = (&Config{Log: LogConfig{Level: "nope"}}).Logger(&buf)
	assert.Error(t, err)
}
