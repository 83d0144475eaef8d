package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := load("caskd", nil, nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":3000", cfg.Addr())
}

func TestShortAndLongFlags(t *testing.T) {
	cfg, err := load("caskd", []string{
		"-p", "8080", "-w", "8", "-d", "/tmp/x.db", "-b", "64", "-s", "/tmp/x.sock",
		"-host", "127.0.0.1", "-idle-timeout", "2s", "-sync", "-log-level", "debug",
	}, nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, uint64(64), cfg.Buckets)
	assert.Equal(t, "/tmp/x.sock", cfg.SocketPath)
	assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
}

func TestJSONFile(t *testing.T) {
	path := writeFile(t, "cask.json", `{
		"port": 4000,
		"workers": 2,
		"db": {"path": "j.db", "buckets": 10, "sync": true},
		"idle": {"timeout": "750ms"},
		"log.format": "json"
	}`)

	cfg, err := load("caskd", []string{"-config", path}, nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "j.db", cfg.DBPath)
	assert.Equal(t, uint64(10), cfg.Buckets)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, 750*time.Millisecond, cfg.IdleTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, path, cfg.File)
}

func TestTOMLFile(t *testing.T) {
	path := writeFile(t, "cask.toml", `
port = "5000"
workers = 4

[db]
path = "t.db"
buckets = 99

[socket]
path = "t.sock"

[idle]
timeout = 3
`)

	cfg, err := load("caskd", []string{"-config", path}, nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "t.db", cfg.DBPath)
	assert.Equal(t, uint64(99), cfg.Buckets)
	assert.Equal(t, "t.sock", cfg.SocketPath)
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, "cask.toml", `
port = "5000"
workers = 4
[db]
path = "file.db"
`)
	environ := []string{
		"CASK_CONFIG=" + path,
		"CASK_WORKERS=6",
		"CASK_DB_PATH=env.db",
		"OTHER_WORKERS=99",
	}

	cfg, err := load("caskd", []string{"-d", "flag.db"}, environ, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File, "config file found through the environment")
	assert.Equal(t, "5000", cfg.Port, "file beats default")
	assert.Equal(t, 6, cfg.Workers, "environment beats file")
	assert.Equal(t, "flag.db", cfg.DBPath, "flag beats environment")
}

func TestFlagEqualToDefaultStillOverrides(t *testing.T) {
	cfg, err := load("caskd", []string{"-w", "3"}, []string{"CASK_WORKERS=9"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"non-numeric port", []string{"-p", "80a"}, "port"},
		{"port too large", []string{"-p", "70000"}, "port"},
		{"zero workers", []string{"-w", "0"}, "worker count"},
		{"zero buckets", []string{"-b", "0"}, "bucket count"},
		{"empty db", []string{"-d", ""}, "database path"},
		{"long socket", []string{"-s", strings.Repeat("s", MaxSocketPath+1)}, "socket path"},
		{"idle timeout", []string{"-idle-timeout", "0s"}, "idle timeout"},
		{"log level", []string{"-log-level", "loud"}, "log level"},
		{"log format", []string{"-log-format", "xml"}, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load("caskd", tt.args, nil, io.Discard)
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.Buckets = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker count")
	assert.Contains(t, err.Error(), "bucket count")
}

func TestBadEnvironmentValue(t *testing.T) {
	_, err := load("caskd", nil, []string{"CASK_WORKERS=many"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestBadFile(t *testing.T) {
	_, err := load("caskd", []string{"-config", writeFile(t, "c.yaml", "port: 1")}, nil, io.Discard)
	assert.Error(t, err)

	_, err = load("caskd", []string{"-config", writeFile(t, "c.json", "{")}, nil, io.Discard)
	assert.Error(t, err)

	_, err = load("caskd", []string{"-config", filepath.Join(t.TempDir(), "missing.toml")}, nil, io.Discard)
	assert.Error(t, err)
}

func TestUnknownFlagAndHelp(t *testing.T) {
	_, err := load("caskd", []string{"-nope"}, nil, io.Discard)
	assert.Error(t, err)

	_, err = load("caskd", []string{"-h"}, nil, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)

	_, err = load("caskd", []string{"extra"}, nil, io.Discard)
	assert.Error(t, err)
}

func TestManagerEnvironmentKeys(t *testing.T) {
	m := NewManager()
	m.loadFromEnviron("CASK", []string{"CASK_SOCKET_PATH=/run/c.sock", "CASKX=1", "PATH=/bin"})

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, "/run/c.sock", m.GetString("socket.path"))
	assert.Equal(t, "fallback", m.GetString("missing", "fallback"))
}

func TestUnmarshalTypes(t *testing.T) {
	var target struct {
		N     int
		U     uint32
		D     time.Duration
		B     bool
		S     string
		Skip  string `config:"-"`
		Named string `config:"a.b"`
	}

	m := NewManager()
	m.Set("n", float64(-3))
	m.Set("u", int64(7))
	m.Set("d", "1m")
	m.Set("b", "true")
	m.Set("s", 12)
	m.Set("skip", "no")
	m.Set("a.b", "yes")
	require.NoError(t, m.Unmarshal(&target))

	assert.Equal(t, -3, target.N)
	assert.Equal(t, uint32(7), target.U)
	assert.Equal(t, time.Minute, target.D)
	assert.True(t, target.B)
	assert.Equal(t, "12", target.S)
	assert.Empty(t, target.Skip)
	assert.Equal(t, "yes", target.Named)

	m.Set("u", int64(-1))
	assert.Error(t, m.Unmarshal(&target))

	m.Set("u", int64(1<<40))
	assert.Error(t, m.Unmarshal(&target))

	assert.Error(t, m.Unmarshal(target))
}
