// Package config assembles server configuration from defaults, an optional
// JSON or TOML file, CASK_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes environment variables, e.g. CASK_DB_PATH
const EnvPrefix = "CASK"

// MaxSocketPath is the longest unix socket path the kernel accepts
const MaxSocketPath = 108

// Config holds all application configuration.
type Config struct {
	Host        string        `config:"host"`
	Port        string        `config:"port"`
	Workers     int           `config:"workers"`
	DBPath      string        `config:"db.path"`
	Buckets     uint64        `config:"db.buckets"`
	SyncWrites  bool          `config:"db.sync"`
	SocketPath  string        `config:"socket.path"`
	IndexPath   string        `config:"index.path"`
	IdleTimeout time.Duration `config:"idle.timeout"`
	LogLevel    string        `config:"log.level"`
	LogFormat   string        `config:"log.format"`

	// File is the configuration file that was loaded, if any
	File string `config:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Host:        "",
		Port:        "3000",
		Workers:     3,
		DBPath:      "cask.db",
		Buckets:     100000,
		SocketPath:  "cask.sock",
		IndexPath:   "index.html",
		IdleTimeout: 5 * time.Second,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "listen host (empty for all interfaces)")
	fs.StringVar(&c.Port, "port", c.Port, "listen port")
	fs.StringVar(&c.Port, "p", c.Port, "shorthand for -port")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of worker threads")
	fs.IntVar(&c.Workers, "w", c.Workers, "shorthand for -workers")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "database file path")
	fs.StringVar(&c.DBPath, "d", c.DBPath, "shorthand for -db")
	fs.Uint64Var(&c.Buckets, "buckets", c.Buckets, "hash table buckets for a new database")
	fs.Uint64Var(&c.Buckets, "b", c.Buckets, "shorthand for -buckets")
	fs.BoolVar(&c.SyncWrites, "sync", c.SyncWrites, "flush every insert to disk")
	fs.StringVar(&c.SocketPath, "socket", c.SocketPath, "status socket path")
	fs.StringVar(&c.SocketPath, "s", c.SocketPath, "shorthand for -socket")
	fs.StringVar(&c.IndexPath, "index", c.IndexPath, "file served at /")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections idle this long")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.StringVar(&c.File, "config", c.File, "JSON or TOML configuration file")
}

// Load builds the configuration for a process started with args (without
// the program name), reading the environment from os.Environ
func Load(name string, args []string, stderr io.Writer) (*Config, error) {
	return load(name, args, os.Environ(), stderr)
}

func load(name string, args, environ []string, stderr io.Writer) (*Config, error) {
	// First pass only finds the config file
	probe := Default()
	pfs := flag.NewFlagSet(name, flag.ContinueOnError)
	pfs.SetOutput(io.Discard)
	probe.bind(pfs)
	if err := pfs.Parse(args); err != nil {
		// report through the second pass for the usage text
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		Default().bind(fs)
		return nil, fs.Parse(args)
	}

	env := NewManager()
	env.loadFromEnviron(EnvPrefix, environ)

	cfg := Default()
	cfg.File = probe.File
	if cfg.File == "" {
		cfg.File = env.GetString("config")
	}

	if cfg.File != "" {
		file := NewManager()
		if err := file.LoadFromFile(cfg.File); err != nil {
			return nil, fmt.Errorf("config: %s: %w", cfg.File, err)
		}
		if err := file.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", cfg.File, err)
		}
	}

	if err := env.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	// Flags last, with the merged values as defaults so only flags that
	// were given override anything
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("config: unexpected arguments %q", fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("config: invalid")

// Validate checks every field
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, fmt.Errorf("%w port: empty", ErrInvalid))
	} else if p, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		errs = append(errs, fmt.Errorf("%w port %q", ErrInvalid, c.Port))
	} else {
		c.Port = strconv.FormatUint(p, 10)
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%w worker count %d: must be > 0", ErrInvalid, c.Workers))
	}
	if c.Buckets == 0 {
		errs = append(errs, fmt.Errorf("%w bucket count: must be > 0", ErrInvalid))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("%w database path: empty", ErrInvalid))
	}
	if n := len(c.SocketPath); n == 0 || n > MaxSocketPath {
		errs = append(errs, fmt.Errorf("%w socket path: must be 1 to %d characters", ErrInvalid, MaxSocketPath))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w idle timeout %v: must be > 0", ErrInvalid, c.IdleTimeout))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w log level %q", ErrInvalid, c.LogLevel))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("%w log format %q", ErrInvalid, c.LogFormat))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address as host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}
