// Command caskd runs the cask paste server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/searchktools/cask-server/app"
	"github.com/searchktools/cask-server/config"
	"github.com/searchktools/cask-server/core/pools"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	cfg, err := config.Load(args[0], args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.File != "" {
		log.Info().Str("file", cfg.File).Msg("configuration loaded")
	}

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		log.Debug().Msgf(format, a...)
	}))
	defer undo()
	if err != nil {
		log.Warn().Err(err).Msg("GOMAXPROCS not adjusted")
	}

	limit, err := pools.ApplyGCConfig(pools.DefaultGCConfig())
	if err != nil {
		log.Warn().Err(err).Msg("memory limit not set")
	} else if limit > 0 {
		log.Debug().Int64("bytes", limit).Msg("memory limit set")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	if err := a.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("server failed")
		return 1
	}
	return 0
}
