// Package main provides the reservation archival sweep command.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	platformcmd "github.com/roomclerk/roomclerk/internal/platform/cmd"
	"github.com/roomclerk/roomclerk/internal/platform/config"
	"github.com/roomclerk/roomclerk/internal/tools/archiver"
)

func main() {
	cfg, err := archiver.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	err = platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceArchiver, func(ctx context.Context) error {
		return archiver.Run(ctx, cfg, os.Stdout, os.Stderr)
	})
	if err != nil {
		config.Exitf("Error: %v", err)
	}
}
