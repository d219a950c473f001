package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hauworth/mediamill/internal"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Main")

// main loads the user configuration, then either runs the pipeline server
// or, for `mediamill purge`, performs a single manual maintenance sweep.
func main() {
	configPath := flag.String("config", internal.DefaultConfigPath(), "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	}

	config := internal.MediaMillConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-exitChannel
		log.Emit(logger.STOP, "Shutdown signal received\n")
		cancel()
	}()

	mill := internal.New(config)

	switch flag.Arg(0) {
	case "purge":
		runPurge(ctx, mill)
	case "":
		if err := mill.Run(ctx); err != nil {
			log.Emit(logger.FATAL, "MediaMill exited with error: %s\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected no command, or `purge`)\n", flag.Arg(0))
		os.Exit(2)
	}
}

// runPurge performs one purge sweep and reports per-asset failures on
// stderr. Any failure makes the exit code non-zero, but never stops the
// rest of the batch.
func runPurge(ctx context.Context, mill *internal.MediaMill) {
	result, err := mill.PurgeExpiredFiles(ctx)
	if err != nil {
		log.Emit(logger.FATAL, "Purge failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("Purged %d asset(s)\n", result.DeletedCount)
	for _, purgeErr := range result.Errors {
		fmt.Fprintf(os.Stderr, "purge error: %s\n", purgeErr)
	}

	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}
