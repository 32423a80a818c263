package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tcollins82/fetcha/internal"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("Main")

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file; environment variables apply either way")
	flag.Parse()

	config := internal.FetchaConfig{}
	var err error
	if *configPath != "" {
		err = config.LoadFromFile(*configPath)
	} else {
		err = config.LoadFromEnv()
	}
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetMinLoggingLevel(config.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Fetcha exited with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Fetcha shut down\n")
}
