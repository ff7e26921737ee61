package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := logging.Setup(logging.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		logging.WithComponent("cyclectl").Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
