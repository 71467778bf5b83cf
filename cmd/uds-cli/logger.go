package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-uds-client/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "uds-cli")
	logging.Set(l)
	return l
}
