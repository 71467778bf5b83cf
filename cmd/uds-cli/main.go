// Command uds-cli talks to one diagnostic server on a CAN bus: read and
// write identifiers, list and clear trouble codes, run routines, or
// watch raw traffic. The bus is reached through SocketCAN, an SLCAN
// serial adapter, or a remote TCP bridge (optionally found via mDNS).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/uds"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uds-cli %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		os.Exit(2)
	}
	command, rest := args[0], args[1:]

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if command == "discover" {
		if err := cmdDiscover(ctx, cfg); err != nil {
			l.Error("discover_failed", "error", err)
			os.Exit(1)
		}
		stop()
		wg.Wait()
		return
	}

	reg, err := loadRegistry(cfg, l)
	if err != nil {
		l.Error("registry_error", "error", err)
		os.Exit(1)
	}
	c, err := buildClient(ctx, cfg, reg, l)
	if err != nil {
		l.Error("client_init_error", "error", err)
		os.Exit(1)
	}

	cmdErr := runCommand(ctx, c, reg, command, rest)
	closeErr := c.Close()
	stop()
	wg.Wait()
	if cmdErr != nil {
		var neg *uds.NegativeResponse
		if errors.As(cmdErr, &neg) {
			fmt.Printf("server refused: %v\n", neg)
		}
		l.Error("command_failed", "command", command, "error", cmdErr)
		os.Exit(1)
	}
	if closeErr != nil {
		l.Warn("close_error", "error", closeErr)
	}
}
