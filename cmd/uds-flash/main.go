// Command uds-flash downloads an Intel HEX firmware image to a
// diagnostic server over CAN: programming session, optional security
// access, then the request-download / transfer-data / transfer-exit
// sequence per image segment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/can/bridge"
	"github.com/kstaniek/go-uds-client/pkg/can/slcan"
	"github.com/kstaniek/go-uds-client/pkg/can/socketcan"
	"github.com/kstaniek/go-uds-client/pkg/uds"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uds-flash %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	im, err := loadImage(cfg.imagePath)
	if err != nil {
		l.Error("image_error", "error", err)
		os.Exit(1)
	}
	l.Info("image_loaded",
		"path", cfg.imagePath,
		"segments", len(im.segments),
		"bytes", im.totalBytes())
	if cfg.dryRun {
		for i, seg := range im.segments {
			fmt.Printf("segment %d: 0x%08X..0x%08X (%d bytes)\n",
				i, seg.address, seg.address+uint32(len(seg.data))-1, len(seg.data))
		}
		if im.hasStart {
			fmt.Printf("entry point: 0x%08X\n", im.start)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	c, err := buildClient(cfg, l)
	if err != nil {
		l.Error("client_init_error", "error", err)
		os.Exit(1)
	}

	flashErr := flash(ctx, c, cfg, im, l)
	if err := c.Close(); err != nil {
		l.Warn("close_error", "error", err)
	}
	if flashErr != nil {
		var neg *uds.NegativeResponse
		if errors.As(flashErr, &neg) {
			fmt.Printf("server refused: %v\n", neg)
		}
		l.Error("flash_failed", "error", flashErr)
		os.Exit(1)
	}
	l.Info("flash_ok")
}

// buildClient opens the selected backend and wraps it in a diagnostic
// client tuned for programming: long pending waits, generous pending
// bound, since flash erases routinely answer 0x78 for seconds.
func buildClient(cfg *appConfig, l *slog.Logger) (*uds.Client, error) {
	opts := []uds.Option{
		uds.WithLogger(l),
		uds.WithResponseTimeout(cfg.respTimeout),
		uds.WithPendingWaitTimeout(cfg.pendingTimeout),
		uds.WithMaxPending(cfg.maxPending),
		uds.WithFlowControlTimeout(cfg.fcTimeout),
	}
	if cfg.padding >= 0 {
		opts = append(opts, uds.WithTxPadding(byte(cfg.padding)))
	}

	var link can.Link
	switch cfg.backend {
	case "socketcan":
		mask := uint32(can.CAN_SFF_MASK)
		if cfg.respID > can.CAN_SFF_MASK {
			mask = can.CAN_EFF_MASK
		}
		sc, err := socketcan.Open(cfg.canIf, socketcan.WithFilter(cfg.respID, mask))
		if err != nil {
			return nil, fmt.Errorf("socketcan %s: %w", cfg.canIf, err)
		}
		link = sc
	case "slcan":
		sl, err := slcan.Open(cfg.device, cfg.baud)
		if err != nil {
			return nil, err
		}
		link = sl
	case "bridge":
		if cfg.addr == "" {
			return nil, errors.New("bridge backend needs --addr")
		}
		br, err := bridge.Dial(cfg.addr)
		if err != nil {
			return nil, err
		}
		link = br
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
	return uds.New(link, cfg.reqID, cfg.respID, opts...)
}
