// Command uds-monitor periodically polls a diagnostic server for
// stored trouble codes and publishes each report as JSON to an MQTT
// topic, suitable for dashboards and alerting off the vehicle bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

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
		fmt.Printf("uds-monitor %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub := newPublisher(cfg, l)
	pub.start()
	defer pub.stop()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metrics.SetReadinessFunc(pub.connected)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	c, err := buildClient(cfg, l)
	if err != nil {
		l.Error("client_init_error", "error", err)
		os.Exit(1)
	}

	waitBroker(ctx, pub, l)
	l.Info("monitor_started",
		"interval", cfg.interval.String(),
		"mask", fmt.Sprintf("0x%02X", cfg.statusMask),
		"topic", cfg.topic)
	runMonitor(ctx, c, pub, cfg, l)

	if err := c.Close(); err != nil {
		l.Warn("close_error", "error", err)
	}
	l.Info("monitor_stopped")
}

// waitBroker gives the initial MQTT connection a short head start so
// the first poll does not race the dial. The monitor runs regardless;
// an unpublished report is retried on later ticks.
func waitBroker(ctx context.Context, pub *publisher, l *slog.Logger) {
	deadline := time.Now().Add(5 * time.Second)
	for !pub.connected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !pub.connected() {
		l.Warn("mqtt_not_connected_yet")
	}
}

// buildClient opens the selected backend and wraps it in a diagnostic
// client. The caller owns Close.
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
