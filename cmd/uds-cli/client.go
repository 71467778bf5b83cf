package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/can/bridge"
	"github.com/kstaniek/go-uds-client/pkg/can/slcan"
	"github.com/kstaniek/go-uds-client/pkg/can/socketcan"
	"github.com/kstaniek/go-uds-client/pkg/didreg"
	"github.com/kstaniek/go-uds-client/pkg/uds"
)

func loadRegistry(cfg *appConfig, l *slog.Logger) (*didreg.Registry, error) {
	if cfg.registryPath == "" {
		return nil, nil
	}
	reg, err := didreg.Load(cfg.registryPath)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", cfg.registryPath, err)
	}
	l.Info("registry_loaded", "path", cfg.registryPath, "entries", reg.Len())
	return reg, nil
}

// buildClient opens the selected backend and wraps it in a diagnostic
// client. The caller owns Close.
func buildClient(ctx context.Context, cfg *appConfig, reg *didreg.Registry, l *slog.Logger) (*uds.Client, error) {
	opts := []uds.Option{
		uds.WithLogger(l),
		uds.WithResponseTimeout(cfg.respTimeout),
		uds.WithPendingWaitTimeout(cfg.pendingTimeout),
		uds.WithMaxPending(cfg.maxPending),
		uds.WithQuietPeriod(cfg.quiet),
		uds.WithFlowControlTimeout(cfg.fcTimeout),
	}
	if cfg.padding >= 0 {
		opts = append(opts, uds.WithTxPadding(byte(cfg.padding)))
	}
	if cfg.bcastID >= 0 {
		opts = append(opts, uds.WithFunctionalAddress(uint32(cfg.bcastID)))
	}
	if reg != nil {
		opts = append(opts, uds.WithIdentifierRegistry(reg))
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
		var sopts []slcan.Option
		if cfg.slcanBitrate >= 0 {
			sopts = append(sopts, slcan.WithBitrate(cfg.slcanBitrate))
		}
		sl, err := slcan.Open(cfg.device, cfg.baud, sopts...)
		if err != nil {
			return nil, err
		}
		link = sl
	case "bridge":
		addr := cfg.addr
		if cfg.discover {
			srv, err := bridge.DiscoverFirst(ctx, cfg.discoverWait)
			if err != nil {
				return nil, err
			}
			l.Info("bridge_discovered",
				"instance", srv.Instance, "addr", srv.Addr,
				"backend", srv.Backend, "server_version", srv.Version)
			addr = srv.Addr
		}
		if addr == "" {
			return nil, errors.New("bridge backend needs --addr or --discover")
		}
		br, err := bridge.Dial(addr)
		if err != nil {
			return nil, err
		}
		link = br
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|slcan|bridge)", cfg.backend)
	}
	return uds.New(link, cfg.reqID, cfg.respID, opts...)
}
