package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uds-client/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"link_tx", snap.LinkTx,
					"link_rx", snap.LinkRx,
					"stale", snap.Stale,
					"malformed", snap.Malformed,
					"pending", snap.Pending,
					"negative", snap.Negative,
					"positive", snap.Positive,
					"failed", snap.Failed,
					"tap_drops", snap.TapDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
