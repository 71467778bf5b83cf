package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/uds"
)

// progressStep is how much of a segment must transfer before the next
// progress line.
const progressStep = 10 // percent

// flash drives the whole programming sequence: programming session,
// optional security unlock, then one download per image segment.
func flash(ctx context.Context, c *uds.Client, cfg *appConfig, im *image, l *slog.Logger) error {
	timing, err := c.DiagnosticSessionControl(ctx, uds.SessionProgramming)
	if err != nil {
		return fmt.Errorf("programming session: %w", err)
	}
	l.Info("programming_session", "p2", timing.P2, "p2_star", timing.P2Star)

	if cfg.level != 0 {
		if err := c.Unlock(ctx, byte(cfg.level), uds.CMACKeyProvider{Secret: cfg.secret}); err != nil {
			return fmt.Errorf("security access level 0x%02X: %w", cfg.level, err)
		}
		l.Info("security_unlocked", "level", fmt.Sprintf("0x%02X", cfg.level))
	}

	start := time.Now()
	for i, seg := range im.segments {
		if err := flashSegment(ctx, c, seg, byte(cfg.dataFormat), l); err != nil {
			return fmt.Errorf("segment %d at 0x%08X: %w", i, seg.address, err)
		}
	}
	l.Info("download_complete",
		"segments", len(im.segments),
		"bytes", im.totalBytes(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if cfg.reset {
		if _, err := c.ECUReset(ctx, uds.ResetHard); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		l.Info("server_reset")
	}
	return nil
}

// flashSegment runs the request-download / transfer-data / transfer-exit
// sequence for one contiguous region, logging progress as it goes.
func flashSegment(ctx context.Context, c *uds.Client, seg segment, dataFormat byte, l *slog.Logger) error {
	maxBlock, err := c.RequestDownload(ctx, uint64(seg.address), uint32(len(seg.data)), dataFormat)
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	// maxBlock covers the service identifier and counter bytes too.
	chunk := int(maxBlock) - 2
	blocks := (len(seg.data) + chunk - 1) / chunk
	l.Info("segment_start",
		"address", fmt.Sprintf("0x%08X", seg.address),
		"bytes", len(seg.data),
		"block_size", chunk,
		"blocks", blocks)

	counter := byte(1)
	nextReport := progressStep
	for off := 0; off < len(seg.data); off += chunk {
		end := off + chunk
		if end > len(seg.data) {
			end = len(seg.data)
		}
		if _, err := c.TransferData(ctx, counter, seg.data[off:end]); err != nil {
			return fmt.Errorf("block %d at offset 0x%X: %w", counter, off, err)
		}
		counter++
		if pct := end * 100 / len(seg.data); pct >= nextReport {
			l.Info("segment_progress",
				"address", fmt.Sprintf("0x%08X", seg.address),
				"percent", pct,
				"bytes", end)
			for nextReport <= pct {
				nextReport += progressStep
			}
		}
	}

	record, err := c.RequestTransferExit(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer exit: %w", err)
	}
	if len(record) > 0 {
		l.Info("segment_done", "address", fmt.Sprintf("0x%08X", seg.address), "exit_record", fmt.Sprintf("% X", record))
	} else {
		l.Info("segment_done", "address", fmt.Sprintf("0x%08X", seg.address))
	}
	return nil
}
