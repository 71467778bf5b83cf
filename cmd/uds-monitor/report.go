package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/uds"
)

// dtcRecord is one trouble code in the published report.
type dtcRecord struct {
	Code   string `json:"code"`
	Raw    string `json:"raw"`
	Status byte   `json:"status"`
}

// dtcReport is the JSON document published per poll.
type dtcReport struct {
	Time             string      `json:"time"`
	StatusMask       byte        `json:"status_mask"`
	AvailabilityMask byte        `json:"availability_mask"`
	Count            int         `json:"count"`
	DTCs             []dtcRecord `json:"dtcs"`
}

func buildReport(mask, avail byte, dtcs []uds.DTC, at time.Time) dtcReport {
	records := make([]dtcRecord, 0, len(dtcs))
	for _, d := range dtcs {
		records = append(records, dtcRecord{
			Code:   d.String(),
			Raw:    fmt.Sprintf("0x%06X", d.Code),
			Status: d.Status,
		})
	}
	return dtcReport{
		Time:             at.UTC().Format(time.RFC3339),
		StatusMask:       mask,
		AvailabilityMask: avail,
		Count:            len(records),
		DTCs:             records,
	}
}

// sameDTCs reports whether two polls returned the same codes with the
// same statuses, in the order the server listed them.
func sameDTCs(a, b []uds.DTC) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sink receives finished report payloads. Satisfied by *publisher.
type sink interface {
	publish(payload []byte) error
}

// runMonitor polls the server until ctx is cancelled, publishing one
// report per interval (or only on changes when on-change is set). Read
// and publish failures are logged and retried on the next tick; the
// monitor never gives up on its own.
func runMonitor(ctx context.Context, c *uds.Client, out sink, cfg *appConfig, l *slog.Logger) {
	var (
		last     []uds.DTC
		havePrev bool
	)
	mask := byte(cfg.statusMask)
	poll := func() {
		dtcs, avail, err := c.ReadDTCs(ctx, mask)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn("dtc_read_failed", "error", err)
			return
		}
		if cfg.onChange && havePrev && sameDTCs(last, dtcs) {
			l.Debug("dtc_unchanged", "count", len(dtcs))
			return
		}
		payload, err := json.Marshal(buildReport(mask, avail, dtcs, time.Now()))
		if err != nil {
			l.Error("report_encode_failed", "error", err)
			return
		}
		if err := out.publish(payload); err != nil {
			// Keep last unchanged so the next tick republishes even
			// when the DTC set did not move.
			l.Warn("report_publish_failed", "error", err)
			return
		}
		last, havePrev = dtcs, true
		l.Info("report_published",
			"count", len(dtcs),
			"availability_mask", fmt.Sprintf("0x%02X", avail))
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	poll() // first report right away, not a full interval in
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
