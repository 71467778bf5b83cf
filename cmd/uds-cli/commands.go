package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/can/bridge"
	"github.com/kstaniek/go-uds-client/pkg/didreg"
	"github.com/kstaniek/go-uds-client/pkg/uds"
)

const usage = `usage: uds-cli [flags] <command> [args]

commands:
  session <default|programming|extended|safety|0xNN>   switch diagnostic session
  reset <hard|key-off-on|soft|rapid-on|rapid-off|0xNN> reset the server
  read-did <id|name> [<id|name>...]                    read data identifiers
  write-did <id|name> <hex>                            write a data identifier
  read-dtc [statusmask]                                list trouble codes
  dtc-count [statusmask]                               count trouble codes
  clear-dtc [group]                                    clear trouble codes
  read-mem <address> <size>                            read server memory
  unlock <level> <secret-hex>                          security access (CMAC key)
  routine <start|stop|results> <id> [hex]              routine control
  tester-present [suppress|broadcast]                  keep the session alive
  raw <hex>...                                         send a raw request
  monitor [duration]                                   dump raw bus traffic
  discover                                             list bridge servers (mDNS)

run 'uds-cli -h' for flags`

func runCommand(ctx context.Context, c *uds.Client, reg *didreg.Registry, name string, args []string) error {
	switch name {
	case "session":
		return cmdSession(ctx, c, args)
	case "reset":
		return cmdReset(ctx, c, args)
	case "read-did":
		return cmdReadDID(ctx, c, reg, args)
	case "write-did":
		return cmdWriteDID(ctx, c, reg, args)
	case "read-dtc":
		return cmdReadDTC(ctx, c, args)
	case "dtc-count":
		return cmdDTCCount(ctx, c, args)
	case "clear-dtc":
		return cmdClearDTC(ctx, c, args)
	case "read-mem":
		return cmdReadMem(ctx, c, args)
	case "unlock":
		return cmdUnlock(ctx, c, args)
	case "routine":
		return cmdRoutine(ctx, c, args)
	case "tester-present":
		return cmdTesterPresent(ctx, c, args)
	case "raw":
		return cmdRaw(ctx, c, args)
	case "monitor":
		return cmdMonitor(ctx, c, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	}
}

func cmdSession(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("session: want exactly one argument")
	}
	sess, err := parseSession(args[0])
	if err != nil {
		return err
	}
	timing, err := c.DiagnosticSessionControl(ctx, sess)
	if err != nil {
		return err
	}
	fmt.Printf("session 0x%02X active: p2=%v p2*=%v\n", sess, timing.P2, timing.P2Star)
	return nil
}

func parseSession(s string) (byte, error) {
	switch s {
	case "default":
		return uds.SessionDefault, nil
	case "programming":
		return uds.SessionProgramming, nil
	case "extended":
		return uds.SessionExtended, nil
	case "safety":
		return uds.SessionSafetySystem, nil
	}
	return parseByte(s)
}

func cmdReset(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("reset: want exactly one argument")
	}
	rt, err := parseReset(args[0])
	if err != nil {
		return err
	}
	pd, err := c.ECUReset(ctx, rt)
	if err != nil {
		return err
	}
	if rt == uds.ResetEnableRapidPowerShutDown {
		fmt.Printf("reset 0x%02X accepted, power-down in %ds\n", rt, pd)
	} else {
		fmt.Printf("reset 0x%02X accepted\n", rt)
	}
	return nil
}

func parseReset(s string) (byte, error) {
	switch s {
	case "hard":
		return uds.ResetHard, nil
	case "key-off-on":
		return uds.ResetKeyOffOn, nil
	case "soft":
		return uds.ResetSoft, nil
	case "rapid-on":
		return uds.ResetEnableRapidPowerShutDown, nil
	case "rapid-off":
		return uds.ResetDisableRapidPowerShutDown, nil
	}
	return parseByte(s)
}

func cmdReadDID(ctx context.Context, c *uds.Client, reg *didreg.Registry, args []string) error {
	if len(args) == 0 {
		return errors.New("read-did: want at least one identifier")
	}
	dids := make([]uint16, 0, len(args))
	for _, a := range args {
		did, err := resolveDID(reg, a)
		if err != nil {
			return err
		}
		dids = append(dids, did)
	}
	if len(dids) == 1 {
		data, err := c.ReadDataByIdentifier(ctx, dids[0])
		if err != nil {
			return err
		}
		printDID(reg, dids[0], data)
		return nil
	}
	values, err := c.ReadDataByIdentifiers(ctx, dids...)
	if err != nil {
		return err
	}
	for _, did := range dids {
		printDID(reg, did, values[did])
	}
	return nil
}

func resolveDID(reg *didreg.Registry, s string) (uint16, error) {
	if reg != nil {
		if id, ok := reg.Resolve(s); ok {
			return id, nil
		}
	}
	if id, ok := didreg.ParseID(s); ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown data identifier %q", s)
}

func printDID(reg *didreg.Registry, did uint16, data []byte) {
	label := fmt.Sprintf("0x%04X", did)
	if reg != nil {
		if e, ok := reg.Lookup(did); ok {
			label += " " + e.Name
		}
	}
	if printable(data) {
		fmt.Printf("%s: % X  %q\n", label, data, data)
	} else {
		fmt.Printf("%s: % X\n", label, data)
	}
}

func printable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b < 0x20 || b > 0x7E {
			return false
		}
	}
	return true
}

func cmdWriteDID(ctx context.Context, c *uds.Client, reg *didreg.Registry, args []string) error {
	if len(args) != 2 {
		return errors.New("write-did: want <id|name> <hex>")
	}
	did, err := resolveDID(reg, args[0])
	if err != nil {
		return err
	}
	data, err := parseHexBytes(args[1])
	if err != nil {
		return err
	}
	if err := c.WriteDataByIdentifier(ctx, did, data); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to 0x%04X\n", len(data), did)
	return nil
}

func cmdReadDTC(ctx context.Context, c *uds.Client, args []string) error {
	mask, err := optionalMask(args)
	if err != nil {
		return err
	}
	dtcs, avail, err := c.ReadDTCs(ctx, mask)
	if err != nil {
		return err
	}
	fmt.Printf("%d trouble codes (availability mask 0x%02X)\n", len(dtcs), avail)
	for _, d := range dtcs {
		fmt.Printf("  %s  status 0x%02X  %s\n", d, d.Status, statusBits(d.Status))
	}
	return nil
}

func cmdDTCCount(ctx context.Context, c *uds.Client, args []string) error {
	mask, err := optionalMask(args)
	if err != nil {
		return err
	}
	cnt, err := c.ReadDTCCount(ctx, mask)
	if err != nil {
		return err
	}
	fmt.Printf("%d trouble codes match mask 0x%02X (availability 0x%02X, format 0x%02X)\n",
		cnt.Count, mask, cnt.AvailabilityMask, cnt.FormatIdentifier)
	return nil
}

func optionalMask(args []string) (byte, error) {
	if len(args) == 0 {
		return 0xFF, nil
	}
	if len(args) > 1 {
		return 0, errors.New("want at most one status mask")
	}
	return parseByte(args[0])
}

func cmdClearDTC(ctx context.Context, c *uds.Client, args []string) error {
	group := uds.DTCGroupAll
	if len(args) == 1 {
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil || v > uint64(uds.DTCGroupAll) {
			return fmt.Errorf("invalid group %q", args[0])
		}
		group = uint32(v)
	} else if len(args) > 1 {
		return errors.New("clear-dtc: want at most one group")
	}
	if err := c.ClearDiagnosticInformation(ctx, group); err != nil {
		return err
	}
	fmt.Printf("cleared group 0x%06X\n", group)
	return nil
}

func cmdReadMem(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) != 2 {
		return errors.New("read-mem: want <address> <size>")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args[0])
	}
	size, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil || size == 0 {
		return fmt.Errorf("invalid size %q", args[1])
	}
	data, err := c.ReadMemoryByAddress(ctx, addr, uint32(size))
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%08X  % X\n", addr+uint64(i), data[i:end])
	}
	return nil
}

func cmdUnlock(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) != 2 {
		return errors.New("unlock: want <level> <secret-hex>")
	}
	level, err := parseByte(args[0])
	if err != nil {
		return err
	}
	secret, err := parseHexBytes(args[1])
	if err != nil {
		return err
	}
	if err := c.Unlock(ctx, level, uds.CMACKeyProvider{Secret: secret}); err != nil {
		return err
	}
	fmt.Printf("security level 0x%02X unlocked\n", level)
	return nil
}

func cmdRoutine(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("routine: want <start|stop|results> <id> [hex]")
	}
	var op byte
	switch args[0] {
	case "start":
		op = uds.RoutineStart
	case "stop":
		op = uds.RoutineStop
	case "results":
		op = uds.RoutineRequestResults
	default:
		return fmt.Errorf("unknown routine operation %q", args[0])
	}
	rid, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid routine id %q", args[1])
	}
	var record []byte
	if len(args) == 3 {
		if record, err = parseHexBytes(args[2]); err != nil {
			return err
		}
	}
	out, err := c.RoutineControl(ctx, op, uint16(rid), record)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		fmt.Printf("routine 0x%04X %s: ok\n", rid, args[0])
	} else {
		fmt.Printf("routine 0x%04X %s: % X\n", rid, args[0], out)
	}
	return nil
}

func cmdTesterPresent(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) == 1 {
		switch args[0] {
		case "suppress":
			if err := c.TesterPresentSuppressed(ctx); err != nil {
				return err
			}
			fmt.Println("tester present sent (response suppressed)")
			return nil
		case "broadcast":
			if err := c.TesterPresentBroadcast(ctx); err != nil {
				return err
			}
			fmt.Println("tester present broadcast sent")
			return nil
		}
	}
	if len(args) != 0 {
		return errors.New("tester-present: want no argument, 'suppress' or 'broadcast'")
	}
	if err := c.TesterPresent(ctx); err != nil {
		return err
	}
	fmt.Println("tester present acknowledged")
	return nil
}

func cmdRaw(ctx context.Context, c *uds.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("raw: want request bytes in hex")
	}
	req, err := parseHexBytes(strings.Join(args, ""))
	if err != nil {
		return err
	}
	resp, err := c.Raw(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("% X\n", resp)
	return nil
}

func cmdMonitor(ctx context.Context, c *uds.Client, args []string) error {
	var expire <-chan time.Time
	if len(args) == 1 {
		dur, err := time.ParseDuration(args[0])
		if err != nil || dur <= 0 {
			return fmt.Errorf("invalid duration %q", args[0])
		}
		t := time.NewTimer(dur)
		defer t.Stop()
		expire = t.C
	} else if len(args) > 1 {
		return errors.New("monitor: want at most one duration")
	}
	frames, cancel := c.Tap(256)
	defer cancel()
	for {
		select {
		case fr, ok := <-frames:
			if !ok {
				return nil
			}
			printFrame(fr)
		case <-ctx.Done():
			return nil
		case <-expire:
			return nil
		}
	}
}

func printFrame(fr can.Frame) {
	id := fmt.Sprintf("%03X", fr.Arbitration())
	if fr.ID&can.CAN_EFF_FLAG != 0 {
		id = fmt.Sprintf("%08X", fr.Arbitration())
	}
	fmt.Printf("%s  %s  [%d]  % X\n",
		time.Now().Format("15:04:05.000"), id, fr.Len, fr.Payload())
}

func cmdDiscover(ctx context.Context, cfg *appConfig) error {
	servers, err := bridge.Discover(ctx, cfg.discoverWait)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no bridge servers found")
		return nil
	}
	for _, s := range servers {
		fmt.Printf("%-24s %-21s backend=%s version=%s\n", s.Instance, s.Addr, s.Backend, s.Version)
	}
	return nil
}

func statusBits(s byte) string {
	names := []struct {
		bit  byte
		name string
	}{
		{uds.StatusTestFailed, "testFailed"},
		{uds.StatusTestFailedThisCycle, "failedThisCycle"},
		{uds.StatusPendingDTC, "pending"},
		{uds.StatusConfirmedDTC, "confirmed"},
		{uds.StatusTestNotCompletedSinceClear, "notCompletedSinceClear"},
		{uds.StatusTestFailedSinceClear, "failedSinceClear"},
		{uds.StatusTestNotCompletedThisCycle, "notCompletedThisCycle"},
		{uds.StatusWarningIndicatorRequested, "warningLight"},
	}
	var parts []string
	for _, n := range names {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q", s)
	}
	return byte(v), nil
}

var hexCleaner = strings.NewReplacer(" ", "", ":", "", "_", "")

func parseHexBytes(s string) ([]byte, error) {
	s = hexCleaner.Replace(strings.TrimSpace(s))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string %q must have an even number of digits", s)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %v", s, err)
	}
	return data, nil
}
