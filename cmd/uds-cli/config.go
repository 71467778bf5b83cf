package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

type appConfig struct {
	backend      string
	canIf        string
	device       string
	baud         int
	slcanBitrate int
	addr         string
	discover     bool
	discoverWait time.Duration

	txID   string
	rxID   string
	funcID string
	// parsed forms, filled by validate
	reqID   uint32
	respID  uint32
	bcastID int // parsed funcID, or -1 when unset

	respTimeout    time.Duration
	pendingTimeout time.Duration
	maxPending     int
	quiet          time.Duration
	fcTimeout      time.Duration
	padding        int
	registryPath   string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|slcan|bridge")
	canIf := flag.String("if", "can0", "SocketCAN interface (when --backend=socketcan)")
	device := flag.String("device", "/dev/ttyACM0", "Serial device path (when --backend=slcan)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	slcanBitrate := flag.Int("slcan-bitrate", -1, "SLCAN bitrate code 0..8 (e.g. 6 = 500 kbit/s); -1 leaves the adapter alone")
	addr := flag.String("addr", "", "Bridge server address host:port (when --backend=bridge)")
	discover := flag.Bool("discover", false, "Discover the bridge server via mDNS instead of --addr")
	discoverWait := flag.Duration("discover-wait", 3*time.Second, "How long to browse mDNS")
	txID := flag.String("txid", "0x7E0", "Request (tester) arbitration id")
	rxID := flag.String("rxid", "0x7E8", "Response (server) arbitration id")
	funcID := flag.String("funcid", "", "Functional broadcast id for 'tester-present broadcast' (e.g. 0x7DF); empty disables")
	respTimeout := flag.Duration("timeout", time.Second, "Per-request response timeout")
	pendingTimeout := flag.Duration("pending-timeout", 5*time.Second, "Extended wait after a response-pending reply")
	maxPending := flag.Int("max-pending", 10, "Maximum consecutive response-pending replies")
	quiet := flag.Duration("quiet", 100*time.Millisecond, "Quiet period after an aborted transaction")
	fcTimeout := flag.Duration("fc-timeout", time.Second, "Flow-control wait during segmented send")
	padding := flag.Int("padding", -1, "Pad outgoing frames to 8 bytes with this fill (0..255); -1 disables")
	registryPath := flag.String("registry", "", "Data identifier registry file (INI)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.device = *device
	cfg.baud = *baud
	cfg.slcanBitrate = *slcanBitrate
	cfg.addr = *addr
	cfg.discover = *discover
	cfg.discoverWait = *discoverWait
	cfg.txID = *txID
	cfg.rxID = *rxID
	cfg.funcID = *funcID
	cfg.respTimeout = *respTimeout
	cfg.pendingTimeout = *pendingTimeout
	cfg.maxPending = *maxPending
	cfg.quiet = *quiet
	cfg.fcTimeout = *fcTimeout
	cfg.padding = *padding
	cfg.registryPath = *registryPath
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or sockets, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "socketcan", "slcan", "bridge":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.slcanBitrate > 8 {
		return fmt.Errorf("slcan-bitrate must be 0..8 (got %d)", c.slcanBitrate)
	}
	if c.padding > 0xFF {
		return fmt.Errorf("padding must be -1 or 0..255 (got %d)", c.padding)
	}
	if c.respTimeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if c.pendingTimeout <= 0 {
		return errors.New("pending-timeout must be > 0")
	}
	if c.maxPending <= 0 {
		return fmt.Errorf("max-pending must be > 0 (got %d)", c.maxPending)
	}
	if c.discoverWait <= 0 {
		return errors.New("discover-wait must be > 0")
	}
	var err error
	if c.reqID, err = parseCANID(c.txID); err != nil {
		return fmt.Errorf("invalid txid: %w", err)
	}
	if c.respID, err = parseCANID(c.rxID); err != nil {
		return fmt.Errorf("invalid rxid: %w", err)
	}
	if c.reqID == c.respID {
		return errors.New("txid and rxid must differ")
	}
	c.bcastID = -1
	if c.funcID != "" {
		id, err := parseCANID(c.funcID)
		if err != nil {
			return fmt.Errorf("invalid funcid: %w", err)
		}
		if id == c.respID {
			return errors.New("funcid and rxid must differ")
		}
		c.bcastID = int(id)
	}
	return nil
}

func parseCANID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	if v > can.CAN_EFF_MASK {
		return 0, fmt.Errorf("id 0x%X exceeds 29 bits", v)
	}
	return uint32(v), nil
}

// applyEnvOverrides maps UDS_CLI_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("UDS_CLI_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["if"]; !ok {
		if v, ok := get("UDS_CLI_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["device"]; !ok {
		if v, ok := get("UDS_CLI_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("UDS_CLI_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["slcan-bitrate"]; !ok {
		if v, ok := get("UDS_CLI_SLCAN_BITRATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.slcanBitrate = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_SLCAN_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["addr"]; !ok {
		if v, ok := get("UDS_CLI_ADDR"); ok && v != "" {
			c.addr = v
		}
	}
	if _, ok := set["discover"]; !ok {
		if v, ok := get("UDS_CLI_DISCOVER"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.discover = true
			case "0", "false", "no", "off":
				c.discover = false
			}
		}
	}
	if _, ok := set["discover-wait"]; !ok {
		if v, ok := get("UDS_CLI_DISCOVER_WAIT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.discoverWait = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_DISCOVER_WAIT: %w", err)
			}
		}
	}
	if _, ok := set["txid"]; !ok {
		if v, ok := get("UDS_CLI_TXID"); ok && v != "" {
			c.txID = v
		}
	}
	if _, ok := set["rxid"]; !ok {
		if v, ok := get("UDS_CLI_RXID"); ok && v != "" {
			c.rxID = v
		}
	}
	if _, ok := set["funcid"]; !ok {
		if v, ok := get("UDS_CLI_FUNCID"); ok && v != "" {
			c.funcID = v
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("UDS_CLI_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.respTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["pending-timeout"]; !ok {
		if v, ok := get("UDS_CLI_PENDING_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pendingTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_PENDING_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["max-pending"]; !ok {
		if v, ok := get("UDS_CLI_MAX_PENDING"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxPending = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_MAX_PENDING: %w", err)
			}
		}
	}
	if _, ok := set["quiet"]; !ok {
		if v, ok := get("UDS_CLI_QUIET"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.quiet = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_QUIET: %w", err)
			}
		}
	}
	if _, ok := set["fc-timeout"]; !ok {
		if v, ok := get("UDS_CLI_FC_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.fcTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_FC_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["padding"]; !ok {
		if v, ok := get("UDS_CLI_PADDING"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 0, 32); err == nil {
				c.padding = int(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_PADDING: %w", err)
			}
		}
	}
	if _, ok := set["registry"]; !ok {
		if v, ok := get("UDS_CLI_REGISTRY"); ok && v != "" {
			c.registryPath = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("UDS_CLI_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("UDS_CLI_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("UDS_CLI_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("UDS_CLI_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_CLI_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
