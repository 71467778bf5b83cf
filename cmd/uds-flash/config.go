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
	backend string
	canIf   string
	device  string
	baud    int
	addr    string

	txID string
	rxID string
	// parsed forms of txID/rxID, filled by validate
	reqID  uint32
	respID uint32

	imagePath  string
	dataFormat int
	level      int
	secretHex  string
	// parsed form of secretHex, filled by validate
	secret []byte
	reset  bool
	dryRun bool

	respTimeout    time.Duration
	pendingTimeout time.Duration
	maxPending     int
	fcTimeout      time.Duration
	padding        int

	logFormat   string
	logLevel    string
	metricsAddr string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|slcan|bridge")
	canIf := flag.String("if", "can0", "SocketCAN interface (when --backend=socketcan)")
	device := flag.String("device", "/dev/ttyACM0", "Serial device path (when --backend=slcan)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	addr := flag.String("addr", "", "Bridge server address host:port (when --backend=bridge)")
	txID := flag.String("txid", "0x7E0", "Request (tester) arbitration id")
	rxID := flag.String("rxid", "0x7E8", "Response (server) arbitration id")
	imagePath := flag.String("image", "", "Intel HEX firmware image (required)")
	dataFormat := flag.Int("format", 0, "Data format identifier byte for the download (0 = uncompressed, unencrypted)")
	level := flag.Int("level", 0, "Security access level (odd request-seed level); 0 skips unlocking")
	secretHex := flag.String("secret", "", "Shared AES-CMAC secret in hex (required when --level is set)")
	reset := flag.Bool("reset", true, "Hard-reset the server after a successful download")
	dryRun := flag.Bool("dry-run", false, "Parse and list the image segments, touch nothing on the bus")
	respTimeout := flag.Duration("timeout", time.Second, "Per-request response timeout")
	pendingTimeout := flag.Duration("pending-timeout", 10*time.Second, "Extended wait after a response-pending reply (erases take a while)")
	maxPending := flag.Int("max-pending", 30, "Maximum consecutive response-pending replies")
	fcTimeout := flag.Duration("fc-timeout", time.Second, "Flow-control wait during segmented send")
	padding := flag.Int("padding", -1, "Pad outgoing frames to 8 bytes with this fill (0..255); -1 disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.device = *device
	cfg.baud = *baud
	cfg.addr = *addr
	cfg.txID = *txID
	cfg.rxID = *rxID
	cfg.imagePath = *imagePath
	cfg.dataFormat = *dataFormat
	cfg.level = *level
	cfg.secretHex = *secretHex
	cfg.reset = *reset
	cfg.dryRun = *dryRun
	cfg.respTimeout = *respTimeout
	cfg.pendingTimeout = *pendingTimeout
	cfg.maxPending = *maxPending
	cfg.fcTimeout = *fcTimeout
	cfg.padding = *padding
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr

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
	if c.imagePath == "" {
		return errors.New("--image is required")
	}
	if c.dataFormat < 0 || c.dataFormat > 0xFF {
		return fmt.Errorf("format must be 0..255 (got %d)", c.dataFormat)
	}
	if c.level < 0 || c.level > 0xFF {
		return fmt.Errorf("level must be 0..255 (got %d)", c.level)
	}
	if c.level != 0 {
		if c.level%2 == 0 {
			return fmt.Errorf("level must be odd (got %d)", c.level)
		}
		if c.secretHex == "" {
			return errors.New("--secret is required when --level is set")
		}
		secret, err := parseHexBytes(c.secretHex)
		if err != nil {
			return fmt.Errorf("invalid secret: %w", err)
		}
		switch len(secret) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("secret must be a 16, 24 or 32 byte AES key (got %d bytes)", len(secret))
		}
		c.secret = secret
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
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

func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string %q must have an even number of digits", s)
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q", s)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// applyEnvOverrides maps UDS_FLASH_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("UDS_FLASH_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["if"]; !ok {
		if v, ok := get("UDS_FLASH_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["device"]; !ok {
		if v, ok := get("UDS_FLASH_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("UDS_FLASH_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["addr"]; !ok {
		if v, ok := get("UDS_FLASH_ADDR"); ok && v != "" {
			c.addr = v
		}
	}
	if _, ok := set["txid"]; !ok {
		if v, ok := get("UDS_FLASH_TXID"); ok && v != "" {
			c.txID = v
		}
	}
	if _, ok := set["rxid"]; !ok {
		if v, ok := get("UDS_FLASH_RXID"); ok && v != "" {
			c.rxID = v
		}
	}
	if _, ok := set["image"]; !ok {
		if v, ok := get("UDS_FLASH_IMAGE"); ok && v != "" {
			c.imagePath = v
		}
	}
	if _, ok := set["level"]; !ok {
		if v, ok := get("UDS_FLASH_LEVEL"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 0, 32); err == nil {
				c.level = int(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_LEVEL: %w", err)
			}
		}
	}
	if _, ok := set["secret"]; !ok {
		if v, ok := get("UDS_FLASH_SECRET"); ok && v != "" {
			c.secretHex = v
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("UDS_FLASH_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.respTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["pending-timeout"]; !ok {
		if v, ok := get("UDS_FLASH_PENDING_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pendingTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_PENDING_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["max-pending"]; !ok {
		if v, ok := get("UDS_FLASH_MAX_PENDING"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxPending = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_MAX_PENDING: %w", err)
			}
		}
	}
	if _, ok := set["padding"]; !ok {
		if v, ok := get("UDS_FLASH_PADDING"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 0, 32); err == nil {
				c.padding = int(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_FLASH_PADDING: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("UDS_FLASH_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("UDS_FLASH_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("UDS_FLASH_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return firstErr
}
