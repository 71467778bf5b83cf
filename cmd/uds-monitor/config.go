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

	broker   string
	topic    string
	clientID string
	qos      int
	retain   bool
	username string
	password string

	interval   time.Duration
	statusMask int
	onChange   bool

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
	broker := flag.String("broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (required)")
	topic := flag.String("topic", "uds/dtc", "MQTT topic for DTC reports")
	clientID := flag.String("client-id", "uds-monitor", "MQTT client identifier")
	qos := flag.Int("qos", 0, "MQTT QoS for published reports (0..2)")
	retain := flag.Bool("retain", true, "Publish reports with the retained flag")
	username := flag.String("username", "", "MQTT username (optional)")
	interval := flag.Duration("interval", 30*time.Second, "Poll interval between DTC reads")
	statusMask := flag.Int("mask", 0xFF, "DTC status mask for reportDTCByStatusMask (0..255)")
	onChange := flag.Bool("on-change", false, "Publish only when the DTC set or statuses changed")
	respTimeout := flag.Duration("timeout", time.Second, "Per-request response timeout")
	pendingTimeout := flag.Duration("pending-timeout", 5*time.Second, "Extended wait after a response-pending reply")
	maxPending := flag.Int("max-pending", 10, "Maximum consecutive response-pending replies")
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
	cfg.broker = *broker
	cfg.topic = *topic
	cfg.clientID = *clientID
	cfg.qos = *qos
	cfg.retain = *retain
	cfg.username = *username
	cfg.interval = *interval
	cfg.statusMask = *statusMask
	cfg.onChange = *onChange
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
// It does not attempt to open devices, sockets or broker connections.
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
	if c.broker == "" {
		return errors.New("--broker is required")
	}
	if c.topic == "" {
		return errors.New("topic must not be empty")
	}
	if c.clientID == "" {
		return errors.New("client-id must not be empty")
	}
	if c.qos < 0 || c.qos > 2 {
		return fmt.Errorf("qos must be 0..2 (got %d)", c.qos)
	}
	if c.interval <= 0 {
		return errors.New("interval must be > 0")
	}
	if c.statusMask < 0 || c.statusMask > 0xFF {
		return fmt.Errorf("mask must be 0..255 (got %d)", c.statusMask)
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

// applyEnvOverrides maps UDS_MONITOR_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored,
// except UDS_MONITOR_METRICS which may be set empty to disable the endpoint.
// The MQTT password is env-only so it never shows up in process listings.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("UDS_MONITOR_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["if"]; !ok {
		if v, ok := get("UDS_MONITOR_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["device"]; !ok {
		if v, ok := get("UDS_MONITOR_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("UDS_MONITOR_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["addr"]; !ok {
		if v, ok := get("UDS_MONITOR_ADDR"); ok && v != "" {
			c.addr = v
		}
	}
	if _, ok := set["txid"]; !ok {
		if v, ok := get("UDS_MONITOR_TXID"); ok && v != "" {
			c.txID = v
		}
	}
	if _, ok := set["rxid"]; !ok {
		if v, ok := get("UDS_MONITOR_RXID"); ok && v != "" {
			c.rxID = v
		}
	}
	if _, ok := set["broker"]; !ok {
		if v, ok := get("UDS_MONITOR_BROKER"); ok && v != "" {
			c.broker = v
		}
	}
	if _, ok := set["topic"]; !ok {
		if v, ok := get("UDS_MONITOR_TOPIC"); ok && v != "" {
			c.topic = v
		}
	}
	if _, ok := set["client-id"]; !ok {
		if v, ok := get("UDS_MONITOR_CLIENT_ID"); ok && v != "" {
			c.clientID = v
		}
	}
	if _, ok := set["qos"]; !ok {
		if v, ok := get("UDS_MONITOR_QOS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.qos = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_QOS: %w", err)
			}
		}
	}
	if _, ok := set["retain"]; !ok {
		if v, ok := get("UDS_MONITOR_RETAIN"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.retain = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_RETAIN: %w", err)
			}
		}
	}
	if _, ok := set["username"]; !ok {
		if v, ok := get("UDS_MONITOR_USERNAME"); ok && v != "" {
			c.username = v
		}
	}
	if v, ok := get("UDS_MONITOR_PASSWORD"); ok {
		c.password = v
	}
	if _, ok := set["interval"]; !ok {
		if v, ok := get("UDS_MONITOR_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.interval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mask"]; !ok {
		if v, ok := get("UDS_MONITOR_MASK"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 0, 32); err == nil {
				c.statusMask = int(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_MASK: %w", err)
			}
		}
	}
	if _, ok := set["on-change"]; !ok {
		if v, ok := get("UDS_MONITOR_ON_CHANGE"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.onChange = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_ON_CHANGE: %w", err)
			}
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("UDS_MONITOR_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.respTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UDS_MONITOR_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("UDS_MONITOR_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("UDS_MONITOR_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("UDS_MONITOR_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return firstErr
}
