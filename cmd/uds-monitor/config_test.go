package main

import (
	"os"
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:        "socketcan",
		canIf:          "can0",
		device:         "/dev/null",
		baud:           115200,
		txID:           "0x7E0",
		rxID:           "0x7E8",
		broker:         "tcp://localhost:1883",
		topic:          "uds/dtc",
		clientID:       "uds-monitor",
		interval:       30 * time.Second,
		statusMask:     0xFF,
		respTimeout:    time.Second,
		pendingTimeout: 5 * time.Second,
		maxPending:     10,
		fcTimeout:      time.Second,
		padding:        -1,
		logFormat:      "text",
		logLevel:       "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := baseConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	if c.reqID != 0x7E0 || c.respID != 0x7E8 {
		t.Fatalf("parsed ids 0x%X/0x%X", c.reqID, c.respID)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"noBroker", func(c *appConfig) { c.broker = "" }},
		{"emptyTopic", func(c *appConfig) { c.topic = "" }},
		{"emptyClientID", func(c *appConfig) { c.clientID = "" }},
		{"badQoS", func(c *appConfig) { c.qos = 3 }},
		{"badInterval", func(c *appConfig) { c.interval = 0 }},
		{"badMask", func(c *appConfig) { c.statusMask = 256 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badPadding", func(c *appConfig) { c.padding = 256 }},
		{"badTimeout", func(c *appConfig) { c.respTimeout = 0 }},
		{"badPendingTimeout", func(c *appConfig) { c.pendingTimeout = 0 }},
		{"badMaxPending", func(c *appConfig) { c.maxPending = 0 }},
		{"badTxID", func(c *appConfig) { c.txID = "zz" }},
		{"sameIDs", func(c *appConfig) { c.rxID = c.txID }},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()
	os.Setenv("UDS_MONITOR_BROKER", "tcp://mqtt:1883")
	os.Setenv("UDS_MONITOR_INTERVAL", "5s")
	os.Setenv("UDS_MONITOR_MASK", "0x09")
	os.Setenv("UDS_MONITOR_PASSWORD", "hunter2")
	t.Cleanup(func() {
		os.Unsetenv("UDS_MONITOR_BROKER")
		os.Unsetenv("UDS_MONITOR_INTERVAL")
		os.Unsetenv("UDS_MONITOR_MASK")
		os.Unsetenv("UDS_MONITOR_PASSWORD")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.broker != "tcp://mqtt:1883" {
		t.Fatalf("expected broker override, got %s", base.broker)
	}
	if base.interval != 5*time.Second {
		t.Fatalf("expected interval 5s got %v", base.interval)
	}
	if base.statusMask != 0x09 {
		t.Fatalf("expected mask 0x09 got 0x%02X", base.statusMask)
	}
	if base.password != "hunter2" {
		t.Fatalf("expected password from env")
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	os.Setenv("UDS_MONITOR_TOPIC", "other/topic")
	t.Cleanup(func() { os.Unsetenv("UDS_MONITOR_TOPIC") })
	// Simulate user passed -topic flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"topic": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.topic != "uds/dtc" {
		t.Fatalf("expected topic unchanged, got %s", base.topic)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	os.Setenv("UDS_MONITOR_RETAIN", "maybe")
	t.Cleanup(func() { os.Unsetenv("UDS_MONITOR_RETAIN") })
	if err := applyEnvOverrides(baseConfig(), map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad boolean")
	}
}
