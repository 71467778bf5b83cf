package main

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-uds-client/pkg/didreg"
	"github.com/kstaniek/go-uds-client/pkg/uds"
)

func TestParseHexBytes(t *testing.T) {
	cases := []struct {
		in   string
		want []byte
		ok   bool
	}{
		{"0x1234", []byte{0x12, 0x34}, true},
		{"DEADBEEF", []byte{0xDE, 0xAD, 0xBE, 0xEF}, true},
		{"de:ad:be:ef", []byte{0xDE, 0xAD, 0xBE, 0xEF}, true},
		{"12 34 56", []byte{0x12, 0x34, 0x56}, true},
		{"123", nil, false},
		{"zz", nil, false},
		{"", nil, false},
	}
	for _, tc := range cases {
		got, err := parseHexBytes(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("%q: err=%v", tc.in, err)
		}
		if tc.ok && !bytes.Equal(got, tc.want) {
			t.Fatalf("%q: got % X want % X", tc.in, got, tc.want)
		}
	}
}

func TestParseSession(t *testing.T) {
	cases := []struct {
		in   string
		want byte
	}{
		{"default", uds.SessionDefault},
		{"programming", uds.SessionProgramming},
		{"extended", uds.SessionExtended},
		{"safety", uds.SessionSafetySystem},
		{"0x60", 0x60},
	}
	for _, tc := range cases {
		got, err := parseSession(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("%q: got 0x%02X err=%v", tc.in, got, err)
		}
	}
	if _, err := parseSession("race"); err == nil {
		t.Fatal("unknown session accepted")
	}
}

func TestParseReset(t *testing.T) {
	cases := []struct {
		in   string
		want byte
	}{
		{"hard", uds.ResetHard},
		{"key-off-on", uds.ResetKeyOffOn},
		{"soft", uds.ResetSoft},
		{"rapid-on", uds.ResetEnableRapidPowerShutDown},
		{"rapid-off", uds.ResetDisableRapidPowerShutDown},
		{"0x41", 0x41},
	}
	for _, tc := range cases {
		got, err := parseReset(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("%q: got 0x%02X err=%v", tc.in, got, err)
		}
	}
}

func TestResolveDID(t *testing.T) {
	reg := didreg.New()
	if err := reg.Add(didreg.Entry{ID: 0xF190, Name: "VIN", Length: 17}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if id, err := resolveDID(reg, "vin"); err != nil || id != 0xF190 {
		t.Fatalf("by name: id=0x%04X err=%v", id, err)
	}
	if id, err := resolveDID(reg, "0xF18C"); err != nil || id != 0xF18C {
		t.Fatalf("by hex: id=0x%04X err=%v", id, err)
	}
	if id, err := resolveDID(nil, "F190"); err != nil || id != 0xF190 {
		t.Fatalf("no registry: id=0x%04X err=%v", id, err)
	}
	if _, err := resolveDID(reg, "odometer"); err == nil {
		t.Fatal("unknown name accepted")
	}
}

func TestStatusBits(t *testing.T) {
	if got := statusBits(0); got != "-" {
		t.Fatalf("empty mask: %q", got)
	}
	got := statusBits(uds.StatusConfirmedDTC | uds.StatusWarningIndicatorRequested)
	if got != "confirmed,warningLight" {
		t.Fatalf("status string %q", got)
	}
}

func TestPrintable(t *testing.T) {
	if !printable([]byte("WAUZZZ8V5KA123456")) {
		t.Fatal("ascii rejected")
	}
	if printable([]byte{0x00, 0x41}) || printable(nil) {
		t.Fatal("binary accepted")
	}
}
