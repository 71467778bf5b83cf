package didreg

import (
	"bytes"
	"errors"
	"testing"
)

var sampleINI = []byte(`
[F190]
name = VIN
length = 17

[F18C]
name = ECUSerialNumber
length = 8

[F1A0]
name = CalibrationData
`)

func TestLoad(t *testing.T) {
	r, err := Load(sampleINI)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("%d entries, want 3", r.Len())
	}
	e, ok := r.Lookup(0xF190)
	if !ok || e.Name != "VIN" || e.Length != 17 {
		t.Fatalf("0xF190 entry %+v ok=%v", e, ok)
	}
	if e, _ := r.Lookup(0xF1A0); e.Length != 0 {
		t.Fatalf("0xF1A0 length %d, want variable", e.Length)
	}
}

func TestResolve(t *testing.T) {
	r, err := Load(sampleINI)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cases := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"VIN", 0xF190, true},
		{"vin", 0xF190, true},
		{"F18C", 0xF18C, true},
		{"0xF18C", 0xF18C, true},
		{"f18c", 0xF18C, true},
		{"ECUSerialNumber", 0xF18C, true},
		{"nope", 0, false},
		{"0x12345", 0, false},
	}
	for _, tc := range cases {
		got, ok := r.Resolve(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Resolve(%q) = 0x%04X, %v; want 0x%04X, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLoad_BadSection(t *testing.T) {
	_, err := Load([]byte("[nothex]\nname = x\n"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("error %v, want ErrParse", err)
	}
}

func TestLoad_BadLength(t *testing.T) {
	_, err := Load([]byte("[F190]\nlength = seventeen\n"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("error %v, want ErrParse", err)
	}
}

func TestAdd_Duplicates(t *testing.T) {
	r := New()
	if err := r.Add(Entry{ID: 0xF190, Name: "VIN", Length: 17}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(Entry{ID: 0xF190, Name: "Other"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate id error %v", err)
	}
	if err := r.Add(Entry{ID: 0xF191, Name: "vin"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate name error %v", err)
	}
}

func TestLoad_FromReader(t *testing.T) {
	r, err := Load(bytes.NewReader(sampleINI))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := r.Lookup(0xF18C); !ok {
		t.Fatal("0xF18C missing")
	}
}
