// Package didreg holds a dictionary of diagnostic data identifiers:
// numeric identifier, symbolic name and fixed payload length. The
// dictionary is what makes multi-identifier read responses parseable,
// since the wire format carries no per-value length.
//
// Dictionaries load from INI files, one section per identifier:
//
//	[F190]
//	name = VIN
//	length = 17
package didreg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	ErrParse     = errors.New("registry parse")
	ErrDuplicate = errors.New("duplicate identifier")
)

// Entry describes one data identifier. Length is the fixed payload
// size in bytes; zero means variable length, which restricts the
// identifier to single-identifier reads.
type Entry struct {
	ID     uint16
	Name   string
	Length int
}

// Registry maps identifiers to entries, with a reverse index on name.
type Registry struct {
	byID   map[uint16]Entry
	byName map[string]uint16
}

func New() *Registry {
	return &Registry{
		byID:   make(map[uint16]Entry),
		byName: make(map[string]uint16),
	}
}

// Add inserts an entry. Identifier and name collisions are rejected.
func (r *Registry) Add(e Entry) error {
	if _, ok := r.byID[e.ID]; ok {
		return fmt.Errorf("%w: 0x%04X", ErrDuplicate, e.ID)
	}
	if e.Name != "" {
		key := strings.ToLower(e.Name)
		if _, ok := r.byName[key]; ok {
			return fmt.Errorf("%w: name %q", ErrDuplicate, e.Name)
		}
		r.byName[key] = e.ID
	}
	r.byID[e.ID] = e
	return nil
}

// Lookup returns the entry for an identifier.
func (r *Registry) Lookup(id uint16) (Entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// Resolve turns a symbolic name or a hex string ("F190", "0xF190")
// into an identifier.
func (r *Registry) Resolve(s string) (uint16, bool) {
	if id, ok := r.byName[strings.ToLower(s)]; ok {
		return id, true
	}
	return ParseID(s)
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.byID) }

// ParseID parses a bare or 0x-prefixed hex identifier.
func ParseID(s string) (uint16, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// Load reads a dictionary from an INI source: a file path, []byte or
// io.Reader, as accepted by the INI loader.
func Load(source interface{}) (*Registry, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	r := New()
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		id, ok := ParseID(sec.Name())
		if !ok {
			return nil, fmt.Errorf("%w: bad identifier section %q", ErrParse, sec.Name())
		}
		e := Entry{ID: id, Name: sec.Key("name").String()}
		if sec.HasKey("length") {
			n, err := sec.Key("length").Int()
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad length in section %q", ErrParse, sec.Name())
			}
			e.Length = n
		}
		if err := r.Add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}
