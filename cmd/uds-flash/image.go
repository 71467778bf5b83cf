package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// segment is one contiguous region of the firmware image.
type segment struct {
	address uint32
	data    []byte
}

// image is the parsed firmware: segments in ascending address order.
type image struct {
	segments []segment
	start    uint32 // entry point from the hex start record, 0 if absent
	hasStart bool
}

// totalBytes sums the payload across all segments.
func (im *image) totalBytes() int {
	n := 0
	for _, s := range im.segments {
		n += len(s.data)
	}
	return n
}

// loadImage parses an Intel HEX file into contiguous segments. Regions
// the hex file touches twice are a parse error, not a silent overwrite.
func loadImage(path string) (*image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	im := &image{}
	for _, seg := range mem.GetDataSegments() {
		im.segments = append(im.segments, segment{
			address: seg.Address,
			data:    append([]byte(nil), seg.Data...),
		})
	}
	if len(im.segments) == 0 {
		return nil, fmt.Errorf("%s: no data records", path)
	}
	sort.Slice(im.segments, func(i, j int) bool {
		return im.segments[i].address < im.segments[j].address
	})
	if adr, ok := mem.GetStartAddress(); ok {
		im.start = adr
		im.hasStart = true
	}
	return im, nil
}
