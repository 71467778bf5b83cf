// Package socketcan provides a can.Link backed by a Linux raw CAN
// socket. On other platforms Open fails at runtime so that code
// importing this package still builds everywhere.
package socketcan

import "github.com/kstaniek/go-uds-client/pkg/can"

// Compile-time assertion that both the linux Link and the stub satisfy
// the link contract.
var _ can.Link = (*Link)(nil)

// Filter selects inbound frames in the kernel: a frame is delivered
// when received_id & Mask == ID & Mask.
type Filter struct {
	ID   uint32
	Mask uint32
}

type config struct {
	filters []Filter
}

type Option func(*config)

// WithFilter restricts reception to one identifier. Repeatable; the
// kernel ORs multiple filters.
func WithFilter(id, mask uint32) Option {
	return func(c *config) { c.filters = append(c.filters, Filter{ID: id, Mask: mask}) }
}

// WithFilters installs a prepared filter list.
func WithFilters(fs ...Filter) Option {
	return func(c *config) { c.filters = append(c.filters, fs...) }
}
