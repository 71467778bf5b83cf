package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-uds-client/internal/metrics"
)

const (
	mdnsServiceType = "_can-server._tcp"
	mdnsDomain      = "local."
)

// ErrNoServer is returned when discovery finishes without finding a bridge.
var ErrNoServer = errors.New("bridge: no server discovered")

// Server is one discovered bridge endpoint.
type Server struct {
	Instance string
	Addr     string // host:port, ready for Dial
	Backend  string // backend= TXT record, if present
	Version  string // version= TXT record, if present
}

func fromEntry(e *zeroconf.ServiceEntry) Server {
	s := Server{Instance: e.Instance}
	host := strings.TrimSuffix(e.HostName, ".")
	if len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		host = e.AddrIPv6[0].String()
	}
	if host != "" {
		s.Addr = net.JoinHostPort(host, strconv.Itoa(e.Port))
	}
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "backend="); ok {
			s.Backend = v
		} else if v, ok := strings.CutPrefix(txt, "version="); ok {
			s.Version = v
		}
	}
	return s
}

// Discover browses mDNS for bridge servers until wait elapses or ctx is
// cancelled and returns everything found.
func Discover(ctx context.Context, wait time.Duration) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	collected := make(chan []Server, 1)
	go func() {
		var servers []Server
		for e := range entries {
			if s := fromEntry(e); s.Addr != "" {
				servers = append(servers, s)
			}
		}
		collected <- servers
	}()
	if err := resolver.Browse(ctx, mdnsServiceType, mdnsDomain, entries); err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	return <-collected, nil
}

// DiscoverFirst returns as soon as one bridge answers.
func DiscoverFirst(ctx context.Context, wait time.Duration) (Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return Server{}, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, mdnsServiceType, mdnsDomain, entries); err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return Server{}, fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return Server{}, ErrNoServer
			}
			if s := fromEntry(e); s.Addr != "" {
				cancel()
				go func() { // let the resolver wind down
					for range entries {
					}
				}()
				return s, nil
			}
		case <-ctx.Done():
			return Server{}, ErrNoServer
		}
	}
}
