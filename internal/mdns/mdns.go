package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Host is a discovered IIOD-capable device on the local network.
type Host struct {
	Instance  string // advertised name, e.g. "iiod on pluto"
	Hostname  string // DNS hostname, e.g. "pluto.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns a dialable host:port for the first address, preferring
// IPv4.
func (h Host) Addr() string {
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return fmt.Sprintf("%s:%d", ip, h.Port)
		}
	}
	if len(h.Addresses) > 0 {
		return fmt.Sprintf("[%s]:%d", h.Addresses[0], h.Port)
	}
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(h.Hostname, "."), h.Port)
}

// Discover performs a blocking mDNS browse for _iio._tcp.local
// services and returns deduplicated hosts in a stable order.
func Discover(timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				found[key] = Host{
					Instance:  strings.ReplaceAll(e.Instance, `\ `, " "),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, "_iio._tcp", "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}
