package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// ZeroconfBrowser browses with multicast DNS-SD over IPv4.
type ZeroconfBrowser struct{}

// Browse starts a DNS-SD browse and reports each resolved IPv4 instance until ctx is done.
func (ZeroconfBrowser) Browse(ctx context.Context, service, domain string, found func(addr string, port int)) error {
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		// The resolver closes entries once ctx is done.
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			found(entry.AddrIPv4[0].String(), entry.Port)
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("browse %s: %w", service, err)
	}
	return nil
}
