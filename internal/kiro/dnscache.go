package kiro

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	dnsFreshTTL = 5 * time.Minute
	dnsStaleTTL = 30 * time.Minute
)

// dnsCache memoizes hostname lookups. Fresh entries are served for 5 minutes;
// when a lookup fails, a stale entry up to 30 minutes old is served instead
// so transient resolver outages do not take the gateway down.
type dnsCache struct {
	mu      sync.Mutex
	entries map[string]*dnsEntry

	lookup func(ctx context.Context, host string) ([]string, error)
	now    func() time.Time
}

type dnsEntry struct {
	addrs      []string
	resolvedAt time.Time
}

func newDNSCache() *dnsCache {
	return &dnsCache{
		entries: make(map[string]*dnsEntry),
		lookup: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		now: time.Now,
	}
}

// Resolve returns the addresses for host, consulting the cache first.
func (d *dnsCache) Resolve(ctx context.Context, host string) ([]string, error) {
	d.mu.Lock()
	e := d.entries[host]
	now := d.now()
	if e != nil && now.Sub(e.resolvedAt) < dnsFreshTTL {
		addrs := e.addrs
		d.mu.Unlock()
		return addrs, nil
	}
	d.mu.Unlock()

	addrs, err := d.lookup(ctx, host)
	if err != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		if e != nil && now.Sub(e.resolvedAt) < dnsStaleTTL {
			return e.addrs, nil // stale-on-failure
		}
		return nil, err
	}

	d.mu.Lock()
	d.entries[host] = &dnsEntry{addrs: addrs, resolvedAt: now}
	d.mu.Unlock()
	return addrs, nil
}
