package httpclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DNSResolver resolves host names for the transport's dialer. *net.Resolver
// satisfies it.
type DNSResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

const defaultDNSTTL = time.Minute

// DNSCache caches resolved addresses for a fixed TTL. Concurrent lookups of
// the same host share one resolver call.
type DNSCache struct {
	resolver DNSResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]dnsEntry
	group   singleflight.Group
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// NewDNSCache returns a cache in front of resolver. A nil resolver means
// net.DefaultResolver and a non-positive ttl means one minute.
func NewDNSCache(ttl time.Duration, resolver DNSResolver) *DNSCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ttl <= 0 {
		ttl = defaultDNSTTL
	}
	return &DNSCache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]dnsEntry),
	}
}

var (
	defaultDNSCache     *DNSCache
	defaultDNSCacheOnce sync.Once
)

// DefaultDNSCache is the process wide cache used for DNSCache: true.
func DefaultDNSCache() *DNSCache {
	defaultDNSCacheOnce.Do(func() {
		defaultDNSCache = NewDNSCache(0, nil)
	})
	return defaultDNSCache
}

// LookupHost returns cached addresses for host, resolving on a miss.
func (c *DNSCache) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.addrs, nil
	}

	// The shared lookup must outlive any single caller's cancellation.
	ch := c.group.DoChan(host, func() (any, error) {
		addrs, err := c.resolver.LookupHost(context.WithoutCancel(ctx), host)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[host] = dnsEntry{addrs: addrs, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return addrs, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear drops every cached entry.
func (c *DNSCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]dnsEntry)
	c.mu.Unlock()
}

// dialWithResolver resolves the host part of addr through resolver and dials
// the returned addresses in order until one succeeds.
func dialWithResolver(dialer *net.Dialer, resolver DNSResolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}

		var errs []error
		for _, ip := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, errors.Join(errs...)
	}
}
