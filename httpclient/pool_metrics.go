package httpclient

import "time"

// PoolStats is a snapshot of the connection pool configuration and of the
// transports built so far.
//
//	stats := client.PoolStats()
//	fmt.Printf("max conns per host: %d, pools: %d\n", stats.MaxConnsPerHost, stats.Transports)
type PoolStats struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	// MaxConnsPerHost of 0 means unlimited.
	MaxConnsPerHost   int
	IdleConnTimeout   time.Duration
	DisableKeepAlives bool

	// Transports counts the pooled transports. Requests that differ in TLS
	// verification, HTTP/2, unix socket or resolver use separate ones.
	Transports int
}

// PoolStats returns the pool configuration shared by c and every instance
// extended from it.
func (c *Client) PoolStats() PoolStats {
	tc := c.cfg.transport
	return PoolStats{
		MaxIdleConns:        tc.MaxIdleConns,
		MaxIdleConnsPerHost: tc.MaxIdleConnsPerHost,
		MaxConnsPerHost:     tc.MaxConnsPerHost,
		IdleConnTimeout:     tc.IdleConnTimeout,
		DisableKeepAlives:   tc.DisableKeepAlives,
		Transports:          c.cfg.pool.size(),
	}
}
