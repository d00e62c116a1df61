package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

const dnsRefreshInterval = 5 * time.Minute

// DNSRefresher periodically re-resolves and prunes the shared DNS cache so
// upstream connections follow backend DNS changes instead of pinning the
// first answer forever.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	interval time.Duration
}

// NewDNSRefresher creates a refresher for the given resolver.
func NewDNSRefresher(resolver *dnscache.Resolver) *DNSRefresher {
	return &DNSRefresher{resolver: resolver, interval: dnsRefreshInterval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresh" }

// Run refreshes cached DNS entries until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
