// Package locator resolves SIP destinations to ordered next hop targets.
package locator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/mgr"
)

const (
	// minCacheTTL is the minimum time lookups are cached.
	minCacheTTL = 10 * time.Second
	// maxCacheTTL caps record TTLs.
	maxCacheTTL = time.Hour

	resolvConf = "/etc/resolv.conf"
)

// ErrLookupFailed is returned when the nameserver does not answer a query
// successfully.
var ErrLookupFailed = errors.New("destination lookup failed")

// Target is a next hop for a SIP request.
type Target struct {
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
	Transport string `json:"transport"`
	Priority  uint16 `json:"priority"`
	Weight    uint16 `json:"weight"`
}

// Address returns the host and port of the target.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, fmt.Sprint(t.Port))
}

// Locator looks up next hop targets via DNS SRV records.
type Locator struct {
	mgr *mgr.Manager

	server string
	client *dns.Client
	cache  gcache.Cache

	lookups   atomic.Uint64
	cacheHits atomic.Uint64
	failures  atomic.Uint64
}

// New returns a new locator. If no nameserver is configured, the first
// nameserver of the system configuration is used.
func New(cfg config.Locator, registry *metrics.Registry) (*Locator, error) {
	server := cfg.Nameserver
	if server == "" {
		clientConfig, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read system nameservers: %w", err)
		}
		if len(clientConfig.Servers) == 0 {
			return nil, errors.New("no system nameservers configured")
		}
		server = net.JoinHostPort(clientConfig.Servers[0], clientConfig.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultLocatorTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = config.DefaultLocatorCache
	}

	l := &Locator{
		mgr:    mgr.New("Locator"),
		server: server,
		client: &dns.Client{
			UDPSize: 1232,
			Timeout: cfg.Timeout,
		},
		cache: gcache.New(cfg.CacheSize).LRU().Build(),
	}

	if registry != nil {
		if err := l.registerMetrics(registry); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Manager returns the module manager.
func (l *Locator) Manager() *mgr.Manager {
	return l.mgr
}

// Start starts the module.
func (l *Locator) Start() error {
	l.mgr.Info("using nameserver", "server", l.server)
	return nil
}

// Stop stops the module.
func (l *Locator) Stop() error {
	l.cache.Purge()
	return nil
}

// Locate returns the targets for the given SIP destination, best first.
// A destination with an explicit port or an IP address is not looked up.
// If no SRV records exist, the host itself is returned with the default port.
func (l *Locator) Locate(ctx context.Context, uri string) ([]Target, error) {
	dst, err := parseDestination(uri)
	if err != nil {
		return nil, err
	}

	// Direct targets.
	if dst.port != 0 || net.ParseIP(dst.host) != nil {
		port := dst.port
		if port == 0 {
			port = dst.defaultPort()
		}
		return []Target{{
			Host:      dst.host,
			Port:      port,
			Transport: dst.defaultTransport(),
		}}, nil
	}

	key := dst.cacheKey()
	if cached, err := l.cache.Get(key); err == nil {
		if targets, ok := cached.([]Target); ok {
			l.cacheHits.Add(1)
			return slices.Clone(targets), nil
		}
	}

	l.lookups.Add(1)
	targets, ttl, err := l.lookupSRV(ctx, dst)
	if err != nil {
		l.failures.Add(1)
		return nil, err
	}
	if len(targets) == 0 {
		targets = []Target{{
			Host:      dst.host,
			Port:      dst.defaultPort(),
			Transport: dst.defaultTransport(),
		}}
	}

	if err := l.cache.SetWithExpire(key, targets, ttl); err != nil {
		l.mgr.Debug("failed to cache targets", "destination", dst.host, "err", err)
	}
	return slices.Clone(targets), nil
}

// lookupSRV queries all SRV services of the destination and returns the
// sorted targets and the time they may be cached.
func (l *Locator) lookupSRV(ctx context.Context, dst *destination) ([]Target, time.Duration, error) {
	var (
		targets []Target
		ttl     = maxCacheTTL
	)

	for _, svc := range dst.services() {
		records, err := l.query(ctx, svc.prefix+dns.Fqdn(dst.host))
		if err != nil {
			return nil, 0, err
		}
		for _, srv := range records {
			// A target of "." means the service is not available.
			if srv.Target == "." {
				continue
			}
			targets = append(targets, Target{
				Host:      strings.TrimSuffix(srv.Target, "."),
				Port:      srv.Port,
				Transport: svc.transport,
				Priority:  srv.Priority,
				Weight:    srv.Weight,
			})
			ttl = min(ttl, time.Duration(srv.Hdr.Ttl)*time.Second)
		}
	}

	sortTargets(targets)
	return targets, max(ttl, minCacheTTL), nil
}

func (l *Locator) query(ctx context.Context, name string) ([]*dns.SRV, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)
	msg.RecursionDesired = true

	reply, rtt, err := l.client.ExchangeContext(ctx, msg, l.server)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrLookupFailed, name, err)
	}
	l.mgr.Debug("srv query done", "name", name, "rtt", rtt, "rcode", dns.RcodeToString[reply.Rcode])

	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: query %s: %s", ErrLookupFailed, name, dns.RcodeToString[reply.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range reply.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	return records, nil
}

// sortTargets sorts by priority ascending, then by weight descending.
func sortTargets(targets []Target) {
	slices.SortStableFunc(targets, func(a, b Target) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
}

func (l *Locator) registerMetrics(registry *metrics.Registry) error {
	for _, c := range []struct {
		id   string
		name string
		fn   func() uint64
	}{
		{"locator/lookups/total", "Destination Lookups", l.lookups.Load},
		{"locator/cache/hits/total", "Destination Cache Hits", l.cacheHits.Load},
		{"locator/lookups/failed/total", "Failed Destination Lookups", l.failures.Load},
	} {
		if _, err := registry.NewFetchingCounter(c.id, nil, c.fn, &metrics.Options{Name: c.name}); err != nil {
			return fmt.Errorf("register %s: %w", c.id, err)
		}
	}
	return nil
}
