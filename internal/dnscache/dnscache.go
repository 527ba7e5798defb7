// Package dnscache provides asynchronous reverse-DNS resolution with
// positive and negative caching. The tracker consults it at classification
// time; results are never retro-applied to already emitted events.
package dnscache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
)

// Mode controls whether lookups happen at all.
type Mode string

const (
	ModePTR Mode = "ptr"
	ModeOff Mode = "off"
)

// errNoAnswer marks NXDOMAIN and other non-success rcodes; cached negative.
var errNoAnswer = errors.New("no answer")

const (
	defaultPositiveTTL = 30 * time.Minute
	defaultNegativeTTL = 5 * time.Minute
	defaultCapacity    = 4096
	defaultWorkers     = 3
	queueDepth         = 256
)

type entry struct {
	domain   string
	negative bool
	expiry   time.Time
}

// ResolveFunc performs one blocking reverse lookup. Injectable for tests.
type ResolveFunc func(ctx context.Context, ip string) (string, error)

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Lookups   uint64
	Hits      uint64
	Negatives uint64
	Dropped   uint64
}

// Cache is the shared ip -> domain mapping. All map access happens under one
// mutex with O(1) critical sections; resolver calls run on worker goroutines.
type Cache struct {
	mode    Mode
	resolve ResolveFunc
	posTTL  time.Duration
	negTTL  time.Duration

	mu      sync.Mutex
	entries *lru.Cache[string, entry]
	pending map[string]struct{}

	queue chan string
	wg    sync.WaitGroup
	stop  context.CancelFunc

	lookups   atomic.Uint64
	hits      atomic.Uint64
	negatives atomic.Uint64
	dropped   atomic.Uint64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithResolver replaces the blocking resolver (tests).
func WithResolver(r ResolveFunc) Option {
	return func(c *Cache) { c.resolve = r }
}

// WithTTLs overrides the positive and negative cache lifetimes.
func WithTTLs(pos, neg time.Duration) Option {
	return func(c *Cache) {
		c.posTTL = pos
		c.negTTL = neg
	}
}

// New builds a cache in the given mode with a hard per-query timeout.
func New(mode Mode, timeout time.Duration, opts ...Option) *Cache {
	entries, _ := lru.New[string, entry](defaultCapacity)
	c := &Cache{
		mode:    mode,
		resolve: ptrResolver(timeout),
		posTTL:  defaultPositiveTTL,
		negTTL:  defaultNegativeTTL,
		entries: entries,
		pending: make(map[string]struct{}),
		queue:   make(chan string, queueDepth),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the worker pool. No-op in off mode.
func (c *Cache) Start(ctx context.Context) {
	if c.mode == ModeOff {
		return
	}
	ctx, c.stop = context.WithCancel(ctx)
	for i := 0; i < defaultWorkers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

// Close stops the workers and waits for in-flight lookups.
func (c *Cache) Close() {
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()
}

// Lookup returns the cached domain for ip, dispatching a background lookup
// on a miss. ok is true only for a cached positive result. In off mode it
// never resolves and never dispatches.
func (c *Cache) Lookup(ip string) (domain string, ok bool) {
	if c.mode == ModeOff || ip == "" {
		return "", false
	}
	c.mu.Lock()
	if e, found := c.entries.Get(ip); found {
		if time.Now().Before(e.expiry) {
			c.mu.Unlock()
			if e.negative {
				return "", false
			}
			c.hits.Add(1)
			return e.domain, true
		}
		c.entries.Remove(ip)
	}
	if _, isPending := c.pending[ip]; isPending {
		c.mu.Unlock()
		return "", false
	}
	c.pending[ip] = struct{}{}
	c.mu.Unlock()

	select {
	case c.queue <- ip:
	default:
		// Queue full: forget the pending mark so a later sighting retries.
		c.mu.Lock()
		delete(c.pending, ip)
		c.mu.Unlock()
		c.dropped.Add(1)
	}
	return "", false
}

// Snapshot returns the current counters.
func (c *Cache) Snapshot() Stats {
	return Stats{
		Lookups:   c.lookups.Load(),
		Hits:      c.hits.Load(),
		Negatives: c.negatives.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func (c *Cache) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ip := <-c.queue:
			c.lookups.Add(1)
			domain, err := c.resolve(ctx, ip)
			now := time.Now()
			e := entry{domain: domain, expiry: now.Add(c.posTTL)}
			if err != nil || domain == "" {
				e = entry{negative: true, expiry: now.Add(c.negTTL)}
				c.negatives.Add(1)
			}
			c.mu.Lock()
			c.entries.Add(ip, e)
			delete(c.pending, ip)
			c.mu.Unlock()
		}
	}
}

// ptrResolver issues a PTR query against the system resolver with a hard
// timeout, returning the first name in the answer without its trailing dot.
func ptrResolver(timeout time.Duration) ResolveFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &dns.Client{Timeout: timeout}
	servers := systemNameservers()
	return func(ctx context.Context, ip string) (string, error) {
		reverse, err := dns.ReverseAddr(ip)
		if err != nil {
			return "", err
		}
		msg := new(dns.Msg)
		msg.SetQuestion(reverse, dns.TypePTR)
		msg.RecursionDesired = true

		var lastErr error
		for _, server := range servers {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				return "", errNoAnswer
			}
			for _, rr := range resp.Answer {
				if ptr, ok := rr.(*dns.PTR); ok {
					return strings.TrimSuffix(ptr.Ptr, "."), nil
				}
			}
			return "", nil
		}
		return "", lastErr
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		out = append(out, s+":"+conf.Port)
	}
	return out
}
