package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	mdnsService        = "_lanternrelay._tcp"
	discoveryTTL       = 35 * time.Second
	discoveryInterval  = 5 * time.Second
	discoveryQueryWait = 1500 * time.Millisecond
	recentHandshookAge = 14 * time.Second

	defaultFallbackEndpoint = "ws://127.0.0.1:43190"
)

// EndpointResolver implements the Relay endpoint selection order (§4.5):
// env override → manual → mDNS-ranked discovery → loopback fallback.
// Grounded on the teacher's client/server_addr.go normalization shape,
// generalized from manual-address-only input to the spec's ranked,
// multi-source model.
type EndpointResolver struct {
	envOverride string
	manual      string

	mu    sync.Mutex
	cache map[string]*discoveredEndpoint
}

type discoveredEndpoint struct {
	addr            string // host:port, ws scheme applied at resolve time
	private         int    // lower is preferred: 0=192.168.*, 1=10.*, 2=172.16-31.*, 3=public, 4=.local hostname
	lastSeenAt      time.Time
	lastHandshookAt time.Time
}

// NewEndpointResolver builds a resolver. envOverride corresponds to
// LANTERN_RELAY_URL ("" if unset); manual is a user-configured host:port
// ("" if unset).
func NewEndpointResolver(envOverride, manual string) *EndpointResolver {
	return &EndpointResolver{
		envOverride: envOverride,
		manual:      manual,
		cache:       make(map[string]*discoveredEndpoint),
	}
}

// Resolve picks the Relay endpoint to dial, in priority order.
func (r *EndpointResolver) Resolve(ctx context.Context) (string, error) {
	if r.envOverride != "" {
		return toWSURL(r.envOverride), nil
	}
	if r.manual != "" {
		return toWSURL(r.manual), nil
	}
	if best := r.bestDiscovered(time.Now()); best != "" {
		return toWSURL(best), nil
	}
	return defaultFallbackEndpoint, nil
}

// NoteHandshookAt records that endpoint (as returned from Resolve, a full
// ws:// URL) completed a successful hello:ok at t, boosting its future
// ranking (§4.5: "prefer the last endpoint that successfully handshook
// within the last 14s").
func (r *EndpointResolver) NoteHandshookAt(endpoint string, t time.Time) {
	addr := strings.TrimPrefix(strings.TrimPrefix(endpoint, "wss://"), "ws://")
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[addr]; ok {
		e.lastHandshookAt = t
	}
}

// bestDiscovered returns the host:port of the top-ranked still-fresh
// discovered endpoint, or "" if none.
func (r *EndpointResolver) bestDiscovered(now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.cache) == 0 {
		return ""
	}

	entries := make([]*discoveredEndpoint, 0, len(r.cache))
	for _, e := range r.cache {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		iRecent := now.Sub(entries[i].lastHandshookAt) <= recentHandshookAge
		jRecent := now.Sub(entries[j].lastHandshookAt) <= recentHandshookAge
		if iRecent != jRecent {
			return iRecent // recently-handshook endpoints sort first
		}
		if entries[i].private != entries[j].private {
			return entries[i].private < entries[j].private
		}
		return entries[i].addr < entries[j].addr // stable tie-break
	})
	return entries[0].addr
}

func (r *EndpointResolver) pruneLocked(now time.Time) {
	for addr, e := range r.cache {
		if now.Sub(e.lastSeenAt) > discoveryTTL {
			delete(r.cache, addr)
		}
	}
}

// Run starts the background mDNS browse loop; it blocks until ctx is
// cancelled. Only meaningful when env/manual overrides are unset, but
// harmless to run regardless (its results are simply never consulted by
// Resolve in that case).
func (r *EndpointResolver) Run(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	r.browseOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.browseOnce(ctx)
		}
	}
}

func (r *EndpointResolver) browseOnce(ctx context.Context) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entriesCh {
			r.observe(entry, time.Now())
		}
	}()

	params := &mdns.QueryParam{
		Service: mdnsService,
		Domain:  "local",
		Timeout: discoveryQueryWait,
		Entries: entriesCh,
	}
	// mdns.Query blocks internally for the full Timeout window, listening
	// for responses; it owns entriesCh's producer side until it returns.
	if err := mdns.Query(params); err != nil {
		slog.Debug("relayclient: mdns query failed", "err", err)
	}
	close(entriesCh)
	<-done
}

func (r *EndpointResolver) observe(entry *mdns.ServiceEntry, now time.Time) {
	if entry == nil {
		return
	}
	host := entry.Host
	ip := entry.AddrV4
	if ip == nil {
		ip = entry.AddrV6
	}
	if ip != nil {
		host = ip.String()
	}
	port := entry.Port
	for _, f := range entry.InfoFields {
		if strings.HasPrefix(f, "wsPort=") {
			if p, err := strconv.Atoi(strings.TrimPrefix(f, "wsPort=")); err == nil {
				port = p
			}
		}
	}
	if host == "" || port == 0 {
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[addr]
	if !ok {
		e = &discoveredEndpoint{addr: addr}
		r.cache[addr] = e
	}
	e.private = privateRank(host)
	e.lastSeenAt = now
}

// privateRank implements §4.5's preference order: 192.168.* over 10.*
// over 172.16-31.* over public addresses over bare .local hostnames.
func privateRank(host string) int {
	ip := net.ParseIP(host)
	if ip == nil {
		if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".local.") {
			return 4
		}
		return 3
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 192 && ip4[1] == 168:
			return 0
		case ip4[0] == 10:
			return 1
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return 2
		}
	}
	return 3
}

func toWSURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return fmt.Sprintf("ws://%s", addr)
}
