// Package mdns finds seeds on the local link with multicast DNS and
// announces this node the same way.
package mdns

import (
    "context"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    "github.com/grandcat/zeroconf"

    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/seeds"
)

const (
    DefaultService = "_go-discover._tcp"
    DefaultDomain  = "local."
)

type Options struct {
    Service string
    Domain  string
    // Window is how long one browse collects answers (1s if zero).
    Window time.Duration
    // Refresh is how long a browse result is reused (30s if zero).
    Refresh time.Duration
    // Exclude drops entries whose instance name matches, usually the local node.
    Exclude string
    Clock   clock.Clock
    Logger  *log.Logger
}

func (o *Options) defaults() {
    if o.Service == "" { o.Service = DefaultService }
    if o.Domain == "" { o.Domain = DefaultDomain }
    if o.Window <= 0 { o.Window = time.Second }
    if o.Refresh <= 0 { o.Refresh = 30 * time.Second }
    if o.Clock == nil { o.Clock = clock.New() }
    if o.Logger == nil { o.Logger = log.Default() }
}

type source struct {
    opts  Options
    mu    sync.Mutex
    at    time.Time
    cache []string
}

// New returns a Source that browses opts.Service and yields host:port of
// every instance found.
func New(opts Options) seeds.Source {
    opts.defaults()
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.opts.Clock.Now()
    if s.cache == nil || now.Sub(s.at) >= s.opts.Refresh {
        ctx, cancel := context.WithTimeout(context.Background(), s.opts.Window)
        found, err := Browse(ctx, s.opts.Service, s.opts.Domain, s.opts.Exclude)
        cancel()
        if err != nil {
            logutil.Warnf(s.opts.Logger, "mdns browse %s: %v", s.opts.Service, err)
        } else {
            s.cache, s.at = found, now
        }
    }
    return append([]string(nil), s.cache...)
}

// Browse collects instances of service until ctx is done.
func Browse(ctx context.Context, service, domain, exclude string) ([]string, error) {
    r, err := zeroconf.NewResolver(nil)
    if err != nil { return nil, fmt.Errorf("mdns: resolver: %w", err) }
    entries := make(chan *zeroconf.ServiceEntry, 16)
    if err := r.Browse(ctx, service, domain, entries); err != nil { return nil, fmt.Errorf("mdns: browse: %w", err) }
    out := []string{}
    for e := range entries {
        if e == nil || (exclude != "" && e.Instance == exclude) { continue }
        out = append(out, addrs(e)...)
    }
    return seeds.Normalize(out), nil
}

func addrs(e *zeroconf.ServiceEntry) []string {
    port := strconv.Itoa(e.Port)
    out := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
    for _, ip := range e.AddrIPv4 { out = append(out, net.JoinHostPort(ip.String(), port)) }
    for _, ip := range e.AddrIPv6 { out = append(out, net.JoinHostPort(ip.String(), port)) }
    return out
}

// Announcement is a running mDNS registration.
type Announcement struct{ srv *zeroconf.Server }

// Announce registers instance on port until Close is called. txt entries are
// published as the TXT record.
func Announce(instance, service, domain string, port int, txt []string) (*Announcement, error) {
    if service == "" { service = DefaultService }
    if domain == "" { domain = DefaultDomain }
    srv, err := zeroconf.Register(instance, service, domain, port, txt, nil)
    if err != nil { return nil, fmt.Errorf("mdns: register %s: %w", instance, err) }
    return &Announcement{srv: srv}, nil
}

func (a *Announcement) Close() error {
    if a != nil && a.srv != nil { a.srv.Shutdown() }
    return nil
}
