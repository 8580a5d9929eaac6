package dns

import (
    "context"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/benbjohnson/clock"

    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/seeds"
)

const (
    DefaultPort    = 7946
    DefaultRefresh = 5 * time.Second
)

// Options configures DNS-based seeds.
type Options struct {
    // Names are SRV names ("_discover._tcp.example.com"), hostnames resolved
    // via A/AAAA, or literal host:port pairs passed through unchanged.
    Names []string
    // Port is appended to A/AAAA answers.
    Port int
    // Refresh is how long a resolution is reused.
    Refresh time.Duration
    // Timeout bounds one resolution round (2s if zero).
    Timeout  time.Duration
    Resolver *net.Resolver
    Clock    clock.Clock
    Logger   *log.Logger
}

type source struct {
    opts  Options
    mu    sync.Mutex
    at    time.Time
    cache []string
}

// New returns a caching DNS seed source.
func New(opts Options) seeds.Source {
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Refresh <= 0 { opts.Refresh = DefaultRefresh }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Clock == nil { opts.Clock = clock.New() }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.opts.Clock.Now()
    if s.cache == nil || now.Sub(s.at) >= s.opts.Refresh {
        ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
        s.cache = s.resolve(ctx)
        cancel()
        s.at = now
    }
    return append([]string(nil), s.cache...)
}

func (s *source) resolve(ctx context.Context) []string {
    out := []string{}
    for _, name := range s.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case isSRV(name):
            out = append(out, s.srv(ctx, name)...)
        case hasPort(name):
            out = append(out, name)
        default:
            out = append(out, s.host(ctx, name)...)
        }
    }
    return seeds.Normalize(out)
}

func (s *source) srv(ctx context.Context, name string) []string {
    svc, proto, domain := splitSRV(name)
    _, recs, err := s.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Debugf(s.opts.Logger, "srv %s: %v", name, err)
        return nil
    }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out
}

func (s *source) host(ctx context.Context, name string) []string {
    ips, err := s.opts.Resolver.LookupHost(ctx, name)
    if err != nil {
        logutil.Debugf(s.opts.Logger, "lookup %s: %v", name, err)
        return nil
    }
    port := strconv.Itoa(s.opts.Port)
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, port)) }
    return out
}

func isSRV(name string) bool { return strings.HasPrefix(name, "_") && strings.Contains(name, "._") }

func hasPort(name string) bool {
    _, p, err := net.SplitHostPort(name)
    return err == nil && p != ""
}

// splitSRV splits "_service._proto.domain".
func splitSRV(name string) (service, proto, domain string) {
    parts := strings.SplitN(name, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
