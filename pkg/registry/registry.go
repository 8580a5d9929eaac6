// Package registry keeps the set of peers learned from INFO messages.
package registry

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    lru "github.com/hashicorp/golang-lru/v2"

    "github.com/amirimatin/go-discover/pkg/channel"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
    "github.com/amirimatin/go-discover/pkg/protocol"
)

const (
    DefaultTTL       = 2 * time.Minute
    DefaultMaxPeers  = 1024
    MinPruneInterval = 10 * time.Millisecond
)

var ErrInvalidOptions = errors.New("registry: invalid options")

// Peer is a known remote node.
type Peer struct {
    ID        protocol.NodeID   `json:"id"`
    Addrs     []string          `json:"addrs,omitempty"`
    Meta      map[string]string `json:"meta,omitempty"`
    Version   string            `json:"version,omitempty"`
    StartedAt int64             `json:"startedAt,omitempty"`
    FirstSeen time.Time         `json:"firstSeen"`
    LastSeen  time.Time         `json:"lastSeen"`
    // Via is the scope of the last message that refreshed the peer.
    Via string `json:"via"`
}

type Options struct {
    // Local is never recorded as a peer.
    Local protocol.NodeID
    // TTL after the last INFO before a peer expires (DefaultTTL if 0,
    // negative disables expiry).
    TTL time.Duration
    // MaxPeers bounds the registry; the least recently seen peer is evicted.
    MaxPeers int
    Clock    clock.Clock
    Logger   *log.Logger
}

func (o Options) Validate() error {
    if o.MaxPeers < 0 { return fmt.Errorf("%w: negative max peers", ErrInvalidOptions) }
    return nil
}

// Registry implements channel.PeerSink.
type Registry struct {
    opts  Options
    clock clock.Clock
    log   *log.Logger

    mu      sync.Mutex
    peers   *lru.Cache[protocol.NodeID, Peer]
    evicted []Peer
    // order is taken before mu is released so events leave in the order
    // the changes were applied.
    order sync.Mutex
    eb    eventBus
}

var _ channel.PeerSink = (*Registry)(nil)

func New(opts Options) (*Registry, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.TTL == 0 { opts.TTL = DefaultTTL }
    if opts.MaxPeers == 0 { opts.MaxPeers = DefaultMaxPeers }
    r := &Registry{opts: opts, clock: opts.Clock, log: opts.Logger}
    if r.clock == nil { r.clock = clock.New() }
    if r.log == nil { r.log = log.Default() }
    r.log = logutil.Named(r.log, "registry")
    cache, err := lru.NewWithEvict[protocol.NodeID, Peer](opts.MaxPeers, func(_ protocol.NodeID, p Peer) {
        // called with r.mu held
        r.evicted = append(r.evicted, p)
    })
    if err != nil { return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err) }
    r.peers = cache
    return r, nil
}

// Observe records info. Messages from the local node are ignored.
func (r *Registry) Observe(_ context.Context, info protocol.InfoMessage, scope channel.Scope) error {
    if info.Node == r.opts.Local { return nil }
    if err := protocol.ValidateNodeID(info.Node); err != nil { return err }
    now := r.clock.Now()
    p := Peer{
        ID:        info.Node,
        Addrs:     append([]string(nil), info.Addrs...),
        Meta:      copyMeta(info.Meta),
        Version:   info.Version,
        StartedAt: info.StartedAt,
        FirstSeen: now,
        LastSeen:  now,
        Via:       scope.String(),
    }
    r.mu.Lock()
    prev, known := r.peers.Peek(info.Node)
    if known { p.FirstSeen = prev.FirstSeen }
    r.peers.Add(info.Node, p)
    gone := r.takeEvicted()
    n := r.peers.Len()
    r.order.Lock()
    r.mu.Unlock()
    defer r.order.Unlock()

    metrics.PeersKnown.Set(float64(n))
    r.emitExpired(gone, now)
    if known {
        r.emit(Event{Type: EventPeerUpdated, At: now, Peer: p})
    } else {
        logutil.Infof(r.log, "peer %s joined via %s", p.ID, p.Via)
        r.emit(Event{Type: EventPeerJoined, At: now, Peer: p})
    }
    return nil
}

func (r *Registry) takeEvicted() []Peer {
    gone := r.evicted
    r.evicted = nil
    return gone
}

func (r *Registry) emit(ev Event) {
    metrics.PeerEvents.WithLabelValues(string(ev.Type)).Inc()
    r.eb.publish(ev)
}

func (r *Registry) emitExpired(peers []Peer, at time.Time) {
    for _, p := range peers {
        logutil.Infof(r.log, "peer %s expired", p.ID)
        r.emit(Event{Type: EventPeerExpired, At: at, Peer: p})
    }
}

// Prune removes peers not seen within TTL and returns how many were removed.
func (r *Registry) Prune() int {
    if r.opts.TTL < 0 { return 0 }
    now := r.clock.Now()
    r.mu.Lock()
    for _, p := range r.peers.Values() {
        if now.Sub(p.LastSeen) >= r.opts.TTL { r.peers.Remove(p.ID) }
    }
    gone := r.takeEvicted()
    n := r.peers.Len()
    r.order.Lock()
    r.mu.Unlock()
    defer r.order.Unlock()
    metrics.PeersKnown.Set(float64(n))
    r.emitExpired(gone, now)
    return len(gone)
}

// Run prunes expired peers every TTL/2, but not more often than
// MinPruneInterval, until ctx is done.
func (r *Registry) Run(ctx context.Context) {
    if r.opts.TTL < 0 { return }
    every := r.opts.TTL / 2
    if every < MinPruneInterval { every = MinPruneInterval }
    t := r.clock.Ticker(every)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            r.Prune()
        }
    }
}

func (r *Registry) Get(id protocol.NodeID) (Peer, bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.peers.Peek(id)
}

func (r *Registry) Len() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.peers.Len()
}

// Peers returns the known peers sorted by id.
func (r *Registry) Peers() []Peer {
    r.mu.Lock()
    out := r.peers.Values()
    r.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Load inserts peers without emitting events, keeping the most recent
// LastSeen when a peer is already known. Entries already past TTL are skipped.
func (r *Registry) Load(peers []Peer) {
    now := r.clock.Now()
    r.mu.Lock()
    for _, p := range peers {
        if p.ID == "" || p.ID == r.opts.Local { continue }
        if r.opts.TTL > 0 && now.Sub(p.LastSeen) >= r.opts.TTL { continue }
        if cur, ok := r.peers.Peek(p.ID); ok && cur.LastSeen.After(p.LastSeen) { continue }
        r.peers.Add(p.ID, p)
    }
    r.evicted = nil
    n := r.peers.Len()
    r.mu.Unlock()
    metrics.PeersKnown.Set(float64(n))
}

func copyMeta(m map[string]string) map[string]string {
    if len(m) == 0 { return nil }
    out := make(map[string]string, len(m))
    for k, v := range m { out[k] = v }
    return out
}
