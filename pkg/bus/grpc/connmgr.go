package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-discover/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches client connections per broker address. Connections
// that are unreferenced for longer than ttl are closed.
type ConnManager struct {
    ttl  time.Duration
    dial dialFunc

    mu    sync.Mutex
    conns map[string]*managedConn
    once  sync.Once
    quit  chan struct{}
}

type managedConn struct {
    cc       *grpc.ClientConn
    refs     int
    lastUsed time.Time
}

func NewConnManager(ttl time.Duration, dial dialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), quit: make(chan struct{})}
    go m.evictLoop()
    return m
}

// Get returns a connection to target and a release func; callers must call
// release when they stop using the connection.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok := m.acquire(target); ok {
        metrics.GRPCConnReuse.Inc()
        return cc, func() { m.release(target) }, nil
    }
    cc, err := m.dial(ctx, target)
    if err != nil { return nil, func() {}, err }
    m.mu.Lock()
    if mc, ok := m.conns[target]; ok {
        // lost a dial race
        mc.refs++
        mc.lastUsed = time.Now()
        m.mu.Unlock()
        _ = cc.Close()
        metrics.GRPCConnReuse.Inc()
        return mc.cc, func() { m.release(target) }, nil
    }
    m.conns[target] = &managedConn{cc: cc, refs: 1, lastUsed: time.Now()}
    m.mu.Unlock()
    metrics.GRPCConnDials.Inc()
    metrics.GRPCConnActive.Inc()
    return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) acquire(target string) (*grpc.ClientConn, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    mc, ok := m.conns[target]
    if !ok { return nil, false }
    mc.refs++
    mc.lastUsed = time.Now()
    return mc.cc, true
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    if mc, ok := m.conns[target]; ok {
        if mc.refs > 0 { mc.refs-- }
        mc.lastUsed = time.Now()
    }
    m.mu.Unlock()
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

func (m *ConnManager) Close() {
    m.once.Do(func() {
        close(m.quit)
        m.mu.Lock()
        for target, mc := range m.conns {
            _ = mc.cc.Close()
            metrics.GRPCConnActive.Dec()
            delete(m.conns, target)
        }
        m.mu.Unlock()
    })
}

func (m *ConnManager) evictLoop() {
    t := time.NewTicker(m.ttl / 2)
    defer t.Stop()
    for {
        select {
        case <-m.quit:
            return
        case now := <-t.C:
            m.evictIdle(now)
        }
    }
}

func (m *ConnManager) evictIdle(now time.Time) {
    cutoff := now.Add(-m.ttl)
    m.mu.Lock()
    defer m.mu.Unlock()
    for target, mc := range m.conns {
        if mc.refs == 0 && mc.lastUsed.Before(cutoff) {
            _ = mc.cc.Close()
            delete(m.conns, target)
            metrics.GRPCConnEvictions.Inc()
            metrics.GRPCConnActive.Dec()
        }
    }
}
