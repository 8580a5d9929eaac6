package registry

import (
    "context"
    "fmt"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/benbjohnson/clock"

    "github.com/amirimatin/go-discover/pkg/channel"
    "github.com/amirimatin/go-discover/pkg/protocol"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clock.Mock) {
    t.Helper()
    mc := clock.NewMock()
    mc.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
    opts.Clock = mc
    r, err := New(opts)
    if err != nil { t.Fatalf("new: %v", err) }
    return r, mc
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
    t.Helper()
    select {
    case ev := <-ch:
        return ev
    case <-time.After(2 * time.Second):
        t.Fatalf("timeout waiting for event")
    }
    return Event{}
}

func TestObserveJoinUpdate(t *testing.T) {
    r, mc := newTestRegistry(t, Options{Local: "self"})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := r.Subscribe(ctx)

    if err := r.Observe(ctx, protocol.InfoMessage{Node: "self"}, channel.ScopeBroadcast); err != nil { t.Fatal(err) }
    if r.Len() != 0 { t.Fatalf("local node must not be recorded") }

    _ = r.Observe(ctx, protocol.InfoMessage{Node: "b", Addrs: []string{"10.0.0.2"}}, channel.ScopeBroadcast)
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a", Meta: map[string]string{"zone": "x"}}, channel.ScopeTargeted)
    first := mc.Now()
    mc.Add(time.Second)
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a", Version: "2"}, channel.ScopeBroadcast)

    want := []EventType{EventPeerJoined, EventPeerJoined, EventPeerUpdated}
    for i, w := range want {
        if ev := nextEvent(t, events); ev.Type != w { t.Fatalf("event %d = %s, want %s", i, ev.Type, w) }
    }
    peers := r.Peers()
    if len(peers) != 2 || peers[0].ID != "a" || peers[1].ID != "b" { t.Fatalf("unexpected peers %+v", peers) }
    a := peers[0]
    if !a.FirstSeen.Equal(first) || !a.LastSeen.Equal(first.Add(time.Second)) { t.Fatalf("timestamps %+v", a) }
    if a.Version != "2" || a.Via != "broadcast" { t.Fatalf("peer not refreshed: %+v", a) }
    if _, ok := r.Get("b"); !ok { t.Fatalf("get b") }
}

func TestPruneExpiresStalePeers(t *testing.T) {
    r, mc := newTestRegistry(t, Options{TTL: 10 * time.Second})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := r.Subscribe(ctx)

    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a"}, channel.ScopeBroadcast)
    mc.Add(6 * time.Second)
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "b"}, channel.ScopeBroadcast)
    mc.Add(5 * time.Second)
    if n := r.Prune(); n != 1 { t.Fatalf("pruned %d, want 1", n) }
    if _, ok := r.Get("a"); ok { t.Fatalf("a should have expired") }
    if _, ok := r.Get("b"); !ok { t.Fatalf("b should remain") }

    nextEvent(t, events)
    nextEvent(t, events)
    if ev := nextEvent(t, events); ev.Type != EventPeerExpired || ev.Peer.ID != "a" { t.Fatalf("unexpected %+v", ev) }
}

func TestRunPrunesOnTicker(t *testing.T) {
    r, mc := newTestRegistry(t, Options{TTL: 4 * time.Second})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a"}, channel.ScopeBroadcast)
    go r.Run(ctx)
    deadline := time.Now().Add(2 * time.Second)
    for r.Len() != 0 {
        if time.Now().After(deadline) { t.Fatalf("peer not pruned by Run") }
        mc.Add(2 * time.Second)
        time.Sleep(5 * time.Millisecond)
    }
}

func TestRunWithTinyTTL(t *testing.T) {
    r, mc := newTestRegistry(t, Options{TTL: time.Nanosecond})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a"}, channel.ScopeBroadcast)
    go r.Run(ctx)
    deadline := time.Now().Add(2 * time.Second)
    for r.Len() != 0 {
        if time.Now().After(deadline) { t.Fatalf("peer not pruned by Run") }
        mc.Add(MinPruneInterval)
        time.Sleep(5 * time.Millisecond)
    }
}

func TestConcurrentObserveJoinsFirst(t *testing.T) {
    r, _ := newTestRegistry(t, Options{})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := r.Subscribe(ctx)
    for i := 0; i < 50; i++ {
        id := protocol.NodeID(fmt.Sprintf("p%d", i))
        var wg sync.WaitGroup
        for _, scope := range []channel.Scope{channel.ScopeBroadcast, channel.ScopeTargeted} {
            wg.Add(1)
            go func(scope channel.Scope) {
                defer wg.Done()
                _ = r.Observe(ctx, protocol.InfoMessage{Node: id}, scope)
            }(scope)
        }
        wg.Wait()
        first, second := nextEvent(t, events), nextEvent(t, events)
        if first.Type != EventPeerJoined || second.Type != EventPeerUpdated || first.Peer.ID != id || second.Peer.ID != id {
            t.Fatalf("round %d: events %s/%s for %s/%s", i, first.Type, second.Type, first.Peer.ID, second.Peer.ID)
        }
    }
}

func TestMaxPeersEvictsLeastRecent(t *testing.T) {
    r, _ := newTestRegistry(t, Options{MaxPeers: 2})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := r.Subscribe(ctx)
    for _, id := range []protocol.NodeID{"a", "b", "c"} {
        _ = r.Observe(ctx, protocol.InfoMessage{Node: id}, channel.ScopeBroadcast)
    }
    if r.Len() != 2 { t.Fatalf("len = %d, want 2", r.Len()) }
    if _, ok := r.Get("a"); ok { t.Fatalf("a should have been evicted") }
    var expired bool
    for i := 0; i < 4; i++ {
        if ev := nextEvent(t, events); ev.Type == EventPeerExpired && ev.Peer.ID == "a" { expired = true }
    }
    if !expired { t.Fatalf("no expiry event for evicted peer") }
}

func TestSnapshotRestore(t *testing.T) {
    r, mc := newTestRegistry(t, Options{})
    ctx := context.Background()
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "a", Addrs: []string{"x"}}, channel.ScopeBroadcast)
    _ = r.Observe(ctx, protocol.InfoMessage{Node: "b"}, channel.ScopeTargeted)
    buf, err := r.Snapshot()
    if err != nil { t.Fatal(err) }

    r2, err := New(Options{Clock: mc})
    if err != nil { t.Fatal(err) }
    if err := r2.Restore(buf); err != nil { t.Fatalf("restore: %v", err) }
    if r2.Len() != 2 { t.Fatalf("restored %d peers", r2.Len()) }
    if p, _ := r2.Get("a"); len(p.Addrs) != 1 || p.Addrs[0] != "x" { t.Fatalf("restored %+v", p) }
    if err := r2.Restore([]byte(`{"version":9}`)); err == nil { t.Fatalf("expected version error") }
}

func TestBoltStoreRoundTrip(t *testing.T) {
    path := filepath.Join(t.TempDir(), "peers.db")
    st, err := OpenBoltStore(path)
    if err != nil { t.Fatalf("open: %v", err) }
    now := time.Now().UTC().Truncate(time.Millisecond)
    in := []Peer{{ID: "a", LastSeen: now, Via: "broadcast"}, {ID: "b", LastSeen: now, Meta: map[string]string{"k": "v"}}}
    if err := st.Save(in); err != nil { t.Fatalf("save: %v", err) }
    if err := st.Save(in[1:]); err != nil { t.Fatalf("save again: %v", err) }
    if err := st.Close(); err != nil { t.Fatal(err) }

    st, err = OpenBoltStore(path)
    if err != nil { t.Fatalf("reopen: %v", err) }
    defer st.Close()
    out, err := st.Load()
    if err != nil { t.Fatalf("load: %v", err) }
    if len(out) != 1 || out[0].ID != "b" || out[0].Meta["k"] != "v" || !out[0].LastSeen.Equal(now) {
        t.Fatalf("unexpected peers %+v", out)
    }
}

func TestLoadSkipsExpired(t *testing.T) {
    r, mc := newTestRegistry(t, Options{TTL: time.Minute, Local: "self"})
    now := mc.Now()
    r.Load([]Peer{
        {ID: "fresh", LastSeen: now.Add(-time.Second)},
        {ID: "stale", LastSeen: now.Add(-2 * time.Minute)},
        {ID: "self", LastSeen: now},
    })
    if r.Len() != 1 { t.Fatalf("len = %d, want 1", r.Len()) }
    if _, ok := r.Get("fresh"); !ok { t.Fatalf("fresh peer missing") }
}
