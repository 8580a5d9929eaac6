package bootstrap

import (
    "context"
    "errors"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "testing"
    "time"

    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/transport"
    "github.com/amirimatin/go-discover/pkg/transport/httpjson"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freePort: %v", err) }
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

func TestLoadFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.toml")
    data := `
node_id = "n1"
codec = "msgpack"
announce_interval = "15s"
mgmt_addr = "127.0.0.1:17946"

[topics]
prefix = "svc"

[bus]
kind = "gossip"
bind = "127.0.0.1:7946"

[seeds]
kind = "static"
static = ["10.0.0.1:7946", "10.0.0.2:7946"]

[registry]
ttl = "1m"
max_peers = 64
`
    if err := os.WriteFile(path, []byte(data), 0o600); err != nil { t.Fatal(err) }
    cfg, err := LoadFile(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.NodeID != "n1" || cfg.Codec != "msgpack" || cfg.AnnounceInterval != 15*time.Second { t.Fatalf("unexpected cfg %+v", cfg) }
    if cfg.Topics.Prefix != "svc" || cfg.Topics.Separator != "." { t.Fatalf("topics defaults not kept: %+v", cfg.Topics) }
    if cfg.Bus.Kind != BusGossip || cfg.Bus.Timeout != 3*time.Second { t.Fatalf("bus: %+v", cfg.Bus) }
    if len(cfg.Seeds.Static) != 2 || cfg.Seeds.Refresh != 30*time.Second { t.Fatalf("seeds: %+v", cfg.Seeds) }
    if cfg.Registry.TTL != time.Minute || cfg.Registry.MaxPeers != 64 { t.Fatalf("registry: %+v", cfg.Registry) }
    if err := cfg.Validate(); err != nil { t.Fatalf("validate: %v", err) }
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.toml")
    if err := os.WriteFile(path, []byte("node_id = \"n1\"\nnode_name = \"typo\"\n"), 0o600); err != nil { t.Fatal(err) }
    if _, err := LoadFile(path); !errors.Is(err, ErrConfig) { t.Fatalf("expected ErrConfig, got %v", err) }
}

func TestValidate(t *testing.T) {
    base := Defaults()
    base.NodeID = "n1"
    cases := []struct {
        name string
        mut  func(*Config)
        ok   bool
    }{
        {"defaults", func(*Config) {}, true},
        {"empty id", func(c *Config) { c.NodeID = "" }, false},
        {"bad codec", func(c *Config) { c.Codec = "xml" }, false},
        {"bad separator", func(c *Config) { c.Topics.Separator = "" }, false},
        {"unknown bus", func(c *Config) { c.Bus.Kind = "nats" }, false},
        {"gossip without bind", func(c *Config) { c.Bus.Kind = BusGossip }, false},
        {"grpc without broker", func(c *Config) { c.Bus.Kind = BusGRPC }, false},
        {"grpc with broker", func(c *Config) { c.Bus.Kind = BusGRPC; c.Bus.Broker = "127.0.0.1:9000" }, true},
        {"unknown seeds", func(c *Config) { c.Seeds.Kind = "consul" }, false},
        {"negative announce", func(c *Config) { c.AnnounceInterval = -time.Second }, false},
        {"tls half pair", func(c *Config) { c.TLS.Enable = true; c.TLS.CertFile = "c.pem" }, false},
    }
    for _, tc := range cases {
        cfg := base
        tc.mut(&cfg)
        err := cfg.Validate()
        if tc.ok && err != nil { t.Fatalf("%s: unexpected error %v", tc.name, err) }
        if !tc.ok && !errors.Is(err, ErrConfig) { t.Fatalf("%s: expected ErrConfig, got %v", tc.name, err) }
    }
}

func TestRunAttachedNodesWithManagement(t *testing.T) {
    ctx := context.Background()
    root := memory.New()
    defer root.Close()

    mk := func(id, mgmt string) *Instance {
        cfg := Defaults()
        cfg.NodeID = id
        cfg.Attach = root.Clone(memory.WithName(id))
        cfg.MgmtAddr = mgmt
        in, err := Run(ctx, cfg)
        if err != nil { t.Fatalf("run %s: %v", id, err) }
        t.Cleanup(func() { _ = in.Close() })
        return in
    }
    a := mk("a1", "127.0.0.1:0")
    mk("b1", "")

    c := httpjson.NewClient(2 * time.Second)
    resp, err := c.PostDiscover(ctx, a.Mgmt.Addr(), transport.DiscoverRequest{WaitMillis: 300})
    if err != nil { t.Fatalf("discover: %v", err) }
    if len(resp.Replies) != 1 || resp.Replies[0].Node != "b1" { t.Fatalf("unexpected replies %+v", resp.Replies) }
    if resp.Replies[0].Meta["bus"] != BusMemory { t.Fatalf("meta not advertised: %+v", resp.Replies[0].Meta) }
    if len(a.Peers()) != 1 { t.Fatalf("peers = %+v", a.Peers()) }
}

func TestRunGossipPair(t *testing.T) {
    if testing.Short() { t.Skip("network test") }
    ctx := context.Background()
    addrA := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    addrB := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))

    mk := func(id, bind string, seeds ...string) *Instance {
        cfg := Defaults()
        cfg.NodeID = id
        cfg.Bus = BusConfig{Kind: BusGossip, Bind: bind, Advertise: bind}
        cfg.Seeds = SeedsConfig{Kind: SeedsStatic, Static: seeds, Refresh: 200 * time.Millisecond}
        in, err := Run(ctx, cfg)
        if err != nil { t.Fatalf("run %s: %v", id, err) }
        t.Cleanup(func() { _ = in.Close() })
        return in
    }
    a := mk("a1", addrA)
    // b comes up later and reaches a through the seed refresh loop
    b := mk("b1", addrB, addrA)

    deadline := time.Now().Add(10 * time.Second)
    for time.Now().Before(deadline) {
        _, aSeesB := a.Node.Registry().Get("b1")
        p, bSeesA := b.Node.Registry().Get("a1")
        if aSeesB && bSeesA {
            if len(p.Addrs) != 1 || p.Addrs[0] != addrA { t.Fatalf("a advertised %v, want %s", p.Addrs, addrA) }
            return
        }
        for _, in := range []*Instance{a, b} {
            dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
            _, _ = in.Node.Discover(dctx)
            cancel()
        }
    }
    t.Fatalf("nodes never saw each other")
}
