package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-discover/pkg/bootstrap"
    "github.com/amirimatin/go-discover/pkg/seeds"
)

// peerwatch runs a gossip-bus node and prints every registry event, which
// is handy when checking that a group of hosts can see each other.
func main() {
    var (
        id        = flag.String("id", "node-1", "node id")
        bind      = flag.String("bind", "127.0.0.1:7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
        announce  = flag.Duration("announce", 10*time.Second, "INFO broadcast interval")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    cfg := bootstrap.Defaults()
    cfg.NodeID = *id
    cfg.Bus = bootstrap.BusConfig{Kind: bootstrap.BusGossip, Bind: *bind, Advertise: *advertise}
    cfg.Seeds.Static = seeds.Parse(*joinCSV)
    cfg.AnnounceInterval = *announce
    cfg.Registry.TTL = 3 * *announce

    in, err := bootstrap.Build(ctx, cfg)
    if err != nil { log.Fatal(err) }
    defer in.Close()
    evs := in.Node.Events(ctx)
    if err := in.Start(ctx); err != nil { log.Fatal(err) }

    fmt.Println("peerwatch started. Press Ctrl+C to exit.")
    for e := range evs {
        fmt.Printf("event: %-7s id=%s addrs=%v at=%s\n", e.Type, e.Peer.ID, e.Peer.Addrs, e.At.Format(time.RFC3339))
    }
}
