package node

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/transport"
    "github.com/amirimatin/go-discover/pkg/transport/httpjson"
)

func TestManagementOverHTTP(t *testing.T) {
    root := memory.New()
    x := startNode(t, root, Options{Local: protocol.Local{ID: "x1"}})
    startNode(t, root, Options{Local: protocol.Local{ID: "y1", Version: "2.0.0"}})
    awaitPeer(t, x, "y1")

    srv := httpjson.NewServer("127.0.0.1:0", nil)
    if err := srv.Start(context.Background(), x.Handlers(5*time.Second)); err != nil { t.Fatalf("start mgmt: %v", err) }
    defer srv.Stop(context.Background())
    c := httpjson.NewClient(2 * time.Second)
    ctx := context.Background()

    raw, err := c.GetStatus(ctx, srv.Addr())
    if err != nil { t.Fatalf("status: %v", err) }
    var st Status
    if err := json.Unmarshal(raw, &st); err != nil { t.Fatalf("decode status: %v", err) }
    if st.ID != "x1" || !st.Running || len(st.Listeners) != 4 { t.Fatalf("unexpected status %+v", st) }

    raw, err = c.GetPeers(ctx, srv.Addr())
    if err != nil { t.Fatalf("peers: %v", err) }
    var peers []map[string]any
    if err := json.Unmarshal(raw, &peers); err != nil { t.Fatalf("decode peers: %v", err) }
    if len(peers) != 1 || peers[0]["id"] != "y1" { t.Fatalf("unexpected peers %s", raw) }

    resp, err := c.PostDiscover(ctx, srv.Addr(), transport.DiscoverRequest{WaitMillis: 200})
    if err != nil { t.Fatalf("discover: %v", err) }
    if len(resp.Replies) != 1 || resp.Replies[0].Node != "y1" { t.Fatalf("unexpected replies %+v", resp.Replies) }

    resp, err = c.PostDiscover(ctx, srv.Addr(), transport.DiscoverRequest{Target: "y1", WaitMillis: 1000})
    if err != nil { t.Fatalf("targeted discover: %v", err) }
    if len(resp.Replies) != 1 || resp.Replies[0].Version != "2.0.0" { t.Fatalf("unexpected targeted replies %+v", resp.Replies) }
}

func TestDiscoverHandlerCapsWait(t *testing.T) {
    root := memory.New()
    x := startNode(t, root, Options{Local: protocol.Local{ID: "x1"}})
    h := x.Handlers(100 * time.Millisecond)
    start := time.Now()
    _, err := h.Discover(context.Background(), transport.DiscoverRequest{Target: "ghost", WaitMillis: 10000})
    if !errors.Is(err, ErrNoReply) { t.Fatalf("expected ErrNoReply, got %v", err) }
    if time.Since(start) > 2*time.Second { t.Fatalf("wait was not capped") }
}

func TestDiscoverInvalidTargetIsBadRequest(t *testing.T) {
    root := memory.New()
    x := startNode(t, root, Options{Local: protocol.Local{ID: "x1"}})
    h := x.Handlers(time.Second)
    for _, target := range []string{"a b", "*"} {
        _, err := h.Discover(context.Background(), transport.DiscoverRequest{Target: target})
        if !errors.Is(err, transport.ErrBadRequest) || !errors.Is(err, protocol.ErrInvalidNodeID) {
            t.Fatalf("target %q: expected bad request, got %v", target, err)
        }
    }

    srv := httpjson.NewServer("127.0.0.1:0", nil)
    if err := srv.Start(context.Background(), h); err != nil { t.Fatalf("start mgmt: %v", err) }
    defer srv.Stop(context.Background())
    resp, err := http.Post("http://"+srv.Addr()+"/discover", "application/json", strings.NewReader(`{"target":"a b"}`))
    if err != nil { t.Fatalf("post: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusBadRequest { t.Fatalf("status = %d, want 400", resp.StatusCode) }
}
