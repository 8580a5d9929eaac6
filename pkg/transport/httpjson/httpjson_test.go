package httpjson

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strings"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) *Server {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    s := NewServer("127.0.0.1:0", nil)
    if err := s.Start(ctx, h); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = s.Stop(context.Background()); cancel() })
    return s
}

func TestStatusAndPeers(t *testing.T) {
    s := startServer(t, transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"id":"n1"}`), nil },
        Peers:  func(ctx context.Context) ([]byte, error) { return []byte(`[{"id":"n2"}]`), nil },
    })
    c := NewClient(time.Second)
    b, err := c.GetStatus(context.Background(), s.Addr())
    if err != nil { t.Fatalf("status: %v", err) }
    if string(b) != `{"id":"n1"}` { t.Fatalf("unexpected status %s", b) }
    b, err = c.GetPeers(context.Background(), s.Addr())
    if err != nil { t.Fatalf("peers: %v", err) }
    if string(b) != `[{"id":"n2"}]` { t.Fatalf("unexpected peers %s", b) }
}

func TestDiscoverRoundTrip(t *testing.T) {
    var (
        mu  sync.Mutex
        got transport.DiscoverRequest
    )
    s := startServer(t, transport.Handlers{
        Discover: func(ctx context.Context, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
            mu.Lock()
            got = req
            mu.Unlock()
            return transport.DiscoverResponse{Replies: []protocol.InfoMessage{{Node: "n2", RequestID: "r1"}}}, nil
        },
    })
    c := NewClient(time.Second)
    resp, err := c.PostDiscover(context.Background(), s.Addr(), transport.DiscoverRequest{Target: "n2", WaitMillis: 250})
    if err != nil { t.Fatalf("discover: %v", err) }
    mu.Lock()
    defer mu.Unlock()
    if got.Target != "n2" || got.WaitMillis != 250 { t.Fatalf("request not forwarded: %+v", got) }
    if len(resp.Replies) != 1 || resp.Replies[0].Node != "n2" { t.Fatalf("unexpected replies: %+v", resp.Replies) }
}

func TestDiscoverErrorIsNotRetried(t *testing.T) {
    var calls atomic.Int32
    s := startServer(t, transport.Handlers{
        Discover: func(ctx context.Context, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
            calls.Add(1)
            return transport.DiscoverResponse{}, errors.New("no reply")
        },
    })
    c := NewClient(time.Second)
    _, err := c.PostDiscover(context.Background(), s.Addr(), transport.DiscoverRequest{Target: "ghost"})
    if err == nil || err.Error() != "no reply" { t.Fatalf("expected remote error, got %v", err) }
    if n := calls.Load(); n != 1 { t.Fatalf("expected a single call, got %d", n) }
}

func TestUnsupportedAndMethodChecks(t *testing.T) {
    s := startServer(t, transport.Handlers{})
    base := "http://" + s.Addr()
    cases := []struct {
        method, path string
        want         int
    }{
        {http.MethodGet, "/status", http.StatusNotImplemented},
        {http.MethodGet, "/peers", http.StatusNotImplemented},
        {http.MethodPost, "/discover", http.StatusNotImplemented},
        {http.MethodPost, "/status", http.StatusMethodNotAllowed},
        {http.MethodGet, "/discover", http.StatusMethodNotAllowed},
        {http.MethodGet, "/healthz", http.StatusOK},
        {http.MethodGet, "/metrics", http.StatusOK},
    }
    for _, tc := range cases {
        req, _ := http.NewRequest(tc.method, base+tc.path, nil)
        resp, err := http.DefaultClient.Do(req)
        if err != nil { t.Fatalf("%s %s: %v", tc.method, tc.path, err) }
        resp.Body.Close()
        if resp.StatusCode != tc.want { t.Fatalf("%s %s: got %d want %d", tc.method, tc.path, resp.StatusCode, tc.want) }
    }
}

func TestDiscoverRejectsBadBody(t *testing.T) {
    s := startServer(t, transport.Handlers{
        Discover: func(ctx context.Context, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
            return transport.DiscoverResponse{}, nil
        },
    })
    for _, body := range []string{"{", `{"waitMillis":-1}`} {
        resp, err := http.Post("http://"+s.Addr()+"/discover", "application/json", strings.NewReader(body))
        if err != nil { t.Fatalf("post: %v", err) }
        b, _ := io.ReadAll(resp.Body)
        resp.Body.Close()
        if resp.StatusCode != http.StatusBadRequest { t.Fatalf("body %q: got %d (%s)", body, resp.StatusCode, b) }
    }
}

func TestDiscoverBadRequestFromHandler(t *testing.T) {
    s := startServer(t, transport.Handlers{
        Discover: func(ctx context.Context, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
            return transport.DiscoverResponse{Replies: []protocol.InfoMessage{}}, fmt.Errorf("%w: target %q", transport.ErrBadRequest, req.Target)
        },
    })
    resp, err := http.Post("http://"+s.Addr()+"/discover", "application/json", strings.NewReader(`{"target":"a b"}`))
    if err != nil { t.Fatalf("post: %v", err) }
    b, _ := io.ReadAll(resp.Body)
    resp.Body.Close()
    if resp.StatusCode != http.StatusBadRequest { t.Fatalf("got %d (%s), want 400", resp.StatusCode, b) }
    if !strings.Contains(string(b), `"error"`) { t.Fatalf("expected JSON error body, got %s", b) }

    _, err = NewClient(time.Second).PostDiscover(context.Background(), s.Addr(), transport.DiscoverRequest{Target: "a b"})
    if err == nil || !strings.Contains(err.Error(), "bad request") { t.Fatalf("expected remote bad request error, got %v", err) }
}

func TestClientRetriesThenFails(t *testing.T) {
    c := NewClient(200 * time.Millisecond).WithAttempts(2)
    start := time.Now()
    if _, err := c.GetStatus(context.Background(), "127.0.0.1:1"); err == nil { t.Fatalf("expected error against closed port") }
    if time.Since(start) < 100*time.Millisecond { t.Fatalf("expected a backoff between attempts") }
}

func TestStopIsIdempotent(t *testing.T) {
    s := NewServer("127.0.0.1:0", nil)
    if err := s.Start(context.Background(), transport.Handlers{}); err != nil { t.Fatalf("start: %v", err) }
    if err := s.Start(context.Background(), transport.Handlers{}); err == nil { t.Fatalf("expected second start to fail") }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("stop: %v", err) }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("second stop: %v", err) }
}
