package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/tracing"
    "github.com/amirimatin/go-discover/pkg/transport"
)

// MaxWait caps the collection window a caller may request on /discover.
const MaxWait = 30 * time.Second

// Server exposes the management endpoints of a node over HTTP with JSON
// bodies, plus /healthz and the Prometheus /metrics handler.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logutil.Named(logger, "mgmt")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the routing table without binding a socket.
func (s *Server) Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        writeRaw(w, data)
    })
    mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Peers == nil { http.Error(w, "peers not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.peers")
        defer end()
        data, err := h.Peers(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("peers error: %v", err), http.StatusInternalServerError); return }
        writeRaw(w, data)
    })
    mux.HandleFunc("/discover", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Discover == nil { http.Error(w, "discover not supported", http.StatusNotImplemented); return }
        var req transport.DiscoverRequest
        if r.ContentLength != 0 {
            if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
                http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
                return
            }
        }
        if req.WaitMillis < 0 { http.Error(w, "bad request: negative waitMillis", http.StatusBadRequest); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.discover", "target", req.Target)
        defer end()
        resp, err := h.Discover(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            if resp.Error == "" { resp.Error = err.Error() }
            logutil.Warnf(s.logger, "discover target=%q: %v", req.Target, err)
            code := http.StatusInternalServerError
            if errors.Is(err, transport.ErrBadRequest) { code = http.StatusBadRequest }
            w.WriteHeader(code)
        }
        _ = json.NewEncoder(w).Encode(resp)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

// Start binds the listener and serves until ctx is canceled or Stop is
// called.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.srv != nil { return errors.New("httpjson: server already started") }
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}
    s.srv, s.ln = srv, ln

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "management API on %s (tls=%t)", ln.Addr(), s.tlsCfg != nil)
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func writeRaw(w http.ResponseWriter, data []byte) {
    w.Header().Set("Content-Type", "application/json")
    _, _ = w.Write(data)
}

var _ transport.ManagementServer = (*Server)(nil)
