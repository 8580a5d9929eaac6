package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
)

// Client is a bus.Bus backed by a remote Broker. Each Subscribe opens its
// own server stream; Publish is a unary call.
type Client struct {
    addr    string
    name    string
    timeout time.Duration
    buffer  int
    tlsCfg  *tls.Config
    log     *log.Logger
    cm      *ConnManager

    mu     sync.Mutex
    subs   map[*bus.Sub]struct{}
    closed bool
}

var _ bus.Bus = (*Client)(nil)

// NewClient returns a bus client for the broker at addr. name identifies
// this node to the broker.
func NewClient(addr, name string, timeout time.Duration, logger *log.Logger) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    if logger == nil { logger = log.Default() }
    c := &Client{addr: addr, name: name, timeout: timeout, log: logutil.Named(logger, "grpc"), subs: make(map[*bus.Sub]struct{})}
    c.cm = NewConnManager(30*time.Second, c.dial)
    return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// WithBuffer sets the per-subscription capacity.
func (c *Client) WithBuffer(n int) *Client { c.buffer = n; return c }

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

func (c *Client) isClosed() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.closed
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
    if c.isClosed() { return bus.ErrClosed }
    if topic == "" { return bus.ErrEmptyTopic }
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, release, err := c.cm.Get(cctx, c.addr)
    if err != nil { return fmt.Errorf("grpc: connect %s: %w", c.addr, err) }
    defer release()
    in := &publishRequest{Topic: topic, Payload: payload, From: c.name}
    if err := cc.Invoke(cctx, methodPublish, in, &empty{}, grpc.WaitForReady(true)); err != nil {
        return fmt.Errorf("grpc: publish %s: %w", topic, err)
    }
    return nil
}

// Subscribe opens a stream and returns once the broker has confirmed it.
func (c *Client) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
    if c.isClosed() { return nil, bus.ErrClosed }
    if topic == "" { return nil, bus.ErrEmptyTopic }
    sctx, cancel := context.WithCancel(context.Background())
    cc, release, err := c.cm.Get(ctx, c.addr)
    if err != nil {
        cancel()
        return nil, fmt.Errorf("grpc: connect %s: %w", c.addr, err)
    }
    fail := func(err error) (bus.Subscription, error) {
        cancel()
        release()
        return nil, fmt.Errorf("grpc: subscribe %s: %w", topic, err)
    }
    cs, err := cc.NewStream(sctx, &grpc.StreamDesc{ServerStreams: true}, methodSubscribe, grpc.WaitForReady(true))
    if err != nil { return fail(err) }
    if err := cs.SendMsg(&subscribeRequest{Topic: topic, Subscriber: c.name}); err != nil { return fail(err) }
    _ = cs.CloseSend()
    ack := make(chan error, 1)
    go func() {
        var d delivery
        ack <- cs.RecvMsg(&d)
    }()
    select {
    case err := <-ack:
        if err != nil { return fail(err) }
    case <-ctx.Done():
        return fail(ctx.Err())
    }

    var s *bus.Sub
    s = bus.NewSub(ctx, topic, c.buffer, func() {
        cancel()
        release()
        c.mu.Lock()
        delete(c.subs, s)
        c.mu.Unlock()
    })
    c.mu.Lock()
    c.subs[s] = struct{}{}
    c.mu.Unlock()
    go c.recv(cs, s)
    return s, nil
}

func (c *Client) recv(cs grpc.ClientStream, s *bus.Sub) {
    defer s.Close()
    for {
        var d delivery
        if err := cs.RecvMsg(&d); err != nil {
            select {
            case <-s.Done():
            default:
                logutil.Warnf(c.log, "stream %s ended: %v", s.Topic(), err)
            }
            return
        }
        if d.Topic == "" { continue }
        if !s.Deliver(bus.Message{Topic: d.Topic, Payload: d.Payload, From: d.From}) {
            metrics.BusDropped.WithLabelValues("grpc").Inc()
        }
    }
}

// Close ends every subscription and closes broker connections.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    subs := make([]*bus.Sub, 0, len(c.subs))
    for s := range c.subs { subs = append(subs, s) }
    c.mu.Unlock()
    for _, s := range subs { _ = s.Close() }
    c.cm.Close()
    return nil
}

// ErrBrokerUnavailable is returned by Ping when the broker health check fails.
var ErrBrokerUnavailable = errors.New("grpc: broker unavailable")

// Ping checks the broker's health service.
func (c *Client) Ping(ctx context.Context) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, release, err := c.cm.Get(cctx, c.addr)
    if err != nil { return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err) }
    defer release()
    resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: serviceName}, grpc.WaitForReady(true))
    if err != nil { return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err) }
    if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
        return fmt.Errorf("%w: %s", ErrBrokerUnavailable, resp.GetStatus())
    }
    return nil
}
