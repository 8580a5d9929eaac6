// Package grpc provides a hub-and-spoke bus: a Broker relays topics between
// nodes that connect to it with a Client. The wire format is JSON over gRPC
// with hand-written service descriptors.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
    "github.com/amirimatin/go-discover/pkg/observability/tracing"
)

// Broker relays published messages to every streaming subscriber of the
// exact topic. It keeps no history.
type Broker struct {
    bind   string
    tlsCfg *tls.Config
    log    *log.Logger
    hub    *memory.Bus

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewBroker(bind string, logger *log.Logger) *Broker {
    if logger == nil { logger = log.Default() }
    return &Broker{bind: bind, log: logutil.Named(logger, "broker"), hub: memory.New(memory.WithName("broker"), memory.WithBuffer(256))}
}

// UseTLS enables TLS for the broker using the provided config.
func (b *Broker) UseTLS(cfg *tls.Config) *Broker { b.tlsCfg = cfg; return b }

// Start listens and serves until Stop is called or ctx is done.
func (b *Broker) Start(ctx context.Context) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.srv != nil { return nil }
    lis, err := net.Listen("tcp", b.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if b.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(b.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&brokerServiceDesc, &brokerService{b: b})
    b.lis, b.srv, b.health = lis, srv, hs

    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(b.log, "serve: %v", err)
        }
    }()
    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = b.Stop(sctx)
    }()
    logutil.Infof(b.log, "broker listening on %s", lis.Addr())
    return nil
}

// Addr is the bound address once started.
func (b *Broker) Addr() string {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.lis != nil { return b.lis.Addr().String() }
    return b.bind
}

// Stop ends every subscriber stream and stops the server, forcing it if
// ctx ends first.
func (b *Broker) Stop(ctx context.Context) error {
    b.mu.Lock()
    srv, hs := b.srv, b.health
    b.srv, b.health, b.lis = nil, nil, nil
    b.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    _ = b.hub.Close()
    done := make(chan struct{})
    go func() { srv.GracefulStop(); close(done) }()
    select {
    case <-done:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

// Subscribers reports active streams for topic.
func (b *Broker) Subscribers(topic string) int { return b.hub.Subscribers(topic) }

type brokerServer interface {
    Publish(context.Context, *publishRequest) (*empty, error)
    Subscribe(*subscribeRequest, grpc.ServerStream) error
}

type brokerService struct{ b *Broker }

func (s *brokerService) Publish(ctx context.Context, in *publishRequest) (*empty, error) {
    ctx, end := tracing.StartSpan(ctx, "broker.publish", "topic", in.Topic)
    defer end()
    if in.Topic == "" { return nil, bus.ErrEmptyTopic }
    if err := s.b.hub.Publish(ctx, in.Topic, in.Payload); err != nil { return nil, err }
    return &empty{}, nil
}

func (s *brokerService) Subscribe(req *subscribeRequest, stream grpc.ServerStream) error {
    if req.Topic == "" { return bus.ErrEmptyTopic }
    sub, err := s.b.hub.Subscribe(stream.Context(), req.Topic)
    if err != nil { return err }
    defer sub.Close()
    metrics.BrokerSubscribers.Inc()
    defer metrics.BrokerSubscribers.Dec()
    if err := stream.SendMsg(&delivery{}); err != nil { return err }
    logutil.Debugf(s.b.log, "%s subscribed to %s", req.Subscriber, req.Topic)
    for m := range sub.C() {
        if err := stream.SendMsg(&delivery{Topic: m.Topic, Payload: m.Payload, From: m.From}); err != nil { return err }
    }
    return nil
}

var brokerServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*brokerServer)(nil),
    Methods: []grpc.MethodDesc{{
        MethodName: "Publish",
        Handler:    publishHandler,
    }},
    Streams: []grpc.StreamDesc{{
        StreamName:    "Subscribe",
        ServerStreams: true,
        Handler:       subscribeHandler,
    }},
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(publishRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(brokerServer).Publish(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublish}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(brokerServer).Publish(ctx, req.(*publishRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
    in := new(subscribeRequest)
    if err := stream.RecvMsg(in); err != nil { return err }
    return srv.(brokerServer).Subscribe(in, stream)
}
