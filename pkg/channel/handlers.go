package channel

import (
    "context"
    "fmt"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/topic"
)

// PeerSink receives decoded INFO messages. The registry is the usual sink.
type PeerSink interface {
    Observe(ctx context.Context, info protocol.InfoMessage, scope Scope) error
}

// PeerSinkFunc adapts a function to PeerSink.
type PeerSinkFunc func(ctx context.Context, info protocol.InfoMessage, scope Scope) error

func (f PeerSinkFunc) Observe(ctx context.Context, info protocol.InfoMessage, scope Scope) error {
    return f(ctx, info, scope)
}

type discardSink struct{}

func (discardSink) Observe(context.Context, protocol.InfoMessage, Scope) error { return nil }

// outbox is the only publishing capability handed to listeners.
type outbox interface {
    enqueue(label, topic string, payload []byte) error
}

// replier answers DISCOVER with exactly one INFO on the sender's reply topic.
type replier struct {
    local protocol.Local
    codec codec.Codec
    namer topic.Namer
    out   outbox
}

func (r replier) handle(_ context.Context, m bus.Message) error {
    d, err := codec.DecodeDiscover(r.codec, m.Payload)
    if err != nil { return fmt.Errorf("%w: %w", ErrDecode, err) }
    to, err := r.namer.Reply(d.Sender)
    if err != nil { return fmt.Errorf("%w: reply topic for %q: %w", ErrDecode, d.Sender, err) }
    payload, err := r.codec.Marshal(r.local.Info(d.RequestID))
    if err != nil { return fmt.Errorf("%w: info for %q: %w", ErrEncode, d.Sender, err) }
    return r.out.enqueue(topic.InfoTargeted.String(), to, payload)
}

// observer forwards INFO messages to the sink.
type observer struct {
    codec codec.Codec
    sink  PeerSink
    scope Scope
}

func (o observer) handle(ctx context.Context, m bus.Message) error {
    info, err := codec.DecodeInfo(o.codec, m.Payload)
    if err != nil { return fmt.Errorf("%w: %w", ErrDecode, err) }
    return o.sink.Observe(ctx, info, o.scope)
}
