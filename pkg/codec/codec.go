// Package codec turns protocol messages into bus payloads and back. The
// protocol never interprets payload bytes itself; it only hands them to a
// Codec.
package codec

import (
    "errors"
    "fmt"
    "strings"

    "github.com/amirimatin/go-discover/pkg/protocol"
)

var (
    ErrUnknownCodec = errors.New("codec: unknown codec")
    ErrEmptyPayload = errors.New("codec: empty payload")
    ErrMissingField = errors.New("codec: missing required field")

    errTrailing = errors.New("codec: trailing data after message")
)

// Codec provides symmetric encoding of structured messages.
type Codec interface {
    Name() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// ByName resolves a codec from its configuration name ("json" or "msgpack").
// An empty name selects JSON.
func ByName(name string) (Codec, error) {
    switch strings.ToLower(strings.TrimSpace(name)) {
    case "", "json":
        return JSON{}, nil
    case "msgpack", "messagepack":
        return NewMsgPack(), nil
    default:
        return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
    }
}

// DecodeDiscover decodes a DISCOVER payload and checks it names a sender.
func DecodeDiscover(c Codec, data []byte) (protocol.DiscoverMessage, error) {
    var m protocol.DiscoverMessage
    if len(data) == 0 {
        return m, ErrEmptyPayload
    }
    if err := c.Unmarshal(data, &m); err != nil {
        return m, fmt.Errorf("codec: decode discover: %w", err)
    }
    if m.Sender == "" {
        return m, fmt.Errorf("%w: discover sender", ErrMissingField)
    }
    return m, nil
}

// DecodeInfo decodes an INFO payload and checks it names a node.
func DecodeInfo(c Codec, data []byte) (protocol.InfoMessage, error) {
    var m protocol.InfoMessage
    if len(data) == 0 {
        return m, ErrEmptyPayload
    }
    if err := c.Unmarshal(data, &m); err != nil {
        return m, fmt.Errorf("codec: decode info: %w", err)
    }
    if m.Node == "" {
        return m, fmt.Errorf("%w: info node", ErrMissingField)
    }
    return m, nil
}
