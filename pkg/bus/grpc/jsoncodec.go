package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"
)

// jsonCodec lets the broker run without protobuf codegen: every message on
// the wire is a plain JSON-encoded Go struct.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error    { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }

const (
    serviceName     = "discover.v1.Broker"
    methodPublish   = "/" + serviceName + "/Publish"
    methodSubscribe = "/" + serviceName + "/Subscribe"
)

type empty struct{}

type publishRequest struct {
    Topic   string `json:"topic"`
    Payload []byte `json:"payload"`
    From    string `json:"from,omitempty"`
}

type subscribeRequest struct {
    Topic      string `json:"topic"`
    Subscriber string `json:"subscriber,omitempty"`
}

// delivery is streamed to subscribers. The first delivery on every stream
// has an empty topic and confirms the subscription is registered.
type delivery struct {
    Topic   string `json:"topic"`
    Payload []byte `json:"payload,omitempty"`
    From    string `json:"from,omitempty"`
}
