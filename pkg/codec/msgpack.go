package codec

import (
    "github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgPack encodes messages as MessagePack using the handle shared by the
// HashiCorp stack, including memberlist.
type MsgPack struct {
    h *codec.MsgpackHandle
}

func NewMsgPack() MsgPack {
    h := &codec.MsgpackHandle{}
    h.RawToString = true
    h.WriteExt = true
    return MsgPack{h: h}
}

func (MsgPack) Name() string { return "msgpack" }

func (m MsgPack) Marshal(v any) ([]byte, error) {
    var out []byte
    if err := codec.NewEncoderBytes(&out, m.handle()).Encode(v); err != nil {
        return nil, err
    }
    return out, nil
}

func (m MsgPack) Unmarshal(data []byte, v any) error {
    return codec.NewDecoderBytes(data, m.handle()).Decode(v)
}

func (m MsgPack) handle() *codec.MsgpackHandle {
    if m.h == nil { return NewMsgPack().h }
    return m.h
}
