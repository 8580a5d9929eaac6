package codec

import (
    "errors"
    "reflect"
    "testing"

    "github.com/amirimatin/go-discover/pkg/protocol"
)

func codecs() []Codec { return []Codec{JSON{}, NewMsgPack()} }

func TestRoundTripDiscover(t *testing.T) {
    msgs := []protocol.DiscoverMessage{
        {},
        {Sender: "x1"},
        {Sender: "x1", RequestID: "3f0c"},
        {Sender: "node.with.dots"},
    }
    for _, c := range codecs() {
        for _, m := range msgs {
            b, err := c.Marshal(m)
            if err != nil { t.Fatalf("%s marshal %#v: %v", c.Name(), m, err) }
            var got protocol.DiscoverMessage
            if err := c.Unmarshal(b, &got); err != nil { t.Fatalf("%s unmarshal: %v", c.Name(), err) }
            if got != m {
                t.Fatalf("%s round-trip: got %#v want %#v", c.Name(), got, m)
            }
        }
    }
}

func TestRoundTripInfo(t *testing.T) {
    msgs := []protocol.InfoMessage{
        {},
        {Node: "y1"},
        {Node: "y1", RequestID: "r", Addrs: []string{"10.0.0.1:1", "10.0.0.2:2"}, Meta: map[string]string{"zone": "eu"}, Version: "1.2.3", StartedAt: 1700000000000},
    }
    for _, c := range codecs() {
        for _, m := range msgs {
            b, err := c.Marshal(m)
            if err != nil { t.Fatalf("%s marshal: %v", c.Name(), err) }
            var got protocol.InfoMessage
            if err := c.Unmarshal(b, &got); err != nil { t.Fatalf("%s unmarshal: %v", c.Name(), err) }
            if !reflect.DeepEqual(got, m) {
                t.Fatalf("%s round-trip: got %#v want %#v", c.Name(), got, m)
            }
        }
    }
}

func TestDecodeRejectsGarbage(t *testing.T) {
    garbage := [][]byte{nil, {}, []byte("\x00\xff\x13garbage"), []byte("{not json")}
    for _, c := range codecs() {
        for _, g := range garbage {
            if _, err := DecodeDiscover(c, g); err == nil {
                t.Fatalf("%s: expected discover decode error for %q", c.Name(), g)
            }
            if _, err := DecodeInfo(c, g); err == nil {
                t.Fatalf("%s: expected info decode error for %q", c.Name(), g)
            }
        }
    }
}

func TestDecodeRequiresIdentity(t *testing.T) {
    for _, c := range codecs() {
        b, _ := c.Marshal(protocol.DiscoverMessage{RequestID: "r"})
        if _, err := DecodeDiscover(c, b); !errors.Is(err, ErrMissingField) {
            t.Fatalf("%s: want ErrMissingField, got %v", c.Name(), err)
        }
        b, _ = c.Marshal(protocol.InfoMessage{Version: "1"})
        if _, err := DecodeInfo(c, b); !errors.Is(err, ErrMissingField) {
            t.Fatalf("%s: want ErrMissingField, got %v", c.Name(), err)
        }
        b, _ = c.Marshal(protocol.DiscoverMessage{Sender: "x1"})
        if m, err := DecodeDiscover(c, b); err != nil || m.Sender != "x1" {
            t.Fatalf("%s: decode discover: %#v %v", c.Name(), m, err)
        }
    }
}

func TestJSONRejectsTrailingData(t *testing.T) {
    for _, in := range []string{
        `{"sender":"a"}{"sender":"b"}`,
        `{"sender":"a"}}`,
        `{"sender":"a"}]`,
        `{"sender":"a"} x`,
    } {
        var m protocol.DiscoverMessage
        if err := (JSON{}).Unmarshal([]byte(in), &m); err == nil {
            t.Fatalf("%s: expected trailing data error", in)
        }
        if _, err := DecodeDiscover(JSON{}, []byte(in)); err == nil {
            t.Fatalf("%s: DecodeDiscover accepted trailing data", in)
        }
    }
    var m protocol.DiscoverMessage
    if err := (JSON{}).Unmarshal([]byte("{\"sender\":\"a\"}\n "), &m); err != nil {
        t.Fatalf("trailing whitespace rejected: %v", err)
    }
}

func TestByName(t *testing.T) {
    for name, want := range map[string]string{"": "json", "json": "json", " MsgPack ": "msgpack"} {
        c, err := ByName(name)
        if err != nil { t.Fatalf("ByName(%q): %v", name, err) }
        if c.Name() != want { t.Fatalf("ByName(%q) = %s want %s", name, c.Name(), want) }
    }
    if _, err := ByName("xml"); !errors.Is(err, ErrUnknownCodec) {
        t.Fatalf("want ErrUnknownCodec, got %v", err)
    }
}
