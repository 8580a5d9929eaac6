package bus

import (
    "context"
    "testing"
    "time"
)

func TestSubDeliverAndClose(t *testing.T) {
    cancelled := 0
    s := NewSub(nil, "t", 1, func() { cancelled++ })
    if !s.Deliver(Message{Topic: "t", Payload: []byte("a")}) {
        t.Fatalf("first deliver should succeed")
    }
    if s.Deliver(Message{Topic: "t"}) {
        t.Fatalf("second deliver should be dropped on a full buffer")
    }
    m := <-s.C()
    if string(m.Payload) != "a" { t.Fatalf("payload = %q", m.Payload) }
    _ = s.Close()
    _ = s.Close()
    if cancelled != 1 { t.Fatalf("cancel hook ran %d times", cancelled) }
    if s.Deliver(Message{Topic: "t"}) { t.Fatalf("deliver after close must fail") }
    if _, ok := <-s.C(); ok { t.Fatalf("channel should be closed") }
}

func TestSubClosesOnContext(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    s := NewSub(ctx, "t", 0, nil)
    cancel()
    select {
    case <-s.Done():
    case <-time.After(2 * time.Second):
        t.Fatalf("subscription not closed after context cancel")
    }
}
