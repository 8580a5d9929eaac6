package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestTextLevels(t *testing.T) {
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    SetJSON(false)
    SetDebug(false)
    Infof(l, "hello %s", "world")
    Debugf(l, "hidden")
    Errorf(Named(l, "channel"), "boom %d", 1)
    out := buf.String()
    if !strings.Contains(out, "INFO hello world") {
        t.Fatalf("missing info line: %q", out)
    }
    if strings.Contains(out, "hidden") {
        t.Fatalf("debug line must be filtered: %q", out)
    }
    if !strings.Contains(out, "[channel] ERROR boom 1") {
        t.Fatalf("missing named error line: %q", out)
    }
}

func TestJSONMode(t *testing.T) {
    var buf bytes.Buffer
    l := Named(log.New(&buf, "", log.LstdFlags), "registry")
    SetJSON(true)
    SetDebug(true)
    defer SetJSON(false)
    defer SetDebug(false)
    Debugf(l, "peer %s", "y1")
    var evt map[string]any
    if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil {
        t.Fatalf("not json: %q: %v", buf.String(), err)
    }
    if evt["level"] != "debug" || evt["msg"] != "peer y1" || evt["component"] != "[registry]" {
        t.Fatalf("unexpected event: %#v", evt)
    }
}
