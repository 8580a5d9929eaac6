package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("DISCOVER_LOG_JSON") == "1" || os.Getenv("DISCOVER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if strings.EqualFold(os.Getenv("DISCOVER_LOG_LEVEL"), "debug") {
        debugMode.Store(true)
    }
}

func SetJSON(enabled bool)  { jsonMode.Store(enabled) }
func SetDebug(enabled bool) { debugMode.Store(enabled) }

// Named returns a logger writing to the same destination as l with a
// "[name] " component prefix appended to l's prefix.
func Named(l *log.Logger, name string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), l.Prefix()+"["+name+"] ", l.Flags())
}

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, "debug", f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if l == nil { l = log.Default() }
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   fmt.Sprintf(f, args...),
        }
        if p := strings.TrimSpace(l.Prefix()); p != "" { evt["component"] = p }
        b, _ := json.Marshal(evt)
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    l.Printf(strings.ToUpper(level)+" "+f, args...)
}
