// Package seeds provides the bootstrap addresses a bus backend dials on
// start: memberlist join addresses, libp2p multiaddrs, ZeroMQ endpoints or
// the broker address.
package seeds

import (
    "fmt"
    "sort"
    "strings"
)

// Source yields the current seed list. Implementations may cache and
// must be safe for concurrent use.
type Source interface {
    Seeds() []string
}

// Func adapts a function to Source.
type Func func() []string

func (f Func) Seeds() []string { return f() }

// Parse splits a comma-separated list, trimming blanks.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Normalize de-duplicates and sorts seeds.
func Normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, s := range in {
        if _, ok := set[s]; ok || s == "" { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}

// Merge returns a Source combining every non-nil source.
func Merge(srcs ...Source) Source {
    return Func(func() []string {
        var all []string
        for _, s := range srcs {
            if s != nil { all = append(all, s.Seeds()...) }
        }
        return Normalize(all)
    })
}

// Format rewrites each seed with a fmt verb, e.g. "tcp://%s" to turn
// host:port pairs into ZeroMQ endpoints. Seeds that already carry a scheme
// are kept as they are.
func Format(src Source, format string) Source {
    return Func(func() []string {
        in := src.Seeds()
        out := make([]string, 0, len(in))
        for _, s := range in {
            if strings.Contains(s, "://") {
                out = append(out, s)
                continue
            }
            out = append(out, fmt.Sprintf(format, s))
        }
        return out
    })
}
