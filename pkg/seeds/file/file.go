package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/benbjohnson/clock"

    "github.com/amirimatin/go-discover/pkg/seeds"
)

// Options configures file and environment seeds.
type Options struct {
    // Path is a file or glob; lines hold one or more comma-separated seeds
    // and '#' starts a comment line.
    Path string
    // Env names a variable that, when non-empty, replaces the file.
    Env string
    // Refresh forces a re-read even if the file's mtime is unchanged.
    Refresh time.Duration
    Clock   clock.Clock
}

type source struct {
    opts  Options
    mu    sync.Mutex
    read  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) seeds.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Clock == nil { opts.Clock = clock.New() }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return seeds.Normalize(seeds.Parse(v)) }
    }
    if s.opts.Path == "" { return nil }
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.opts.Clock.Now()
    stale := now.Sub(s.read) >= s.opts.Refresh
    if st, err := os.Stat(s.opts.Path); err == nil {
        if stale || st.ModTime().After(s.mtime) {
            s.cache = readFile(s.opts.Path)
            s.mtime = st.ModTime()
            s.read = now
        }
    } else if stale {
        matches, _ := filepath.Glob(s.opts.Path)
        var all []string
        for _, m := range matches { all = append(all, readFile(m)...) }
        s.cache = seeds.Normalize(all)
        s.read = now
    }
    return append([]string(nil), s.cache...)
}

func readFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if strings.HasPrefix(line, "#") { continue }
        out = append(out, seeds.Parse(line)...)
    }
    if sc.Err() != nil { return nil }
    return seeds.Normalize(out)
}
