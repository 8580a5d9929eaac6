package static

import (
    "github.com/amirimatin/go-discover/pkg/seeds"
)

type fixed []string

func (f fixed) Seeds() []string { return append([]string(nil), f...) }

// New returns a Source that always yields the given seeds, blanks removed.
func New(list ...string) seeds.Source {
    var out []string
    for _, s := range list { out = append(out, seeds.Parse(s)...) }
    return fixed(out)
}

// FromCSV is New for a comma-separated list.
func FromCSV(csv string) seeds.Source { return fixed(seeds.Parse(csv)) }
