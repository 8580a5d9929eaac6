package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
    Register()
    Register()
    mfs, err := prometheus.DefaultGatherer.Gather()
    if err != nil { t.Fatalf("gather: %v", err) }
    if len(mfs) == 0 { t.Fatalf("expected gathered metric families") }
}
