package channel

import (
    "context"
    "log"
    "sync"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
)

// DefaultOutboxSize is the outbox capacity when Options.OutboxSize is zero.
const DefaultOutboxSize = 256

// explicitLabel counts publications to caller-supplied topic strings.
const explicitLabel = "explicit"

// label names the metrics series: the channel name, or explicitLabel.
type outbound struct {
    label   string
    topic   string
    payload []byte
}

// worker publishes queued messages one after another on the shared bus.
// Publish failures are logged and counted; the worker keeps going.
type worker struct {
    bus  bus.Bus
    log  *log.Logger
    q    chan outbound
    mu   sync.RWMutex
    shut bool
    done chan struct{}
}

func newWorker(b bus.Bus, size int, logger *log.Logger) *worker {
    if size <= 0 { size = DefaultOutboxSize }
    return &worker{bus: b, log: logger, q: make(chan outbound, size), done: make(chan struct{})}
}

func (w *worker) enqueue(label, t string, payload []byte) error {
    w.mu.RLock()
    defer w.mu.RUnlock()
    if w.shut {
        metrics.OutboxRejected.WithLabelValues("stopped").Inc()
        return ErrStopped
    }
    select {
    case w.q <- outbound{label: label, topic: t, payload: payload}:
        metrics.OutboxDepth.Inc()
        return nil
    default:
        metrics.OutboxRejected.WithLabelValues("full").Inc()
        return ErrOutboxFull
    }
}

// run drains the queue until close is called and the queue is empty.
func (w *worker) run(ctx context.Context) {
    defer close(w.done)
    for ob := range w.q {
        metrics.OutboxDepth.Dec()
        name := ob.label
        if err := w.bus.Publish(ctx, ob.topic, ob.payload); err != nil {
            metrics.PublishErrors.WithLabelValues(name).Inc()
            logutil.Errorf(w.log, "publish to %s failed: %v", ob.topic, err)
            continue
        }
        metrics.Published.WithLabelValues(name).Inc()
    }
}

// close stops accepting messages; run exits after draining what is queued.
func (w *worker) close() {
    w.mu.Lock()
    if !w.shut {
        w.shut = true
        close(w.q)
    }
    w.mu.Unlock()
}
