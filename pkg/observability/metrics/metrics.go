package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_discover"

var (
    once sync.Once

    // Listener metrics, labelled by listener role.
    MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "listener",
        Name:      "received_total",
        Help:      "Messages received per listener",
    }, []string{"listener"})
    MessagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "listener",
        Name:      "handled_total",
        Help:      "Messages handled successfully per listener",
    }, []string{"listener"})
    DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "listener",
        Name:      "decode_errors_total",
        Help:      "Messages dropped because they could not be decoded",
    }, []string{"listener"})
    HandleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "listener",
        Name:      "handle_errors_total",
        Help:      "Decoded messages whose handling failed",
    }, []string{"listener"})
    ListenersActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "listener",
        Name:      "active",
        Help:      "Number of listeners currently in the listening state",
    })

    // Outbound gateway metrics.
    Published = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "outbox",
        Name:      "published_total",
        Help:      "Messages published per channel",
    }, []string{"channel"})
    PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "outbox",
        Name:      "publish_errors_total",
        Help:      "Failed publications per channel",
    }, []string{"channel"})
    EncodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "outbox",
        Name:      "encode_errors_total",
        Help:      "Outbound messages that could not be encoded",
    }, []string{"op"})
    OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "outbox",
        Name:      "depth",
        Help:      "Messages waiting in the outbox",
    })
    OutboxRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "outbox",
        Name:      "rejected_total",
        Help:      "Publications rejected by the outbox",
    }, []string{"reason"})

    // Discovery and registry.
    DiscoverRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "discover_requests_total",
        Help:      "DISCOVER messages issued by this node",
    }, []string{"scope"})
    DiscoverReplies = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "discover_replies_total",
        Help:      "INFO replies correlated with a local DISCOVER request",
    })
    PeersKnown = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "peers",
        Help:      "Current number of known peers",
    })
    PeerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "events_total",
        Help:      "Registry events by type",
    }, []string{"type"})

    // Bus backends.
    BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "dropped_total",
        Help:      "Messages dropped because a subscriber was slow",
    }, []string{"backend"})
    BrokerSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "broker",
        Name:      "subscribers",
        Help:      "Active streaming subscribers on the gRPC broker",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(MessagesReceived, MessagesHandled, DecodeErrors, HandleErrors, ListenersActive)
        prometheus.MustRegister(Published, PublishErrors, EncodeErrors, OutboxDepth, OutboxRejected)
        prometheus.MustRegister(DiscoverRequests, DiscoverReplies, PeersKnown, PeerEvents)
        prometheus.MustRegister(BusDropped, BrokerSubscribers)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
