// Package metrics provides Prometheus metrics for the beacon connection
// fabric.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "beacon"

// OverflowPeer is used as the peer label when the number of unique peers
// exceeds MaxPeers.
const OverflowPeer = "__other__"

const (
	ReasonTimeout       = "timeout"
	ReasonSyncFailed    = "sync_failed"
	ReasonSendFailed    = "send_failed"
	ReasonDecryptFailed = "decrypt_failed"
	ReasonDecodeFailed  = "decode_failed"
	ReasonNoPending     = "no_pending_request"
	ReasonUnsupported   = "unsupported_message"
)

// Metrics holds all Prometheus metrics for beacon.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxPeers is the maximum number of unique peer label values.
	// Once exceeded, new peers are recorded as OverflowPeer.
	// Zero means unlimited.
	MaxPeers int

	messagesTotal   *prometheus.CounterVec
	messageErrors   *prometheus.CounterVec
	peerMessages    *prometheus.CounterVec
	transportUp     *prometheus.GaugeVec
	pollingUp       prometheus.Gauge
	syncTotal       *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	sendDuration    *prometheus.HistogramVec
	pendingRequests prometheus.Gauge
	pairingsTotal   *prometheus.CounterVec

	peerCount atomic.Int64
	peers     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Protocol messages handled by the message controller.",
		}, []string{"direction", "version", "type"}),

		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Messages dropped or rejected, by reason.",
		}, []string{"reason"}),

		peerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_messages_total",
			Help:      "Encrypted relay messages exchanged with each peer.",
		}, []string{"peer", "direction"}),

		transportUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connected",
			Help:      "Whether a transport kind is connected (1) or not (0).",
		}, []string{"kind"}),

		pollingUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_polling",
			Help:      "Whether the relay sync loop is running (1) or not (0).",
		}),

		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_syncs_total",
			Help:      "Relay sync round trips, by outcome.",
		}, []string{"status"}),

		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_sync_duration_seconds",
			Help:      "Duration of relay sync round trips, including long-poll wait, in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time taken to hand one message to a transport, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"kind"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a terminal response.",
		}),

		pairingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Completed pairings, by local role.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.messagesTotal,
		m.messageErrors,
		m.peerMessages,
		m.transportUp,
		m.pollingUp,
		m.syncTotal,
		m.syncDuration,
		m.sendDuration,
		m.pendingRequests,
		m.pairingsTotal,
	)

	return m
}

// SanitizePeer returns peer if it is within the cardinality budget,
// or OverflowPeer if the cap has been reached. Peers that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizePeer(peer string) string {
	if m == nil {
		return peer
	}
	if m.MaxPeers <= 0 {
		return peer
	}

	for {
		if _, ok := m.peers.Load(peer); ok {
			return peer
		}

		cur := m.peerCount.Load()
		if cur >= int64(m.MaxPeers) {
			// Another goroutine may have stored this peer between the
			// Load and the cap check.
			if _, ok := m.peers.Load(peer); ok {
				return peer
			}
			return OverflowPeer
		}

		if !m.peerCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.peers.LoadOrStore(peer, struct{}{}); loaded {
			m.peerCount.Add(-1)
		}

		return peer
	}
}

// MessageIn counts a decoded incoming protocol message.
func (m *Metrics) MessageIn(version, typ string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("in", version, typ).Inc()
}

// MessageOut counts an encoded outgoing protocol message.
func (m *Metrics) MessageOut(version, typ string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("out", version, typ).Inc()
}

// MessageError records a message that was dropped or rejected.
func (m *Metrics) MessageError(reason string) {
	if m == nil {
		return
	}
	m.messageErrors.WithLabelValues(reason).Inc()
}

// PeerMessage counts a relay message to ("out") or from ("in") a peer.
// The peer is sanitized through the cardinality guard.
func (m *Metrics) PeerMessage(peer, direction string) {
	if m == nil {
		return
	}
	m.peerMessages.WithLabelValues(m.SanitizePeer(peer), direction).Inc()
}

// Reason returns ReasonTimeout if err is a network or context timeout,
// otherwise fallback.
func Reason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return fallback
}

// SetTransportConnected sets the connected gauge of a transport kind.
func (m *Metrics) SetTransportConnected(kind string, up bool) {
	if m == nil {
		return
	}
	m.transportUp.WithLabelValues(kind).Set(boolValue(up))
}

// SetPolling sets the relay sync loop gauge.
func (m *Metrics) SetPolling(up bool) {
	if m == nil {
		return
	}
	m.pollingUp.Set(boolValue(up))
}

// ObserveSync records one sync round trip.
func (m *Metrics) ObserveSync(seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.syncTotal.WithLabelValues(status).Inc()
	m.syncDuration.Observe(seconds)
}

// ObserveSend records how long a transport send took.
func (m *Metrics) ObserveSend(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(kind).Observe(seconds)
}

// SetPendingRequests sets the pending request gauge.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// PairingCompleted counts a completed pairing for role ("wallet" or "dapp").
func (m *Metrics) PairingCompleted(role string) {
	if m == nil {
		return
	}
	m.pairingsTotal.WithLabelValues(role).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
