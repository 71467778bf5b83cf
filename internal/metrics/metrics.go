package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uds-client/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_link_tx_frames_total",
		Help: "Total CAN frames written to the link.",
	})
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_link_rx_frames_total",
		Help: "Total CAN frames read from the link.",
	})
	StaleFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_stale_frames_total",
		Help: "Inbound frames discarded because no transaction was awaiting them.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_malformed_frames_total",
		Help: "Frames rejected during reassembly (bad sequence, bad length, truncated).",
	})
	PendingWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_pending_waits_total",
		Help: "Response-pending (NRC 0x78) extensions granted to transactions.",
	})
	NegativeResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uds_negative_responses_total",
		Help: "Definitive negative responses by NRC.",
	}, []string{"nrc"})
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uds_transactions_total",
		Help: "Completed transactions by outcome.",
	}, []string{"outcome"})
	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uds_transaction_duration_seconds",
		Help:    "Wall time of one request/response transaction.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	TapDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_tap_dropped_frames_total",
		Help: "Frames dropped by slow tap subscribers.",
	})
	TapSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uds_tap_subscribers",
		Help: "Current number of frame tap subscribers.",
	})
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uds_inflight_transactions",
		Help: "Transactions currently holding the slot (0 or 1 per client).",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uds_link_up",
		Help: "1 while the link is open.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uds_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Transaction outcome label constants (stable values to bound cardinality)
const (
	OutcomePositive        = "positive"
	OutcomeNegative        = "negative"
	OutcomeTimeout         = "timeout"
	OutcomePendingExceeded = "pending_exceeded"
	OutcomeTransport       = "transport"
	OutcomeUnexpected      = "unexpected"
	OutcomeCancelled       = "cancelled"
)

// Error label constants
const (
	ErrLinkRead    = "link_read"
	ErrLinkWrite   = "link_write"
	ErrFlowControl = "flow_control"
	ErrHandshake   = "handshake"
	ErrDiscover    = "discover"
	ErrPublish     = "publish"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		log := logging.Component("metrics")
		log.Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging and tests (avoid Prometheus
// scraping in-process)
var (
	localLinkTx    uint64
	localLinkRx    uint64
	localStale     uint64
	localMalformed uint64
	localPending   uint64
	localNegative  uint64
	localPositive  uint64
	localFailed    uint64
	localTapDrop   uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkTx    uint64
	LinkRx    uint64
	Stale     uint64
	Malformed uint64
	Pending   uint64
	Negative  uint64
	Positive  uint64
	Failed    uint64 // transactions by non-positive, non-negative outcome
	TapDrops  uint64
	Errors    uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		LinkTx:    atomic.LoadUint64(&localLinkTx),
		LinkRx:    atomic.LoadUint64(&localLinkRx),
		Stale:     atomic.LoadUint64(&localStale),
		Malformed: atomic.LoadUint64(&localMalformed),
		Pending:   atomic.LoadUint64(&localPending),
		Negative:  atomic.LoadUint64(&localNegative),
		Positive:  atomic.LoadUint64(&localPositive),
		Failed:    atomic.LoadUint64(&localFailed),
		TapDrops:  atomic.LoadUint64(&localTapDrop),
		Errors:    atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkTx() {
	LinkTxFrames.Inc()
	atomic.AddUint64(&localLinkTx, 1)
}

func IncLinkRx() {
	LinkRxFrames.Inc()
	atomic.AddUint64(&localLinkRx, 1)
}

func IncStale() {
	StaleFrames.Inc()
	atomic.AddUint64(&localStale, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncPending() {
	PendingWaits.Inc()
	atomic.AddUint64(&localPending, 1)
}

// IncNegative records a definitive negative response. The NRC label is a
// two-digit hex string, bounded at 256 series.
func IncNegative(nrc string) {
	NegativeResponses.WithLabelValues(nrc).Inc()
	atomic.AddUint64(&localNegative, 1)
}

// IncTransaction records a completed transaction by outcome label.
func IncTransaction(outcome string) {
	Transactions.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomePositive:
		atomic.AddUint64(&localPositive, 1)
	case OutcomeNegative:
		// counted via IncNegative
	default:
		atomic.AddUint64(&localFailed, 1)
	}
}

func ObserveTransaction(seconds float64) {
	TransactionDuration.Observe(seconds)
}

func IncTapDrop() {
	TapDroppedFrames.Inc()
	atomic.AddUint64(&localTapDrop, 1)
}

func SetTapSubscribers(n int) {
	TapSubscribers.Set(float64(n))
}

func SetInFlight(n int) {
	InFlight.Set(float64(n))
}

func SetLinkUp(up bool) {
	if up {
		LinkUp.Set(1)
		return
	}
	LinkUp.Set(0)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not pay the
	// registration latency.
	for _, lbl := range []string{
		ErrLinkRead, ErrLinkWrite, ErrFlowControl,
		ErrHandshake, ErrDiscover, ErrPublish,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
