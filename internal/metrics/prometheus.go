package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture node and the fleet
// controller. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	CaptureBytes      *prometheus.CounterVec
	CaptureOverflows  *prometheus.CounterVec
	CaptureReadErrors *prometheus.CounterVec
	SpoolWriteErrors  prometheus.Counter
	CaptureActive     prometheus.Gauge
	CaptureRounds     *prometheus.CounterVec
	StartSkew         prometheus.Histogram
	ArtifactsWritten  prometheus.Counter
	ArtifactSize      prometheus.Histogram
	FinalizeDuration  prometheus.Histogram
	LeftoverFiles     prometheus.Counter
	DiskFreeBytes     prometheus.Gauge
	RetentionDeleted  prometheus.Counter

	// Command protocol metrics
	ProtocolRequests    *prometheus.CounterVec
	ProtocolErrors      prometheus.Counter
	ActiveConnections   prometheus.Gauge
	ClientRequests      *prometheus.CounterVec
	ClientRequestTiming prometheus.Histogram

	// Fleet metrics
	FleetRounds        *prometheus.CounterVec
	NodeResponsive     *prometheus.GaugeVec
	CompletionPolls    prometheus.Counter
	RoundParticipants  prometheus.Histogram
	FilesFetched       *prometheus.CounterVec
	FetchFailures      *prometheus.CounterVec
	FetchBytes         prometheus.Counter
	FetchDuration      prometheus.Histogram
	RemoteDeletes      prometheus.Counter
	RetrievalQueueSize prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CaptureBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_capture_bytes_total",
			Help: "Total PCM bytes read from capture devices",
		}, []string{"device"}),
		CaptureOverflows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_capture_overflows_total",
			Help: "Total buffer overflow reads dropped per device",
		}, []string{"device"}),
		CaptureReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_capture_read_errors_total",
			Help: "Total failed device reads per device",
		}, []string{"device"}),
		SpoolWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_spool_write_errors_total",
			Help: "Total chunks that could not be written to temporary storage",
		}),
		CaptureActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pac_capture_active",
			Help: "1 while a capture round is recording on this node",
		}),
		CaptureRounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_capture_rounds_total",
			Help: "Capture rounds finished on this node by result",
		}, []string{"result"}),
		StartSkew: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_capture_start_skew_seconds",
			Help:    "Delay between the scheduled start instant and the first device read",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		ArtifactsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_artifacts_written_total",
			Help: "Total finalized recordings written",
		}),
		ArtifactSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_artifact_size_bytes",
			Help:    "Size of finalized recordings",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10), // 64KB to ~16GB
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_finalize_duration_seconds",
			Help:    "Time spent assembling recordings from temporary fragments",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		LeftoverFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_temp_leftover_files_total",
			Help: "Temporary files that survived cleanup",
		}),
		DiskFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pac_storage_free_bytes",
			Help: "Free bytes on the recording volume",
		}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_retention_deleted_total",
			Help: "Recordings deleted by the retention window",
		}),

		ProtocolRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_protocol_requests_total",
			Help: "Command requests handled by the node listener",
		}, []string{"command"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_protocol_errors_total",
			Help: "Connections closed because handling failed",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pac_protocol_active_connections",
			Help: "Currently open command connections",
		}),
		ClientRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_client_requests_total",
			Help: "Commands sent to nodes by outcome",
		}, []string{"command", "outcome"}),
		ClientRequestTiming: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_client_request_duration_seconds",
			Help:    "Round-trip time of node commands",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		FleetRounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_fleet_rounds_total",
			Help: "Fleet capture rounds by outcome",
		}, []string{"outcome"}),
		NodeResponsive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pac_fleet_node_responsive",
			Help: "1 if the node answered its last probe or command",
		}, []string{"node"}),
		CompletionPolls: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_fleet_completion_polls_total",
			Help: "Completion polling rounds issued",
		}),
		RoundParticipants: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_fleet_round_participants",
			Help:    "Nodes that acknowledged a round start",
			Buckets: prometheus.LinearBuckets(0, 1, 16),
		}),
		FilesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_fleet_files_fetched_total",
			Help: "Recordings copied to local storage per node",
		}, []string{"node"}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_fleet_fetch_failures_total",
			Help: "Recordings that could not be copied per node",
		}, []string{"node"}),
		FetchBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_fleet_fetch_bytes_total",
			Help: "Bytes copied from nodes",
		}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pac_fleet_fetch_duration_seconds",
			Help:    "Time to copy a single recording",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RemoteDeletes: f.NewCounter(prometheus.CounterOpts{
			Name: "pac_fleet_remote_deletes_total",
			Help: "Remote recordings removed after a successful copy",
		}),
		RetrievalQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pac_fleet_retrieval_queue_size",
			Help: "Rounds waiting for retrieval",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pac_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pac_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordCaptureBytes adds bytes read from a device
func (m *Metrics) RecordCaptureBytes(device string, n int) {
	if m == nil {
		return
	}
	m.CaptureBytes.WithLabelValues(device).Add(float64(n))
}

// RecordOverflow counts a dropped overflow read
func (m *Metrics) RecordOverflow(device string) {
	if m == nil {
		return
	}
	m.CaptureOverflows.WithLabelValues(device).Inc()
}

// RecordReadError counts a failed device read
func (m *Metrics) RecordReadError(device string) {
	if m == nil {
		return
	}
	m.CaptureReadErrors.WithLabelValues(device).Inc()
}

// RecordSpoolWriteError counts a chunk lost to a temp storage failure
func (m *Metrics) RecordSpoolWriteError() {
	if m == nil {
		return
	}
	m.SpoolWriteErrors.Inc()
}

// SetCaptureActive flips the capture activity gauge
func (m *Metrics) SetCaptureActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.CaptureActive.Set(1)
	} else {
		m.CaptureActive.Set(0)
	}
}

// RecordStartSkew observes how late a recorder began reading
func (m *Metrics) RecordStartSkew(seconds float64) {
	if m == nil {
		return
	}
	m.StartSkew.Observe(seconds)
}

// RecordCaptureRound counts a finished round on the node
func (m *Metrics) RecordCaptureRound(result string, finalizeSeconds float64) {
	if m == nil {
		return
	}
	m.CaptureRounds.WithLabelValues(result).Inc()
	m.FinalizeDuration.Observe(finalizeSeconds)
}

// RecordArtifact records a finalized recording
func (m *Metrics) RecordArtifact(sizeBytes int64) {
	if m == nil {
		return
	}
	m.ArtifactsWritten.Inc()
	m.ArtifactSize.Observe(float64(sizeBytes))
}

// RecordLeftovers counts temp files that could not be removed
func (m *Metrics) RecordLeftovers(n int) {
	if m == nil {
		return
	}
	m.LeftoverFiles.Add(float64(n))
}

// SetDiskFree sets the free space gauge
func (m *Metrics) SetDiskFree(bytes uint64) {
	if m == nil {
		return
	}
	m.DiskFreeBytes.Set(float64(bytes))
}

// RecordRetentionDeleted counts recordings removed by retention
func (m *Metrics) RecordRetentionDeleted(n int) {
	if m == nil {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}

// RecordProtocolRequest counts a handled command
func (m *Metrics) RecordProtocolRequest(command string) {
	if m == nil {
		return
	}
	m.ProtocolRequests.WithLabelValues(command).Inc()
}

// RecordProtocolError counts a connection closed after a handling failure
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// AddActiveConnections adjusts the open connection gauge
func (m *Metrics) AddActiveConnections(delta int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(float64(delta))
}

// RecordClientRequest records a command round trip from the fleet side
func (m *Metrics) RecordClientRequest(command, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClientRequests.WithLabelValues(command, outcome).Inc()
	m.ClientRequestTiming.Observe(durationSeconds)
}

// RecordFleetRound counts a fleet round by outcome
func (m *Metrics) RecordFleetRound(outcome string, participants int) {
	if m == nil {
		return
	}
	m.FleetRounds.WithLabelValues(outcome).Inc()
	m.RoundParticipants.Observe(float64(participants))
}

// SetNodeResponsive records the node's last known reachability
func (m *Metrics) SetNodeResponsive(node string, responsive bool) {
	if m == nil {
		return
	}
	v := 0.0
	if responsive {
		v = 1
	}
	m.NodeResponsive.WithLabelValues(node).Set(v)
}

// RecordCompletionPoll counts a completion polling round
func (m *Metrics) RecordCompletionPoll() {
	if m == nil {
		return
	}
	m.CompletionPolls.Inc()
}

// RecordFetch records a copied recording
func (m *Metrics) RecordFetch(node string, bytes int64, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FilesFetched.WithLabelValues(node).Inc()
	m.FetchBytes.Add(float64(bytes))
	m.FetchDuration.Observe(durationSeconds)
}

// RecordFetchFailure counts a recording that could not be copied
func (m *Metrics) RecordFetchFailure(node string) {
	if m == nil {
		return
	}
	m.FetchFailures.WithLabelValues(node).Inc()
}

// RecordRemoteDelete counts a removed remote copy
func (m *Metrics) RecordRemoteDelete() {
	if m == nil {
		return
	}
	m.RemoteDeletes.Inc()
}

// SetRetrievalQueueSize sets the pending retrieval batch gauge
func (m *Metrics) SetRetrievalQueueSize(n int) {
	if m == nil {
		return
	}
	m.RetrievalQueueSize.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
