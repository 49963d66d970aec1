package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SnapshotBuckets for initial table scans
	SnapshotBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// RowCountBuckets for per-snapshot row volumes
	RowCountBuckets = []float64{1, 10, 100, 1_000, 10_000, 100_000, 1_000_000}

	// RequestBuckets for HTTP latency; the long tail covers long polls
	RequestBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
)

// Shape lifecycle metrics
var (
	// ShapesActive tracks currently materialized shape generations
	ShapesActive Gauge = NoopStat{}

	// ShapeGenerationsTotal counts generation transitions by reason
	// (created, invalidated, rotated, restored)
	ShapeGenerationsTotal CounterVec = noopCounterVec{}

	// SnapshotDurationSeconds measures initial scan latency
	SnapshotDurationSeconds Histogram = NoopStat{}

	// SnapshotRows measures rows captured per snapshot
	SnapshotRows Histogram = NoopStat{}
)

// Shape log metrics
var (
	// LogAppendsTotal counts append batches across all shapes
	LogAppendsTotal Counter = NoopStat{}

	// LogEventsTotal counts appended events across all shapes
	LogEventsTotal Counter = NoopStat{}

	// LogCompactionsTotal counts retention trims
	LogCompactionsTotal Counter = NoopStat{}
)

// Delivery metrics
var (
	// LiveWaiters tracks suspended long-poll clients
	LiveWaiters Gauge = NoopStat{}

	// LongpollTotal counts finished waits by outcome (ready, timeout, invalidated)
	LongpollTotal CounterVec = noopCounterVec{}

	// HTTPRequestsTotal counts requests by route and status
	HTTPRequestsTotal CounterVec = noopCounterVec{}

	// HTTPRequestDurationSeconds measures request latency by route
	HTTPRequestDurationSeconds HistogramVec = noopHistogramVec{}
)

// Feed metrics
var (
	// FeedTransactionsTotal counts transactions applied from the feed
	FeedTransactionsTotal Counter = NoopStat{}

	// FeedRestartsTotal counts source rebuilds after fatal errors
	FeedRestartsTotal Counter = NoopStat{}

	// RelayTransactionsTotal counts transactions published to a broker
	RelayTransactionsTotal Counter = NoopStat{}

	// RelayRetriesTotal counts failed publish attempts
	RelayRetriesTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ShapesActive = NewGauge(
		"shapes_active",
		"Number of materialized shape generations",
	)
	ShapeGenerationsTotal = NewCounterVec(
		"shape_generations_total",
		"Shape generation transitions by reason",
		[]string{"reason"},
	)
	SnapshotDurationSeconds = NewHistogramWithBuckets(
		"snapshot_duration_seconds",
		"Initial scan duration in seconds",
		SnapshotBuckets,
	)
	SnapshotRows = NewHistogramWithBuckets(
		"snapshot_rows",
		"Rows captured per snapshot",
		RowCountBuckets,
	)

	LogAppendsTotal = NewCounter(
		"log_appends_total",
		"Append batches written to shape logs",
	)
	LogEventsTotal = NewCounter(
		"log_events_total",
		"Events written to shape logs",
	)
	LogCompactionsTotal = NewCounter(
		"log_compactions_total",
		"Retention trims applied to shape logs",
	)

	LiveWaiters = NewGauge(
		"live_waiters",
		"Suspended long-poll clients",
	)
	LongpollTotal = NewCounterVec(
		"longpoll_total",
		"Finished long polls by outcome",
		[]string{"outcome"},
	)
	HTTPRequestsTotal = NewCounterVec(
		"http_requests_total",
		"HTTP requests by route and status",
		[]string{"route", "status"},
	)
	HTTPRequestDurationSeconds = NewHistogramVec(
		"http_request_duration_seconds",
		"HTTP request duration by route",
		[]string{"route"},
		RequestBuckets,
	)

	FeedTransactionsTotal = NewCounter(
		"feed_transactions_total",
		"Upstream transactions applied from the feed",
	)
	FeedRestartsTotal = NewCounter(
		"feed_restarts_total",
		"Feed source rebuilds after fatal errors",
	)
	RelayTransactionsTotal = NewCounter(
		"relay_transactions_total",
		"Transactions published to the broker",
	)
	RelayRetriesTotal = NewCounter(
		"relay_retries_total",
		"Failed broker publish attempts",
	)
}
