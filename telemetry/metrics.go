package telemetry

// Histogram bucket definitions
var (
	// PeerCallBuckets for management RPCs between cells
	PeerCallBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RebalanceBuckets for one full rebalance iteration including peer pulls
	RebalanceBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Membership Metrics
var (
	// HiveCells tracks registered cells by status
	HiveCells GaugeVec = noopGaugeVec{}

	// HiveMajorVersion is the local major version
	HiveMajorVersion Gauge = NoopStat{}

	// HiveMinorVersion is the local minor version
	HiveMinorVersion Gauge = NoopStat{}

	// HiveIsMaster is 1 while this cell holds the lowest id
	HiveIsMaster Gauge = NoopStat{}

	// MembershipOpsTotal counts membership operations by op and result (success, partial, rejected)
	MembershipOpsTotal CounterVec = noopCounterVec{}
)

// Rebalance Metrics
var (
	// RebalanceRoundsTotal counts rebalance iterations executed
	RebalanceRoundsTotal Counter = NoopStat{}

	// RebalanceBumpsTotal counts minor bumps by reason (count, order, drift, init, adopt)
	RebalanceBumpsTotal CounterVec = noopCounterVec{}

	// RebalanceDurationSeconds measures one rebalance iteration
	RebalanceDurationSeconds Histogram = NoopStat{}

	// CellAdvertisedLoad tracks the advertised load ratio per cell
	CellAdvertisedLoad GaugeVec = noopGaugeVec{}

	// PowerOfTwoUpdatesTotal counts received placement updates by result (applied, stale, rejected)
	PowerOfTwoUpdatesTotal CounterVec = noopCounterVec{}
)

// Peer RPC Metrics
var (
	// PeerCallsTotal counts outbound peer calls by method and result
	PeerCallsTotal CounterVec = noopCounterVec{}

	// PeerCallSeconds measures outbound peer call latency by method
	PeerCallSeconds HistogramVec = noopHistogramVec{}

	// PublishedUpdatesTotal counts placement tables handed to sinks by sink and result
	PublishedUpdatesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	HiveCells = NewGaugeVec(
		"cells",
		"Number of registered cells by status",
		[]string{"status"},
	)
	HiveMajorVersion = NewGauge(
		"major_version",
		"Local major version",
	)
	HiveMinorVersion = NewGauge(
		"minor_version",
		"Local minor version",
	)
	HiveIsMaster = NewGauge(
		"is_master",
		"Whether this cell is the hive master (1=yes, 0=no)",
	)
	MembershipOpsTotal = NewCounterVec(
		"membership_ops_total",
		"Membership operations by op and result",
		[]string{"op", "result"},
	)

	RebalanceRoundsTotal = NewCounter(
		"rebalance_rounds_total",
		"Total rebalance iterations executed",
	)
	RebalanceBumpsTotal = NewCounterVec(
		"rebalance_bumps_total",
		"Minor version bumps by reason",
		[]string{"reason"},
	)
	RebalanceDurationSeconds = NewHistogramWithBuckets(
		"rebalance_duration_seconds",
		"Duration of one rebalance iteration",
		RebalanceBuckets,
	)
	CellAdvertisedLoad = NewGaugeVec(
		"cell_advertised_load",
		"Advertised used/total ratio per cell",
		[]string{"cell"},
	)
	PowerOfTwoUpdatesTotal = NewCounterVec(
		"power_of_two_updates_total",
		"Received placement updates by result",
		[]string{"result"},
	)

	PeerCallsTotal = NewCounterVec(
		"peer_calls_total",
		"Outbound peer calls by method and result",
		[]string{"method", "result"},
	)
	PeerCallSeconds = NewHistogramVec(
		"peer_call_seconds",
		"Outbound peer call latency by method",
		[]string{"method"},
		PeerCallBuckets,
	)
	PublishedUpdatesTotal = NewCounterVec(
		"published_updates_total",
		"Placement tables handed to sinks by sink and result",
		[]string{"sink", "result"},
	)
}
