// Package metrics provides Prometheus metrics exposition for the scan daemon.
package metrics

import "time"

// InfoProvider supplies deployment identity used to label metrics.
type InfoProvider interface {
	GetVersion() string
	GetDeploymentType() string
	GetDeploymentName() string
}

// ScanCounts tallies scans by lifecycle outcome since daemon start.
type ScanCounts struct {
	Launched int
	Finished int
	Failed   int
	Stopped  int
}

// ActiveScan describes one currently running scan for the active-scan gauge.
type ActiveScan struct {
	ScanID       string
	EngineScanID string
	State        string
	HostCount    int
}

// ScanStatsProvider is implemented by daemon.Daemon. The collector
// never reaches into scan state directly, the same arm's-length relationship
// the teacher kept between its metrics collector and the database.
type ScanStatsProvider interface {
	ScanCounts() ScanCounts
	ActiveScans() []ActiveScan
	FeedVersion() (string, bool)
}

// CollectorConfig toggles which metric families Collect emits.
type CollectorConfig struct {
	DeploymentEnabled  bool
	ScanCountsEnabled  bool
	ActiveScansEnabled bool
	FeedInfoEnabled    bool

	// StalenessEnabled keeps tracking the active-scan gauge's per-scan_id
	// series after the scan disappears from ActiveScans: the series is
	// omitted from the output until StalenessWindow elapses, then reported
	// once with a NaN value and dropped.
	StalenessEnabled bool
	StalenessWindow  time.Duration
	StalenessStore   MetricTrackerStore
}

// Collector collects scan-daemon metrics and formats them for Prometheus.
type Collector struct {
	infoProvider   InfoProvider
	deploymentUUID string
	stats          ScanStatsProvider
	config         CollectorConfig
	tracker        *MetricTracker
}

// NewCollector creates a new metrics collector.
func NewCollector(infoProvider InfoProvider, deploymentUUID string, stats ScanStatsProvider, config CollectorConfig) *Collector {
	c := &Collector{
		infoProvider:   infoProvider,
		deploymentUUID: deploymentUUID,
		stats:          stats,
		config:         config,
	}
	if config.StalenessEnabled {
		c.tracker = NewMetricTracker(MetricTrackerConfig{
			StalenessWindow: config.StalenessWindow,
			Store:           config.StalenessStore,
			StorageKey:      "active_scan_hosts",
		})
	}
	return c
}

// Collect generates Prometheus text format covering deployment identity,
// scan lifecycle counters, active scan detail, and the loaded feed version.
func (c *Collector) Collect() (string, error) {
	data := &MetricsData{}

	if c.config.DeploymentEnabled {
		data.Families = append(data.Families, c.collectDeployment())
	}
	if c.config.ScanCountsEnabled && c.stats != nil {
		data.Families = append(data.Families, c.collectScanCounts())
	}
	if c.config.ActiveScansEnabled && c.stats != nil {
		active := &MetricsData{Families: []MetricFamily{c.collectActiveScans()}}
		if c.tracker != nil {
			active = c.tracker.ProcessMetrics(active)
		}
		data.Families = append(data.Families, active.Families...)
	}
	if c.config.FeedInfoEnabled && c.stats != nil {
		if family, ok := c.collectFeedInfo(); ok {
			data.Families = append(data.Families, family)
		}
	}

	return FormatPrometheus(data), nil
}

// collectDeployment generates the ospd_deployment identity gauge.
func (c *Collector) collectDeployment() MetricFamily {
	return MetricFamily{
		Name: "ospd_deployment",
		Help: "Scan daemon deployment information",
		Type: "gauge",
		Metrics: []MetricPoint{{
			Labels: map[string]string{
				"deployment_uuid": c.deploymentUUID,
				"deployment_name": c.infoProvider.GetDeploymentName(),
				"deployment_type": c.infoProvider.GetDeploymentType(),
				"version":         c.infoProvider.GetVersion(),
			},
			Value: 1,
		}},
	}
}

// collectScanCounts generates the ospd_scans_total counter, one point per
// lifecycle outcome.
func (c *Collector) collectScanCounts() MetricFamily {
	counts := c.stats.ScanCounts()
	return MetricFamily{
		Name: "ospd_scans_total",
		Help: "Scans counted by lifecycle outcome since daemon start",
		Type: "counter",
		Metrics: []MetricPoint{
			{Labels: map[string]string{"outcome": "launched"}, Value: float64(counts.Launched)},
			{Labels: map[string]string{"outcome": "finished"}, Value: float64(counts.Finished)},
			{Labels: map[string]string{"outcome": "failed"}, Value: float64(counts.Failed)},
			{Labels: map[string]string{"outcome": "stopped"}, Value: float64(counts.Stopped)},
		},
	}
}

// collectActiveScans generates a per-scan gauge of host counts for every
// scan the supervisor currently has running.
func (c *Collector) collectActiveScans() MetricFamily {
	scans := c.stats.ActiveScans()
	points := make([]MetricPoint, 0, len(scans))
	for _, s := range scans {
		points = append(points, MetricPoint{
			Labels: map[string]string{
				"deployment_uuid": c.deploymentUUID,
				"scan_id":         s.ScanID,
				"engine_scan_id":  s.EngineScanID,
				"state":           s.State,
			},
			Value: float64(s.HostCount),
		})
	}
	return MetricFamily{
		Name:    "ospd_active_scan_hosts",
		Help:    "Host count of each scan currently running",
		Type:    "gauge",
		Metrics: points,
	}
}

// collectFeedInfo generates the ospd_feed_info gauge, present only once a
// feed has loaded successfully at least once.
func (c *Collector) collectFeedInfo() (MetricFamily, bool) {
	version, ok := c.stats.FeedVersion()
	if !ok {
		return MetricFamily{}, false
	}
	return MetricFamily{
		Name: "ospd_feed_info",
		Help: "Currently loaded VT feed version",
		Type: "gauge",
		Metrics: []MetricPoint{{
			Labels: map[string]string{"feed_version": version},
			Value:  1,
		}},
	}, true
}
