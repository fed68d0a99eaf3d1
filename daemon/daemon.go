package daemon

import (
	"context"
	"fmt"
	"iter"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bvboe/ospd-go/config"
	"github.com/bvboe/ospd-go/debug"
	"github.com/bvboe/ospd-go/deployment"
	"github.com/bvboe/ospd-go/engine"
	"github.com/bvboe/ospd-go/feedcheck"
	"github.com/bvboe/ospd-go/feedlock"
	"github.com/bvboe/ospd-go/handlers"
	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/metrics"
	"github.com/bvboe/ospd-go/ospi"
	"github.com/bvboe/ospd-go/prefs"
	"github.com/bvboe/ospd-go/registry"
	"github.com/bvboe/ospd-go/scan"
	"github.com/bvboe/ospd-go/scanerr"
	"github.com/bvboe/ospd-go/scheduler"
	"github.com/bvboe/ospd-go/supervisor"
	"github.com/bvboe/ospd-go/vtcatalog"
)

// Daemon is the top-level process: it owns the shared KV connection, the
// per-scan registry and VT catalog, the feed-check scheduler, and the HTTP
// surfaces the teacher already exposes. It implements ospi.Dispatcher for
// the OSP protocol server and metrics.ScanStatsProvider for the metrics
// collector, the same "one concrete type backs several small interfaces"
// shape the teacher uses for its own top-level wiring.
type Daemon struct {
	cfg       *config.Config
	driver    kvstore.Driver
	registry  *registry.Registry
	catalog   *vtcatalog.Catalog
	lock      *feedlock.Lock
	whitelist prefs.ParamWhitelist
	launcher  supervisor.EngineLauncher
	ready     *ReadyGate
	scheduler *scheduler.Scheduler
	uuid      *deployment.UUID
	debug     *debug.DebugConfig
	feedJob   *feedcheck.Job

	schedulerOnce sync.Once

	mu       sync.Mutex
	server   ospi.Server
	pending  map[string]scan.Request // scan_id -> request, queued before ExecScan
	active   map[string]*supervisor.Supervisor
	finished map[string]*supervisor.Supervisor // scan_id -> terminal supervisor, until DeleteScan
	counts   metrics.ScanCounts
}

// New builds a Daemon from cfg: connects to the shared KV store, constructs
// the registry/catalog/feed lock, and registers the feed-check job on a
// scheduler (not yet started — callers start it via Scheduler or their own
// startup sequence).
func New(cfg *config.Config, whitelist []prefs.ParamInfo, dataDir string) (*Daemon, error) {
	addr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
	driver, err := kvstore.New(addr, cfg.RedisDBCount)
	if err != nil {
		return nil, err
	}

	uuid, err := deployment.NewUUID(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load deployment uuid: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		driver:    driver,
		registry:  registry.New(driver, cfg.RedisDBCount),
		catalog:   vtcatalog.New(driver, cfg.FeedDir),
		lock:      feedlock.New(cfg.FeedLockPath),
		whitelist: prefs.NewWhitelist(whitelist),
		launcher:  supervisor.WrapLauncher(engine.New(cfg.EngineBinaryPath, "", "")),
		ready:     NewReadyGate(),
		scheduler: scheduler.New(),
		uuid:      uuid,
		debug:     debug.NewDebugConfig(cfg.DebugEnabled),
		pending:   make(map[string]scan.Request),
		active:    make(map[string]*supervisor.Supervisor),
		finished:  make(map[string]*supervisor.Supervisor),
	}

	d.feedJob = feedcheck.NewJob(d.catalog, d.lock, cfg.FeedDir, d.ready)

	if cfg.JobsEnabled && cfg.JobsFeedCheckEnabled {
		if err := d.scheduler.AddJob(d.feedJob, scheduler.NewIntervalSchedule(cfg.JobsFeedCheckInterval),
			scheduler.JobConfig{Enabled: true, Timeout: cfg.JobsFeedCheckTimeout}); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// RegisterHTTP wires the standard /health, /info, and /metrics endpoints
// onto mux, the same composition the teacher does in its own bootstrap.
func (d *Daemon) RegisterHTTP(mux *http.ServeMux) {
	handlers.RegisterHandlers(mux, d)
	collectorConfig := metrics.CollectorConfig{
		DeploymentEnabled:  d.cfg.MetricsDeploymentEnabled,
		ScanCountsEnabled:  d.cfg.MetricsScanCountsEnabled,
		ActiveScansEnabled: d.cfg.MetricsActiveScansEnabled,
		FeedInfoEnabled:    d.cfg.MetricsFeedInfoEnabled,
		StalenessEnabled:   d.cfg.MetricsStalenessEnabled,
		StalenessWindow:    d.cfg.MetricsStalenessWindow,
	}
	metrics.RegisterMetricsHandler(mux, d, d, d.uuid.String(), collectorConfig)
}

// WrapHTTP applies the debug request/response logging middleware around
// next. A no-op pass-through when cfg.DebugEnabled is false, so production
// daemons pay zero overhead.
func (d *Daemon) WrapHTTP(next http.Handler) http.Handler {
	return debug.LoggingMiddleware(d.debug, next)
}

// GetInfo implements handlers.InfoProvider.
func (d *Daemon) GetInfo() interface{} {
	return map[string]string{
		"deployment_uuid": d.uuid.String(),
		"version":         d.GetVersion(),
	}
}

// GetVersion implements metrics.InfoProvider.
func (d *Daemon) GetVersion() string { return "ospd-go" }

// GetDeploymentType implements metrics.InfoProvider.
func (d *Daemon) GetDeploymentType() string { return "ospd-go-daemon" }

// GetDeploymentName implements metrics.InfoProvider.
func (d *Daemon) GetDeploymentName() string { return d.uuid.String() }

// Init implements ospi.Dispatcher: one-shot startup. Stores server, then on
// a cold cache (no feed version loaded yet) runs the feed-check job
// synchronously so the catalogue, collection hash, and ready gate are all
// populated before Init returns, rather than leaving that to the first
// scheduler tick (which can be up to JobsFeedCheckInterval away, and never
// fires at all if Scheduler is never called). Reuses feedcheck.Job.Run
// rather than duplicating its lock/refresh/publish sequence.
func (d *Daemon) Init(server ospi.Server) error {
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	if _, haveCached := d.catalog.FeedVersion(); haveCached {
		return nil
	}
	if err := d.feedJob.Run(context.Background()); err != nil {
		return fmt.Errorf("initial feed load: %w", err)
	}
	return nil
}

// QueueScan records a validated scan request under scanID, to be started
// by a subsequent ExecScan call. The OSP protocol layer calls this from
// its own "create scan" verb, before the client asks to start it.
func (d *Daemon) QueueScan(scanID string, req scan.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[scanID] = req
}

// ExecScan implements ospi.Dispatcher: launches the supervisor for scanID
// and blocks until the scan reaches a terminal state.
func (d *Daemon) ExecScan(ctx context.Context, scanID string) error {
	if !d.ready.Get() {
		return fmt.Errorf("vt catalog not ready: %w", scanerr.ErrFeedUnavailable)
	}

	d.mu.Lock()
	req, ok := d.pending[scanID]
	if ok {
		delete(d.pending, scanID)
	}
	server := d.server
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no queued request for scan %q: %w", scanID, scanerr.ErrInternal)
	}

	sup := supervisor.New(scanID, req, d.registry, d.catalog, d.whitelist, d.launcher,
		newServerSink(server), d.cfg.ScanHandshakeTimeout)

	d.mu.Lock()
	d.active[scanID] = sup
	d.counts.Launched++
	d.mu.Unlock()

	err := sup.Launch(ctx)
	if err != nil {
		d.mu.Lock()
		d.counts.Failed++
		delete(d.active, scanID)
		d.finished[scanID] = sup
		d.mu.Unlock()
		return err
	}

	sup.Run(ctx)

	d.mu.Lock()
	delete(d.active, scanID)
	d.finished[scanID] = sup
	switch sup.State() {
	case scan.StateFinished:
		d.counts.Finished++
	case scan.StateStopped:
		d.counts.Stopped++
	default:
		d.counts.Failed++
	}
	d.mu.Unlock()
	return nil
}

// DeleteScan implements ospi.Dispatcher: drops a finished scan's retained
// supervisor (host progress, terminal state) once the client has polled
// get_scan for the last time. A no-op bookkeeping-only operation — the
// scan's KB was already released by Supervisor.Run before it reached a
// terminal state, so there is nothing left to flush here.
func (d *Daemon) DeleteScan(scanID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, active := d.active[scanID]; active {
		return fmt.Errorf("scan %q is still running: %w", scanID, scanerr.ErrUnknownScan)
	}
	if _, ok := d.finished[scanID]; !ok {
		return fmt.Errorf("scan %q: %w", scanID, scanerr.ErrUnknownScan)
	}
	delete(d.finished, scanID)
	return nil
}

// StopScanCleanup implements ospi.Dispatcher.
func (d *Daemon) StopScanCleanup(ctx context.Context, scanID string) error {
	d.mu.Lock()
	sup, ok := d.active[scanID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return sup.Stop(ctx)
}

// Check implements ospi.Dispatcher: true once the engine binary is
// discoverable and the VT catalog has completed at least one refresh.
func (d *Daemon) Check() bool {
	launcher, ok := d.launcher.(interface{ Discoverable() bool })
	discoverable := !ok || launcher.Discoverable()
	return discoverable && d.ready.Get()
}

// Scheduler implements ospi.Dispatcher's tick entry: starts the
// underlying scheduler.Scheduler on first call (idempotent).
func (d *Daemon) Scheduler(ctx context.Context) error {
	var startErr error
	d.schedulerOnce.Do(func() {
		startErr = d.scheduler.Start(ctx)
	})
	return startErr
}

// GetVTIterator implements ospi.Dispatcher.
func (d *Daemon) GetVTIterator(sel *vtcatalog.Selection, details bool) iter.Seq2[string, vtcatalog.VT] {
	return d.catalog.GetIter(sel, details)
}

// ScannerParams implements ospi.Dispatcher's supplemented get_scanner_params
// accessor.
func (d *Daemon) ScannerParams() []prefs.ParamInfo {
	return d.whitelist.Params()
}

// ScanCounts implements metrics.ScanStatsProvider.
func (d *Daemon) ScanCounts() metrics.ScanCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// ActiveScans implements metrics.ScanStatsProvider.
func (d *Daemon) ActiveScans() []metrics.ActiveScan {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]metrics.ActiveScan, 0, len(d.active))
	for scanID, sup := range d.active {
		out = append(out, metrics.ActiveScan{
			ScanID:    scanID,
			State:     string(sup.State()),
			HostCount: len(sup.HostProgress()),
		})
	}
	if d.debug != nil {
		d.debug.SetActiveScans(len(out))
	}
	return out
}

// FeedVersion implements metrics.ScanStatsProvider.
func (d *Daemon) FeedVersion() (string, bool) {
	return d.catalog.FeedVersion()
}

// serverSink adapts ospi.Server to supervisor.ResultSink, formatting each
// callback as a single event string the way the teacher's own handlers
// format structured data for a generic transport (handlers.InfoHandler's
// json.Encoder boundary plays the same adapter role for HTTP).
type serverSink struct {
	server ospi.Server
}

func newServerSink(server ospi.Server) *serverSink {
	return &serverSink{server: server}
}

func (s *serverSink) report(scanID, event string) {
	if s.server == nil {
		log.Printf("[daemon] %s: %s", scanID, event)
		return
	}
	s.server.ReportScanEvent(scanID, event)
}

func (s *serverSink) HostStart(scanID, host string, at time.Time) {
	s.report(scanID, fmt.Sprintf("HOST_START|%s|%s", host, at.Format(time.RFC3339)))
}

func (s *serverSink) HostEnd(scanID, host string, at time.Time) {
	s.report(scanID, fmt.Sprintf("HOST_END|%s|%s", host, at.Format(time.RFC3339)))
}

func (s *serverSink) Log(scanID, host, port, oid, value string, qod int) {
	s.report(scanID, fmt.Sprintf("LOG|%s|%s|%s|%s|qod=%d", host, port, oid, value, qod))
}

func (s *serverSink) Error(scanID, host, value string) {
	s.report(scanID, fmt.Sprintf("ERRMSG|%s|%s", host, value))
}

func (s *serverSink) HostDetail(scanID, host, name, value string) {
	s.report(scanID, fmt.Sprintf("HOST_DETAIL|%s|%s|%s", host, name, value))
}

func (s *serverSink) Alarm(scanID, host, port, oid, value string, qod int, severity float64) {
	s.report(scanID, fmt.Sprintf("ALARM|%s|%s|%s|%s|qod=%d|severity=%.1f", host, port, oid, value, qod, severity))
}

func (s *serverSink) Progress(scanID string, percent int) {
	s.report(scanID, fmt.Sprintf("PROGRESS|%d", percent))
}
