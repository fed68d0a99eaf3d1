package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bvboe/ospd-go/config"
	"github.com/bvboe/ospd-go/debug"
	"github.com/bvboe/ospd-go/deployment"
	"github.com/bvboe/ospd-go/feedcheck"
	"github.com/bvboe/ospd-go/feedlock"
	"github.com/bvboe/ospd-go/kvstore/kvstoretest"
	"github.com/bvboe/ospd-go/prefs"
	"github.com/bvboe/ospd-go/registry"
	"github.com/bvboe/ospd-go/scan"
	"github.com/bvboe/ospd-go/supervisor"
	"github.com/bvboe/ospd-go/vtcatalog"
)

// fakeLauncher and fakeProcess give ExecScan a deterministic engine without
// spawning a real subprocess, the same style supervisor_test.go already uses.
type fakeProcess struct {
	pid   int
	alive bool
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Alive() bool { return p.alive }

type fakeLauncher struct {
	proc *fakeProcess
}

func (l *fakeLauncher) Start(ctx context.Context, engineScanID string) (supervisor.Process, error) {
	l.proc.alive = true
	return l.proc, nil
}

func (l *fakeLauncher) Stop(ctx context.Context, engineScanID string, pid int) error {
	l.proc.alive = false
	return nil
}

func (l *fakeLauncher) Discoverable() bool { return true }

type recordingServer struct {
	events []string
}

func (s *recordingServer) ReportScanEvent(scanID string, event string) {
	s.events = append(s.events, event)
}

func sampleRequest() scan.Request {
	return scan.Request{
		Targets: []string{"10.0.0.1"},
		Ports:   "T:22",
		VTSelections: []scan.VTSelection{
			{OID: "1.2.3.4"},
		},
		AliveTest: scan.AliveTest{ICMP: true},
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	fake := kvstoretest.New(4)
	uuid, err := deployment.NewUUID(t.TempDir())
	if err != nil {
		t.Fatalf("new deployment uuid: %v", err)
	}
	feedDir := t.TempDir()
	catalog := vtcatalog.New(fake, feedDir)
	ready := NewReadyGate()
	lock := feedlock.New(filepath.Join(t.TempDir(), "feed.lock"))
	return &Daemon{
		cfg:       &config.Config{ScanHandshakeTimeout: 50 * time.Millisecond},
		registry:  registry.New(fake, 4),
		catalog:   catalog,
		whitelist: prefs.NewWhitelist(nil),
		launcher:  &fakeLauncher{proc: &fakeProcess{pid: 101}},
		ready:     ready,
		uuid:      uuid,
		debug:     debug.NewDebugConfig(false),
		feedJob:   feedcheck.NewJob(catalog, lock, feedDir, ready),
		pending:   make(map[string]scan.Request),
		active:    make(map[string]*supervisor.Supervisor),
		finished:  make(map[string]*supervisor.Supervisor),
	}
}

func writeFeedInfo(t *testing.T, dir string, pluginSet string) {
	t.Helper()
	content := "PLUGIN_SET = \"" + pluginSet + "\";\n"
	if err := os.WriteFile(filepath.Join(dir, "plugin_feed_info.inc"), []byte(content), 0644); err != nil {
		t.Fatalf("write feed info: %v", err)
	}
}

func TestCheck_FalseUntilReady(t *testing.T) {
	d := newTestDaemon(t)
	if d.Check() {
		t.Fatal("expected Check to be false before the catalog is ready")
	}
	d.ready.Publish([]byte("abc"))
	if !d.Check() {
		t.Fatal("expected Check to be true once ready and the engine is discoverable")
	}
}

func TestExecScan_RequiresReadyCatalog(t *testing.T) {
	d := newTestDaemon(t)
	d.QueueScan("scan-1", sampleRequest())
	if err := d.ExecScan(context.Background(), "scan-1"); err == nil {
		t.Fatal("expected ExecScan to fail while the catalog is not ready")
	}
}

func TestExecScan_UnknownScanIDFails(t *testing.T) {
	d := newTestDaemon(t)
	d.ready.Publish([]byte("abc"))
	if err := d.ExecScan(context.Background(), "never-queued"); err == nil {
		t.Fatal("expected ExecScan to fail for a scan id with no queued request")
	}
}

func TestExecScan_PreferenceFailureMarksFailedAndCleansUp(t *testing.T) {
	d := newTestDaemon(t)
	d.ready.Publish([]byte("abc"))
	d.server = &recordingServer{}
	req := sampleRequest()
	req.Ports = "" // PreferenceBuilder fails before the engine is ever started
	d.QueueScan("scan-1", req)

	if err := d.ExecScan(context.Background(), "scan-1"); err == nil {
		t.Fatal("expected ExecScan to surface the preference build failure")
	}

	counts := d.ScanCounts()
	if counts.Launched != 1 {
		t.Errorf("expected one launch attempt recorded, got %d", counts.Launched)
	}
	if counts.Failed != 1 {
		t.Errorf("expected one failure recorded, got %d", counts.Failed)
	}
	if len(d.ActiveScans()) != 0 {
		t.Error("expected no active scans once ExecScan returns")
	}
	if _, pending := d.pending["scan-1"]; pending {
		t.Error("expected the pending request to be consumed even on failure")
	}
}

func TestExecScan_HandshakeTimeoutMarksFailed(t *testing.T) {
	d := newTestDaemon(t)
	d.ready.Publish([]byte("abc"))
	d.QueueScan("scan-1", sampleRequest())

	// The fake engine never writes a non-"new" status, so the handshake
	// times out against the short ScanHandshakeTimeout configured above.
	if err := d.ExecScan(context.Background(), "scan-1"); err == nil {
		t.Fatal("expected ExecScan to surface the handshake timeout")
	}

	counts := d.ScanCounts()
	if counts.Failed != 1 {
		t.Errorf("expected one failure recorded, got %d", counts.Failed)
	}
	if len(d.ActiveScans()) != 0 {
		t.Error("expected no active scans once ExecScan returns")
	}
}

func TestInit_NoFeedFileLeavesNotReady(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.Init(&recordingServer{}); err != nil {
		t.Fatalf("expected Init to tolerate a missing feed file, got %v", err)
	}
	if d.ready.Get() {
		t.Fatal("expected ready to stay false with no plugin_feed_info.inc on disk")
	}
}

func TestInit_ColdCachePopulatesCatalogAndReady(t *testing.T) {
	d := newTestDaemon(t)
	writeFeedInfo(t, d.catalog.FeedDir(), "202407201030")

	if err := d.Init(&recordingServer{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !d.ready.Get() {
		t.Fatal("expected Init to populate the catalog and publish ready on a cold cache")
	}
	if _, ok := d.catalog.FeedVersion(); !ok {
		t.Fatal("expected Init to leave a cached feed version")
	}
}

func TestInit_WarmCacheIsNoOp(t *testing.T) {
	d := newTestDaemon(t)
	writeFeedInfo(t, d.catalog.FeedDir(), "202407201030")
	if err := d.Init(&recordingServer{}); err != nil {
		t.Fatalf("first Init: %v", err)
	}

	// Remove the feed file: a second Init must not try to re-run the feed
	// job now that the catalog already has a cached version, so it must
	// tolerate the file being gone instead of erroring.
	if err := os.Remove(filepath.Join(d.catalog.FeedDir(), "plugin_feed_info.inc")); err != nil {
		t.Fatalf("remove feed info: %v", err)
	}
	if err := d.Init(&recordingServer{}); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestDeleteScan_RemovesFinishedScanBookkeeping(t *testing.T) {
	d := newTestDaemon(t)
	d.ready.Publish([]byte("abc"))
	req := sampleRequest()
	req.Ports = ""
	d.QueueScan("scan-1", req)
	if err := d.ExecScan(context.Background(), "scan-1"); err == nil {
		t.Fatal("expected ExecScan to fail (preference build) so scan-1 lands in finished")
	}

	if err := d.DeleteScan("scan-1"); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}
	if err := d.DeleteScan("scan-1"); err == nil {
		t.Fatal("expected a second DeleteScan on the same id to fail")
	}
}

func TestDeleteScan_UnknownIDFails(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.DeleteScan("never-seen"); err == nil {
		t.Fatal("expected DeleteScan to fail for an id the daemon never tracked")
	}
}

func TestDeleteScan_StillActiveFails(t *testing.T) {
	d := newTestDaemon(t)
	d.mu.Lock()
	d.active["scan-1"] = &supervisor.Supervisor{}
	d.mu.Unlock()
	if err := d.DeleteScan("scan-1"); err == nil {
		t.Fatal("expected DeleteScan to refuse a still-active scan")
	}
}

func TestGetInfo_ReportsVersionAndDeploymentIdentity(t *testing.T) {
	d := newTestDaemon(t)
	info, ok := d.GetInfo().(map[string]string)
	if !ok {
		t.Fatalf("expected GetInfo to return a map[string]string, got %T", d.GetInfo())
	}
	if info["version"] != d.GetVersion() {
		t.Errorf("expected version %q, got %q", d.GetVersion(), info["version"])
	}
}

func TestScannerParams_DelegatesToWhitelist(t *testing.T) {
	d := &Daemon{whitelist: prefs.NewWhitelist([]prefs.ParamInfo{
		{Name: "max_checks", Type: "integer", Default: "10"},
	})}
	params := d.ScannerParams()
	if len(params) != 1 || params[0].Name != "max_checks" {
		t.Fatalf("expected whitelist params to pass through unchanged, got %+v", params)
	}
}
