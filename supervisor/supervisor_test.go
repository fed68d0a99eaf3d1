package supervisor

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/kvstore/kvstoretest"
	"github.com/bvboe/ospd-go/prefs"
	"github.com/bvboe/ospd-go/registry"
	"github.com/bvboe/ospd-go/scan"
	"github.com/bvboe/ospd-go/vtcatalog"
)

type fakeProcess struct {
	pid   int
	alive bool
}

func (p *fakeProcess) PID() int     { return p.pid }
func (p *fakeProcess) Alive() bool { return p.alive }

type fakeLauncher struct {
	mu      sync.Mutex
	proc    *fakeProcess
	stopped bool
}

func (l *fakeLauncher) Start(ctx context.Context, engineScanID string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proc = &fakeProcess{pid: 4242, alive: true}
	return l.proc, nil
}

func (l *fakeLauncher) Stop(ctx context.Context, engineScanID string, pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.proc != nil {
		l.proc.alive = false
	}
	return nil
}

type event struct {
	kind string
	host string
	args []string
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingSink) record(kind, host string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: kind, host: host, args: args})
}

func (r *recordingSink) HostStart(scanID, host string, at time.Time) { r.record("HOST_START", host) }
func (r *recordingSink) HostEnd(scanID, host string, at time.Time)   { r.record("HOST_END", host) }
func (r *recordingSink) Log(scanID, host, port, oid, value string, qod int) {
	r.record("LOG", host, value)
}
func (r *recordingSink) Error(scanID, host, value string) { r.record("ERROR", host, value) }
func (r *recordingSink) HostDetail(scanID, host, name, value string) {
	r.record("HOST_DETAIL", host, name, value)
}
func (r *recordingSink) Alarm(scanID, host, port, oid, value string, qod int, severity float64) {
	r.record("ALARM", host, value)
}
func (r *recordingSink) Progress(scanID string, percent int) { r.record("PROGRESS", "", "") }

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func sampleRequest() scan.Request {
	return scan.Request{
		ScanID:       "scan-1",
		Targets:      []string{"10.0.0.1"},
		Ports:        "T:22,80",
		VTSelections: []scan.VTSelection{{OID: "1.2.3"}},
		AliveTest:    scan.AliveTest{ICMP: true},
	}
}

func setupSupervisor(t *testing.T, maxDBs int) (*Supervisor, *kvstoretest.Fake, *fakeLauncher, *recordingSink) {
	t.Helper()
	fake := kvstoretest.New(maxDBs)
	reg := registry.New(fake, maxDBs)
	catalog := vtcatalog.New(fake, t.TempDir())
	wl := prefs.NewWhitelist(nil)
	launcher := &fakeLauncher{}
	sink := &recordingSink{}
	s := New("scan-1", sampleRequest(), reg, catalog, wl, launcher, sink, 5*time.Second)
	return s, fake, launcher, sink
}

func mainHandle(t *testing.T, fake *kvstoretest.Fake) kvstore.Handle {
	t.Helper()
	h, err := fake.Select(context.Background(), 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return h
}

func TestLaunch_WritesPreferencesAndStartsEngine(t *testing.T) {
	s, fake, launcher, _ := setupSupervisor(t, 2)

	kb := mainHandle(t, fake)
	// Simulate the engine immediately leaving the handshake state.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = kb.Set(context.Background(), keyEngineStatus, "running")
	}()

	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if s.State() != scan.StateRunning {
		t.Errorf("expected RUNNING, got %v", s.State())
	}
	if launcher.proc == nil {
		t.Fatal("expected engine to be started")
	}
}

func TestLaunch_EmptyPortsFailsBeforeStartingEngine(t *testing.T) {
	s, _, launcher, _ := setupSupervisor(t, 2)
	s.req.Ports = ""

	err := s.Launch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "No port list defined.") {
		t.Fatalf("expected port-list error, got %v", err)
	}
	if s.State() != scan.StateFailed {
		t.Errorf("expected FAILED, got %v", s.State())
	}
	if launcher.proc != nil {
		t.Error("expected no engine process to be spawned")
	}
}

func resultRecord(fields ...string) string {
	return strings.Join(fields, "|||")
}

func TestTranslate_RoutesEachResultKind(t *testing.T) {
	s, _, _, sink := setupSupervisor(t, 2)
	s.translate(resultRecord("ERRMSG", "host1", "", "1.2.3", "boom"))
	s.translate(resultRecord("LOG", "host1", "22", "1.2.3", "logged"))
	s.translate(resultRecord("HOST_DETAIL", "host1", "hostname", "1.2.3", "detail"))
	s.translate(resultRecord("ALARM", "host1", "22", "1.2.3", "alarm"))
	s.translate(resultRecord("DEADHOST", "", "", "10.0.0.2,10.0.0.3", ""))

	kinds := sink.kinds()
	want := []string{"ERROR", "LOG", "HOST_DETAIL", "ALARM", "HOST_START", "HOST_END", "HOST_START", "HOST_END"}
	if len(kinds) != len(want) {
		t.Fatalf("got kinds %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func seedVT(t *testing.T, catalog *vtcatalog.Catalog, fake *kvstoretest.Fake, feedDir, oid string, vt vtcatalog.VT) {
	t.Helper()
	h, err := fake.Select(context.Background(), 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	raw, err := vtcatalog.EncodeVT(vt)
	if err != nil {
		t.Fatalf("encode vt: %v", err)
	}
	if err := h.Set(context.Background(), vtcatalog.VTKey(oid), raw); err != nil {
		t.Fatalf("seed vt: %v", err)
	}
	if err := os.WriteFile(feedDir+"/plugin_feed_info.inc", []byte(`PLUGIN_SET = "202407201030";`), 0644); err != nil {
		t.Fatalf("write feed info: %v", err)
	}
	if err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
}

func TestLookupQoD_PrefersQoDTypeOverRawField(t *testing.T) {
	s, fake, _, _ := setupSupervisor(t, 1)
	seedVT(t, s.catalog, fake, s.catalog.FeedDir(), "1.2.3", vtcatalog.VT{QoDType: "remote_banner", QoD: 1})

	if got := s.lookupQoD("1.2.3"); got != qodTypes["remote_banner"] {
		t.Errorf("lookupQoD = %d, want %d (from qodTypes table)", got, qodTypes["remote_banner"])
	}
}

func TestLookupQoD_FallsBackToRawFieldForUnknownType(t *testing.T) {
	s, fake, _, _ := setupSupervisor(t, 1)
	seedVT(t, s.catalog, fake, s.catalog.FeedDir(), "1.2.3", vtcatalog.VT{QoDType: "", QoD: 42})

	if got := s.lookupQoD("1.2.3"); got != 42 {
		t.Errorf("lookupQoD = %d, want fallback value 42", got)
	}
}

func TestLookupQoD_UnknownOIDReturnsZero(t *testing.T) {
	s, _, _, _ := setupSupervisor(t, 1)
	if got := s.lookupQoD("9.9.9"); got != 0 {
		t.Errorf("lookupQoD = %d, want 0 for an unknown oid", got)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		entry   string
		percent int
		ok      bool
	}{
		{"5/10", 50, true},
		{"0/0", 0, false},
		{"1/-1", 100, true},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		got, ok := parseProgress(c.entry)
		if ok != c.ok || (ok && got != c.percent) {
			t.Errorf("parseProgress(%q) = (%d, %v), want (%d, %v)", c.entry, got, ok, c.percent, c.ok)
		}
	}
}

func TestStop_MarksStoppedAndInvokesEngineStop(t *testing.T) {
	s, fake, launcher, _ := setupSupervisor(t, 2)
	kb := mainHandle(t, fake)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = kb.Set(context.Background(), keyEngineStatus, "running")
	}()
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	v, ok, err := kb.Get(context.Background(), keyStopFlag)
	if err != nil || !ok || v != "1" {
		t.Errorf("expected stop flag set, got %q ok=%v err=%v", v, ok, err)
	}
	if !launcher.stopped {
		t.Error("expected engine Stop to be invoked")
	}
}
