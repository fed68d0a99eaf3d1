package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestDiscoverable_TrueForExecutableFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fake-engine", "#!/bin/sh\nexit 0\n")
	l := New(path, "", "")
	if !l.Discoverable() {
		t.Error("expected executable file to be discoverable")
	}
}

func TestDiscoverable_FalseForMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"), "", "")
	if l.Discoverable() {
		t.Error("expected missing binary to be non-discoverable")
	}
}

func TestDiscoverable_FalseForNonExecutableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-executable")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := New(path, "", "")
	if l.Discoverable() {
		t.Error("expected non-executable file to be non-discoverable")
	}
}

func TestStart_LaunchesProcessAndReportsPID(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fake-engine", "#!/bin/sh\nsleep 1\n")
	l := New(path, "", "")

	proc, err := l.Start(context.Background(), "scan-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc.PID() <= 0 {
		t.Errorf("expected positive pid, got %d", proc.PID())
	}
	if !proc.Alive() {
		t.Error("expected freshly started process to be alive")
	}
	_ = proc.cmd.Process.Kill()
	_, _ = proc.cmd.Process.Wait()
}

func TestStop_NoHelperSendsSIGTERM(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fake-engine", "#!/bin/sh\nsleep 30\n")
	l := New(path, "", "")

	proc, err := l.Start(context.Background(), "scan-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := l.Stop(context.Background(), "scan-1", proc.PID()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, _ = proc.cmd.Process.Wait()
}

func TestAlive_FalseForReapedProcess(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fake-engine", "#!/bin/sh\nexit 0\n")
	l := New(path, "", "")

	proc, err := l.Start(context.Background(), "scan-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = proc.cmd.Process.Wait()

	if proc.Alive() {
		t.Error("expected exited, reaped process to report not alive")
	}
}
