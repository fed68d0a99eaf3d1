// Package ospi defines the narrow interface boundary between the daemon
// and the external OSP protocol server, per spec.md §6 Upwards. The
// concrete implementation lives in package daemon; ospi only holds the
// contract and the shared Server/ParamInfo shapes, mirroring the way the
// teacher keeps handlers.InfoProvider as a small standalone interface
// rather than bundling it into the concrete handler package.
package ospi

import (
	"context"
	"iter"

	"github.com/bvboe/ospd-go/prefs"
	"github.com/bvboe/ospd-go/vtcatalog"
)

// Server is the minimal callback surface the dispatcher needs from its
// host process to report scan progress and results upstream.
type Server interface {
	ReportScanEvent(scanID string, event string)
}

// Dispatcher is the seam the OSP protocol server drives: one call per
// protocol verb, translated into scan lifecycle and catalog operations.
type Dispatcher interface {
	Init(server Server) error
	ExecScan(ctx context.Context, scanID string) error // blocks until scan end
	StopScanCleanup(ctx context.Context, scanID string) error

	// DeleteScan purges a finished scan's bookkeeping (host progress,
	// terminal state) so repeated get_scan polls after completion don't
	// grow memory without bound. Returns scanerr.ErrUnknownScan if scanID
	// was never queued, is still active, or has already been deleted.
	// Supplemented feature per SPEC_FULL.md §10.
	DeleteScan(scanID string) error

	Check() bool
	Scheduler(ctx context.Context) error // tick entry, delegates to scheduler.Scheduler
	GetVTIterator(sel *vtcatalog.Selection, details bool) iter.Seq2[string, vtcatalog.VT]

	// ScannerParams exposes the scan-wide parameter whitelist itself (name,
	// type, default, description) so clients can discover which
	// parameters are settable. Supplemented feature per SPEC_FULL.md §10,
	// grounded on config.Config's self-describing default/override
	// pattern.
	ScannerParams() []prefs.ParamInfo
}
