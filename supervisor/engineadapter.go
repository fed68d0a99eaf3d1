package supervisor

import (
	"context"

	"github.com/bvboe/ospd-go/engine"
)

// engineAdapter narrows *engine.Launcher to EngineLauncher, letting
// Supervisor depend on a small locally-declared interface rather than the
// concrete engine package, the same seam-over-concrete-type pattern the
// teacher uses for database.DatabaseInterface.
type engineAdapter struct {
	l *engine.Launcher
}

// WrapLauncher adapts a concrete engine.Launcher to the EngineLauncher
// interface Supervisor depends on.
func WrapLauncher(l *engine.Launcher) EngineLauncher {
	return engineAdapter{l: l}
}

func (a engineAdapter) Start(ctx context.Context, engineScanID string) (Process, error) {
	p, err := a.l.Start(ctx, engineScanID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a engineAdapter) Stop(ctx context.Context, engineScanID string, pid int) error {
	return a.l.Stop(ctx, engineScanID, pid)
}

// Discoverable reports whether the underlying engine binary is present and
// executable, letting daemon.Check probe liveness through the EngineLauncher
// seam without importing the concrete engine package.
func (a engineAdapter) Discoverable() bool {
	return a.l.Discoverable()
}
