package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/adhamqabban37/TruthByte/internal/camera"
	"github.com/adhamqabban37/TruthByte/internal/scan"
	"github.com/adhamqabban37/TruthByte/internal/server"
)

var errReplayTimeout = errors.New("no product recognized before the timeout")

// runReplay scans a directory of still images as if they were a camera feed
// and writes the first successful result to out as JSON
func runReplay(dir string, newMachine server.MachineFactory, timeout time.Duration, out io.Writer) error {
	device, err := camera.LoadReplayDir(dir)
	if err != nil {
		return err
	}
	machine, err := newMachine(camera.NewManager(device))
	if err != nil {
		return fmt.Errorf("creating scan machine: %w", err)
	}
	defer machine.Teardown()

	snapshots, unsubscribe := machine.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}
	slog.Info("Replay scan started", "dir", dir, "mode", machine.Snapshot().Mode)

	for {
		select {
		case snap := <-snapshots:
			switch snap.State {
			case scan.StateSuccess:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Result)
			case scan.StateError, scan.StatePermissionDenied:
				return fmt.Errorf("scan ended in %s: %s", snap.State, snap.Notice)
			}
			if snap.Notice != "" {
				slog.Info("Replay scan notice", "notice", snap.Notice)
			}
		case <-ctx.Done():
			return errReplayTimeout
		}
	}
}
