package agent

import (
	"context"
)

// CatchUp replays a run's full output file against the store, persisting
// every record not yet present. It is used when the run is no longer being
// consumed live: after a service restart, or when the container stopped
// under a run. Sequences restart from the current maximum; duplicate
// message ids keep a repeated catch-up idempotent.
func (r *Runner) CatchUp(ctx context.Context, sessionID, containerID, outputFile string) error {
	maxSeq, err := r.repo.MaxSeq(ctx, sessionID)
	if err != nil {
		return err
	}
	proc := r.newLineProcessor(sessionID, maxSeq+1)
	return r.replayFile(ctx, proc, containerID, outputFile, 0)
}
