package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxLineBytes bounds a single output line. Tool results can be large but
// an unbounded line would stall the scanner.
const maxLineBytes = 10 << 20

// consume streams the output file until isDone reports the agent finished,
// then performs a full-file read to persist anything the tail missed. It
// returns the exit code and whether it is known.
func (r *Runner) consume(ctx context.Context, proc *lineProcessor, containerID, outputFile string, isDone func(context.Context) (bool, int, bool)) (int, bool) {
	log := r.log.WithSessionID(proc.sessionID)

	consumed := 0

	tail, err := r.engine.TailFile(ctx, containerID, outputFile, 0)
	var lines chan string
	if err != nil {
		// The full-file read at the end still recovers the transcript;
		// only the live view degrades.
		log.Warn("failed to tail agent output, falling back to final read", zap.Error(err))
	} else {
		defer tail.Close()
		lines = scanLines(tail.Output)
	}

	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	var exitCode int
	var exitKnown bool
	done := false
	for !done {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			consumed++
			r.consumeLiveLine(ctx, proc, line)
		case <-ticker.C:
			done, exitCode, exitKnown = isDone(ctx)
		case <-ctx.Done():
			done = true
		}
	}

	// The tail lags the file slightly; give it a moment before the
	// authoritative read.
	drainDeadline := time.After(tailDrainWait)
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			consumed++
			r.consumeLiveLine(ctx, proc, line)
		case <-drainDeadline:
			lines = nil
		}
	}

	if err := r.replayFile(ctx, proc, containerID, outputFile, consumed); err != nil {
		log.Warn("final output read failed", zap.Error(err))
	}
	return exitCode, exitKnown
}

// consumeLiveLine processes one tailed line and advances the run row's
// last-seq watermark when it persisted something.
func (r *Runner) consumeLiveLine(ctx context.Context, proc *lineProcessor, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if proc.processLine(ctx, line) {
		if err := r.repo.UpdateAgentRunSeq(ctx, proc.sessionID, proc.nextSeq-1); err != nil {
			r.log.WithSessionID(proc.sessionID).Warn("failed to advance run watermark", zap.Error(err))
		}
	}
}

// replayFile reads the whole output file and persists every record past the
// first skip lines. Duplicate message ids make a second replay a no-op, so
// overlapping with the live tail is safe. Lines that are not JSON become
// synthetic error records here, unlike in the live path where the next tail
// read may still complete them.
func (r *Runner) replayFile(ctx context.Context, proc *lineProcessor, containerID, outputFile string, skip int) error {
	content, err := r.engine.ReadFile(ctx, containerID, outputFile)
	if err != nil {
		return err
	}
	for i, line := range strings.Split(content, "\n") {
		if i < skip {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			proc.processBrokenLine(ctx, line)
			continue
		}
		proc.processLine(ctx, line)
	}
	return nil
}

// scanLines pumps complete lines from the tail stream into a channel; the
// channel closes when the stream ends.
func scanLines(stream io.Reader) chan string {
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
