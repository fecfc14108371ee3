// Package telemetry maintains a long-lived nvidia-smi subprocess that streams
// one power/performance-state sample per GPU per poll interval, and writes
// each sample into the matching inventory record.
package telemetry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/undervolt-agent/agent/internal/gpu"
)

// Reader consumes the nvidia-smi telemetry stream. One Reader serves all
// enumerated GPUs; samples are routed to records by their index field.
type Reader struct {
	records  map[int]*gpu.Record
	interval time.Duration
	smiPath  string
	log      *zap.Logger
}

// NewReader creates a reader feeding the given records. Every enumerated
// record should be passed in, not just the monitored subset, so that every
// stream line has a destination.
func NewReader(records []*gpu.Record, interval time.Duration, smiPath string, log *zap.Logger) *Reader {
	byIndex := make(map[int]*gpu.Record, len(records))
	for _, rec := range records {
		byIndex[rec.Index] = rec
	}
	return &Reader{
		records:  byIndex,
		interval: interval,
		smiPath:  smiPath,
		log:      log,
	}
}

// Run starts the streaming subprocess and consumes its output until the
// stream ends or ctx is cancelled, then reaps the subprocess. The stream is
// not restarted on end-of-stream; a daemon that outlives its stream keeps
// acting on the last observed samples.
func (r *Reader) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.smiPath,
		"--query-gpu=index,power.draw,pstate",
		"--format=csv,noheader",
		fmt.Sprintf("--loop-ms=%d", r.interval.Milliseconds()),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("telemetry stream pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting telemetry stream: %w", err)
	}

	r.consume(stdout)

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("telemetry stream: %w", err)
	}
	return nil
}

// consume reads lines until end-of-stream, applying every sample that parses.
// A malformed line is a protocol violation by the vendor tool; it is logged
// and skipped rather than tearing down monitoring for all GPUs.
func (r *Reader) consume(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		s, err := parseLine(line)
		if err != nil {
			r.log.Warn("skipping malformed telemetry line",
				zap.String("line", line),
				zap.Error(err),
			)
			continue
		}

		rec, ok := r.records[s.index]
		if !ok {
			r.log.Warn("telemetry for unknown GPU index",
				zap.Int("index", s.index),
			)
			continue
		}
		rec.SetTelemetry(s.powerDrawWatts, s.perfState)
	}

	if err := scanner.Err(); err != nil {
		r.log.Warn("telemetry stream read error", zap.Error(err))
	}
}

type sample struct {
	index          int
	powerDrawWatts float64
	perfState      int
}

// parseLine parses one "index, power.draw, pstate" CSV record, e.g.
// "0, 45.32 W, P8". Power draw carries a " W" unit suffix and the
// performance state a "P" prefix.
func parseLine(line string) (sample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return sample{}, fmt.Errorf("want 3 fields, got %d", len(parts))
	}

	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return sample{}, fmt.Errorf("gpu index: %w", err)
	}

	powerField, ok := strings.CutSuffix(strings.TrimSpace(parts[1]), " W")
	if !ok {
		return sample{}, fmt.Errorf("power draw %q missing unit suffix", strings.TrimSpace(parts[1]))
	}
	power, err := strconv.ParseFloat(powerField, 64)
	if err != nil {
		return sample{}, fmt.Errorf("power draw: %w", err)
	}

	stateField, ok := strings.CutPrefix(strings.TrimSpace(parts[2]), "P")
	if !ok {
		return sample{}, fmt.Errorf("perf state %q missing P prefix", strings.TrimSpace(parts[2]))
	}
	perfState, err := strconv.Atoi(stateField)
	if err != nil {
		return sample{}, fmt.Errorf("perf state: %w", err)
	}

	return sample{index: index, powerDrawWatts: power, perfState: perfState}, nil
}
