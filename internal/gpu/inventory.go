package gpu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/undervolt-agent/agent/internal/run"
)

// ErrNoDevices indicates that enumeration returned an empty GPU list.
var ErrNoDevices = errors.New("no GPUs found")

// UnknownDeviceError reports an enumerated GPU model that has no registry
// entry. Startup aborts on it: without stock clocks there is no safe way to
// compute a locked clock range for the device.
type UnknownDeviceError struct {
	Model string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("gpu %q unknown", e.Model)
}

// Record is one physical GPU: immutable identity assigned at enumeration plus
// the latest telemetry sample. Identity fields are never written after
// construction. Telemetry fields are written by the stream reader goroutine
// and read by the daemon loop, so they are guarded by mu.
type Record struct {
	// Index is the nvidia-smi reporting index. Telemetry lines carry the same
	// index, which is how samples are correlated back to records.
	Index int

	// Model is the product name as reported by enumeration.
	Model string

	// Profile is the registry entry resolved for Model.
	Profile ClockProfile

	mu        sync.Mutex
	powerDraw float64
	perfState int
	sampled   bool
}

// SetTelemetry stores the latest power draw and performance state.
func (r *Record) SetTelemetry(powerDrawWatts float64, perfState int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powerDraw = powerDrawWatts
	r.perfState = perfState
	r.sampled = true
}

// Telemetry returns the most recent sample. ok is false until the stream
// reader has delivered a first sample for this GPU.
func (r *Record) Telemetry() (powerDrawWatts float64, perfState int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powerDraw, r.perfState, r.sampled
}

// Inventory enumerates installed GPUs through nvidia-smi and resolves each
// against the clock profile registry.
type Inventory struct {
	runner   run.Runner
	registry Registry
	smiPath  string
}

// NewInventory creates an inventory backed by the given runner and registry.
func NewInventory(runner run.Runner, registry Registry, smiPath string) *Inventory {
	return &Inventory{
		runner:   runner,
		registry: registry,
		smiPath:  smiPath,
	}
}

// Enumerate lists installed GPU model names in nvidia-smi order and builds
// one Record per device. The ordinal of each output line becomes the record
// index; the telemetry stream reports with the same index, so the order must
// be used as-is, never filtered or re-sorted.
func (inv *Inventory) Enumerate(ctx context.Context) ([]*Record, error) {
	out, err := inv.runner.Output(ctx, run.Invocation{
		Path: inv.smiPath,
		Args: []string{"--query-gpu=gpu_name", "--format=csv,noheader"},
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating GPUs: %w", err)
	}

	var records []*Record
	for _, line := range strings.Split(string(out), "\n") {
		model := strings.TrimSpace(line)
		if model == "" {
			continue
		}
		profile, ok := inv.registry.Lookup(model)
		if !ok {
			return nil, &UnknownDeviceError{Model: model}
		}
		records = append(records, &Record{
			Index:   len(records),
			Model:   model,
			Profile: profile,
		})
	}

	if len(records) == 0 {
		return nil, ErrNoDevices
	}
	return records, nil
}
