package actuator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/undervolt-agent/agent/internal/gpu"
	"github.com/undervolt-agent/agent/internal/run"
	"github.com/undervolt-agent/agent/internal/session"
)

type fakeRunner struct {
	calls []run.Invocation
	// fail maps a call ordinal to the error that call should return.
	fail map[int]error
}

func (f *fakeRunner) Run(_ context.Context, inv run.Invocation) error {
	ordinal := len(f.calls)
	f.calls = append(f.calls, inv)
	return f.fail[ordinal]
}

func (f *fakeRunner) Output(_ context.Context, inv run.Invocation) ([]byte, error) {
	f.calls = append(f.calls, inv)
	return nil, nil
}

func testRecord() *gpu.Record {
	return &gpu.Record{
		Index: 0,
		Model: "NVIDIA GeForce RTX 3090",
		Profile: gpu.ClockProfile{
			CoreClockMHz:       1395,
			BoostClockMHz:      1695,
			OffsetMHz:          200,
			IdleThresholdWatts: 120,
		},
	}
}

func newTestActuator(runner *fakeRunner) *Actuator {
	sess := &session.Context{Display: ":0", AuthorityFile: "/run/user/121/gdm/Xauthority"}
	return New(runner, sess, "nvidia-smi", "nvidia-settings", zap.NewNop())
}

func TestApplyEnableSequence(t *testing.T) {
	runner := &fakeRunner{}
	act := newTestActuator(runner)

	require.NoError(t, act.Apply(context.Background(), testRecord(), true))

	require.Len(t, runner.calls, 3)
	require.Equal(t, "nvidia-smi", runner.calls[0].Path)
	require.Equal(t, []string{"-i", "0", "-pm", "1"}, runner.calls[0].Args)
	require.Equal(t, []string{"-i", "0", "-lgc", "1195,1495"}, runner.calls[1].Args)

	settings := runner.calls[2]
	require.Equal(t, "nvidia-settings", settings.Path)
	require.Equal(t, []string{
		"-a", "GPUPowerMizerMode=1",
		"-a", "GPUGraphicsClockOffsetAllPerformanceLevels=200",
	}, settings.Args)
	require.Equal(t, []string{
		"DISPLAY=:0",
		"XAUTHORITY=/run/user/121/gdm/Xauthority",
	}, settings.ExtraEnv)
}

func TestApplyDisableSequence(t *testing.T) {
	runner := &fakeRunner{}
	act := newTestActuator(runner)

	require.NoError(t, act.Apply(context.Background(), testRecord(), false))

	require.Len(t, runner.calls, 3)
	require.Equal(t, []string{"-i", "0", "-pm", "0"}, runner.calls[0].Args)
	require.Equal(t, []string{"-i", "0", "-rgc"}, runner.calls[1].Args)
	require.Equal(t, []string{
		"-a", "GPUPowerMizerMode=0",
		"-a", "GPUGraphicsClockOffsetAllPerformanceLevels=0",
	}, runner.calls[2].Args)
}

func TestApplyAddressesGPUByIndex(t *testing.T) {
	runner := &fakeRunner{}
	act := newTestActuator(runner)

	rec := testRecord()
	rec.Index = 3
	require.NoError(t, act.Apply(context.Background(), rec, false))

	require.Equal(t, []string{"-i", "3", "-pm", "0"}, runner.calls[0].Args)
	require.Equal(t, []string{"-i", "3", "-rgc"}, runner.calls[1].Args)
}

func TestApplyIsIdempotent(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		runner := &fakeRunner{}
		act := newTestActuator(runner)
		rec := testRecord()

		require.NoError(t, act.Apply(context.Background(), rec, enabled))
		require.NoError(t, act.Apply(context.Background(), rec, enabled))

		// The second application issues the exact same sequence again.
		require.Len(t, runner.calls, 6)
		require.Equal(t, runner.calls[:3], runner.calls[3:])
	}
}

func TestApplyContinuesAfterStepFailure(t *testing.T) {
	cause := errors.New("exit status 4")
	runner := &fakeRunner{fail: map[int]error{0: cause}}
	act := newTestActuator(runner)

	err := act.Apply(context.Background(), testRecord(), true)

	// All three steps ran despite the first one failing.
	require.Len(t, runner.calls, 3)
	require.ErrorIs(t, err, cause)
}

func TestApplyAggregatesStepErrors(t *testing.T) {
	first := errors.New("exit status 4")
	second := errors.New("exit status 2")
	runner := &fakeRunner{fail: map[int]error{0: first, 2: second}}
	act := newTestActuator(runner)

	err := act.Apply(context.Background(), testRecord(), false)

	require.Len(t, runner.calls, 3)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
}
