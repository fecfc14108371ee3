// Package actuator applies and clears the undervolt configuration of a GPU
// by driving nvidia-smi and nvidia-settings.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/undervolt-agent/agent/internal/gpu"
	"github.com/undervolt-agent/agent/internal/run"
	"github.com/undervolt-agent/agent/internal/session"
)

// Actuator issues the control command sequences. One instance serves all
// GPUs; per-GPU addressing happens through the nvidia-smi -i flag.
type Actuator struct {
	runner       run.Runner
	session      *session.Context
	smiPath      string
	settingsPath string
	log          *zap.Logger
}

// New creates an actuator. The session context addresses the X-scoped
// nvidia-settings calls.
func New(runner run.Runner, sess *session.Context, smiPath, settingsPath string, log *zap.Logger) *Actuator {
	return &Actuator{
		runner:       runner,
		session:      sess,
		smiPath:      smiPath,
		settingsPath: settingsPath,
		log:          log,
	}
}

// Apply drives the GPU into (enabled=true) or out of (enabled=false) the
// undervolted configuration:
//
//	enable:  persistence mode on, graphics clocks locked to the offset range,
//	         power-mizer "prefer maximum performance", clock offset applied.
//	disable: persistence mode off, clock lock cleared, power-mizer "adaptive",
//	         clock offset zero.
//
// Every step is issued even when an earlier step fails: firmware may reject
// an individual setting without invalidating the rest of the sequence. Step
// failures are logged and folded into the returned error; callers treat it
// as advisory. Re-applying the same state is safe, each command simply sets
// the value it already has.
func (a *Actuator) Apply(ctx context.Context, rec *gpu.Record, enabled bool) error {
	index := strconv.Itoa(rec.Index)

	var steps []run.Invocation
	if enabled {
		offset := rec.Profile.OffsetMHz
		steps = []run.Invocation{
			a.smi(index, "-pm", "1"),
			a.smi(index, "-lgc", fmt.Sprintf("%d,%d",
				rec.Profile.CoreClockMHz-offset,
				rec.Profile.BoostClockMHz-offset,
			)),
			a.settings(
				"-a", "GPUPowerMizerMode=1",
				"-a", fmt.Sprintf("GPUGraphicsClockOffsetAllPerformanceLevels=%d", offset),
			),
		}
	} else {
		steps = []run.Invocation{
			a.smi(index, "-pm", "0"),
			a.smi(index, "-rgc"),
			a.settings(
				"-a", "GPUPowerMizerMode=0",
				"-a", "GPUGraphicsClockOffsetAllPerformanceLevels=0",
			),
		}
	}

	var errs []error
	for _, step := range steps {
		if err := a.runner.Run(ctx, step); err != nil {
			a.log.Warn("control command failed",
				zap.Int("gpu", rec.Index),
				zap.String("command", step.Path),
				zap.Strings("args", step.Args),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s %s: %w", step.Path, strings.Join(step.Args, " "), err))
		}
	}
	return errors.Join(errs...)
}

func (a *Actuator) smi(index string, args ...string) run.Invocation {
	return run.Invocation{
		Path: a.smiPath,
		Args: append([]string{"-i", index}, args...),
	}
}

func (a *Actuator) settings(args ...string) run.Invocation {
	return run.Invocation{
		Path: a.settingsPath,
		Args: args,
		ExtraEnv: []string{
			"DISPLAY=" + a.session.Display,
			"XAUTHORITY=" + a.session.AuthorityFile,
		},
	}
}
