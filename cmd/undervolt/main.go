// Package main is the entry point for the GPU undervolt agent.
// It wires configuration, logging, GPU inventory, session resolution and the
// selected operating mode together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/undervolt-agent/agent/internal/actuator"
	"github.com/undervolt-agent/agent/internal/config"
	"github.com/undervolt-agent/agent/internal/daemon"
	"github.com/undervolt-agent/agent/internal/gpu"
	"github.com/undervolt-agent/agent/internal/hostinit"
	"github.com/undervolt-agent/agent/internal/run"
	"github.com/undervolt-agent/agent/internal/session"
	"github.com/undervolt-agent/agent/internal/telemetry"
	"github.com/undervolt-agent/agent/pkg/logger"
)

const usage = `usage: undervolt [flags] <init|enable|disable|daemon>

modes:
  init     one-time host setup (Xwrapper policy, Coolbits xorg config)
  enable   turn undervolting on for the selected GPUs and exit
  disable  turn undervolting off for the selected GPUs and exit
  daemon   monitor power draw and toggle undervolting automatically

flags:
`

func main() {
	flags := pflag.NewFlagSet("undervolt", pflag.ExitOnError)
	gpuList := flags.StringP("gpus", "i", "", "comma separated indices of GPUs to manage (default: all)")
	devMode := flags.Bool("dev", false, "console-friendly development logging")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	mode := flags.Arg(0)
	switch mode {
	case "init", "enable", "disable", "daemon":
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n\n", mode)
		flags.Usage()
		os.Exit(2)
	}

	indices, err := parseGPUList(*gpuList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --gpus value: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		// Can't use the logger yet, it is configured by cfg.
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *devMode {
		cfg.DevMode = true
	}

	log, err := logger.New(cfg.DevMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	code := execute(mode, indices, cfg, log)
	logger.Sync(log)
	os.Exit(code)
}

// execute runs the selected mode and returns the process exit code.
func execute(mode string, indices []int, cfg *config.Config, log *zap.Logger) int {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "please run as root")
		return 1
	}

	host := hostinit.New(log)

	if mode == "init" {
		changed, err := host.Initialize()
		if err != nil {
			log.Error("host initialization failed", zap.Error(err))
			return 1
		}
		if changed {
			fmt.Println("some modifications happened, please reboot")
		} else {
			fmt.Println("did not do anything, system already initialized")
		}
		return 0
	}

	if !hostReady(host) {
		return 1
	}

	ctx := context.Background()
	runner := run.ExecRunner{}
	registry := gpu.DefaultRegistry().Merge(cfg.Profiles)

	records, err := gpu.NewInventory(runner, registry, cfg.NvidiaSMIPath).Enumerate(ctx)
	if err != nil {
		log.Error("GPU enumeration failed", zap.Error(err))
		return 1
	}

	sess, err := session.NewResolver().Resolve()
	if err != nil {
		log.Error("session resolution failed", zap.Error(err))
		return 1
	}

	monitored, err := selectRecords(records, indices)
	if err != nil {
		log.Error("invalid GPU selection", zap.Error(err))
		return 1
	}

	act := actuator.New(runner, sess, cfg.NvidiaSMIPath, cfg.NvidiaSettingsPath, log)

	switch mode {
	case "enable", "disable":
		enabled := mode == "enable"
		for _, rec := range monitored {
			if err := act.Apply(ctx, rec, enabled); err != nil {
				log.Warn("some control commands failed",
					zap.Int("gpu", rec.Index),
					zap.Error(err),
				)
			}
		}
		return 0

	case "daemon":
		reader := telemetry.NewReader(records, cfg.PollInterval, cfg.NvidiaSMIPath, log)
		d := daemon.New(monitored, act, reader.Run, cfg.TickInterval, log)

		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Run(sigCtx); err != nil {
			log.Error("daemon failed", zap.Error(err))
			return 1
		}
		return 0
	}

	return 1
}

// hostReady verifies the host preconditions for the control modes, printing
// a pointer to the init mode when one is missing.
func hostReady(host *hostinit.Host) bool {
	needs, err := host.XwrapperNeedsModification()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printInitHint()
		return false
	}
	if needs {
		fmt.Fprintf(os.Stderr, "error: %s needs modification\n", host.XwrapperPath)
		printInitHint()
		return false
	}
	if host.XorgNeedsExtraConfig() {
		fmt.Fprintf(os.Stderr, "error: %s does not exist\n", host.XorgConfPath)
		printInitHint()
		return false
	}
	return true
}

func printInitHint() {
	fmt.Fprintf(os.Stderr, "please run \"sudo %s init\"\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "some modifications may weaken xorg security")
}

// parseGPUList parses a comma separated index list into a sorted, duplicate
// free slice. An empty value selects all GPUs (nil result).
func parseGPUList(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var indices []int
	for _, field := range strings.Split(value, ",") {
		index, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("index %q: %w", strings.TrimSpace(field), err)
		}
		if index < 0 {
			return nil, fmt.Errorf("index %d: must not be negative", index)
		}
		if seen[index] {
			continue
		}
		seen[index] = true
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// selectRecords resolves the operator's index selection against the
// enumerated records; a nil selection means all of them.
func selectRecords(records []*gpu.Record, indices []int) ([]*gpu.Record, error) {
	if indices == nil {
		return records, nil
	}
	selected := make([]*gpu.Record, 0, len(indices))
	for _, index := range indices {
		if index >= len(records) {
			return nil, fmt.Errorf("gpu index %d out of range, %d GPUs installed", index, len(records))
		}
		selected = append(selected, records[index])
	}
	return selected, nil
}
