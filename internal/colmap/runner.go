package colmap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dbsmedya/geomatch/internal/config"
	"github.com/dbsmedya/geomatch/internal/logger"
)

// Executor starts external processes. The returned wait function blocks
// until the process exits.
type Executor interface {
	Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (wait func() error, err error)
}

// ExecExecutor runs real processes. Cancelling ctx sends SIGINT first so
// COLMAP can flush its output, then kills after a grace period.
type ExecExecutor struct {
	GracePeriod time.Duration
}

// Start implements Executor.
func (e ExecExecutor) Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 30 * time.Second
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return cmd.Wait, nil
}

// Runner invokes COLMAP subcommands.
type Runner struct {
	binary     string
	useGPU     bool
	posePriors bool
	extraArgs  []string
	exec       Executor
	log        *logger.Logger
}

// NewRunner creates a Runner from configuration.
func NewRunner(cfg config.ColmapConfig, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "colmap"
	}
	return &Runner{
		binary:     binary,
		useGPU:     cfg.UseGPU,
		posePriors: cfg.UsePosePriors,
		extraArgs:  cfg.ExtraArgs,
		exec:       ExecExecutor{},
		log:        log,
	}
}

// WithExecutor replaces the process executor.
func (r *Runner) WithExecutor(e Executor) *Runner {
	r.exec = e
	return r
}

// Run runs a subcommand to completion, logging its output line by line.
func (r *Runner) Run(ctx context.Context, sub string, args ...string) error {
	out := r.log.LineWriter(sub)
	defer out.Close()

	wait, err := r.Start(ctx, sub, args, out)
	if err != nil {
		return err
	}
	if err := wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("colmap %s failed: %w", sub, err)
	}
	return nil
}

// Start launches a subcommand with stdout and stderr sent to out.
func (r *Runner) Start(ctx context.Context, sub string, args []string, out io.Writer) (func() error, error) {
	full := append([]string{sub}, args...)
	r.log.Debugw("starting colmap", "command", sub, "args", full[1:])
	return r.exec.Start(ctx, r.binary, full, out, out)
}

// StartMapper launches the incremental mapper, or pose_prior_mapper when
// pose priors are enabled. Configured extra arguments go last so they can
// override anything geomatch sets.
func (r *Runner) StartMapper(ctx context.Context, args []string, out io.Writer) (func() error, error) {
	sub := "mapper"
	if r.posePriors {
		sub = "pose_prior_mapper"
	}
	full := append(append([]string(nil), args...), r.extraArgs...)
	return r.Start(ctx, sub, full, out)
}

func (r *Runner) gpuFlag() string {
	if r.useGPU {
		return "1"
	}
	return "0"
}
