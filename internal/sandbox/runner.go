package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// Runner executes commands through the runas helper. With the sandbox
// disabled (development as a non-root user) commands run directly with the
// spec's environment but no identity or namespace changes.
type Runner struct {
	runasPath string
	disabled  bool
	logger    *logger.Logger
}

// NewRunner creates a runner using the helper at runasPath.
func NewRunner(runasPath string, disabled bool, log *logger.Logger) *Runner {
	return &Runner{
		runasPath: runasPath,
		disabled:  disabled,
		logger:    log.WithFields(zap.String("component", "sandbox")),
	}
}

// Disabled reports whether commands bypass the helper.
func (r *Runner) Disabled() bool {
	return r.disabled
}

// Command builds the exec.Cmd for argv under spec. The child is placed in
// its own process group so the caller can signal the whole tree.
func (r *Runner) Command(ctx context.Context, spec *Spec, argv []string) *exec.Cmd {
	var cmd *exec.Cmd
	if r.disabled {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = spec.Dir
		cmd.Env = flattenEnv(spec.Env)
	} else {
		wrapped := BuildArgv(r.runasPath, spec, argv)
		cmd = exec.CommandContext(ctx, wrapped[0], wrapped[1:]...)
		// The helper builds the child environment from --env flags; give it
		// nothing to leak.
		cmd.Env = []string{}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Run executes a short-lived command and returns its combined output.
func (r *Runner) Run(ctx context.Context, spec *Spec, argv []string) ([]byte, error) {
	cmd := r.Command(ctx, spec, argv)
	r.logger.Debug("running sandboxed command",
		zap.Strings("argv", argv),
		zap.String("dir", spec.Dir),
		zap.Bool("network", spec.AllowNetwork))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
