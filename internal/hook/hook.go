// Package hook runs pre/post backup commands as external processes
// with a hard wall-clock timeout. A hook that overruns its deadline is
// killed together with its children; no hook can stall a run forever.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"bkup/internal/config"
	"bkup/internal/errdefs"
)

// waitDelay bounds how long we wait for output pipes to drain after
// the process group has been killed.
const waitDelay = 5 * time.Second

// Run executes the hook command through the shell and waits for it to
// finish. A nil hook is a no-op. Returns errdefs.ErrHookTimeout when
// the deadline fires, errdefs.ErrHookFailed on a non-zero exit.
func Run(ctx context.Context, h *config.Hook) error {
	if h == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.HookTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)

	// Own process group so the kill reaches hook children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %q exceeded %s", errdefs.ErrHookTimeout, h.Command, h.HookTimeout())
	}
	return fmt.Errorf("%w: %q: %v%s", errdefs.ErrHookFailed, h.Command, err, outputTail(&output))
}

func outputTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	const max = 512
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return ": " + s
}
