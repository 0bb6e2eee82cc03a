package sandbox

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// subprocessLimitations is reported on every subprocess Result.
var subprocessLimitations = []string{
	"MVP isolation uses a temporary working directory plus subprocess resource limits.",
	"This is not a hardened sandbox and does not provide OS-level filesystem or network isolation.",
}

// Subprocess runs code in a fresh temporary directory with kernel resource
// limits attached to the child process.
type Subprocess struct {
	logger *slog.Logger
}

var _ Runner = (*Subprocess)(nil)

// NewSubprocess creates the local subprocess runner.
func NewSubprocess(logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = nopLogger
	}
	return &Subprocess{logger: logger}
}

func (s *Subprocess) Name() string { return BackendSubprocess }

// Run executes req in a temporary directory that is removed afterwards.
func (s *Subprocess) Run(ctx context.Context, req Request) (Result, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	dir, err := os.MkdirTemp("", "ninth-seat-sandbox-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(dir)

	if err := materialize(dir, req); err != nil {
		return Result{}, err
	}

	command := commandFor(req.Language)
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = runEnv(dir)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdout := NewCapWriter(req.MaxOutputChars)
	stderr := NewCapWriter(req.MaxOutputChars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	ApplyProcessLimits(cmd.Process.Pid, req.TimeoutSeconds, req.MemoryLimitMB)

	waitErr := cmd.Wait()
	durationMs := roundMs(float64(time.Since(start).Microseconds()) / 1000)

	res := Result{
		Language:        req.Language,
		Command:         command,
		TimeoutSeconds:  req.TimeoutSeconds,
		MemoryLimitMB:   req.MemoryLimitMB,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		DurationMs:      durationMs,
		Artifacts:       collectArtifacts(dir, entrypointFor(req.Language)),
		Limitations:     subprocessLimitations,
	}

	switch {
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			res.ReturnCode = &code
		} else {
			return Result{}, waitErr
		}
	default:
		code := cmd.ProcessState.ExitCode()
		res.ReturnCode = &code
	}

	if res.TimedOut {
		s.logger.Warn("sandbox execution timed out",
			"language", req.Language, "timeout_seconds", req.TimeoutSeconds)
	} else {
		s.logger.Debug("sandbox execution finished",
			"language", req.Language, "return_code", res.ReturnCode, "duration_ms", durationMs)
	}
	return res, nil
}

// ApplyProcessLimits attaches rlimits to an already-started child. The
// interpreter is still in startup at this point, well before user code runs.
// Best effort: limits the kernel refuses are skipped.
func ApplyProcessLimits(pid int, timeoutSeconds float64, memoryMB int) {
	cpu := uint64(math.Ceil(timeoutSeconds)) + 1
	mem := uint64(memoryMB) << 20
	limits := []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_CPU, cpu},
		{unix.RLIMIT_AS, mem},
		{unix.RLIMIT_FSIZE, 5 << 20},
		{unix.RLIMIT_NOFILE, 64},
		{unix.RLIMIT_NPROC, 64},
		{unix.RLIMIT_CORE, 0},
	}
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		// Best effort: a child that exited already is handled by Wait.
		_ = unix.Prlimit(pid, l.resource, &rl, nil)
	}
}
