// Package executor spawns local shell processes for commands that already
// cleared policy. It enforces the configured timeout and captures both
// output streams concurrently and bounded.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
	"github.com/shellgate/shellgate/internal/policy"
)

// DefaultMaxOutputBytes caps each captured stream per execution.
const DefaultMaxOutputBytes = 1 << 20 // 1 MiB

// Outcome is the structured result of one local execution.
type Outcome struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	TimedOut        bool
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
}

// Dispatcher runs validated commands. Each call is independent; there is
// no shared mutable state between concurrent executions.
type Dispatcher struct {
	// MaxOutputBytes bounds each captured stream; zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int64
}

// Execute spawns the shell's base executable with its fixed base args and
// rawCommand appended as the final argument, working directory set to
// workingDir. The caller must have run the full validation chain first;
// nothing here re-checks policy.
//
// A timeout fires a forced kill and yields ErrTimeout with whatever
// output was captured. A nonzero exit is not an error of the pipeline:
// the Outcome carries the code and both streams and the error is nil.
// Spawn-time failures surface as ErrSpawnFailed, never as a fake exit
// code.
func (d *Dispatcher) Execute(ctx context.Context, shell policy.ShellProfile, rawCommand, workingDir string, timeout time.Duration) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, shell.BaseArgs...), rawCommand)
	cmd := exec.CommandContext(ctx, shell.Executable, args...)
	cmd.Dir = workingDir
	cmd.WaitDelay = 5 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, gateerrors.Execution("execute_local", "stdout pipe", fmt.Errorf("%w: %w", gateerrors.ErrStreamInitFailed, err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, gateerrors.Execution("execute_local", "stderr pipe", fmt.Errorf("%w: %w", gateerrors.ErrStreamInitFailed, err))
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, gateerrors.Execution("execute_local",
			fmt.Sprintf("shell %s (%s)", shell.Name, shell.Executable),
			fmt.Errorf("%w: %w", gateerrors.ErrSpawnFailed, err))
	}

	limit := d.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}

	type pipeResult struct {
		data     []byte
		exceeded bool
		err      error
	}

	var wg sync.WaitGroup
	wg.Add(2)
	stdoutCh := make(chan pipeResult, 1)
	stderrCh := make(chan pipeResult, 1)

	go func() {
		defer wg.Done()
		data, exceeded, readErr := readAllWithLimit(stdoutPipe, limit)
		stdoutCh <- pipeResult{data: data, exceeded: exceeded, err: readErr}
	}()
	go func() {
		defer wg.Done()
		data, exceeded, readErr := readAllWithLimit(stderrPipe, limit)
		stderrCh <- pipeResult{data: data, exceeded: exceeded, err: readErr}
	}()

	// Both readers drain to EOF before Wait reaps the child; the kill
	// triggered by context expiry closes the pipes, so this never hangs.
	wg.Wait()
	stdoutRes := <-stdoutCh
	stderrRes := <-stderrCh
	waitErr := cmd.Wait()

	outcome := Outcome{
		Stdout:          string(stdoutRes.data),
		Stderr:          string(stderrRes.data),
		StdoutTruncated: stdoutRes.exceeded,
		StderrTruncated: stderrRes.exceeded,
		Duration:        time.Since(started),
	}

	if ctx.Err() == context.DeadlineExceeded {
		outcome.TimedOut = true
		log.Warn().
			Str("shell", shell.Name).
			Dur("timeout", timeout).
			Msg("Command killed after exceeding timeout")
		return outcome, gateerrors.Execution("execute_local",
			fmt.Sprintf("killed after %s", timeout), gateerrors.ErrTimeout)
	}

	if readErr := firstError(stdoutRes.err, stderrRes.err); readErr != nil {
		return outcome, gateerrors.Execution("execute_local", "stream read",
			fmt.Errorf("%w: %w", gateerrors.ErrStreamInitFailed, readErr))
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		return outcome, gateerrors.Execution("execute_local", "wait", waitErr)
	}

	return outcome, nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// readAllWithLimit reads r to EOF, keeping at most limit bytes and
// reporting whether anything was discarded. The reader is always drained
// so the child never blocks on a full pipe.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	var out bytes.Buffer
	var total int64
	exceeded := false

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if total < limit {
				toWrite := int64(n)
				if remaining := limit - total; toWrite > remaining {
					toWrite = remaining
					exceeded = true
				}
				out.Write(buf[:toWrite])
			} else {
				exceeded = true
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return out.Bytes(), exceeded, err
		}
	}
	return out.Bytes(), exceeded, nil
}
