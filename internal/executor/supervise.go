package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

type runState int

const (
	stateRunning runState = iota
	stateExited
	stateTimedOut
	stateCanceled
)

// pipeCapture reads one output stream of the child into a bounded buffer.
// The child gets the write end of an os.Pipe directly, so waiting for the
// child never waits for the pipe to reach EOF.
type pipeCapture struct {
	r, w *os.File
	buf  *limitWriter
	done chan struct{}
}

func newPipeCapture() (*pipeCapture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipeCapture{
		r:    r,
		w:    w,
		buf:  &limitWriter{limit: maxOutputBytes},
		done: make(chan struct{}),
	}, nil
}

// start closes the parent's copy of the write end and begins reading.
func (p *pipeCapture) start() {
	p.w.Close()
	go func() {
		defer close(p.done)
		_, _ = io.Copy(p.buf, p.r)
	}()
}

// drain waits for the reader to hit EOF until ctx ends, then closes the read
// end so the reader returns. It reports whether EOF was reached.
func (p *pipeCapture) drain(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		p.r.Close()
		<-p.done
		return false
	}
}

func (p *pipeCapture) close() {
	p.w.Close()
	p.r.Close()
}

// supervise starts cmd and waits for it to exit, the deadline to pass, or
// ctx to end, whichever comes first. Only the child's own exit counts:
// a background grandchild holding stdout open does not turn a finished
// command into a timeout.
func (e *Executor) supervise(ctx context.Context, cmd *exec.Cmd, spec CommandSpec, argv []string) (*Result, error) {
	stdout, err := newPipeCapture()
	if err != nil {
		return nil, &OSError{Op: "create stdout pipe", Err: err}
	}
	defer stdout.close()
	stderr, err := newPipeCapture()
	if err != nil {
		return nil, &OSError{Op: "create stderr pipe", Err: err}
	}
	defer stderr.close()
	cmd.Stdout = stdout.w
	cmd.Stderr = stderr.w

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, startError(spec, argv[0], err)
	}
	stdout.start()
	stderr.start()

	// With *os.File outputs exec starts no copy goroutines, so Wait returns
	// as soon as the child is reaped.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	state := stateRunning
	var waitErr error
	select {
	case waitErr = <-done:
		state = stateExited
	case <-deadline:
		// A child that exited on the same tick is not a timeout.
		select {
		case waitErr = <-done:
			state = stateExited
		default:
			state = stateTimedOut
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state = stateTimedOut
		} else {
			state = stateCanceled
		}
	}

	if state != stateExited {
		e.killGroup(cmd)
		waitErr = <-done
	}
	elapsed := time.Since(start)

	drainCtx, cancel := context.WithTimeout(context.Background(), pipeDrainDelay)
	outEOF := stdout.drain(drainCtx)
	errEOF := stderr.drain(drainCtx)
	cancel()
	if !outEOF || !errEOF {
		e.logger.Warn("output pipes held open after exit", "command", commandLine(argv))
	}

	outBytes := finish(stdout.buf.Bytes(), spec)
	errBytes := finish(stderr.buf.Bytes(), spec)

	switch state {
	case stateTimedOut:
		e.logger.Warn("command timed out",
			"command", commandLine(argv),
			"timeout", spec.Timeout,
			"elapsed", elapsed,
		)
		timeout := spec.Timeout
		if timeout == 0 {
			timeout = elapsed
		}
		return &Result{
				Args:     argv,
				ExitCode: -1,
				Stdout:   outBytes,
				Stderr:   errBytes,
				Duration: elapsed,
			}, &TimeoutError{
				Args:    argv,
				Stdout:  outBytes,
				Stderr:  errBytes,
				Elapsed: elapsed,
				Timeout: timeout,
			}
	case stateCanceled:
		return nil, &OSError{Op: "wait " + argv[0], Err: ctx.Err()}
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, &OSError{Op: "wait " + argv[0], Err: waitErr}
		}
		exitCode = exitErr.ExitCode()
	}

	res := &Result{
		Args:     argv,
		ExitCode: exitCode,
		Stdout:   outBytes,
		Stderr:   errBytes,
		Duration: elapsed,
	}
	if spec.CheckExitCode && exitCode != 0 {
		return res, &NonZeroExitError{Result: res}
	}
	return res, nil
}

// killGroup sends SIGKILL to the child's process group, falling back to the
// child alone if the group is already gone.
func (e *Executor) killGroup(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			e.logger.Debug("failed to kill command", "pid", pid, "error", err)
		}
	}
}
