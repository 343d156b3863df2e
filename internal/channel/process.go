package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Process is a channel to a worker running as a child process. Frames travel
// over the child's stdin/stdout; its stderr is logged line by line.
type Process struct {
	*Stream
	cmd *exec.Cmd

	killOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

var _ Channel = (*Process)(nil)

// Spawn starts path as an isolated worker. It fails with
// ErrIsolationUnsupported when the executable cannot be resolved or started.
func Spawn(ctx context.Context, path string, args ...string) (*Process, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIsolationUnsupported, path, err)
	}
	name := filepath.Base(resolved)

	cmd := exec.CommandContext(ctx, resolved, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrIsolationUnsupported, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrIsolationUnsupported, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr: %v", ErrIsolationUnsupported, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrIsolationUnsupported, name, err)
	}
	log.Info().Str("worker", name).Int("pid", cmd.Process.Pid).Msg("worker process started")

	p := &Process{
		Stream: NewStream(duplex{r: stdout, w: stdin}, DefaultStreamOptions(name)),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logStderr(name, stderr)
	}()
	go p.wait(name, stderrDone)
	return p, nil
}

// Close closes the pipes and kills the child. No graceful drain.
func (p *Process) Close() error {
	err := p.Stream.Close()
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return err
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr is valid after Exited is closed.
func (p *Process) ExitErr() error {
	<-p.exited
	return p.exitErr
}

func (p *Process) wait(name string, stderrDone <-chan struct{}) {
	// Wait closes the pipes, so every reader must be finished first.
	<-p.Stream.readDone
	<-stderrDone
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Info().Str("worker", name).Msg("worker process exited")
	case errors.As(err, &exitErr):
		log.Warn().Str("worker", name).Int("code", exitErr.ExitCode()).Msg("worker process exited")
	default:
		log.Warn().Str("worker", name).Err(err).Msg("worker process wait failed")
	}
	p.exitErr = err
	close(p.exited)
	_ = p.Stream.Close()
}

func logStderr(name string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Info().Str("worker", name).Str("stream", "stderr").Msg(sc.Text())
	}
}
