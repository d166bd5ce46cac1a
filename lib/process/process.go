// Package process launches plugin executables and reports their
// lifecycle to the broker.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWaitDelay bounds how long Wait keeps copying a plugin's stderr
// after the process exited.
const DefaultWaitDelay = 5 * time.Second

// Process is a running plugin child. Its stdin and stdout form the
// plugin channel; stderr goes to a separate writer.
type Process struct {
	cmd          *exec.Cmd
	stdinWriter  io.WriteCloser
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter

	done     chan struct{}
	exitCode int
	exitErr  error

	closeOnce    sync.Once
	streamClosed atomic.Bool
}

// ForkOption configures Fork.
type ForkOption func(*exec.Cmd)

// WithArgs sets the plugin's command line arguments.
func WithArgs(args ...string) ForkOption {
	return func(cmd *exec.Cmd) { cmd.Args = append(cmd.Args[:1], args...) }
}

// WithEnv adds environment variables in key=value form to the inherited
// environment.
func WithEnv(env ...string) ForkOption {
	return func(cmd *exec.Cmd) {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, env...)
	}
}

// WithStderr receives the plugin's standard error.
func WithStderr(w io.Writer) ForkOption {
	return func(cmd *exec.Cmd) { cmd.Stderr = w }
}

// Fork starts the executable at path.
func Fork(path string, opts ...ForkOption) (*Process, error) {
	cmd := exec.Command(path)
	cmd.WaitDelay = DefaultWaitDelay
	for _, opt := range opts {
		opt(cmd)
	}

	stdinWriter, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter

	if err := cmd.Start(); err != nil {
		stdoutWriter.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &Process{
		cmd:          cmd,
		stdinWriter:  stdinWriter,
		stdoutReader: stdoutReader,
		stdoutWriter: stdoutWriter,
		done:         make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}

	// Copy errors after our side closed the stream are expected.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !p.streamClosed.Load() {
		p.exitErr = err
	}

	// Readers see EOF only after everything the plugin wrote was copied.
	p.stdoutWriter.Close()
	close(p.done)
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stream returns the plugin channel: reads come from the plugin's
// stdout, writes go to its stdin.
func (p *Process) Stream() io.ReadWriteCloser {
	return stream{p}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code. A
// non-nil error means the exit status could not be collected; a
// non-zero code alone is not an error.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.exitErr
}

// Kill terminates the process if it is still running.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// Close closes both pipes and kills the process.
func (p *Process) Close() error {
	return errors.Join(p.closeStream(), p.Kill())
}

func (p *Process) closeStream() error {
	var err error
	p.closeOnce.Do(func() {
		p.streamClosed.Store(true)
		var errs []error
		if cerr := p.stdinWriter.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close stdin writer: %w", cerr))
		}
		if cerr := p.stdoutReader.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout reader: %w", cerr))
		}
		err = errors.Join(errs...)
	})
	return err
}

type stream struct {
	p *Process
}

func (s stream) Read(b []byte) (int, error)  { return s.p.stdoutReader.Read(b) }
func (s stream) Write(b []byte) (int, error) { return s.p.stdinWriter.Write(b) }
func (s stream) Close() error                { return s.p.closeStream() }
