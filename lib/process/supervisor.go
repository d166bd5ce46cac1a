package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowmerak/polychat/lib/broker"
	"github.com/snowmerak/polychat/lib/plugin"
)

// ErrSupervisorClosed is returned by Launch after Close.
var ErrSupervisorClosed = errors.New("supervisor: closed")

// Host receives plugin lifecycle notifications. *broker.Broker
// implements it.
type Host interface {
	PluginLaunched(id broker.Identity, stream io.ReadWriteCloser) error
	PluginProcessExited(id broker.Identity, info broker.ExitInfo)
}

// Transport selects how a plugin's channel is carried.
type Transport string

const (
	// TransportStdio uses the plugin's stdin and stdout.
	TransportStdio Transport = "stdio"
	// TransportUnix has the plugin dial a per-plugin Unix socket named
	// in its environment. Its stdout is then logged like stderr.
	TransportUnix Transport = "unix"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportStdio || t == TransportUnix
}

const defaultAcceptTimeout = 5 * time.Second

// Supervisor spawns plugin executables and reports them to a Host.
type Supervisor struct {
	host          Host
	logger        zerolog.Logger
	args          []string
	transport     Transport
	socketDir     string
	acceptTimeout time.Duration

	mu       sync.Mutex
	children map[broker.Identity]*child
	closed   bool
	wg       sync.WaitGroup
}

type child struct {
	path       string
	proc       *Process
	socketPath string
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor logger. Plugin stderr is logged
// through it.
func WithLogger(logger zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// WithPluginArgs sets the arguments every plugin is started with.
func WithPluginArgs(args ...string) SupervisorOption {
	return func(s *Supervisor) { s.args = args }
}

// WithTransport selects the plugin transport. The default is stdio.
// Sockets are created in socketDir, or the system temp directory when
// it is empty.
func WithTransport(t Transport, socketDir string) SupervisorOption {
	return func(s *Supervisor) {
		s.transport = t
		s.socketDir = socketDir
	}
}

// WithAcceptTimeout bounds how long a unix-transport plugin has to dial
// back.
func WithAcceptTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.acceptTimeout = d }
}

// NewSupervisor creates a Supervisor reporting to host.
func NewSupervisor(host Host, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		host:          host,
		logger:        zerolog.Nop(),
		transport:     TransportStdio,
		acceptTimeout: defaultAcceptTimeout,
		children:      make(map[broker.Identity]*child),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "supervisor").Logger()
	return s
}

// Launch starts the plugin executable at path under a fresh identity and
// hands its channel to the host. The process is watched until it exits.
func (s *Supervisor) Launch(ctx context.Context, path string) (broker.Identity, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSupervisorClosed
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to mint plugin identity: %w", err)
	}
	id := broker.Identity(uid.String())
	logger := s.logger.With().Str("plugin", string(id)).Str("path", path).Logger()
	output := newLogWriter(logger)

	c := &child{path: path}
	var stream io.ReadWriteCloser
	switch s.transport {
	case TransportUnix:
		stream, err = s.launchUnix(ctx, id, c, output)
	default:
		c.proc, err = Fork(path, WithArgs(s.args...), WithStderr(output))
		if err == nil {
			stream = c.proc.Stream()
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to launch %s: %w", path, err)
	}

	// Close may have run while the plugin was starting. Recording the
	// child and joining wg under the same lock as the closed check keeps
	// it inside Close's snapshot or out of the supervisor entirely.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		_ = c.proc.Close()
		s.forget(id, c)
		return "", ErrSupervisorClosed
	}
	s.children[id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.host.PluginLaunched(id, stream); err != nil {
		_ = stream.Close()
		_ = c.proc.Close()
		s.forget(id, c)
		s.wg.Done()
		return "", fmt.Errorf("host rejected %s: %w", path, err)
	}
	logger.Info().Int("pid", c.proc.Pid()).Str("transport", string(s.transport)).Msg("plugin started")

	go s.watch(id, c, output, logger)
	return id, nil
}

func (s *Supervisor) launchUnix(ctx context.Context, id broker.Identity, c *child, output io.Writer) (io.ReadWriteCloser, error) {
	dir := s.socketDir
	if dir == "" {
		dir = os.TempDir()
	}
	c.socketPath = filepath.Join(dir, "polychat-"+string(id)+".sock")
	_ = os.Remove(c.socketPath)

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket listener: %w", err)
	}
	defer listener.Close()

	c.proc, err = Fork(c.path,
		WithArgs(s.args...),
		WithEnv(plugin.SocketEnv+"="+c.socketPath),
		WithStderr(output),
	)
	if err != nil {
		_ = os.Remove(c.socketPath)
		return nil, err
	}
	go func() { _, _ = io.Copy(output, c.proc.Stream()) }()

	acceptCtx, cancel := context.WithTimeout(ctx, s.acceptTimeout)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	failed := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			failed <- err
			return
		}
		accepted <- conn
	}()

	select {
	case conn := <-accepted:
		return conn, nil
	case err = <-failed:
		err = fmt.Errorf("failed to accept connection: %w", err)
	case <-c.proc.Done():
		err = errors.New("plugin exited before connecting")
	case <-acceptCtx.Done():
		err = fmt.Errorf("timeout waiting for connection: %w", acceptCtx.Err())
	}

	_ = c.proc.Close()
	_ = os.Remove(c.socketPath)
	return nil, err
}

func (s *Supervisor) watch(id broker.Identity, c *child, output *logWriter, logger zerolog.Logger) {
	defer s.wg.Done()

	code, err := c.proc.Wait()
	output.Flush()

	info := broker.ExitInfo{Code: code, Err: err}
	logger.Info().Stringer("exit", info).Msg("plugin exited")
	s.host.PluginProcessExited(id, info)
	s.forget(id, c)
}

func (s *Supervisor) forget(id broker.Identity, c *child) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()

	if c.socketPath != "" {
		_ = os.Remove(c.socketPath)
	}
}

// LaunchAll launches every path. Failures are logged and joined; the
// plugins that did start are returned.
func (s *Supervisor) LaunchAll(ctx context.Context, paths []string) ([]broker.Identity, error) {
	var (
		ids  []broker.Identity
		errs []error
	)
	for _, path := range paths {
		id, err := s.Launch(ctx, path)
		if err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("failed to launch plugin")
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Running returns the identities of live children, sorted.
func (s *Supervisor) Running() []broker.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]broker.Identity, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close waits for children to exit until ctx ends, then kills the rest.
// Shut the plugins down through the broker first so they can exit on
// their own.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	}

	var errs []error
	for _, c := range children {
		s.logger.Warn().Str("path", c.path).Int("pid", c.proc.Pid()).Msg("killing plugin")
		if err := c.proc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	<-exited
	return errors.Join(errs...)
}
