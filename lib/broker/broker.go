// Package broker mediates between Core's clients and out-of-process
// plugins.
//
// The broker keeps one session per launched plugin. A session owns the
// plugin's framed byte stream, tracks its lifecycle
// (launching, awaiting_init, ready, degraded, crashed, terminated),
// correlates request IDs with responses and turns plugin faults into
// typed errors. Clients only see the Broker API: they never handle
// instructions or channels.
package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowmerak/polychat/lib/clock"
	"github.com/snowmerak/polychat/lib/instruction"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("broker: closed")

// Broker is the client-facing façade over all plugin sessions. It is
// safe for concurrent use.
type Broker struct {
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *Metrics
	hub      *hub
	registry *registry

	// lifecycle orders PluginLaunched against Close, so no session is
	// registered after Close took its snapshot.
	lifecycle sync.Mutex
	closed    atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces the real clock. Tests use clock.Fake.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates a Broker. cfg must be valid.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   zerolog.Nop(),
		hub:      newHub(),
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "broker").Logger()
	return b, nil
}

// Config returns the configuration the broker was created with.
func (b *Broker) Config() Config {
	return b.cfg
}

// PluginLaunched creates, registers and starts a session for a plugin
// the supervisor has just spawned. The broker takes ownership of stream
// on success.
func (b *Broker) PluginLaunched(id Identity, stream io.ReadWriteCloser) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closed.Load() {
		return ErrClosed
	}

	s := newSession(id, stream, b.cfg, b.clock, b.logger, b.hub, b.metrics, b.sessionFinished)
	if err := b.registry.register(s); err != nil {
		return err
	}
	b.metrics.sessionAdded()
	b.logger.Info().Str("plugin", string(id)).Msg("plugin launched")

	s.start()
	return nil
}

// PluginProcessExited forces the plugin's session to Crashed. Unknown
// identities are ignored: the session may already be gone.
func (b *Broker) PluginProcessExited(id Identity, info ExitInfo) {
	s, ok := b.registry.lookup(id)
	if !ok {
		b.logger.Debug().Str("plugin", string(id)).Stringer("exit", info).Msg("exit reported for unknown plugin")
		return
	}
	s.crash(TransportFailure, "plugin process exited: %s", info)
}

func (b *Broker) sessionFinished(s *session) {
	if b.registry.remove(s) {
		b.metrics.sessionRemoved()
	}
	b.logger.Info().Str("plugin", string(s.id)).Stringer("state", s.State()).Msg("plugin session removed")
}

// SendRequest issues op to plugin id and blocks until the plugin
// answers, the timeout elapses, the session fails or ctx ends. A
// timeout of zero or less has already elapsed: the request fails with
// Timeout and nothing is written.
func (b *Broker) SendRequest(ctx context.Context, id Identity, op instruction.Operation, payload []byte, timeout time.Duration) ([]byte, error) {
	return b.send(ctx, id, op, payload, timeout, 0)
}

// Call is SendRequest with the configured request timeout, retrying
// timed out requests up to the configured number of times. Each retry
// is a new request with a new ID.
func (b *Broker) Call(ctx context.Context, id Identity, op instruction.Operation, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		response, err := b.send(ctx, id, op, payload, b.cfg.RequestTimeout, attempt)
		if err == nil || !errors.Is(err, Timeout) || attempt >= b.cfg.RequestRetries || ctx.Err() != nil {
			return response, err
		}
		b.logger.Debug().Str("plugin", string(id)).Str("op", string(op)).Int("attempt", attempt+1).Msg("retrying timed out request")
	}
}

func (b *Broker) send(ctx context.Context, id Identity, op instruction.Operation, payload []byte, timeout time.Duration, retries int) ([]byte, error) {
	started := b.clock.Now()
	response, err := b.dispatch(ctx, id, op, payload, timeout, retries)
	b.metrics.observeRequest(op, err, b.clock.Now().Sub(started))
	return response, err
}

func (b *Broker) dispatch(ctx context.Context, id Identity, op instruction.Operation, payload []byte, timeout time.Duration, retries int) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s, ok := b.registry.lookup(id)
	if !ok {
		return nil, newError(id, 0, UnknownPlugin, "")
	}
	if !op.Known() {
		return nil, newError(id, 0, Unsupported, "unknown operation %q", op)
	}
	return s.submit(ctx, op, payload, timeout, retries)
}

// Subscribe returns a stream of state changes, plugin errors and plugin
// events for every session. Close the subscription when done.
func (b *Broker) Subscribe() *Subscription {
	return b.hub.subscribe()
}

// ListActivePlugins returns the identities of non-terminal sessions in
// ascending order.
func (b *Broker) ListActivePlugins() []Identity {
	var ids []Identity
	for _, s := range b.registry.snapshot() {
		if !s.State().Terminal() {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// State returns the state of plugin id.
func (b *Broker) State(id Identity) (State, error) {
	s, ok := b.registry.lookup(id)
	if !ok {
		return 0, newError(id, 0, UnknownPlugin, "")
	}
	return s.State(), nil
}

// Info returns the init data plugin id declared. It fails with
// SessionNotReady until the plugin has initialized.
func (b *Broker) Info(id Identity) (instruction.InitData, error) {
	s, ok := b.registry.lookup(id)
	if !ok {
		return instruction.InitData{}, newError(id, 0, UnknownPlugin, "")
	}
	info, ok := s.Info()
	if !ok {
		return instruction.InitData{}, newError(id, 0, SessionNotReady, "plugin has not initialized")
	}
	return info, nil
}

// Capabilities returns the operations plugin id declared.
func (b *Broker) Capabilities(id Identity) ([]instruction.Operation, error) {
	info, err := b.Info(id)
	if err != nil {
		return nil, err
	}
	return append([]instruction.Operation(nil), info.Capabilities...), nil
}

// Shutdown terminates plugin id. Pending requests fail with
// SessionClosed.
func (b *Broker) Shutdown(ctx context.Context, id Identity) error {
	s, ok := b.registry.lookup(id)
	if !ok {
		return newError(id, 0, UnknownPlugin, "")
	}
	return s.shutdown(ctx)
}

// Close shuts down every session concurrently and closes all
// subscriptions. Further calls return ErrClosed.
func (b *Broker) Close(ctx context.Context) error {
	b.lifecycle.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.lifecycle.Unlock()
		return ErrClosed
	}
	sessions := b.registry.snapshot()
	b.lifecycle.Unlock()
	errs := make([]error, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *session) {
			defer wg.Done()
			errs[i] = s.shutdown(ctx)
		}(i, s)
	}
	wg.Wait()

	b.hub.close()
	b.logger.Info().Int("sessions", len(sessions)).Msg("broker closed")
	return errors.Join(errs...)
}
