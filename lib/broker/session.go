package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowmerak/polychat/lib/clock"
	"github.com/snowmerak/polychat/lib/instruction"
	"github.com/snowmerak/polychat/lib/transport"
)

// session is the broker's view of one launched plugin. It owns the
// plugin's channel, runs the lifecycle state machine and routes inbound
// instructions.
//
// mu guards every field below it. Channel writes happen outside mu;
// the channel serializes them itself.
type session struct {
	id      Identity
	cfg     Config
	clock   clock.Clock
	channel *transport.Channel
	logger  zerolog.Logger
	hub     *hub
	metrics *Metrics

	// onTerminal runs once, after the session reached a terminal state,
	// every pending request was resolved and the channel was closed.
	onTerminal func(*session)

	stop       chan struct{} // closed on entering a terminal state
	readerDone chan struct{} // closed when the read loop exits

	mu                   sync.Mutex
	state                State
	tracker              *Tracker
	info                 *instruction.InitData
	initTimer            *clock.Timer
	consecutiveTimeouts  int
	missedKeepalives     int
	keepaliveOutstanding bool
	lastKeepaliveID      uint64
}

func newSession(id Identity, stream io.ReadWriteCloser, cfg Config, clk clock.Clock, logger zerolog.Logger, h *hub, metrics *Metrics, onTerminal func(*session)) *session {
	return &session{
		id:         id,
		cfg:        cfg,
		clock:      clk,
		channel:    transport.New(stream, transport.WithMaxFrameSize(cfg.MaxFrameSize)),
		logger:     logger.With().Str("plugin", string(id)).Logger(),
		hub:        h,
		metrics:    metrics,
		onTerminal: onTerminal,
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		state:      Launching,
		tracker:    NewTracker(id),
	}
}

// start moves the session to AwaitingInit and launches its reader and
// timer goroutines.
func (s *session) start() {
	sweep := s.clock.NewTicker(s.cfg.SweepInterval)
	keepalive := s.clock.NewTicker(s.cfg.KeepaliveInterval)

	s.mu.Lock()
	s.transitionLocked(AwaitingInit)
	s.mu.Unlock()

	timer := s.clock.AfterFunc(s.cfg.InitTimeout, s.initExpired)
	s.mu.Lock()
	s.initTimer = timer
	s.mu.Unlock()

	go s.readLoop()
	go s.timerLoop(sweep, keepalive)
}

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the init data declared by the plugin.
func (s *session) Info() (instruction.InitData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return instruction.InitData{}, false
	}
	return *s.info, true
}

// submit issues a request and blocks until it resolves or ctx ends.
func (s *session) submit(ctx context.Context, op instruction.Operation, payload []byte, timeout time.Duration, retries int) ([]byte, error) {
	s.mu.Lock()
	if !s.state.Accepting() {
		state := s.state
		s.mu.Unlock()
		return nil, newError(s.id, 0, SessionNotReady, "session is %s", state)
	}
	if !s.info.Supports(op) {
		s.mu.Unlock()
		return nil, newError(s.id, 0, Unsupported, "plugin does not declare %q", op)
	}
	if timeout <= 0 {
		s.mu.Unlock()
		return nil, newError(s.id, 0, Timeout, "deadline already elapsed")
	}
	request := s.tracker.Submit(op, s.clock.Now(), timeout, retries)
	s.mu.Unlock()

	body, err := instruction.Encode(instruction.Request(request.ID, op, payload))
	if err != nil {
		s.cancel(request.ID, err)
		return nil, err
	}

	// The write shares the request deadline. A plugin that stops
	// reading must not hold the caller past it.
	writeCtx, cancelWrite := context.WithTimeout(ctx, timeout)
	err = s.channel.WriteFrame(writeCtx, body)
	cancelWrite()
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrWriteAborted):
			var cause error = newError(s.id, request.ID, Timeout, "request not written within %s", timeout)
			if ctx.Err() != nil {
				cause = ctx.Err()
			}
			s.writeAborted(request.ID, cause)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			s.cancel(request.ID, err)
		case errors.Is(err, context.DeadlineExceeded):
			s.cancel(request.ID, newError(s.id, request.ID, Timeout, "request not written within %s", timeout))
		case errors.Is(err, transport.ErrFrameTooLarge):
			s.cancel(request.ID, fmt.Errorf("broker: request %d: %w", request.ID, err))
		default:
			s.crash(TransportFailure, "write failed: %v", err)
		}
	}

	select {
	case result := <-request.Done():
		return result.Payload, result.Err
	case <-ctx.Done():
		s.cancel(request.ID, ctx.Err())
		result := <-request.Done()
		return result.Payload, result.Err
	}
}

// cancel resolves request id with err if it is still pending.
func (s *session) cancel(id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Cancel(id, err)
}

// writeAborted resolves request id with cause and crashes the session.
// The channel already closed itself, since the plugin may hold part of
// the frame.
func (s *session) writeAborted(id uint64, cause error) {
	s.mu.Lock()
	s.tracker.Cancel(id, cause)
	torn := s.crashLocked(TransportFailure, "stream stalled: request %d could not be written", id)
	s.mu.Unlock()
	if torn {
		s.finish()
	}
}

func (s *session) readLoop() {
	defer close(s.readerDone)

	for {
		body, err := s.channel.ReadFrame()
		if err != nil {
			s.readFailed(err)
			return
		}

		in, err := instruction.Decode(body)
		if err != nil {
			s.violation("%v", err)
			return
		}

		if !s.dispatch(in) {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, transport.ErrClosed):
		// Only this side closes the channel, and whoever closed it has
		// already terminated the session or is about to.
		s.logger.Debug().Msg("read loop stopped on closed channel")
	case errors.Is(err, io.EOF):
		s.crash(TransportFailure, "plugin closed the stream")
	case errors.Is(err, transport.ErrTruncatedFrame), errors.Is(err, transport.ErrFrameTooLarge):
		s.violation("%v", err)
	default:
		s.crash(TransportFailure, "%v", err)
	}
}

// dispatch routes one inbound instruction. It reports whether the read
// loop should continue.
func (s *session) dispatch(in instruction.Instruction) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}

	// Any inbound instruction proves the plugin is alive.
	s.keepaliveOutstanding = false
	s.missedKeepalives = 0

	var torn bool
	switch {
	case in.Kind == instruction.KindInit:
		torn = s.handleInitLocked(in.Init)
	case s.state == AwaitingInit:
		torn = s.violationLocked("%s before init", in.Kind)
	case in.Kind == instruction.KindResponse:
		s.handleResponseLocked(in)
	case in.Kind == instruction.KindEvent:
		s.hub.publish(Event{Kind: EventPluginEvent, Plugin: s.id, At: s.clock.Now(), Payload: in.Payload})
	case in.Kind == instruction.KindKeepalive:
		s.recoverLocked()
	case in.Kind == instruction.KindError:
		pluginErr := newError(s.id, 0, PluginReportedError, "%s", in.Error)
		s.logger.Warn().Str("message", in.Error).Msg("plugin reported an error")
		s.hub.publish(Event{Kind: EventError, Plugin: s.id, At: s.clock.Now(), Err: pluginErr})
	default:
		torn = s.violationLocked("unexpected %s from plugin", in.Kind)
	}
	s.mu.Unlock()

	if torn {
		s.finish()
		return false
	}
	return true
}

func (s *session) handleInitLocked(data *instruction.InitData) bool {
	if s.state != AwaitingInit {
		return s.violationLocked("duplicate init")
	}
	if err := data.Validate(); err != nil {
		return s.violationLocked("%v", err)
	}

	info := *data
	s.info = &info
	if s.initTimer != nil {
		s.initTimer.Stop()
	}
	s.logger.Info().
		Str("service", info.Protocol.ServiceName).
		Stringer("api_version", info.APIVersion).
		Stringer("plugin_version", info.PluginVersion).
		Msg("plugin initialized")
	s.transitionLocked(Ready)
	return false
}

func (s *session) handleResponseLocked(in instruction.Instruction) {
	result := Result{Payload: in.Payload}
	if !in.OK {
		result = Result{Err: newError(s.id, in.ID, PluginReportedError, "%s", in.Error)}
	}

	if !s.tracker.Resolve(in.ID, result) {
		s.metrics.observeViolation()
		s.logger.Warn().Uint64("request_id", in.ID).Msg("discarding response for unknown request")
		return
	}
	s.recoverLocked()
}

// recoverLocked clears failure counters and leaves Degraded.
func (s *session) recoverLocked() {
	s.consecutiveTimeouts = 0
	if s.state == Degraded {
		s.transitionLocked(Ready)
	}
}

func (s *session) timerLoop(sweep, keepalive *clock.Ticker) {
	defer sweep.Stop()
	defer keepalive.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-sweep.C:
			s.sweep()
		case <-keepalive.C:
			s.sendKeepalive()
		}
	}
}

func (s *session) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}

	expired := s.tracker.Sweep(s.clock.Now())
	if len(expired) == 0 {
		return
	}
	s.consecutiveTimeouts += len(expired)
	s.logger.Debug().Uints64("request_ids", expired).Int("consecutive", s.consecutiveTimeouts).Msg("requests timed out")
	if s.state == Ready && s.consecutiveTimeouts >= s.cfg.DegradedThreshold {
		s.transitionLocked(Degraded)
	}
}

// sendKeepalive counts an unanswered previous keepalive as a miss and
// sends the next one.
func (s *session) sendKeepalive() {
	s.mu.Lock()
	if !s.state.Accepting() {
		s.mu.Unlock()
		return
	}
	if s.keepaliveOutstanding {
		s.missedKeepalives++
		s.logger.Debug().Int("missed", s.missedKeepalives).Msg("keepalive unanswered")
		if s.state == Ready && s.missedKeepalives >= s.cfg.DegradedThreshold {
			s.transitionLocked(Degraded)
		}
	}
	s.lastKeepaliveID++
	id := s.lastKeepaliveID
	s.keepaliveOutstanding = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepaliveInterval)
	defer cancel()
	if err := s.write(ctx, instruction.Keepalive(id)); err != nil {
		s.crash(TransportFailure, "keepalive write failed: %v", err)
	}
}

func (s *session) write(ctx context.Context, in instruction.Instruction) error {
	body, err := instruction.Encode(in)
	if err != nil {
		return err
	}
	return s.channel.WriteFrame(ctx, body)
}

func (s *session) initExpired() {
	s.mu.Lock()
	if s.state != AwaitingInit {
		s.mu.Unlock()
		return
	}
	torn := s.crashLocked(Timeout, "no init within %s", s.cfg.InitTimeout)
	s.mu.Unlock()
	if torn {
		s.finish()
	}
}

// crash moves the session to Crashed. It is a no-op on a terminal
// session.
func (s *session) crash(kind *ErrorKind, format string, args ...any) {
	s.mu.Lock()
	torn := s.crashLocked(kind, format, args...)
	s.mu.Unlock()
	if torn {
		s.finish()
	}
}

func (s *session) violation(format string, args ...any) {
	s.mu.Lock()
	torn := s.violationLocked(format, args...)
	s.mu.Unlock()
	if torn {
		s.finish()
	}
}

func (s *session) violationLocked(format string, args ...any) bool {
	if s.state.Terminal() {
		return false
	}
	s.metrics.observeViolation()
	return s.crashLocked(ProtocolViolation, format, args...)
}

// crashLocked reports whether the caller must run finish after
// releasing mu.
func (s *session) crashLocked(kind *ErrorKind, format string, args ...any) bool {
	if s.state.Terminal() {
		return false
	}

	cause := newError(s.id, 0, kind, format, args...)
	canceled := s.tracker.CancelAll(cause)
	s.logger.Error().Err(cause).Int("canceled_requests", canceled).Msg("plugin session crashed")

	s.hub.publish(Event{Kind: EventError, Plugin: s.id, At: s.clock.Now(), Err: cause})
	s.terminateLocked(Crashed)
	return true
}

// terminateLocked enters a terminal state and stops the timers.
func (s *session) terminateLocked(to State) {
	s.transitionLocked(to)
	close(s.stop)
	if s.initTimer != nil {
		s.initTimer.Stop()
	}
}

// finish closes the channel and hands the session back to its owner.
// Runs once per session, after the terminal transition.
func (s *session) finish() {
	if err := s.channel.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("closing plugin stream")
	}
	s.onTerminal(s)
}

// shutdown terminates the session on Core's request. A Ready or
// Degraded plugin is sent a shutdown instruction and given the
// configured grace period to close its end of the stream.
func (s *session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	notify := s.state.Accepting()
	canceled := s.tracker.CancelAll(newError(s.id, 0, SessionClosed, "plugin shut down"))
	s.logger.Info().Int("canceled_requests", canceled).Msg("shutting down plugin session")
	s.terminateLocked(Terminated)
	s.mu.Unlock()

	var err error
	if notify {
		bound := s.cfg.RequestTimeout
		if s.cfg.ShutdownGrace > 0 {
			bound = s.cfg.ShutdownGrace
		}
		writeCtx, cancel := ctx, context.CancelFunc(func() {})
		if bound > 0 {
			writeCtx, cancel = context.WithTimeout(ctx, bound)
		}
		err = s.write(writeCtx, instruction.Shutdown())
		cancel()
		if err == nil {
			err = s.awaitReader(ctx)
		} else {
			s.logger.Debug().Err(err).Msg("shutdown instruction not delivered")
			err = nil
		}
	}

	s.finish()
	return err
}

// awaitReader waits for the plugin to close the stream.
func (s *session) awaitReader(ctx context.Context) error {
	if s.cfg.ShutdownGrace <= 0 {
		return nil
	}
	expired := make(chan struct{})
	timer := s.clock.AfterFunc(s.cfg.ShutdownGrace, func() { close(expired) })
	defer timer.Stop()

	select {
	case <-s.readerDone:
		return nil
	case <-expired:
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("plugin did not close its stream after shutdown")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.observeTransition(to)
	s.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	s.hub.publish(Event{Kind: EventStateChanged, Plugin: s.id, At: s.clock.Now(), From: from, To: to})
}
