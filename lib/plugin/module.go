// Package plugin is the plugin-side SDK: it lets a chat protocol plugin
// serve Core's requests over a framed byte stream.
//
// A plugin registers a handler per operation, then calls Listen. Listen
// announces the plugin with an init instruction, answers keepalives,
// runs requests concurrently and returns once Core asks it to shut down
// and every running handler has finished.
//
//	m := plugin.NewStd(plugin.Info{ServiceName: "echo"})
//	m.Handle(instruction.OpEcho, func(ctx context.Context, p []byte) ([]byte, error) {
//		return p, nil
//	})
//	if err := m.Listen(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snowmerak/polychat/lib/instruction"
	"github.com/snowmerak/polychat/lib/transport"
)

// ShuttingDownMessage is the error a request receives when it arrives
// after Core asked the plugin to shut down.
const ShuttingDownMessage = "service unavailable: shutdown in progress"

// Handler serves one operation. A returned error becomes an error
// response carrying err.Error().
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Info describes the plugin to Core.
type Info struct {
	ServiceName   string
	PluginVersion instruction.Version
	AuthMethods   []instruction.AuthMethod

	// Capabilities defaults to the registered operations.
	Capabilities []instruction.Operation
}

// Module serves Core's requests for one plugin process.
type Module struct {
	channel *transport.Channel
	info    Info
	logger  zerolog.Logger

	handler     map[instruction.Operation]Handler
	handlerLock sync.RWMutex

	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
	activeJobs     sync.WaitGroup
	activeJobCount atomic.Int64
}

// Option configures a Module.
type Option func(*options)

type options struct {
	logger       zerolog.Logger
	maxFrameSize int
}

// WithLogger sets the module logger. Plugins on stdio must not log to
// stdout.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxFrameSize bounds frames in both directions.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// New creates a Module serving over stream. The module owns stream and
// closes it when Listen returns.
func New(stream io.ReadWriteCloser, info Info, opts ...Option) *Module {
	o := options{logger: zerolog.Nop(), maxFrameSize: transport.DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}

	return &Module{
		channel:      transport.New(stream, transport.WithMaxFrameSize(o.maxFrameSize)),
		info:         info,
		logger:       o.logger.With().Str("component", "plugin").Str("service", info.ServiceName).Logger(),
		handler:      make(map[instruction.Operation]Handler),
		shutdownChan: make(chan struct{}),
	}
}

// NewStd creates a Module on the process's standard input and output.
func NewStd(info Info, opts ...Option) *Module {
	return New(Stdio(), info, opts...)
}

// Handle registers handler for op. Registering an operation twice
// panics.
func (m *Module) Handle(op instruction.Operation, handler Handler) {
	m.handlerLock.Lock()
	defer m.handlerLock.Unlock()

	if _, exists := m.handler[op]; exists {
		panic(fmt.Sprintf("handler for %s already registered", op))
	}
	m.handler[op] = handler
}

// InitData returns the init instruction payload Listen sends.
func (m *Module) InitData() instruction.InitData {
	capabilities := m.info.Capabilities
	if len(capabilities) == 0 {
		m.handlerLock.RLock()
		for op := range m.handler {
			capabilities = append(capabilities, op)
		}
		m.handlerLock.RUnlock()
		slices.Sort(capabilities)
	}

	return instruction.InitData{
		APIVersion:    instruction.APIVersion,
		PluginVersion: m.info.PluginVersion,
		Protocol: instruction.ProtocolData{
			ServiceName: m.info.ServiceName,
			AuthMethods: m.info.AuthMethods,
		},
		Capabilities: capabilities,
	}
}

// Emit sends an unsolicited event to Core.
func (m *Module) Emit(ctx context.Context, payload []byte) error {
	return m.write(ctx, instruction.Event(payload))
}

// ReportError tells Core about a failure not tied to a request, such as
// a lost upstream connection.
func (m *Module) ReportError(ctx context.Context, message string) error {
	return m.write(ctx, instruction.Failure(message))
}

// IsShutdown reports whether Core asked the module to shut down.
func (m *Module) IsShutdown() bool {
	select {
	case <-m.shutdownChan:
		return true
	default:
		return false
	}
}

// ActiveJobs returns the number of requests being handled.
func (m *Module) ActiveJobs() int64 {
	return m.activeJobCount.Load()
}

func (m *Module) write(ctx context.Context, in instruction.Instruction) error {
	body, err := instruction.Encode(in)
	if err != nil {
		return err
	}
	return m.channel.WriteFrame(ctx, body)
}

type inbound struct {
	in  instruction.Instruction
	err error
}

// Listen announces the module and serves requests until Core sends
// shutdown (returns nil), Core closes the stream (returns nil), ctx ends
// (returns ctx.Err()) or the stream fails. Running handlers are always
// waited for, and the stream is closed before Listen returns.
func (m *Module) Listen(ctx context.Context) error {
	defer m.channel.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.write(listenCtx, instruction.Init(m.InitData())); err != nil {
		return fmt.Errorf("failed to send init: %w", err)
	}
	m.logger.Debug().Msg("init sent")

	recv := make(chan inbound)
	go m.readLoop(listenCtx, recv)

	// Handlers see listenCtx; it stays alive through a graceful drain.
	defer m.activeJobs.Wait()

	var drained chan struct{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-drained:
			m.logger.Info().Msg("shutdown complete")
			return nil

		case mesg := <-recv:
			if mesg.err != nil {
				if errors.Is(mesg.err, io.EOF) {
					m.logger.Debug().Msg("core closed the stream")
					return nil
				}
				return fmt.Errorf("failed to read instruction: %w", mesg.err)
			}

			switch mesg.in.Kind {
			case instruction.KindRequest:
				m.dispatch(listenCtx, mesg.in)
			case instruction.KindKeepalive:
				if err := m.write(listenCtx, instruction.Keepalive(mesg.in.ID)); err != nil {
					return fmt.Errorf("failed to answer keepalive: %w", err)
				}
			case instruction.KindShutdown:
				if drained != nil {
					continue
				}
				m.shutdownOnce.Do(func() { close(m.shutdownChan) })
				m.logger.Info().Int64("active_jobs", m.ActiveJobs()).Msg("shutdown requested, draining")

				// Keep reading so late requests are refused instead of
				// left unanswered.
				drained = make(chan struct{})
				go func() {
					m.activeJobs.Wait()
					close(drained)
				}()
			default:
				m.logger.Warn().Stringer("kind", mesg.in.Kind).Msg("ignoring unexpected instruction")
			}
		}
	}
}

func (m *Module) readLoop(ctx context.Context, recv chan<- inbound) {
	for {
		body, err := m.channel.ReadFrame()
		var mesg inbound
		if err != nil {
			mesg.err = err
		} else {
			mesg.in, mesg.err = instruction.Decode(body)
		}

		select {
		case recv <- mesg:
		case <-ctx.Done():
			return
		}
		if mesg.err != nil {
			return
		}
	}
}

func (m *Module) dispatch(ctx context.Context, in instruction.Instruction) {
	if m.IsShutdown() {
		if err := m.write(ctx, instruction.ErrorResponse(in.ID, ShuttingDownMessage)); err != nil {
			m.logger.Debug().Err(err).Uint64("request_id", in.ID).Msg("failed to refuse request during shutdown")
		}
		return
	}

	m.activeJobs.Add(1)
	m.activeJobCount.Add(1)
	go func() {
		defer func() {
			m.activeJobs.Done()
			m.activeJobCount.Add(-1)
		}()
		m.processRequest(ctx, in)
	}()
}

func (m *Module) processRequest(ctx context.Context, in instruction.Instruction) {
	m.handlerLock.RLock()
	handler, exists := m.handler[in.Op]
	m.handlerLock.RUnlock()

	var response instruction.Instruction
	if !exists {
		response = instruction.ErrorResponse(in.ID, fmt.Sprintf("no handler registered for operation: %s", in.Op))
	} else {
		payload, err := m.call(ctx, handler, in)
		if err != nil {
			message := err.Error()
			if message == "" {
				message = "handler failed"
			}
			response = instruction.ErrorResponse(in.ID, message)
		} else {
			response = instruction.Response(in.ID, payload)
		}
	}

	if err := m.write(ctx, response); err != nil {
		m.logger.Warn().Err(err).Uint64("request_id", in.ID).Msg("failed to send response")
	}
}

// call runs handler, turning a panic into an error response.
func (m *Module) call(ctx context.Context, handler Handler, in instruction.Instruction) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("op", string(in.Op)).Msg("handler panicked")
			err = fmt.Errorf("handler for %s panicked: %v", in.Op, r)
		}
	}()
	return handler(ctx, in.Payload)
}
