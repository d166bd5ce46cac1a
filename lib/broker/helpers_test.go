package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/polychat/lib/clock"
	"github.com/snowmerak/polychat/lib/instruction"
	"github.com/snowmerak/polychat/lib/transport"
)

const waitTimeout = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.InitTimeout = 10 * time.Second
	cfg.KeepaliveInterval = time.Hour
	cfg.SweepInterval = 100 * time.Millisecond
	cfg.DegradedThreshold = 3
	cfg.ShutdownGrace = 0
	return cfg
}

func newTestBroker(t *testing.T, mutate func(*Config), opts ...Option) (*Broker, *clock.FakeClock) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	fake := clock.Fake(epoch)
	b, err := New(cfg, append([]Option{WithClock(fake)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, fake
}

func echoInitData() instruction.InitData {
	return instruction.InitData{
		APIVersion:    instruction.APIVersion,
		PluginVersion: instruction.Version{Major: 0, Minor: 1},
		Protocol:      instruction.ProtocolData{ServiceName: "echo"},
		Capabilities:  []instruction.Operation{instruction.OpEcho, instruction.OpSendMessage},
	}
}

// fakePlugin drives the plugin end of a net.Pipe by hand.
type fakePlugin struct {
	t        *testing.T
	channel  *transport.Channel
	received chan instruction.Instruction
}

func newFakePlugin(t *testing.T, stream net.Conn) *fakePlugin {
	p := &fakePlugin{
		t:        t,
		channel:  transport.New(stream),
		received: make(chan instruction.Instruction, 256),
	}
	go func() {
		defer close(p.received)
		for {
			body, err := p.channel.ReadFrame()
			if err != nil {
				return
			}
			in, err := instruction.Decode(body)
			if err != nil {
				return
			}
			p.received <- in
		}
	}()
	t.Cleanup(func() { _ = p.channel.Close() })
	return p
}

func (p *fakePlugin) send(in instruction.Instruction) {
	p.t.Helper()
	body, err := instruction.Encode(in)
	require.NoError(p.t, err)
	require.NoError(p.t, p.channel.WriteFrame(context.Background(), body))
}

func (p *fakePlugin) sendRaw(body []byte) {
	p.t.Helper()
	require.NoError(p.t, p.channel.WriteFrame(context.Background(), body))
}

// expect returns the next instruction Core sent, which must be of kind.
func (p *fakePlugin) expect(kind instruction.Kind) instruction.Instruction {
	p.t.Helper()
	select {
	case in, ok := <-p.received:
		require.True(p.t, ok, "stream closed while waiting for %s", kind)
		require.Equal(p.t, kind, in.Kind)
		return in
	case <-time.After(waitTimeout):
		p.t.Fatalf("no %s instruction within %s", kind, waitTimeout)
		return instruction.Instruction{}
	}
}

// expectClosed waits until Core closes the stream.
func (p *fakePlugin) expectClosed() {
	p.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-p.received:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("core did not close the stream")
		}
	}
}

func (p *fakePlugin) close() {
	_ = p.channel.Close()
}

// launch registers a plugin and returns its fake end.
func launch(t *testing.T, b *Broker, id Identity) *fakePlugin {
	t.Helper()
	coreEnd, pluginEnd := net.Pipe()
	require.NoError(t, b.PluginLaunched(id, coreEnd))
	return newFakePlugin(t, pluginEnd)
}

// launchReady launches a plugin and completes its init handshake.
func launchReady(t *testing.T, b *Broker, id Identity) *fakePlugin {
	t.Helper()
	p := launch(t, b, id)
	p.send(instruction.Init(echoInitData()))
	waitForState(t, b, id, Ready)
	return p
}

// launchStalled launches a plugin that completes init and then never
// reads from its stream again.
func launchStalled(t *testing.T, b *Broker, id Identity) {
	t.Helper()
	coreEnd, pluginEnd := net.Pipe()
	require.NoError(t, b.PluginLaunched(id, coreEnd))

	stalled := transport.New(pluginEnd)
	t.Cleanup(func() { _ = stalled.Close() })
	body, err := instruction.Encode(instruction.Init(echoInitData()))
	require.NoError(t, err)
	require.NoError(t, stalled.WriteFrame(context.Background(), body))
	waitForState(t, b, id, Ready)
}

// closeWithin fails the test if Close does not return within limit.
func closeWithin(t *testing.T, b *Broker, limit time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Close(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("broker close did not return within %s", limit)
		return nil
	}
}

func waitForState(t *testing.T, b *Broker, id Identity, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := b.State(id)
		return err == nil && state == want
	}, waitTimeout, time.Millisecond, "plugin %s never reached %s", id, want)
}

func waitForRemoval(t *testing.T, b *Broker, id Identity) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := b.State(id)
		return err != nil
	}, waitTimeout, time.Millisecond, "plugin %s never removed", id)
}

func receiveEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(waitTimeout):
		t.Fatal("no event received")
		return Event{}
	}
}

// nextEventOf skips events of other kinds or plugins.
func nextEventOf(t *testing.T, sub *Subscription, id Identity, kind EventKind) Event {
	t.Helper()
	for {
		event := receiveEvent(t, sub)
		if event.Plugin == id && event.Kind == kind {
			return event
		}
	}
}

type callResult struct {
	payload []byte
	err     error
}

// sendAsync runs SendRequest in a goroutine.
func sendAsync(b *Broker, id Identity, op instruction.Operation, payload []byte, timeout time.Duration) <-chan callResult {
	done := make(chan callResult, 1)
	go func() {
		payload, err := b.SendRequest(context.Background(), id, op, payload, timeout)
		done <- callResult{payload: payload, err: err}
	}()
	return done
}

func awaitCall(t *testing.T, done <-chan callResult) callResult {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(waitTimeout):
		t.Fatal("request did not complete")
		return callResult{}
	}
}

// pendingCount reads the tracker size of plugin id.
func pendingCount(t *testing.T, b *Broker, id Identity) int {
	t.Helper()
	s, ok := b.registry.lookup(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Len()
}

// waitKeepaliveAnswered waits until the last keepalive of plugin id
// has been answered.
func waitKeepaliveAnswered(t *testing.T, b *Broker, id Identity) {
	t.Helper()
	s, ok := b.registry.lookup(id)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.keepaliveOutstanding
	}, waitTimeout, time.Millisecond)
}

// encodeUnchecked encodes in without validating it.
func encodeUnchecked(in instruction.Instruction) ([]byte, error) {
	return cbor.Marshal(in)
}
