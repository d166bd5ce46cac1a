package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/polychat/lib/broker"
	"github.com/snowmerak/polychat/lib/instruction"
	"github.com/snowmerak/polychat/lib/plugin"
)

// helperArg makes the test binary act as an echo plugin.
const helperArg = "polychat-helper-plugin"

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[len(os.Args)-1] == helperArg {
		os.Exit(runHelperPlugin())
	}
	os.Exit(m.Run())
}

func runHelperPlugin() int {
	ctx := context.Background()
	m, err := plugin.NewFromEnv(ctx, plugin.Info{ServiceName: "helper"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	m.Handle(instruction.OpEcho, func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	fmt.Fprintln(os.Stderr, "helper plugin listening")
	if err := m.Listen(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// recordingHost closes every stream it is given so children see EOF.
type recordingHost struct {
	mu       sync.Mutex
	launched []broker.Identity
	streams  []io.ReadWriteCloser
	exited   chan broker.ExitInfo
	reject   error
}

func newRecordingHost() *recordingHost {
	return &recordingHost{exited: make(chan broker.ExitInfo, 8)}
}

func (h *recordingHost) PluginLaunched(id broker.Identity, stream io.ReadWriteCloser) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject != nil {
		return h.reject
	}
	h.launched = append(h.launched, id)
	h.streams = append(h.streams, stream)
	return nil
}

func (h *recordingHost) PluginProcessExited(_ broker.Identity, info broker.ExitInfo) {
	h.exited <- info
}

func (h *recordingHost) closeStreams() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stream := range h.streams {
		_ = stream.Close()
	}
}

func awaitExit(t *testing.T, h *recordingHost) broker.ExitInfo {
	t.Helper()
	select {
	case info := <-h.exited:
		return info
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not reported")
		return broker.ExitInfo{}
	}
}

func TestSupervisor_LaunchReportsLifecycle(t *testing.T) {
	host := newRecordingHost()
	s := NewSupervisor(host)

	id, err := s.Launch(context.Background(), writeScript(t, "cat >/dev/null; exit 4"))
	require.NoError(t, err)

	parsed, err := uuid.Parse(string(id))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Equal(t, []broker.Identity{id}, s.Running())

	host.closeStreams()
	info := awaitExit(t, host)
	assert.Equal(t, 4, info.Code)
	assert.NoError(t, info.Err)

	require.Eventually(t, func() bool { return len(s.Running()) == 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
}

func TestSupervisor_HostRejects(t *testing.T) {
	host := newRecordingHost()
	host.reject = broker.ErrClosed
	s := NewSupervisor(host)

	_, err := s.Launch(context.Background(), writeScript(t, "sleep 60"))
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.Empty(t, s.Running())
}

func TestSupervisor_LaunchRacingClose(t *testing.T) {
	host := newRecordingHost()
	s := NewSupervisor(host)
	script := writeScript(t, "exec sleep 60")

	// Stay under the host's exit buffer so every watcher can report.
	const launches = 6
	errs := make([]error, launches)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < launches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Launch(context.Background(), script)
		}(i)
	}

	close(start)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Close(ctx)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrSupervisorClosed, "launch %d", i)
		}
	}
	assert.Empty(t, s.Running())

	_, err := s.Launch(context.Background(), script)
	assert.ErrorIs(t, err, ErrSupervisorClosed)
}

func TestSupervisor_LaunchAllJoinsFailures(t *testing.T) {
	host := newRecordingHost()
	s := NewSupervisor(host)

	good := writeScript(t, "cat >/dev/null")
	ids, err := s.LaunchAll(context.Background(), []string{good, "/nonexistent/plugin"})
	assert.Error(t, err)
	assert.Len(t, ids, 1)

	host.closeStreams()
	awaitExit(t, host)
	require.NoError(t, s.Close(context.Background()))
}

func TestSupervisor_CloseKillsStragglers(t *testing.T) {
	host := newRecordingHost()
	s := NewSupervisor(host)

	_, err := s.Launch(context.Background(), writeScript(t, "sleep 60"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	info := awaitExit(t, host)
	assert.NotEqual(t, 0, info.Code)

	_, err = s.Launch(context.Background(), writeScript(t, "true"))
	assert.ErrorIs(t, err, ErrSupervisorClosed)
}

func TestSupervisor_BrokerEndToEnd(t *testing.T) {
	executable, err := os.Executable()
	require.NoError(t, err)

	for _, transport := range []Transport{TransportStdio, TransportUnix} {
		t.Run(string(transport), func(t *testing.T) {
			cfg := broker.DefaultConfig()
			cfg.ShutdownGrace = 5 * time.Second
			b, err := broker.New(cfg)
			require.NoError(t, err)

			s := NewSupervisor(b,
				WithPluginArgs(helperArg),
				WithTransport(transport, ""),
			)

			id, err := s.Launch(context.Background(), executable)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				state, err := b.State(id)
				return err == nil && state == broker.Ready
			}, 10*time.Second, 5*time.Millisecond)

			got, err := b.SendRequest(context.Background(), id, instruction.OpEcho, []byte("ping"), 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, []byte("ping"), got)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, b.Close(ctx))
			require.NoError(t, s.Close(ctx))
			assert.Empty(t, s.Running())
		})
	}
}
