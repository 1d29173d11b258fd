package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saker-ai/concierge/internal/audio"
	"github.com/saker-ai/concierge/internal/protocol"
	"github.com/saker-ai/concierge/internal/session/fsm"
	"github.com/saker-ai/concierge/internal/transport"
)

type voiceServer struct {
	url      string
	received chan protocol.Envelope
	outbound chan protocol.Envelope
	kill     chan struct{}
}

func newVoiceServer(t *testing.T) *voiceServer {
	t.Helper()
	s := &voiceServer{
		received: make(chan protocol.Envelope, 64),
		outbound: make(chan protocol.Envelope, 64),
		kill:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				select {
				case env := <-s.outbound:
					if err := conn.WriteJSON(env); err != nil {
						return
					}
				case <-s.kill:
					_ = conn.UnderlyingConn().Close()
					return
				}
			}
		}()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.received <- env
		}
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *voiceServer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
		return protocol.Envelope{}
	}
}

type fakeCapture struct {
	stopped bool
}

func (c *fakeCapture) Stop() error {
	c.stopped = true
	return nil
}

type fakeAdapter struct {
	mu      sync.Mutex
	err     error
	device  string
	onFrame audio.FrameFunc
	capture *fakeCapture
	played  [][]byte
	cleared int
}

func (a *fakeAdapter) StartCapture(_ context.Context, device string, onFrame audio.FrameFunc) (audio.Capture, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.device = device
	a.onFrame = onFrame
	a.capture = &fakeCapture{}
	return a.capture, nil
}

func (a *fakeAdapter) Play(pcm []byte) {
	a.mu.Lock()
	a.played = append(a.played, pcm)
	a.mu.Unlock()
}

func (a *fakeAdapter) ClearPlayback() {
	a.mu.Lock()
	a.cleared++
	a.played = nil
	a.mu.Unlock()
}

func (a *fakeAdapter) snapshot() (played int, cleared int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.played), a.cleared
}

type recordingHandler struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (h *recordingHandler) HandleEnvelope(_ context.Context, env protocol.Envelope) {
	h.mu.Lock()
	h.envs = append(h.envs, env)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envs)
}

type staticHistory []protocol.SimpleMessage

func (h staticHistory) Messages() []protocol.SimpleMessage { return h }

func newController(url string, adapter audio.Adapter, handler Handler) *Controller {
	newChannel := func() Channel {
		return transport.New[protocol.Envelope, protocol.Envelope](
			transport.Config{CloseGracePeriod: time.Second},
			protocol.Codec[protocol.Envelope]{},
			nil,
		)
	}
	cfg := Config{
		Address:     url,
		Preferences: protocol.Preferences{User: "Seth", Threshold: 0.8, Silence: 500, Prefix: 300},
	}
	history := staticHistory{{Name: "Seth", Text: "hi"}, {Name: "Wiry", Text: "hello"}}
	return NewController(cfg, newChannel, adapter, handler, history, nil, nil)
}

func TestStartSendsBootstrapInOrder(t *testing.T) {
	srv := newVoiceServer(t)
	adapter := &fakeAdapter{}
	c := newController(srv.url, adapter, &recordingHandler{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "mic-2"))
	defer c.Stop(ctx)
	assert.Equal(t, "mic-2", adapter.device)

	first := srv.next(t)
	assert.Equal(t, protocol.KindMessages, first.Type)
	var history []protocol.SimpleMessage
	require.NoError(t, json.Unmarshal([]byte(first.Payload), &history))
	assert.Len(t, history, 2)

	second := srv.next(t)
	assert.Equal(t, protocol.KindUser, second.Type)
	var prefs protocol.Preferences
	require.NoError(t, json.Unmarshal([]byte(second.Payload), &prefs))
	assert.Equal(t, "Seth", prefs.User)
	assert.Equal(t, 500, prefs.Silence)

	third := srv.next(t)
	assert.Equal(t, protocol.KindInterrupt, third.Type)
	assert.Equal(t, "", third.Payload)

	adapter.onFrame([]byte{1, 2, 3, 4})
	frame := srv.next(t)
	assert.Equal(t, protocol.KindAudio, frame.Type)
	assert.Equal(t, protocol.NewAudio([]byte{1, 2, 3, 4}).Payload, frame.Payload)
}

func TestInboundDemux(t *testing.T) {
	srv := newVoiceServer(t)
	adapter := &fakeAdapter{}
	handler := &recordingHandler{}
	c := newController(srv.url, adapter, handler)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, ""))
	defer c.Stop(ctx)

	srv.outbound <- protocol.NewAudio([]byte{9, 9})
	srv.outbound <- protocol.NewAudio([]byte{8, 8})
	require.Eventually(t, func() bool {
		played, _ := adapter.snapshot()
		return played == 2
	}, 2*time.Second, 5*time.Millisecond)

	srv.outbound <- protocol.NewInterrupt()
	srv.outbound <- protocol.Envelope{Type: protocol.KindAssistant, Payload: "Hi there"}
	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	played, cleared := adapter.snapshot()
	assert.Equal(t, 0, played)
	assert.Equal(t, 1, cleared)
}

func TestDeviceFailureLeavesIdle(t *testing.T) {
	srv := newVoiceServer(t)
	adapter := &fakeAdapter{err: errors.New("permission denied")}
	c := newController(srv.url, adapter, &recordingHandler{})

	err := c.Start(context.Background(), "mic-1")
	var deviceErr *audio.DeviceAccessError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, "mic-1", deviceErr.Device)
	assert.False(t, c.Active())
}

func TestCancelledCaptureIsNotDeviceFailure(t *testing.T) {
	srv := newVoiceServer(t)
	for _, cause := range []error{context.Canceled, context.DeadlineExceeded} {
		adapter := &fakeAdapter{err: cause}
		c := newController(srv.url, adapter, &recordingHandler{})

		err := c.Start(context.Background(), "mic-1")
		require.ErrorIs(t, err, cause)
		var deviceErr *audio.DeviceAccessError
		assert.False(t, errors.As(err, &deviceErr), "%v reported as device failure", cause)
		assert.False(t, c.Active())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv := newVoiceServer(t)
	adapter := &fakeAdapter{}
	c := newController(srv.url, adapter, &recordingHandler{})
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Send(ctx, protocol.NewUserText("ignored")))

	require.NoError(t, c.Start(ctx, ""))
	capture := adapter.capture
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.True(t, capture.stopped)
	assert.False(t, c.Active())
	require.NoError(t, c.Send(ctx, protocol.NewUserText("ignored")))
}

func TestStartStrictAndRestart(t *testing.T) {
	srv := newVoiceServer(t)
	adapter := &fakeAdapter{}
	c := newController(srv.url, adapter, &recordingHandler{})
	ctx := context.Background()

	require.NoError(t, c.StartStrict(ctx, ""))
	require.ErrorIs(t, c.StartStrict(ctx, ""), ErrAlreadyActive)

	first := adapter.capture
	require.NoError(t, c.Start(ctx, ""))
	assert.True(t, first.stopped)
	assert.True(t, c.Active())
	require.NoError(t, c.Stop(ctx))
}

func TestTransportFailureSurfaces(t *testing.T) {
	srv := newVoiceServer(t)
	c := newController(srv.url, &fakeAdapter{}, &recordingHandler{})
	ended := make(chan error, 1)
	c.OnEnded(func(err error) { ended <- err })
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, ""))

	close(srv.kill)
	select {
	case err := <-ended:
		var connErr *transport.ConnectionError
		require.ErrorAs(t, err, &connErr)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not surfaced")
	}
	assert.True(t, c.Active())
	require.NoError(t, c.Stop(ctx))
	assert.False(t, c.Active())
}

func TestCallLifecycle(t *testing.T) {
	srv := newVoiceServer(t)
	c := newController(srv.url, &fakeAdapter{}, &recordingHandler{})
	call := NewCall(c, "", nil, nil)
	ctx := context.Background()

	require.ErrorIs(t, call.Answer(ctx), ErrNotRinging)
	require.True(t, call.Ring())
	require.NoError(t, call.Answer(ctx))
	assert.Equal(t, fsm.StateCall, call.State())
	assert.True(t, c.Active())

	require.NoError(t, call.Hangup(ctx))
	assert.Equal(t, fsm.StateIdle, call.State())
	assert.False(t, c.Active())
}

func TestCallEndsOnTransportFailure(t *testing.T) {
	srv := newVoiceServer(t)
	c := newController(srv.url, &fakeAdapter{}, &recordingHandler{})
	call := NewCall(c, "", nil, nil)
	ctx := context.Background()

	require.True(t, call.Ring())
	require.NoError(t, call.Answer(ctx))
	close(srv.kill)

	require.Eventually(t, func() bool {
		return call.State() == fsm.StateIdle && !c.Active()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCallAnswerDeviceFailure(t *testing.T) {
	srv := newVoiceServer(t)
	c := newController(srv.url, &fakeAdapter{err: errors.New("busy")}, &recordingHandler{})
	call := NewCall(c, "mic", nil, nil)

	require.True(t, call.Ring())
	var deviceErr *audio.DeviceAccessError
	require.ErrorAs(t, call.Answer(context.Background()), &deviceErr)
	assert.Equal(t, fsm.StateIdle, call.State())
}
