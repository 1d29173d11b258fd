package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type textCodec struct{}

func (textCodec) Encode(s string) (int, []byte, error) {
	return websocket.TextMessage, []byte(s), nil
}

func (textCodec) Decode(_ int, data []byte) (string, error) {
	if string(data) == "bad" {
		return "", errors.New("bad frame")
	}
	return string(data), nil
}

func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drainUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func openChannel() *Channel[string, string] {
	c := New[string, string](Config{}, textCodec{}, nil)
	c.phase = phaseOpen
	return c
}

func waitForWaiters[U, D any](t *testing.T, c *Channel[U, D], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == n
	}, time.Second, time.Millisecond)
}

func TestDeliverBuffersInArrivalOrder(t *testing.T) {
	c := openChannel()
	for _, item := range []string{"a", "b", "c"} {
		c.deliver(item)
	}
	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := c.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestPendingConsumersResolveInOrder(t *testing.T) {
	c := openChannel()
	ctx := context.Background()

	const pending = 3
	results := make([]chan string, pending)
	for i := range pending {
		results[i] = make(chan string, 1)
		go func(out chan<- string) {
			item, _, _ := c.Next(ctx)
			out <- item
		}(results[i])
		waitForWaiters(t, c, i+1)
	}

	for _, item := range []string{"m1", "m2", "m3", "m4", "m5"} {
		c.deliver(item)
	}

	for i, want := range []string{"m1", "m2", "m3"} {
		select {
		case got := <-results[i]:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("consumer %d not resolved", i)
		}
	}

	c.mu.Lock()
	assert.Empty(t, c.waiters)
	assert.Equal(t, []string{"m4", "m5"}, c.items)
	c.mu.Unlock()
}

func TestCancelledNextLeavesNoWaiter(t *testing.T) {
	c := openChannel()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Next(ctx)
		errCh <- err
	}()
	waitForWaiters(t, c, 1)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	c.deliver("kept")
	got, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", got)
}

func TestAbandonKeepsResolvedItem(t *testing.T) {
	c := openChannel()
	w := &waiter[string]{ch: make(chan result[string], 1)}
	c.waiters = append(c.waiters, w)
	c.deliver("first")
	c.deliver("second")

	res, resolved := c.abandon(w)
	require.True(t, resolved)
	assert.Equal(t, "first", res.item)

	c.mu.Lock()
	assert.Equal(t, []string{"second"}, c.items, "a handed out item is not requeued")
	c.mu.Unlock()
}

func TestCancellingConsumersLoseNothing(t *testing.T) {
	c := openChannel()
	const consumers = 4
	const items = 200

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
				item, ok, err := c.Next(ctx)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if err != nil || !ok {
					return
				}
				n, _ := strconv.Atoi(item)
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
			}
		}()
	}
	for i := range items {
		c.deliver(strconv.Itoa(i))
	}
	c.mu.Lock()
	c.phase = phaseClosed
	c.resolveWaitersLocked(result[string]{})
	c.mu.Unlock()
	wg.Wait()

	require.Len(t, got, items, "no item is lost or duplicated")
	seen := make(map[int]bool, items)
	for _, n := range got {
		assert.False(t, seen[n], "item %d delivered twice", n)
		seen[n] = true
	}
}

func TestMessagesYieldsInOrderThenEnds(t *testing.T) {
	c := openChannel()
	c.deliver("a")
	c.deliver("b")

	ctx := context.Background()
	var got []string
	for item, err := range c.Messages(ctx) {
		require.NoError(t, err)
		got = append(got, item)
		if len(got) == 2 {
			c.mu.Lock()
			c.phase = phaseClosed
			c.mu.Unlock()
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, c.Err())
}

func TestMessagesYieldsErrorOnce(t *testing.T) {
	c := openChannel()
	c.deliver("a")
	failure := &ConnectionError{Op: "read", Err: errors.New("reset")}

	var items []string
	var errs []error
	for item, err := range c.Messages(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, item)
		go func() {
			for {
				c.mu.Lock()
				if len(c.waiters) == 1 {
					c.failLocked(failure)
					c.mu.Unlock()
					return
				}
				c.mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}()
	}
	assert.Equal(t, []string{"a"}, items)
	require.Len(t, errs, 1)
	assert.Same(t, failure, errs[0])
	assert.Same(t, failure, c.Err())
}

func TestUnconnectedChannel(t *testing.T) {
	c := New[string, string](Config{}, textCodec{}, nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Send(ctx, "x"), ErrNotConnected)
	_, _, err := c.Next(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	require.ErrorIs(t, c.Connect(ctx, "ws://127.0.0.1:1"), ErrClosed)
}

func TestSendAndReceive(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	})

	ctx := context.Background()
	c := New[string, string](Config{}, textCodec{}, nil)
	require.NoError(t, c.Connect(ctx, url))
	require.True(t, c.Connected())

	require.NoError(t, c.Send(ctx, "one"))
	require.NoError(t, c.Send(ctx, "two"))

	var got []string
	for item, err := range c.Messages(ctx) {
		require.NoError(t, err)
		got = append(got, item)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"echo:one", "echo:two"}, got)

	require.NoError(t, c.Close(ctx))
	require.ErrorIs(t, c.Send(ctx, "late"), ErrNotConnected)
	_, ok, err := c.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseResolvesPendingConsumers(t *testing.T) {
	url := newTestServer(t, drainUntilClose)

	ctx := context.Background()
	c := New[string, string](Config{CloseGracePeriod: time.Second}, textCodec{}, nil)
	require.NoError(t, c.Connect(ctx, url))

	const pending = 4
	var wg sync.WaitGroup
	var ended atomic.Int32
	for i := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.Next(ctx)
			if err == nil && !ok {
				ended.Add(1)
			}
		}()
		waitForWaiters(t, c, i+1)
	}

	require.NoError(t, c.Close(ctx))
	wg.Wait()
	assert.Equal(t, int32(pending), ended.Load())
	require.NoError(t, c.Close(ctx))
}

func TestRemoteCloseDrainsBufferFirst(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("a"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("b"))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drainUntilClose(conn)
	})

	ctx := context.Background()
	c := New[string, string](Config{}, textCodec{}, nil)
	require.NoError(t, c.Connect(ctx, url))

	var got []string
	for item, err := range c.Messages(ctx) {
		require.NoError(t, err)
		got = append(got, item)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, c.Err())
}

func TestConnectionFailureIsPermanent(t *testing.T) {
	release := make(chan struct{})
	url := newTestServer(t, func(conn *websocket.Conn) {
		<-release
		_ = conn.UnderlyingConn().Close()
	})

	ctx := context.Background()
	c := New[string, string](Config{}, textCodec{}, nil)
	require.NoError(t, c.Connect(ctx, url))

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Next(ctx)
		errCh <- err
	}()
	waitForWaiters(t, c, 1)
	close(release)

	err := <-errCh
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Op)

	_, _, again := c.Next(ctx)
	assert.Same(t, connErr, again)
	assert.Same(t, connErr, c.Send(ctx, "x"))
	require.NoError(t, c.Close(ctx))
}

func TestMalformedFrameIsDropped(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bad"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("good"))
		drainUntilClose(conn)
	})

	var dropped atomic.Int32
	ctx := context.Background()
	c := New[string, string](Config{OnDecodeError: func(error) { dropped.Add(1) }}, textCodec{}, nil)
	require.NoError(t, c.Connect(ctx, url))

	got, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "good", got)
	assert.Equal(t, int32(1), dropped.Load())
	require.NoError(t, c.Close(ctx))
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx := context.Background()
	c := New[string, string](Config{}, textCodec{}, nil)
	err := c.Connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)

	_, _, nextErr := c.Next(ctx)
	assert.Same(t, connErr, nextErr)
}
