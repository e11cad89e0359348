package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbase/binancex/pkg/metrics"
)

type recordedCommand struct {
	Method string
	Params []string
}

// subRecorder is a websocket server that records every SUBSCRIBE/UNSUBSCRIBE
// command and exposes each accepted connection so tests can kill it.
type subRecorder struct {
	server *httptest.Server
	cmds   chan recordedCommand
	conns  chan *websocket.Conn
	paths  chan string
}

func newSubRecorder(t *testing.T) *subRecorder {
	t.Helper()

	rec := &subRecorder{
		cmds:  make(chan recordedCommand, 16),
		conns: make(chan *websocket.Conn, 8),
		paths: make(chan string, 8),
	}

	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rec.paths <- r.URL.Path
		rec.conns <- c

		for {
			var cmd struct {
				ID     int64    `json:"id"`
				Method string   `json:"method"`
				Params []string `json:"params"`
			}
			if err := c.ReadJSON(&cmd); err != nil {
				return
			}
			rec.cmds <- recordedCommand{Method: cmd.Method, Params: cmd.Params}
			if err := c.WriteJSON(map[string]interface{}{"result": nil, "id": cmd.ID}); err != nil {
				return
			}
		}
	}))

	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *subRecorder) waitCmd(t *testing.T, timeout time.Duration) recordedCommand {
	t.Helper()
	select {
	case cmd := <-rec.cmds:
		return cmd
	case <-time.After(timeout):
		t.Fatalf("no command received within %s", timeout)
		return recordedCommand{}
	}
}

func (rec *subRecorder) waitConn(t *testing.T, timeout time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case c := <-rec.conns:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection accepted within %s", timeout)
		return nil
	}
}

func (rec *subRecorder) waitPath(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case p := <-rec.paths:
		return p
	case <-time.After(timeout):
		t.Fatalf("no connection accepted within %s", timeout)
		return ""
	}
}

func TestSubscriptionStreamName(t *testing.T) {
	cases := []struct {
		sub      Subscription
		expected string
	}{
		{Subscription{Symbol: "BTCUSDT", Channel: KLineChannel, Options: SubscribeOptions{Interval: "1m"}}, "btcusdt@kline_1m"},
		{Subscription{Symbol: "ETHUSDT", Channel: DepthChannel, Options: SubscribeOptions{Depth: "20"}}, "ethusdt@depth20"},
		{Subscription{Symbol: "SOLUSDT", Channel: AggTradeChannel}, "solusdt@aggTrade"},
		{Subscription{Symbol: "ltcbtc", Channel: BookTickerChannel}, "ltcbtc@bookTicker"},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, c.sub.StreamName())
	}
}

// On reconnect the full desired set is replayed in insertion order, through
// the same code path as the initial subscribe.
func TestManagerResubscribesInInsertionOrder(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	defer m.Close()

	m.Subscribe(KLineChannel, "BTCUSDT", SubscribeOptions{Interval: "1m"})
	m.Subscribe(DepthChannel, "ETHUSDT", SubscribeOptions{Depth: "20"})
	m.Subscribe(AggTradeChannel, "SOLUSDT", SubscribeOptions{})

	expected := []string{"btcusdt@kline_1m", "ethusdt@depth20", "solusdt@aggTrade"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	first := rec.waitConn(t, 5*time.Second)
	cmd := rec.waitCmd(t, 5*time.Second)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, expected, cmd.Params)

	// kill the connection from the server side
	first.Close()

	rec.waitConn(t, 10*time.Second)
	cmd = rec.waitCmd(t, 10*time.Second)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, expected, cmd.Params, "reconnect must replay the identical ordered set")
}

// Changes to the desired set while disconnected take effect on the next open:
// additions are included, removals are not replayed.
func TestManagerAppliesSetChangesAcrossReconnect(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	defer m.Close()

	m.Subscribe(TradeChannel, "BTCUSDT", SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	first := rec.waitConn(t, 5*time.Second)
	cmd := rec.waitCmd(t, 5*time.Second)
	assert.Equal(t, []string{"btcusdt@trade"}, cmd.Params)

	first.Close()

	// mutate the desired set while the connection is down
	m.Subscribe(TradeChannel, "ETHUSDT", SubscribeOptions{})
	m.Unsubscribe(TradeChannel, "BTCUSDT", SubscribeOptions{})

	rec.waitConn(t, 10*time.Second)

	// drain until the replayed SUBSCRIBE arrives; a racing live send from
	// Subscribe/Unsubscribe may or may not have reached the dying socket
	deadline := time.After(10 * time.Second)
	for {
		select {
		case cmd := <-rec.cmds:
			if cmd.Method == "SUBSCRIBE" && len(cmd.Params) == 1 && cmd.Params[0] == "ethusdt@trade" {
				return
			}
		case <-deadline:
			t.Fatal("replayed SUBSCRIBE with the updated set never arrived")
		}
	}
}

func TestManagerSubscribeWhileOpenSendsImmediately(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	rec.waitConn(t, 5*time.Second)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	m.Subscribe(TickerChannel, "BTCUSDT", SubscribeOptions{})

	cmd := rec.waitCmd(t, 5*time.Second)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, []string{"btcusdt@ticker"}, cmd.Params)
}

func TestManagerCloseStopsReconnecting(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	first := rec.waitConn(t, 5*time.Second)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	// a reconnect signal racing Close must not revive the session or move
	// the state off Closed
	m.Reconnect()
	first.Close()

	select {
	case <-rec.conns:
		t.Fatal("manager reconnected after Close")
	case <-time.After(2 * time.Second):
	}

	assert.Equal(t, StateClosed, m.State())
}

func TestManagerCloseClearsConnAndGauge(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	rec.waitConn(t, 5*time.Second)
	require.NotNil(t, m.Conn())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StreamConnected))

	require.NoError(t, m.Close())

	assert.Nil(t, m.Conn(), "dead socket must not stay referenced")
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.StreamConnected))
}

// A live-but-silent socket counts as dead: with no inbound frame within the
// idle window the manager must cycle the connection on its own.
func TestManagerIdleSocketForcesReconnect(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	m.IdleTimeout = 300 * time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	// the server accepts and then says nothing
	rec.waitConn(t, 5*time.Second)
	rec.waitConn(t, 10*time.Second)
}

// cyclingListenKeyAPI hands out a fresh key per acquisition and always fails
// renewal, driving the key-invalidation path.
type cyclingListenKeyAPI struct {
	mu     sync.Mutex
	starts int
}

func (f *cyclingListenKeyAPI) StartUserDataStream(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return fmt.Sprintf("test-listen-key-%d", f.starts), nil
}

func (f *cyclingListenKeyAPI) KeepaliveUserDataStream(ctx context.Context, listenKey string) error {
	return errors.New("listen key does not exist")
}

func (f *cyclingListenKeyAPI) CloseUserDataStream(ctx context.Context, listenKey string) error {
	return nil
}

// When the keep-alive declares the key dead, the manager tears the private
// session down and redials with a brand-new key, not the dead one.
func TestManagerReacquiresListenKeyAfterInvalidation(t *testing.T) {
	rec := newSubRecorder(t)
	api := &cyclingListenKeyAPI{}

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	m.UseListenKey(api)
	m.keepAlive.RenewInterval = 20 * time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	first := rec.waitPath(t, 5*time.Second)
	assert.Equal(t, "/ws/test-listen-key-1", first)

	// three failed renewals invalidate the key and restart the session
	second := rec.waitPath(t, 15*time.Second)
	assert.Equal(t, "/ws/test-listen-key-2", second)
	assert.NotEqual(t, first, second)
}

func TestManagerDeliversFramesToHandler(t *testing.T) {
	rec := newSubRecorder(t)

	m := NewManager(wsURL(rec.server, ""), Credentials{})
	defer m.Close()

	frames := make(chan string, 1)
	m.OnMessage(func(channel string, payload []byte) {
		frames <- channel
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	serverConn := rec.waitConn(t, 5*time.Second)
	require.NoError(t, serverConn.WriteJSON(map[string]interface{}{
		"stream": "btcusdt@aggTrade",
		"data":   map[string]interface{}{"e": "aggTrade", "s": "BTCUSDT"},
	}))

	select {
	case channel := <-frames:
		assert.Equal(t, "btcusdt@aggTrade", channel)
	case <-time.After(5 * time.Second):
		t.Fatal("frame never reached the handler")
	}
}
