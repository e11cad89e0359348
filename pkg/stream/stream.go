package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/quantbase/binancex/pkg/metrics"
)

const (
	defaultPingInterval = 30 * time.Second

	// defaultIdleTimeout forces a reconnect when no inbound frame arrives
	// within the window. The venue pings every 3 minutes at most, so a silent
	// 2 minutes on an active market means the connection is dead.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxConnAge proactively cycles the connection before the venue's
	// 24 hour hard disconnect.
	defaultMaxConnAge = 23*time.Hour + 30*time.Minute
)

// reconnect backoff bounds
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 60 * time.Second
)

// State is the lifecycle phase of a Manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Channel names a market data stream type.
type Channel string

const (
	AggTradeChannel   Channel = "aggTrade"
	TradeChannel      Channel = "trade"
	KLineChannel      Channel = "kline"
	DepthChannel      Channel = "depth"
	TickerChannel     Channel = "ticker"
	BookTickerChannel Channel = "bookTicker"
)

// SubscribeOptions qualify a channel subscription.
type SubscribeOptions struct {
	Interval string `json:"interval,omitempty"`
	Depth    string `json:"depth,omitempty"`
}

type Subscription struct {
	Symbol  string           `json:"symbol"`
	Channel Channel          `json:"channel"`
	Options SubscribeOptions `json:"options"`
}

// StreamName renders the wire-level stream identifier,
// e.g. "btcusdt@kline_1m" or "btcusdt@depth20".
func (s Subscription) StreamName() string {
	name := strings.ToLower(s.Symbol) + "@" + string(s.Channel)
	if len(s.Options.Interval) > 0 {
		name += "_" + s.Options.Interval
	}
	if len(s.Options.Depth) > 0 {
		name += s.Options.Depth
	}
	return name
}

// MessageHandler receives every non-response inbound frame. channel is the
// stream name for combined frames or the event type for raw events.
type MessageHandler func(channel string, payload []byte)

// Manager drives one logical streaming session: it owns the desired
// subscription set, dials and re-dials the underlying Conn, replays
// subscriptions on every successful open, and keeps the connection healthy
// with pings, idle detection and an age cap. Private sessions additionally
// run a listen key keep-alive and restart from scratch when the key dies.
type Manager struct {
	// Endpoint is the websocket base URL, e.g. "wss://stream.binance.us:9443".
	Endpoint string

	ReconnectC chan struct{}
	CloseC     chan struct{}

	// PingInterval, IdleTimeout and MaxConnAge default from the venue rules
	// and are only overridden in tests.
	PingInterval time.Duration
	IdleTimeout  time.Duration
	MaxConnAge   time.Duration

	creds      Credentials
	keepAlive  *ListenKeyKeepAlive
	publicOnly bool

	state int32

	subMu         sync.Mutex
	subscriptions []Subscription

	connMu     sync.Mutex
	conn       *Conn
	connCtx    context.Context
	connCancel context.CancelFunc

	handler MessageHandler

	closeOnce sync.Once

	connectCallbacks    []func()
	disconnectCallbacks []func()
}

func NewManager(endpoint string, creds Credentials) *Manager {
	return &Manager{
		Endpoint:     endpoint,
		ReconnectC:   make(chan struct{}, 1),
		CloseC:       make(chan struct{}),
		PingInterval: defaultPingInterval,
		IdleTimeout:  defaultIdleTimeout,
		MaxConnAge:   defaultMaxConnAge,
		creds:        creds,
		publicOnly:   true,
	}
}

// UseListenKey switches the manager into private mode: the session dials
// /ws/<listenKey> and keeps the key alive for as long as it stays connected.
func (m *Manager) UseListenKey(api ListenKeyAPI) {
	m.keepAlive = NewListenKeyKeepAlive(api)
	m.publicOnly = false
}

func (m *Manager) OnConnect(cb func()) {
	m.connectCallbacks = append(m.connectCallbacks, cb)
}

func (m *Manager) OnDisconnect(cb func()) {
	m.disconnectCallbacks = append(m.disconnectCallbacks, cb)
}

func (m *Manager) OnMessage(handler MessageHandler) {
	m.handler = handler
}

func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

// Subscribe records the subscription and, when the session is already open,
// sends it on the live connection immediately. The recorded set is replayed
// in insertion order on every (re)connect.
func (m *Manager) Subscribe(channel Channel, symbol string, options SubscribeOptions) {
	sub := Subscription{Symbol: symbol, Channel: channel, Options: options}

	m.subMu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.subMu.Unlock()

	if m.State() != StateOpen {
		return
	}

	// a subscription recorded between the open transition and the replay
	// snapshot can be sent twice, once here and once by the replay; the
	// venue treats a repeated SUBSCRIBE for the same stream as a no-op
	if conn := m.Conn(); conn != nil {
		if _, err := conn.Send(context.Background(), "SUBSCRIBE", []string{sub.StreamName()}, SecurityNone); err != nil {
			log.WithError(err).Errorf("subscribe %s send error", sub.StreamName())
		}
	}
}

// Unsubscribe removes the subscription from the desired set so it is not
// replayed on reconnect, and tells the venue when the session is open.
func (m *Manager) Unsubscribe(channel Channel, symbol string, options SubscribeOptions) {
	sub := Subscription{Symbol: symbol, Channel: channel, Options: options}

	m.subMu.Lock()
	kept := m.subscriptions[:0]
	for _, existing := range m.subscriptions {
		if existing != sub {
			kept = append(kept, existing)
		}
	}
	m.subscriptions = kept
	m.subMu.Unlock()

	if m.State() != StateOpen {
		return
	}
	if conn := m.Conn(); conn != nil {
		if _, err := conn.Send(context.Background(), "UNSUBSCRIBE", []string{sub.StreamName()}, SecurityNone); err != nil {
			log.WithError(err).Errorf("unsubscribe %s send error", sub.StreamName())
		}
	}
}

// Subscriptions returns a copy of the desired set in insertion order.
func (m *Manager) Subscriptions() []Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return append([]Subscription(nil), m.subscriptions...)
}

func (m *Manager) Conn() *Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

// Connect opens the session and starts the reconnector. The first dial error
// is returned to the caller; later failures are retried with backoff.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() == StateClosed {
		return errors.New("stream: manager is closed")
	}

	m.setState(StateConnecting)
	if err := m.connect(ctx); err != nil {
		m.setState(StateIdle)
		return err
	}

	go m.reconnector(ctx)
	return nil
}

// Reconnect signals the reconnector to cycle the connection. Non-blocking
// and safe to call from any goroutine.
func (m *Manager) Reconnect() {
	select {
	case m.ReconnectC <- struct{}{}:
	default:
	}
}

func (m *Manager) reconnector(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBaseDelay
	bo.MaxInterval = reconnectMaxDelay
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.CloseC:
			return

		case <-m.ReconnectC:
			// a pending reconnect signal may win the select against a
			// just-closed CloseC; Closed is final
			if m.State() == StateClosed {
				return
			}

			m.setState(StateReconnecting)
			m.teardownConn()
			metrics.StreamReconnects.Inc()

			wait := bo.NextBackOff()
			log.Warnf("reconnect signal received, reconnecting in %s...", wait)

			select {
			case <-ctx.Done():
				return
			case <-m.CloseC:
				return
			case <-time.After(wait):
			}

			if err := m.connect(ctx); err != nil {
				log.WithError(err).Errorf("reconnect error, will retry")
				m.Reconnect()
				continue
			}

			bo.Reset()
		}
	}
}

// endpoint resolves the URL to dial. Private sessions acquire a fresh listen
// key here so every reconnect starts from a valid key.
func (m *Manager) endpoint(ctx context.Context) (string, <-chan struct{}, error) {
	base := strings.TrimSuffix(m.Endpoint, "/")
	if m.publicOnly {
		return base + "/stream", nil, nil
	}

	key, invalidC, err := m.keepAlive.Start(ctx)
	if err != nil {
		return "", nil, err
	}
	return base + "/ws/" + key, invalidC, nil
}

func (m *Manager) connect(ctx context.Context) error {
	url, invalidC, err := m.endpoint(ctx)
	if err != nil {
		return err
	}

	conn, err := Dial(ctx, url, m.creds)
	if err != nil {
		return err
	}

	log.Infof("websocket connected: %s", m.Endpoint)

	m.connMu.Lock()
	if m.connCancel != nil {
		m.connCancel()
	}
	m.connCtx, m.connCancel = context.WithCancel(ctx)
	m.conn = conn
	connCtx := m.connCtx
	m.connMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(m.IdleTimeout))

	m.setState(StateOpen)
	metrics.StreamConnected.Set(1)
	m.emitConnect()

	// the initial subscribe and every resubscribe share this one path, so a
	// reconnect always restores exactly the desired set
	if err := m.sendSubscriptions(ctx, conn); err != nil {
		log.WithError(err).Errorf("subscription replay error")
		m.dropConn()
		return err
	}

	go m.read(connCtx, conn)
	go m.ping(connCtx, conn)
	go m.ageGuard(connCtx)
	if invalidC != nil {
		go m.watchListenKey(connCtx, invalidC)
	}

	return nil
}

// sendSubscriptions replays the desired set in insertion order as a single
// SUBSCRIBE command.
func (m *Manager) sendSubscriptions(ctx context.Context, conn *Conn) error {
	m.subMu.Lock()
	names := make([]string, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		names = append(names, sub.StreamName())
	}
	m.subMu.Unlock()

	if len(names) == 0 {
		return nil
	}

	if _, err := conn.Send(ctx, "SUBSCRIBE", names, SecurityNone); err != nil {
		return errors.Wrapf(err, "subscribe error, streams: %v", names)
	}

	log.Infof("subscribed to %d streams: %v", len(names), names)
	return nil
}

func (m *Manager) read(ctx context.Context, conn *Conn) {
	defer func() {
		conn.Close()
		metrics.StreamConnected.Set(0)
		m.emitDisconnect()

		// only signal when this connection died on its own; a cancelled ctx
		// means a teardown or Close already took over
		if ctx.Err() == nil && m.State() != StateClosed {
			m.Reconnect()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// any inbound frame counts as liveness
		conn.SetReadDeadline(time.Now().Add(m.IdleTimeout))

		message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Errorf("read error, closing connection")
			}
			return
		}

		frame, err := parseFrame(message)
		if err != nil {
			log.WithError(err).Warnf("unparseable frame dropped: %s", message)
			continue
		}

		switch frame.Kind {
		case KindResponse:
			if !conn.resolve(frame.response) {
				log.Debugf("uncorrelated response dropped, id %d", frame.response.ID)
			}

		default:
			if m.handler != nil {
				m.handler(frame.Channel, frame.Payload)
			}
		}
	}
}

func (m *Manager) ping(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(m.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.WithError(err).Errorf("ping error, cycling connection")
				m.Reconnect()
				return
			}
		}
	}
}

// ageGuard cycles the connection before the venue's hard 24 hour disconnect.
func (m *Manager) ageGuard(ctx context.Context) {
	timer := time.NewTimer(m.MaxConnAge)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return

	case <-timer.C:
		log.Infof("connection reached max age %s, cycling", m.MaxConnAge)
		m.Reconnect()
	}
}

// watchListenKey restarts the private session from scratch when the key
// dies. The reconnect path acquires a fresh key in endpoint().
func (m *Manager) watchListenKey(ctx context.Context, invalidC <-chan struct{}) {
	select {
	case <-ctx.Done():
		return

	case <-invalidC:
		log.Warnf("listen key invalidated, restarting private session")
		m.Reconnect()
	}
}

func (m *Manager) teardownConn() {
	m.connMu.Lock()
	if m.connCancel != nil {
		m.connCancel()
	}
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// dropConn tears the connection down and resets the connected gauge, leaving
// no reference to the dead socket behind.
func (m *Manager) dropConn() {
	m.teardownConn()
	metrics.StreamConnected.Set(0)
}

// Close ends the session permanently: no timer or reconnect may fire after
// it returns. Private sessions release their listen key at the venue.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.setState(StateClosed)
		close(m.CloseC)
		m.dropConn()

		if m.keepAlive != nil {
			m.keepAlive.Stop()
		}
	})
	return nil
}

func (m *Manager) emitConnect() {
	for _, cb := range m.connectCallbacks {
		cb()
	}
}

func (m *Manager) emitDisconnect() {
	for _, cb := range m.disconnectCallbacks {
		cb()
	}
}
