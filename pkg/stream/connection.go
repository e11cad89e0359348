package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantbase/binancex/pkg/binanceapi"
)

var log = logrus.WithField("component", "stream")

// The venue allows 5 incoming control messages per second per connection
// (pings, pongs and subscribe/unsubscribe commands all count).
const outboundMessageRate = rate.Limit(5)

const (
	writeTimeout    = 5 * time.Second
	responseTimeout = 5 * time.Second
)

// ErrConnClosed is returned by sends on a connection that is no longer open.
var ErrConnClosed = errors.New("stream: connection closed")

// Security levels for outbound websocket commands.
type Security int

const (
	// SecurityNone sends the command as-is.
	SecurityNone Security = iota

	// SecuritySigned attaches apiKey, timestamp and an HMAC signature to the
	// command parameters, using the same signing scheme as the REST client.
	SecuritySigned
)

// Command is the wire shape of an outbound websocket request.
type Command struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response is a correlated reply to a Command.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *CommandError   `json:"error,omitempty"`
}

type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *CommandError) Error() string {
	return "command error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// Credentials sign outbound websocket commands when required.
type Credentials struct {
	Key    string
	Secret string
}

// Conn is one transport-level streaming socket: framing, correlation IDs and
// low-level open/close. It fails fast on errors and reports closure; retry
// and reconnect are the Manager's job.
type Conn struct {
	ws    *websocket.Conn
	creds Credentials

	writeMu     sync.Mutex
	sendLimiter *rate.Limiter

	cmdID int64

	pendingMu sync.Mutex
	pending   map[int64]chan Response

	closed int32
}

// Dial opens the websocket and installs the default ping handler so the
// server's pings are answered automatically.
func Dial(ctx context.Context, endpoint string, creds Credentials) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	ws.SetPingHandler(nil)

	return &Conn{
		ws:          ws,
		creds:       creds,
		sendLimiter: rate.NewLimiter(outboundMessageRate, 1),
		pending:     make(map[int64]chan Response),
	}, nil
}

// Send writes one command and returns its correlation id without waiting for
// the reply.
func (c *Conn) Send(ctx context.Context, method string, params []string, security Security) (int64, error) {
	id := atomic.AddInt64(&c.cmdID, 1)
	if err := c.send(ctx, id, method, params, security); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Conn) send(ctx context.Context, id int64, method string, params []string, security Security) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}

	var payload interface{} = params
	if security == SecuritySigned {
		signed, err := c.signParams(params)
		if err != nil {
			return err
		}
		payload = signed
	}

	if err := c.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(Command{ID: id, Method: method, Params: payload}); err != nil {
		return errors.Wrapf(err, "write %s command", method)
	}

	return nil
}

// Call sends a command and waits for its correlated response.
func (c *Conn) Call(ctx context.Context, method string, params []string, security Security) (*Response, error) {
	id := atomic.AddInt64(&c.cmdID, 1)

	// register before sending so a fast reply cannot be lost
	respC := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respC
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, id, method, params, security); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(responseTimeout):
		return nil, errors.Errorf("timeout waiting for %s response (id %d)", method, id)
	case resp := <-respC:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return &resp, nil
	}
}

// signParams converts the positional parameter list into the signed map the
// websocket API expects, reusing the REST signing implementation.
func (c *Conn) signParams(params []string) (map[string]string, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, errors.New("stream: signed command requires api key and secret")
	}

	values := url.Values{}
	for i := 0; i+1 < len(params); i += 2 {
		values.Set(params[i], params[i+1])
	}
	values.Set("apiKey", c.creds.Key)
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("signature", binanceapi.SignParams(c.creds.Secret, values))

	signed := make(map[string]string, len(values))
	for k := range values {
		signed[k] = values.Get(k)
	}
	return signed, nil
}

// ReadMessage blocks for the next inbound text frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, message, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return message, nil
	}
}

// resolve delivers a correlated response to a waiting Call, reporting whether
// anyone was waiting.
func (c *Conn) resolve(resp Response) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
	return ok
}

// Ping writes a transport-level ping frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// SetReadDeadline bounds the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close tears the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.ws.Close()
}
