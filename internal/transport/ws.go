package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// ErrClientClosed is returned by a closed WSClient.
var ErrClientClosed = errors.New("websocket client closed")

const notificationBuffer = 16

// WSClient is a JSON-RPC client over a websocket used for subscriptions.
type WSClient struct {
	endpoint string
	conn     *websocket.Conn
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription
	closed  bool
	done    chan struct{}
}

type pendingCall struct {
	ch  chan wsMessage
	sub *Subscription // set for subscribe calls
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// DialWS connects to a websocket JSON-RPC endpoint.
func DialWS(ctx context.Context, endpoint string) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, models.TransportError("dial", classify(ctx, err))
	}
	c := &WSClient{
		endpoint: endpoint,
		conn:     conn,
		logger:   slog.Default().With("component", "ws_client", "endpoint", endpoint),
		pending:  make(map[uint64]*pendingCall),
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Subscribe sends a subscribe request and returns the subscription once the
// node has acknowledged it.
func (c *WSClient) Subscribe(ctx context.Context, method string, params ...any) (*Subscription, error) {
	sub := &Subscription{
		method: method,
		notes:  make(chan json.RawMessage, notificationBuffer),
		errs:   make(chan error, 1),
	}
	// the read loop registers sub under its id before the response is delivered
	if _, err := c.call(ctx, method, params, sub); err != nil {
		return nil, err
	}
	sub.unsubscribe = func() { c.unsubscribe(sub) }
	return sub, nil
}

func (c *WSClient) call(ctx context.Context, method string, params []any, sub *Subscription) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, models.TransportError(method, ErrClientClosed)
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{ch: make(chan wsMessage, 1), sub: sub}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.write(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, models.TransportError(method, fmt.Errorf("%w: %v", models.ErrNetwork, err))
	}

	select {
	case msg, ok := <-pc.ch:
		if !ok {
			return nil, models.TransportError(method, ErrClientClosed)
		}
		if msg.Error != nil {
			return nil, models.TransportError(method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, models.TransportError(method, classify(ctx, ctx.Err()))
	}
}

func (c *WSClient) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *WSClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) readLoop() {
	defer c.shutdown()
	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("websocket read failed", "error", err)
				c.broadcastErr(models.TransportError("read", fmt.Errorf("%w: %v", models.ErrNetwork, err)))
			}
			return
		}
		switch {
		case msg.ID != 0 && msg.Method == "":
			c.handleResponse(msg)
		case strings.HasSuffix(msg.Method, "Notification"):
			c.handleNotification(msg)
		}
	}
}

func (c *WSClient) handleResponse(msg wsMessage) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	if ok && pc.sub != nil && msg.Error == nil {
		pc.sub.id = subscriptionKey(msg.Result)
		c.subs[pc.sub.id] = pc.sub
	}
	c.mu.Unlock()
	if ok {
		pc.ch <- msg
	}
}

func (c *WSClient) handleNotification(msg wsMessage) {
	var params struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Debug("drop malformed notification", "error", err)
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[subscriptionKey(params.Subscription)]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !sub.deliver(params.Result) {
		c.logger.Debug("notification dropped, subscriber is slow", "subscription", sub.id)
	}
}

func (c *WSClient) broadcastErr(err error) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (c *WSClient) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]*pendingCall)
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, pc := range pending {
		close(pc.ch)
	}
	for _, s := range subs {
		s.close()
	}
	close(c.done)
}

func (c *WSClient) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	cur, ok := c.subs[sub.id]
	ok = ok && cur == sub
	if ok {
		delete(c.subs, sub.id)
	}
	closed := c.closed
	c.mu.Unlock()
	sub.close()
	if !ok || closed {
		return
	}

	method := strings.Replace(sub.method, "Subscribe", "Unsubscribe", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.call(ctx, method, []any{json.RawMessage(sub.id)}, nil); err != nil {
		c.logger.Debug("unsubscribe failed", "method", method, "error", err)
	}
}

// Close closes the connection and ends every subscription.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// subscriptionKey normalizes a subscription id, which nodes return as a
// number or a string, to its raw JSON text.
func subscriptionKey(raw json.RawMessage) string {
	return strings.TrimSpace(string(raw))
}

// Subscription is a live server-side subscription.
type Subscription struct {
	id          string
	method      string
	notes       chan json.RawMessage
	errs        chan error
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// ID is the server-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// Notifications delivers notification payloads. It is closed when the
// subscription ends.
func (s *Subscription) Notifications() <-chan json.RawMessage { return s.notes }

// Err delivers at most one terminal error.
func (s *Subscription) Err() <-chan error { return s.errs }

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		return
	}
	s.close()
}

func (s *Subscription) deliver(payload json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.notes <- payload:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notes)
	close(s.errs)
}
