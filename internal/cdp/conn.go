// Package cdp implements a minimal Chrome DevTools Protocol client over a raw
// websocket. It handles command/reply correlation, flattened session routing,
// and event fan-out; the protocol vocabulary itself (method names, parameter
// shapes) belongs to the callers.
package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// subscriberBuffer bounds each subscription's event channel. A subscriber
// that falls this far behind starts losing events.
const subscriberBuffer = 256

// Conn is a single DevTools websocket connection. All methods are safe for
// concurrent use. Once the connection closes, every pending and future call
// fails with ErrConnectionClosed.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	nextID    atomic.Int64
	nextSubID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *message
	subs    map[int64]*Subscription
	closed  bool

	writeMu sync.Mutex

	done chan struct{}
}

// Subscription receives protocol events matching its filter. Callers must
// drain Events promptly or accept drops, and must call Unsubscribe when done.
type Subscription struct {
	id      int64
	conn    *Conn
	methods map[string]struct{}
	events  chan Event
}

// Events is the stream of matched events. It is closed when the subscription
// is cancelled or the connection goes down.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe removes the subscription and closes its event channel.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.conn.removeSub(s.id)
}

// Dial connects to a DevTools websocket endpoint. The returned Conn owns the
// socket and runs its read loop until Close or a transport failure.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		// Chrome rejects frames above its default of 1 MiB, but sends
		// considerably larger ones itself (e.g. big Runtime results).
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:      ws,
		logger:  logger.Named("cdp"),
		pending: make(map[int64]chan *message),
		subs:    make(map[int64]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection has shut down for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears down the websocket. Pending calls and subscriptions are
// released with ErrConnectionClosed semantics.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

// Call sends a command and blocks for its reply. A non-nil out receives the
// unmarshaled result object. sessionID may be empty for browser-level
// commands. Cancellation of ctx abandons the reply but the command may still
// execute in the browser.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, out interface{}) error {
	id := c.nextID.Add(1)
	replyCh := make(chan *message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	if err := c.write(request{ID: id, Method: method, Params: params, SessionID: sessionID}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case msg, ok := <-replyCh:
		if !ok {
			return ErrConnectionClosed
		}
		if msg.Error != nil {
			return fmt.Errorf("cdp: %s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("cdp: %s: decoding result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("cdp: %s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Send issues a command without waiting for its reply. The reply, when it
// arrives, is discarded by the read loop. Used for commands whose round trip
// must not block the caller.
func (c *Conn) Send(sessionID, method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	id := c.nextID.Add(1)
	return c.write(request{ID: id, Method: method, Params: params, SessionID: sessionID})
}

// Subscribe registers for events whose method matches one of methods. With no
// methods, every event matches. Events from all sessions are delivered;
// callers filter on Event.SessionID if they care.
func (c *Conn) Subscribe(methods ...string) *Subscription {
	sub := &Subscription{
		id:     c.nextSubID.Add(1),
		conn:   c,
		events: make(chan Event, subscriberBuffer),
	}
	if len(methods) > 0 {
		sub.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			sub.methods[m] = struct{}{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.events)
		return sub
	}
	c.subs[sub.id] = sub
	return sub
}

func (c *Conn) removeSub(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(sub.events)
	}
}

func (c *Conn) write(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cdp: encoding %s: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// readLoop classifies every inbound frame as a command reply or an event and
// dispatches accordingly. It exits on the first read error, at which point
// the whole connection is torn down.
func (c *Conn) readLoop() {
	defer c.teardown()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Read loop terminated.", zap.Error(err))
			}
			return
		}

		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("Discarding undecodable frame.", zap.Error(err))
			continue
		}

		if msg.ID != 0 {
			c.dispatchReply(&msg)
			continue
		}
		if msg.Method != "" {
			c.dispatchEvent(&msg)
		}
	}
}

func (c *Conn) dispatchReply(msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
	// Replies without a waiter belong to fire-and-forget sends.
}

func (c *Conn) dispatchEvent(msg *message) {
	ev := Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.methods != nil {
			if _, ok := sub.methods[ev.Method]; !ok {
				continue
			}
		}
		select {
		case sub.events <- ev:
		default:
			c.logger.Warn("Subscriber lagging; dropping event.", zap.String("method", ev.Method))
		}
	}
}

// teardown closes the socket exactly once and releases every waiter.
func (c *Conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	pending := c.pending
	c.pending = make(map[int64]chan *message)
	subs := c.subs
	c.subs = make(map[int64]*Subscription)
	c.mu.Unlock()

	_ = c.ws.Close()
	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		close(sub.events)
	}
	close(c.done)
}
