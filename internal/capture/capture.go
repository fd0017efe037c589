package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/cdp"
	"github.com/xkilldash9x/copilot-relay/internal/config"
)

// ErrCaptureFailed means the chat socket could not be identified or ended
// before the response completed. The page session itself may still be fine.
var ErrCaptureFailed = errors.New("capture: chat websocket capture failed")

// Capturer identifies and decodes the page's chat websocket for one DevTools
// session. Listeners must be opened before the action that produces their
// traffic; frames emitted before a subscription exists are unobservable.
type Capturer struct {
	conn      *cdp.Conn
	sessionID string
	cfg       config.TargetConfig
	dialect   Dialect
	logger    *zap.Logger

	mu       sync.Mutex
	cachedID network.RequestID
}

// New builds a capturer bound to a page session.
func New(conn *cdp.Conn, sessionID string, cfg config.TargetConfig, logger *zap.Logger) *Capturer {
	return &Capturer{
		conn:      conn,
		sessionID: sessionID,
		cfg:       cfg,
		dialect:   DialectFor(cfg.Kind),
		logger:    logger.Named("capture"),
	}
}

// Dialect returns the wire dialect this capturer decodes.
func (c *Capturer) Dialect() Dialect {
	return c.dialect
}

// CachedRequestID returns the remembered chat socket identifier, if the
// dialect reuses its socket and one was captured earlier.
func (c *Capturer) CachedRequestID() (network.RequestID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedID, c.cachedID != ""
}

// Forget clears the remembered socket identifier. Call after a page reload
// or when streaming reveals the socket is gone.
func (c *Capturer) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedID = ""
}

// SocketListener waits for the chat websocket to be created.
type SocketListener struct {
	c   *Capturer
	sub *cdp.Subscription
}

// ListenForSocket subscribes to socket-creation events. Open it before
// submitting the message that triggers the socket.
func (c *Capturer) ListenForSocket() *SocketListener {
	return &SocketListener{
		c:   c,
		sub: c.conn.Subscribe("Network.webSocketCreated"),
	}
}

// Wait blocks until a socket matching the URL filter is created within this
// capturer's session, bounded by the configured capture timeout.
func (l *SocketListener) Wait(ctx context.Context) (network.RequestID, error) {
	timeout := time.NewTimer(l.c.cfg.CaptureTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-l.sub.Events():
			if !ok {
				return "", cdp.ErrConnectionClosed
			}
			if ev.SessionID != l.c.sessionID {
				continue
			}
			var created network.EventWebSocketCreated
			if err := json.Unmarshal(ev.Params, &created); err != nil {
				l.c.logger.Warn("Undecodable webSocketCreated event.", zap.Error(err))
				continue
			}
			if !l.c.dialect.MatchesURL(l.c.cfg.SocketURLFilter, created.URL) {
				l.c.logger.Debug("Ignoring unrelated websocket.", zap.String("url", created.URL))
				continue
			}

			l.c.logger.Info("Captured chat websocket.",
				zap.String("request_id", string(created.RequestID)),
				zap.String("url", created.URL))
			if l.c.dialect.ReusesSocket() {
				l.c.mu.Lock()
				l.c.cachedID = created.RequestID
				l.c.mu.Unlock()
			}
			return created.RequestID, nil

		case <-timeout.C:
			return "", fmt.Errorf("%w: no socket matching %q within %s",
				ErrCaptureFailed, l.c.cfg.SocketURLFilter, l.c.cfg.CaptureTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Cancel releases the listener's subscription.
func (l *SocketListener) Cancel() {
	l.sub.Unsubscribe()
}

// FrameStream consumes frames from an identified chat socket.
type FrameStream struct {
	c   *Capturer
	sub *cdp.Subscription
}

// OpenStream subscribes to frame traffic. As with ListenForSocket, open the
// stream before submitting so no early frame is lost; the request identifier
// is supplied later to Run, since for per-turn sockets it is not known yet.
func (c *Capturer) OpenStream() *FrameStream {
	return &FrameStream{
		c: c,
		sub: c.conn.Subscribe(
			"Network.webSocketFrameReceived",
			"Network.webSocketClosed",
		),
	}
}

// Run decodes frames belonging to requestID and passes each text chunk to
// emit, returning once the response is complete. A socket closure before
// completion is a capture failure; the caller decides what that means for
// the session. An emit error aborts the stream.
func (s *FrameStream) Run(ctx context.Context, requestID network.RequestID, emit func(chunk string) error) error {
	decoder := NewDecoder(s.c.dialect, s.c.logger)

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return cdp.ErrConnectionClosed
			}
			if ev.SessionID != s.c.sessionID {
				continue
			}

			switch ev.Method {
			case "Network.webSocketFrameReceived":
				var frame network.EventWebSocketFrameReceived
				if err := json.Unmarshal(ev.Params, &frame); err != nil {
					s.c.logger.Warn("Undecodable frame event.", zap.Error(err))
					continue
				}
				if frame.RequestID != requestID || frame.Response == nil {
					continue
				}

				res := decoder.Decode(frame.Response.PayloadData)
				for _, chunk := range res.Chunks {
					if err := emit(chunk); err != nil {
						return err
					}
				}
				if res.Done {
					s.c.logger.Debug("Response stream complete.",
						zap.String("request_id", string(requestID)))
					return nil
				}

			case "Network.webSocketClosed":
				var closed network.EventWebSocketClosed
				if err := json.Unmarshal(ev.Params, &closed); err != nil {
					continue
				}
				if closed.RequestID != requestID {
					continue
				}
				s.c.Forget()
				return fmt.Errorf("%w: socket closed before response completed", ErrCaptureFailed)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel releases the stream's subscription.
func (s *FrameStream) Cancel() {
	s.sub.Unsubscribe()
}
