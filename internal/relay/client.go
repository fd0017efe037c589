// Package relay ties the browser, session, and capture layers into a single
// chat client: connect once, then exchange prompt/response turns.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/browser"
	"github.com/xkilldash9x/copilot-relay/internal/capture"
	"github.com/xkilldash9x/copilot-relay/internal/cdp"
	"github.com/xkilldash9x/copilot-relay/internal/config"
)

// Client drives one chat page end to end. Turns are serialized: a new
// SendMessage blocks until the previous response stream has finished.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	launcher *browser.Launcher

	// mu guards the connection state and serializes turns. It is held for
	// the whole duration of a turn, released by the streaming goroutine.
	mu       sync.Mutex
	conn     *cdp.Conn
	session  *browser.Session
	capturer *capture.Capturer
}

// NewClient builds an unconnected client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("relay"),
		launcher: browser.NewLauncher(cfg.Browser, logger),
	}
}

// Connect launches or adopts the browser, attaches to the chat page, and
// waits for it to become ready. Any failure tears the connection back down;
// a half-initialized session is never retained.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	wsURL, err := c.launcher.EnsureLaunched(ctx)
	if err != nil {
		return err
	}

	conn, err := cdp.Dial(ctx, wsURL, c.logger)
	if err != nil {
		return err
	}

	sess := browser.NewSession(conn, c.cfg.Target, c.logger)
	if err := sess.Attach(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	if err := sess.PreparePage(ctx); err != nil {
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.session = sess
	c.capturer = capture.New(conn, sess.ID(), c.cfg.Target, c.logger)
	c.logger.Info("Relay client connected.", zap.String("page_url", c.cfg.Target.PageURL))
	return nil
}

// connAliveLocked reports whether the DevTools connection is still up.
func (c *Client) connAliveLocked() bool {
	if c.conn == nil {
		return false
	}
	select {
	case <-c.conn.Done():
		return false
	default:
		return true
	}
}

// Ready reports whether the client can take a turn right now.
func (c *Client) Ready() bool {
	if !c.mu.TryLock() {
		// A turn is in flight, which implies a live session.
		return true
	}
	defer c.mu.Unlock()
	return c.connAliveLocked() && c.session != nil && c.session.State() == browser.StatePageReady
}

// SendMessage submits prompt to the page and returns the response stream.
// The socket listeners are opened before the submit so the turn can never
// miss its own traffic. If the browser connection has died, one reconnect is
// attempted before giving up.
func (c *Client) SendMessage(ctx context.Context, prompt string) (*Stream, error) {
	c.mu.Lock()

	if !c.connAliveLocked() {
		c.logger.Warn("Connection lost; reconnecting before turn.")
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("relay: reconnect failed: %w", err)
		}
	}

	cachedID, haveCached := c.capturer.CachedRequestID()

	var listener *capture.SocketListener
	if !haveCached {
		listener = c.capturer.ListenForSocket()
	}
	frames := c.capturer.OpenStream()

	if err := c.session.SubmitMessage(ctx, prompt); err != nil {
		if listener != nil {
			listener.Cancel()
		}
		frames.Cancel()
		c.mu.Unlock()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)

	go func() {
		defer c.mu.Unlock()
		defer cancel()
		defer frames.Cancel()

		requestID := cachedID
		if listener != nil {
			var err error
			requestID, err = listener.Wait(streamCtx)
			listener.Cancel()
			if err != nil {
				stream.finish(err)
				return
			}
		}

		err := frames.Run(streamCtx, requestID, func(chunk string) error {
			return stream.emit(streamCtx, chunk)
		})
		if err != nil {
			c.noteTurnFailure(err)
		}
		stream.finish(err)
	}()

	return stream, nil
}

// noteTurnFailure downgrades state after a failed turn. Connection loss
// invalidates the whole session; capture failures leave it usable.
func (c *Client) noteTurnFailure(err error) {
	if errors.Is(err, cdp.ErrConnectionClosed) {
		c.session.Invalidate()
		c.logger.Error("Turn failed with connection loss; session invalidated.", zap.Error(err))
		return
	}
	c.logger.Warn("Turn failed; session retained.", zap.Error(err))
}

// ReinitializePageSession reloads the chat page and waits for readiness
// again, discarding any captured socket identity. Used to begin a fresh
// conversation on the page.
func (c *Client) ReinitializePageSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connAliveLocked() {
		c.logger.Warn("Connection lost; running full reconnect instead of page reload.")
		return c.connectLocked(ctx)
	}

	c.capturer.Forget()
	if err := c.session.Reinitialize(ctx); err != nil {
		return fmt.Errorf("relay: reinitializing page session: %w", err)
	}
	return nil
}

// Close shuts down the DevTools connection and, if this process launched the
// browser, the browser itself.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.session = nil
	c.capturer = nil
	c.launcher.Terminate()
	return nil
}
