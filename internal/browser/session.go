package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	cdpcore "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/cdp"
	"github.com/xkilldash9x/copilot-relay/internal/config"
)

var (
	// ErrSelectorNotFound means a required DOM element never appeared. For
	// the page-readiness gate this is fatal to the session; for a single
	// interaction it fails only that turn.
	ErrSelectorNotFound = errors.New("browser: selector not found")

	// ErrInvalidState is returned when an operation is attempted from the
	// wrong lifecycle state, e.g. submitting before the page is ready.
	ErrInvalidState = errors.New("browser: invalid session state")
)

// State is the session lifecycle position. Transitions only move forward
// except for full teardown back to StateDisconnected.
type State int32

const (
	// StateDisconnected means no usable DevTools session exists.
	StateDisconnected State = iota
	// StateBrowserAttached means a page target is attached and protocol
	// domains are enabled, but the page has not been proven ready.
	StateBrowserAttached
	// StatePageReady means the target page is loaded and its critical input
	// element is present.
	StatePageReady
)

func (s State) String() string {
	switch s {
	case StateBrowserAttached:
		return "browser_attached"
	case StatePageReady:
		return "page_ready"
	default:
		return "disconnected"
	}
}

// Session drives one page target over a shared DevTools connection. It owns
// the attach handshake, domain enablement, and the page readiness gate.
type Session struct {
	cfg    config.TargetConfig
	conn   *cdp.Conn
	logger *zap.Logger

	state     atomic.Int32
	sessionID string
	targetID  target.ID
}

// NewSession wraps an established DevTools connection. Attach must be called
// before any page operation.
func NewSession(conn *cdp.Conn, cfg config.TargetConfig, logger *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		conn:   conn,
		logger: logger.Named("session"),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the DevTools session identifier, empty before Attach.
func (s *Session) ID() string {
	return s.sessionID
}

// Conn exposes the underlying connection for collaborators that need to
// subscribe to events on this session, such as the traffic capturer.
func (s *Session) Conn() *cdp.Conn {
	return s.conn
}

// Attach locates or creates the target page and attaches to it with a
// flattened session. The session identifier is taken from whichever arrives
// first: the attach command's reply or the attachedToTarget event. Both carry
// the same identifier; racing them tolerates either ordering from the browser.
func (s *Session) Attach(ctx context.Context) error {
	tid, err := s.resolveTarget(ctx)
	if err != nil {
		return err
	}
	s.targetID = tid

	sub := s.conn.Subscribe("Target.attachedToTarget")
	defer sub.Unsubscribe()

	replyCh := make(chan attachResult, 1)
	go func() {
		var res target.AttachToTargetReturns
		err := s.conn.Call(ctx, "", target.CommandAttachToTarget,
			target.AttachToTargetParams{TargetID: tid, Flatten: true}, &res)
		replyCh <- attachResult{sessionID: string(res.SessionID), err: err}
	}()

	sessionID, err := s.awaitAttach(ctx, tid, sub, replyCh)
	if err != nil {
		return fmt.Errorf("browser: attaching to target %s: %w", tid, err)
	}
	s.sessionID = sessionID

	s.state.Store(int32(StateBrowserAttached))
	s.logger.Info("Attached to page target.",
		zap.String("target_id", string(tid)),
		zap.String("session_id", sessionID))
	return nil
}

type attachResult struct {
	sessionID string
	err       error
}

func (s *Session) awaitAttach(ctx context.Context, tid target.ID, sub *cdp.Subscription, replyCh <-chan attachResult) (string, error) {
	for {
		select {
		case res := <-replyCh:
			if res.err != nil {
				return "", res.err
			}
			return res.sessionID, nil
		case ev, ok := <-sub.Events():
			if !ok {
				return "", cdp.ErrConnectionClosed
			}
			var attached target.EventAttachedToTarget
			if err := json.Unmarshal(ev.Params, &attached); err != nil {
				s.logger.Warn("Undecodable attachedToTarget event.", zap.Error(err))
				continue
			}
			if attached.TargetInfo == nil || attached.TargetInfo.TargetID != tid {
				continue
			}
			return string(attached.SessionID), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// resolveTarget picks the first ordinary page tab, skipping the browser's own
// devtools pages, or opens a fresh one. First match wins; navigation later
// points whichever tab we got at the right place.
func (s *Session) resolveTarget(ctx context.Context) (target.ID, error) {
	var targets target.GetTargetsReturns
	if err := s.conn.Call(ctx, "", target.CommandGetTargets, target.GetTargetsParams{}, &targets); err != nil {
		return "", fmt.Errorf("browser: listing targets: %w", err)
	}
	for _, info := range targets.TargetInfos {
		if info.Type == "page" && !strings.HasPrefix(info.URL, "devtools://") {
			s.logger.Debug("Reusing existing page target.",
				zap.String("target_id", string(info.TargetID)),
				zap.String("url", info.URL))
			return info.TargetID, nil
		}
	}

	var created target.CreateTargetReturns
	if err := s.conn.Call(ctx, "", target.CommandCreateTarget,
		target.CreateTargetParams{URL: "about:blank"}, &created); err != nil {
		return "", fmt.Errorf("browser: creating target: %w", err)
	}
	return created.TargetID, nil
}

func (s *Session) enableDomains(ctx context.Context) error {
	for _, method := range []string{
		page.CommandEnable,
		dom.CommandEnable,
		runtime.CommandEnable,
		network.CommandEnable,
	} {
		if err := s.conn.Call(ctx, s.sessionID, method, nil, nil); err != nil {
			return fmt.Errorf("browser: enabling %s: %w", method, err)
		}
	}
	return nil
}

// PreparePage navigates to the target page and blocks until its critical
// input element exists. Navigation is considered started on the command's
// acknowledgement; load completion is proven by element presence rather than
// lifecycle events, which single-page frontends fire unreliably.
func (s *Session) PreparePage(ctx context.Context) error {
	if s.State() == StateDisconnected {
		return fmt.Errorf("%w: prepare requires an attached session", ErrInvalidState)
	}
	// Re-entry must not renavigate: that would wipe the live conversation.
	if s.State() == StatePageReady {
		return nil
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	var nav page.NavigateReturns
	err := s.conn.Call(navCtx, s.sessionID, page.CommandNavigate,
		page.NavigateParams{URL: s.cfg.PageURL}, &nav)
	if err != nil {
		return fmt.Errorf("browser: navigating to %s: %w", s.cfg.PageURL, err)
	}
	if nav.ErrorText != "" {
		return fmt.Errorf("browser: navigation to %s failed: %s", s.cfg.PageURL, nav.ErrorText)
	}

	if err := s.WaitForElement(ctx, s.cfg.InputSelector, s.cfg.ElementTimeout); err != nil {
		return fmt.Errorf("browser: page never became ready: %w", err)
	}

	if err := s.enableDomains(ctx); err != nil {
		return err
	}

	s.state.Store(int32(StatePageReady))
	s.logger.Info("Page ready.", zap.String("url", s.cfg.PageURL))
	return nil
}

// Reinitialize drops back to the attached state and runs the readiness gate
// again. Used when the page must be reloaded to begin a fresh conversation.
func (s *Session) Reinitialize(ctx context.Context) error {
	s.state.Store(int32(StateBrowserAttached))
	return s.PreparePage(ctx)
}

// Invalidate marks the session unusable. The connection itself is owned by
// the caller.
func (s *Session) Invalidate() {
	s.state.Store(int32(StateDisconnected))
}

// WaitForElement polls the DOM until selector resolves to a node or the
// timeout elapses. The document is re-fetched each round because navigation
// invalidates node identifiers.
func (s *Session) WaitForElement(ctx context.Context, selector string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ElementPoll)
	defer tick.Stop()

	for {
		nodeID, err := s.querySelector(ctx, selector)
		if err == nil && nodeID != 0 {
			return nil
		}
		if err != nil && errors.Is(err, cdp.ErrConnectionClosed) {
			return err
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("%w: %q did not appear within %s", ErrSelectorNotFound, selector, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// querySelector resolves selector against a fresh document root. A zero node
// identifier means the selector matched nothing.
func (s *Session) querySelector(ctx context.Context, selector string) (cdpcore.NodeID, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	var doc dom.GetDocumentReturns
	if err := s.conn.Call(callCtx, s.sessionID, dom.CommandGetDocument, dom.GetDocumentParams{}, &doc); err != nil {
		return 0, err
	}
	if doc.Root == nil {
		return 0, fmt.Errorf("browser: document has no root node")
	}

	var res dom.QuerySelectorReturns
	err := s.conn.Call(callCtx, s.sessionID, dom.CommandQuerySelector,
		dom.QuerySelectorParams{NodeID: doc.Root.NodeID, Selector: selector}, &res)
	if err != nil {
		return 0, err
	}
	return res.NodeID, nil
}
