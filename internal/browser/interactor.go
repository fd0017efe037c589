package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
)

// SubmitMessage types text into the page's input element and triggers the
// submit control. Text entry uses Input.insertText so the whole prompt lands
// as one atomic edit regardless of content; per-key synthesis would race the
// page's own input handlers.
//
// The submit click is dispatched through script evaluation without waiting
// for the reply. Waiting would consume protocol frames on this connection at
// the exact moment the traffic capturer needs to observe them.
func (s *Session) SubmitMessage(ctx context.Context, text string) error {
	if s.State() != StatePageReady {
		return fmt.Errorf("%w: submit requires a ready page, state is %s", ErrInvalidState, s.State())
	}

	nodeID, err := s.querySelector(ctx, s.cfg.InputSelector)
	if err != nil {
		return fmt.Errorf("browser: locating input element: %w", err)
	}
	if nodeID == 0 {
		return fmt.Errorf("%w: input element %q", ErrSelectorNotFound, s.cfg.InputSelector)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	if err := s.conn.Call(callCtx, s.sessionID, dom.CommandFocus,
		dom.FocusParams{NodeID: nodeID}, nil); err != nil {
		return fmt.Errorf("browser: focusing input element: %w", err)
	}

	if err := s.conn.Call(callCtx, s.sessionID, input.CommandInsertText,
		input.InsertTextParams{Text: text}, nil); err != nil {
		return fmt.Errorf("browser: inserting text: %w", err)
	}

	// Give the page's input handlers a beat to enable the submit control.
	select {
	case <-time.After(s.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	submitID, err := s.querySelector(ctx, s.cfg.SubmitSelector)
	if err != nil {
		return fmt.Errorf("browser: locating submit element: %w", err)
	}
	if submitID == 0 {
		return fmt.Errorf("%w: submit element %q", ErrSelectorNotFound, s.cfg.SubmitSelector)
	}

	expr := fmt.Sprintf("document.querySelector(%s).click()", jsString(s.cfg.SubmitSelector))
	if err := s.conn.Send(s.sessionID, runtime.CommandEvaluate, runtime.EvaluateParams{
		Expression:  expr,
		UserGesture: true,
	}); err != nil {
		return fmt.Errorf("browser: dispatching submit click: %w", err)
	}

	s.logger.Debug("Message submitted.", zap.Int("length", len(text)))
	return nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	quoted, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(quoted)
}
