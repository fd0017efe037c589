package browser

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// versionInfo is the subset of /json/version we need.
type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// FetchDebugEndpoint polls the browser's /json/version endpoint until it
// yields a websocket debugger URL. The browser publishes the endpoint some
// time after the TCP port opens, so a bounded retry loop is required.
func (l *Launcher) FetchDebugEndpoint(ctx context.Context) (string, error) {
	url := "http://127.0.0.1:" + strconv.Itoa(l.cfg.DebugPort) + "/json/version"
	client := &http.Client{Timeout: 3 * time.Second}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.EndpointRetries; attempt++ {
		info, err := fetchVersion(ctx, client, url)
		if err == nil && info.WebSocketDebuggerURL != "" {
			l.logger.Info("Resolved DevTools endpoint.",
				zap.String("browser", info.Browser),
				zap.String("ws_url", info.WebSocketDebuggerURL))
			return info.WebSocketDebuggerURL, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("endpoint reachable but webSocketDebuggerUrl is empty")
		}

		l.logger.Debug("DevTools endpoint not ready, retrying.",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.cfg.EndpointRetries),
			zap.Error(lastErr))

		select {
		case <-time.After(l.cfg.EndpointBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: debugging endpoint never became ready: %v", ErrLaunchFailed, lastErr)
}

func fetchVersion(ctx context.Context, client *http.Client, url string) (*versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding version payload: %w", err)
	}
	return &info, nil
}
