// Package browser supervises the browser process and owns the DevTools
// session lifecycle, from process launch through page readiness.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/config"
)

// ErrLaunchFailed indicates the browser process could not be started or died
// before the debugging endpoint came up.
var ErrLaunchFailed = errors.New("browser: launch failed")

// candidatePaths lists where the browser binary usually lives, per platform.
// $PATH lookups are tried afterwards.
var candidatePaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/microsoft-edge",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
	},
}

var pathNames = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "msedge", "chrome"}

// Launcher starts and supervises a browser process with remote debugging
// enabled. If a debuggable browser is already listening on the configured
// port, the launcher adopts it instead of spawning a new one.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	cmd     *exec.Cmd
	spawned bool
}

// NewLauncher creates a launcher for the given browser configuration.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("launcher")}
}

// EnsureLaunched makes sure a debuggable browser is listening on the debug
// port, spawning one when necessary, and returns its websocket debugger URL.
func (l *Launcher) EnsureLaunched(ctx context.Context) (string, error) {
	if l.portOpen() {
		l.logger.Info("Adopting browser already listening on debug port.",
			zap.Int("port", l.cfg.DebugPort))
		return l.FetchDebugEndpoint(ctx)
	}

	path, err := l.resolvePath()
	if err != nil {
		return "", err
	}
	l.ensureProfileDir()

	args := l.launchArgs()
	l.logger.Info("Launching browser.", zap.String("path", path), zap.Strings("args", args))

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: starting %s: %v", ErrLaunchFailed, path, err)
	}
	l.cmd = cmd
	l.spawned = true

	// Reap the process so it never zombies; the exit itself is handled by
	// the connection loss it causes.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// An exit during the settle window means the launch itself failed,
	// typically a profile lock or bad flag.
	select {
	case err := <-exited:
		return "", fmt.Errorf("%w: process exited during startup: %v", ErrLaunchFailed, err)
	case <-time.After(l.cfg.LaunchSettle):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return "", ctx.Err()
	}

	return l.FetchDebugEndpoint(ctx)
}

// Terminate kills the browser process if this launcher spawned it. Adopted
// browsers are left running.
func (l *Launcher) Terminate() {
	if !l.spawned || l.cmd == nil || l.cmd.Process == nil {
		return
	}
	l.logger.Info("Terminating supervised browser process.", zap.Int("pid", l.cmd.Process.Pid))
	if err := l.cmd.Process.Kill(); err != nil {
		l.logger.Warn("Failed to kill browser process.", zap.Error(err))
	}
	l.cmd = nil
	l.spawned = false
}

// ensureProfileDir creates the configured profile directory so a fresh
// machine can launch with a custom profile. Failure is not fatal; the browser
// falls back to creating it itself or running with its default profile.
func (l *Launcher) ensureProfileDir() {
	if l.cfg.ProfileDir == "" {
		return
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		l.logger.Warn("Could not create profile directory; continuing anyway.",
			zap.String("dir", l.cfg.ProfileDir), zap.Error(err))
	}
}

func (l *Launcher) resolvePath() (string, error) {
	if l.cfg.Path != "" {
		return l.cfg.Path, nil
	}
	for _, p := range candidatePaths[runtime.GOOS] {
		if resolved, err := exec.LookPath(p); err == nil {
			return resolved, nil
		}
	}
	for _, name := range pathNames {
		if resolved, err := exec.LookPath(name); err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: no browser binary found; set browser.path", ErrLaunchFailed)
}

// launchArgs builds the flag set. Session-restore prompts are suppressed so a
// previous crash can never block the page behind a modal.
func (l *Launcher) launchArgs() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.DebugPort),
		"--no-first-run",
		"--no-default-browser-check",
		"--no-restore-session-state",
		"--restore-last-session=false",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
	}
	if l.cfg.ProfileDir != "" {
		args = append(args, "--user-data-dir="+l.cfg.ProfileDir)
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
		if runtime.GOOS == "linux" {
			args = append(args, "--no-sandbox", "--disable-dev-shm-usage")
		}
	}
	return append(args, l.cfg.Args...)
}

func (l *Launcher) portOpen() bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.cfg.DebugPort))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
