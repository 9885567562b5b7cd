package browserpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightConnector attaches to already running browsers over CDP. The
// playwright driver is started on first use.
type PlaywrightConnector struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightConnector() *PlaywrightConnector {
	return &PlaywrightConnector{}
}

func (c *PlaywrightConnector) driver() (*playwright.Playwright, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pw != nil {
		return c.pw, nil
	}
	opts := &playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright driver: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	c.pw = pw
	slog.Info("Playwright driver started")
	return pw, nil
}

func (c *PlaywrightConnector) Connect(ctx context.Context, url string) (Handle, error) {
	pw, err := c.driver()
	if err != nil {
		return nil, err
	}

	var opts playwright.BrowserTypeConnectOverCDPOptions
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = playwright.Float(float64(time.Until(deadline).Milliseconds()))
	}
	browser, err := pw.Chromium.ConnectOverCDP(url, opts)
	if err != nil {
		return nil, err
	}

	h := &playwrightHandle{browser: browser}
	browser.OnDisconnected(func(playwright.Browser) {
		h.listeners.Fire()
	})
	return h, nil
}

func (c *PlaywrightConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pw == nil {
		return nil
	}
	err := c.pw.Stop()
	c.pw = nil
	return err
}

type playwrightHandle struct {
	browser   playwright.Browser
	listeners Listeners
}

func (h *playwrightHandle) IsConnected() bool {
	return h.browser.IsConnected()
}

// Disconnect closes the CDP session; the remote browser keeps running.
func (h *playwrightHandle) Disconnect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- h.browser.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *playwrightHandle) OnceDisconnected(fn func()) {
	h.listeners.Once(fn)
}

func (h *playwrightHandle) RemoveDisconnectListeners() {
	h.listeners.RemoveAll()
}

func (h *playwrightHandle) Version() string {
	return h.browser.Version()
}
