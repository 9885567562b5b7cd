package browserpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BrowserInfo is what a CDP endpoint reports at /json/version.
type BrowserInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Detector probes a browser URL before it is bound or connected.
type Detector struct {
	client  *http.Client
	timeout time.Duration
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = defaultDetectionTimeout
	}
	return &Detector{client: &http.Client{}, timeout: timeout}
}

func (d *Detector) Detect(ctx context.Context, browserURL string) (*BrowserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	versionURL := strings.TrimRight(browserURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrowserUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrowserUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrBrowserUnreachable, resp.StatusCode, versionURL)
	}

	var info BrowserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: invalid version payload: %w", ErrBrowserUnreachable, err)
	}
	if info.Browser == "" {
		info.Browser = "Unknown"
	}
	return &info, nil
}
