package testutil

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserConfig configures Chrome launch options.
type BrowserConfig struct {
	Headless bool          // Run in headless mode (default: true)
	Timeout  time.Duration // Default operation timeout (default: 30s)

	// FieldTrials are passed as --force-fieldtrials, e.g.
	// {"WebRTC-Bwe-ProbingConfiguration": "Enabled"}.
	FieldTrials map[string]string
}

// DefaultBrowserConfig returns sensible defaults for E2E testing.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless: true,
		Timeout:  30 * time.Second,
	}
}

// fieldTrials renders trials in Chrome's "Name/Group/" format, sorted by
// name.
func (c BrowserConfig) fieldTrials() string {
	names := make([]string, 0, len(c.FieldTrials))
	for name := range c.FieldTrials {
		names = append(names, name)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('/')
		b.WriteString(c.FieldTrials[name])
		b.WriteByte('/')
	}
	return b.String()
}

// BrowserClient drives a WebRTC-ready Chrome over the DevTools protocol.
type BrowserClient struct {
	browser *rod.Browser
	page    *rod.Page
	timeout time.Duration
}

func newLauncher(cfg BrowserConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")
	if trials := cfg.fieldTrials(); trials != "" {
		l = l.Set("force-fieldtrials", trials)
	}
	return l
}

// NewBrowserClient launches Chrome with fake media devices, auto-granted
// permissions and no sandbox, and connects to it.
func NewBrowserClient(cfg BrowserConfig) (*BrowserClient, error) {
	url, err := newLauncher(cfg).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}

	return &BrowserClient{
		browser: browser,
		timeout: cfg.Timeout,
	}, nil
}

// Navigate opens url in a new page and makes it current.
func (c *BrowserClient) Navigate(url string) (*rod.Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	c.page = page

	if err := page.Timeout(c.timeout).Navigate(url); err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return page, nil
}

// Page returns the current page, or nil if none open.
func (c *BrowserClient) Page() *rod.Page {
	return c.page
}

// WaitStable waits for the page to be stable (no DOM changes).
func (c *BrowserClient) WaitStable() error {
	if c.page == nil {
		return errors.New("no page open")
	}
	return c.page.WaitStable(c.timeout)
}

// WaitConnected polls the connectionState of the RTCPeerConnection stored
// in the global pcVar until it is "connected".
func (c *BrowserClient) WaitConnected(pcVar string, timeout time.Duration) error {
	if c.page == nil {
		return errors.New("no page open")
	}
	js := fmt.Sprintf(`() => (typeof %[1]s === 'undefined' || %[1]s === null) ? 'no-pc' : %[1]s.connectionState`, pcVar)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		result, err := c.page.Eval(js)
		if err != nil {
			return fmt.Errorf("failed to check connection state: %w", err)
		}
		switch state := result.Value.String(); state {
		case "connected":
			return nil
		case "failed", "closed":
			return fmt.Errorf("connection %s", state)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for connection (waited %v)", timeout)
}

// InboundVideoBytes sums bytesReceived over the inbound video RTP stats of
// the RTCPeerConnection stored in the global pcVar.
func (c *BrowserClient) InboundVideoBytes(pcVar string) (int64, error) {
	if c.page == nil {
		return 0, errors.New("no page open")
	}
	result, err := c.page.Eval(fmt.Sprintf(`async () => {
		let bytes = 0;
		(await %s.getStats()).forEach(report => {
			if (report.type === 'inbound-rtp' && report.kind === 'video') {
				bytes += report.bytesReceived || 0;
			}
		});
		return bytes;
	}`, pcVar))
	if err != nil {
		return 0, fmt.Errorf("getStats failed: %w", err)
	}
	return int64(result.Value.Num()), nil
}

// Close cleans up browser resources.
// Always call this (via defer) to prevent orphaned Chrome processes.
func (c *BrowserClient) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}
