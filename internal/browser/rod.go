package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodConfig controls the rod driver. ControlURL attaches to an existing Chrome instead of
// launching one.
type RodConfig struct {
	Headless          bool
	ExecPath          string
	ControlURL        string
	NavigationTimeout time.Duration
}

// RodDriver runs Chrome through go-rod. Sessions are incognito contexts with the stealth
// evasions preloaded.
type RodDriver struct {
	cfg RodConfig

	mu      sync.Mutex
	lnch    *launcher.Launcher
	browser *rod.Browser
}

// NewRod creates a driver. Chrome is launched or attached by Start.
func NewRod(cfg RodConfig) *RodDriver {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &RodDriver{cfg: cfg}
}

// Start launches or connects to Chrome.
func (d *RodDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}

	wsURL := d.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(d.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if d.cfg.ExecPath != "" {
			l = l.Bin(d.cfg.ExecPath)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		d.lnch = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		d.cleanupLocked()
		return fmt.Errorf("connect chrome: %w", err)
	}
	d.browser = b
	return nil
}

// NewSession opens a stealth page in a new incognito context and applies the fingerprint.
func (d *RodDriver) NewSession(ctx context.Context, fp Fingerprint) (Session, error) {
	d.mu.Lock()
	b := d.browser
	d.mu.Unlock()
	if b == nil {
		return nil, ErrDriverStopped
	}

	incognito, err := b.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := stealth.Page(incognito)
	if err != nil {
		_ = incognito.Context(sessionContext(ctx)).Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	s := &rodSession{
		browser:    incognito.Context(sessionContext(ctx)),
		page:       page.Context(sessionContext(ctx)),
		navTimeout: d.cfg.NavigationTimeout,
	}
	if err := applyRodFingerprint(page, fp); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// sessionContext detaches a session from the request that created it. The incognito
// context and page outlive that request and are disposed at eviction or restart.
func sessionContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func applyRodFingerprint(page *rod.Page, fp Fingerprint) error {
	if fp.Width > 0 && fp.Height > 0 {
		scale := fp.DeviceScaleFactor
		if scale <= 0 {
			scale = 1
		}
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             int(fp.Width),
			Height:            int(fp.Height),
			DeviceScaleFactor: scale,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if fp.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.AcceptLanguage(),
		}); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	if fp.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
	}
	return nil
}

// Stop closes Chrome and removes the launcher's profile directory.
func (d *RodDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	d.cleanupLocked()
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

func (d *RodDriver) cleanupLocked() {
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
}

// Running reports whether a browser connection is held.
func (d *RodDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browser != nil
}

const rodCloseTimeout = 10 * time.Second

type rodSession struct {
	browser    *rod.Browser
	page       *rod.Page
	navTimeout time.Duration
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx).Timeout(s.navTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (s *rodSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (s *rodSession) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).Timeout(s.navTimeout).HTML()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (s *rodSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rodCloseTimeout)
	defer cancel()
	pageErr := s.page.Context(ctx).Close()
	if err := s.browser.Context(ctx).Close(); err != nil {
		return fmt.Errorf("close browser context: %w", err)
	}
	if pageErr != nil {
		return fmt.Errorf("close page: %w", pageErr)
	}
	return nil
}
