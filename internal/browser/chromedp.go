package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromedpConfig controls the chromedp driver.
type ChromedpConfig struct {
	Headless          bool
	ExecPath          string
	NavigationTimeout time.Duration
}

// ChromedpDriver runs one Chrome process through chromedp and gives every session its own
// browser context.
type ChromedpDriver struct {
	cfg ChromedpConfig

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromedp creates a driver. Chrome is launched by Start.
func NewChromedp(cfg ChromedpConfig) *ChromedpDriver {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &ChromedpDriver{cfg: cfg}
}

// Start launches Chrome.
func (d *ChromedpDriver) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx != nil {
		return nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch chrome: %w", err)
	}
	d.allocCancel = allocCancel
	d.browserCtx = browserCtx
	d.browserCancel = browserCancel
	return nil
}

func (d *ChromedpDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if d.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	return opts
}

// NewSession opens a tab in a fresh browser context and applies the fingerprint.
func (d *ChromedpDriver) NewSession(ctx context.Context, fp Fingerprint) (Session, error) {
	d.mu.Lock()
	browserCtx := d.browserCtx
	d.mu.Unlock()
	if browserCtx == nil {
		return nil, ErrDriverStopped
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	// The first Run allocates the target and must not use a derived timeout context.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	sess := &chromedpSession{ctx: tabCtx, cancel: cancel, navTimeout: d.cfg.NavigationTimeout}
	if err := sess.run(ctx, d.cfg.NavigationTimeout, emulate(fp)); err != nil {
		cancel()
		return nil, fmt.Errorf("apply fingerprint: %w", err)
	}
	return sess, nil
}

// Stop closes Chrome.
func (d *ChromedpDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return nil
	}
	err := chromedp.Cancel(d.browserCtx)
	d.browserCancel()
	d.allocCancel()
	d.browserCtx = nil
	d.browserCancel = nil
	d.allocCancel = nil
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// Running reports whether Chrome is up.
func (d *ChromedpDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browserCtx != nil && d.browserCtx.Err() == nil
}

// emulate applies the fingerprint through the Emulation and Network domains.
func emulate(fp Fingerprint) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if fp.Width > 0 && fp.Height > 0 {
			scale := fp.DeviceScaleFactor
			if scale <= 0 {
				scale = 1
			}
			if err := emulation.SetDeviceMetricsOverride(fp.Width, fp.Height, scale, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if fp.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(fp.UserAgent).
				WithAcceptLanguage(fp.AcceptLanguage()).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if fp.Locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(fp.Locale).Do(ctx); err != nil {
				return fmt.Errorf("set locale: %w", err)
			}
		}
		if fp.Timezone != "" {
			if err := emulation.SetTimezoneOverride(fp.Timezone).Do(ctx); err != nil {
				return fmt.Errorf("set timezone: %w", err)
			}
		}
		return nil
	})
}

type chromedpSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromedpSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (s *chromedpSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.navTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (s *chromedpSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}
