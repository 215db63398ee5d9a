package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/registry-fetcher/internal/id/uuid"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("session pool closed")

// Config bounds the pool.
type Config struct {
	MaxSessions     int
	MaxAge          time.Duration
	RestartCooldown time.Duration
}

// Handle is a pooled session. Callers must not close Session themselves.
type Handle struct {
	ID          string
	Session     Session
	Fingerprint Fingerprint
	CreatedAt   time.Time

	checkouts int
	evicted   bool
	closed    bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Sessions    int  `json:"sessions"`
	InUse       int  `json:"in_use"`
	MaxSessions int  `json:"max_sessions"`
	Restarts    int  `json:"restarts"`
	Restarting  bool `json:"restarting"`
	Healthy     bool `json:"healthy"`
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for session age.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithFingerprints overrides fingerprint generation.
func WithFingerprints(gen func() Fingerprint) Option {
	return func(p *Pool) { p.fingerprint = gen }
}

// WithSleeper overrides the restart cooldown wait.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = sleep }
}

// Pool hands out at most MaxSessions live sessions. At the bound it returns the oldest
// session even if another caller holds it, so isolation between concurrent callers is
// best effort only. Acquire never blocks on other callers.
type Pool struct {
	cfg         Config
	driver      Driver
	logger      *zap.Logger
	ids         *uuid.Generator
	now         func() time.Time
	fingerprint func() Fingerprint
	sleep       func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	sessions    []*Handle
	initialized bool
	closed      bool
	restarts    int
	// restartDone is non-nil while a restart cooldown is running and is closed when it ends.
	restartDone chan struct{}
}

// NewPool creates a Pool over driver. The browser is started lazily by Init or the first
// Acquire.
func NewPool(cfg Config, driver Driver, logger *zap.Logger, opts ...Option) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:         cfg,
		driver:      driver,
		logger:      logger.Named("pool"),
		ids:         uuid.New(),
		now:         time.Now,
		fingerprint: RandomFingerprint,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init starts the browser if it is not running yet.
func (p *Pool) Init(ctx context.Context) error {
	if err := p.lockIdle(ctx); err != nil {
		return err
	}
	defer p.mu.Unlock()
	return p.initLocked(ctx)
}

func (p *Pool) initLocked(ctx context.Context) error {
	if p.closed {
		return ErrPoolClosed
	}
	if p.initialized && p.driver.Running() {
		return nil
	}
	if err := p.driver.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	p.initialized = true
	p.logger.Info("browser started", zap.Int("max_sessions", p.cfg.MaxSessions))
	return nil
}

// Acquire returns a session. Expired sessions are evicted first; below the bound a new
// session is created, otherwise the oldest live session is reused.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := p.lockIdle(ctx); err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	if err := p.initLocked(ctx); err != nil {
		return nil, err
	}
	p.evictLocked()

	if len(p.sessions) < p.cfg.MaxSessions {
		h, err := p.createLocked(ctx)
		if err != nil {
			return nil, err
		}
		h.checkouts++
		return h, nil
	}

	oldest := p.sessions[0]
	for _, h := range p.sessions[1:] {
		if h.CreatedAt.Before(oldest.CreatedAt) {
			oldest = h
		}
	}
	oldest.checkouts++
	p.logger.Debug("reusing oldest session",
		zap.String("session", oldest.ID),
		zap.Int("checkouts", oldest.checkouts))
	return oldest, nil
}

// Release returns a handle. A handle evicted while checked out is closed here once its
// last holder releases it.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.checkouts > 0 {
		h.checkouts--
	}
	closeNow := h.evicted && h.checkouts == 0 && p.markClosedLocked(h)
	p.mu.Unlock()

	if closeNow {
		p.closeSession(h)
	}
}

// EvictExpired closes sessions older than MaxAge and returns how many were removed.
func (p *Pool) EvictExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictLocked()
}

func (p *Pool) evictLocked() int {
	now := p.now()
	kept := p.sessions[:0]
	evicted := 0
	for _, h := range p.sessions {
		if now.Sub(h.CreatedAt) < p.cfg.MaxAge {
			kept = append(kept, h)
			continue
		}
		evicted++
		h.evicted = true
		p.logger.Debug("evicting expired session",
			zap.String("session", h.ID),
			zap.Duration("age", now.Sub(h.CreatedAt)))
		if h.checkouts == 0 && p.markClosedLocked(h) {
			p.closeSession(h)
		}
	}
	clear(p.sessions[len(kept):])
	p.sessions = kept
	metrics.SetPoolSessions(len(p.sessions))
	return evicted
}

// Restart closes every session, stops the browser, waits the configured cooldown and
// starts it again. The lock is not held during the cooldown: Stats and IsHealthy answer
// immediately, while Acquire and Init wait for the restart to finish. A Restart that
// arrives during another one waits for it instead of restarting twice.
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if running := p.restartDone; running != nil {
		p.mu.Unlock()
		return waitFor(ctx, running)
	}

	done := make(chan struct{})
	p.restartDone = done
	p.logger.Warn("restarting browser", zap.Int("sessions", len(p.sessions)))
	p.closeSessionsLocked()
	if err := p.driver.Stop(); err != nil {
		p.logger.Warn("stop browser", zap.Error(err))
	}
	p.initialized = false
	p.restarts++
	metrics.ObservePoolRestart()
	p.mu.Unlock()

	sleepErr := p.sleep(ctx, p.cfg.RestartCooldown)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restartDone = nil
	close(done)
	if sleepErr != nil {
		return fmt.Errorf("restart cooldown: %w", sleepErr)
	}
	return p.initLocked(ctx)
}

// lockIdle acquires p.mu once no restart is in progress.
func (p *Pool) lockIdle(ctx context.Context) error {
	p.mu.Lock()
	for p.restartDone != nil {
		running := p.restartDone
		p.mu.Unlock()
		if err := waitFor(ctx, running); err != nil {
			return err
		}
		p.mu.Lock()
	}
	return nil
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// CloseAll closes every session and stops the browser. It is safe to call more than once.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var g errgroup.Group
	for _, h := range p.sessions {
		h.evicted = true
		if !p.markClosedLocked(h) {
			continue
		}
		g.Go(func() error {
			if err := h.Session.Close(); err != nil {
				return fmt.Errorf("close session %s: %w", h.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	clear(p.sessions)
	p.sessions = nil
	metrics.SetPoolSessions(0)

	if p.initialized {
		if stopErr := p.driver.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop browser: %w", stopErr))
		}
		p.initialized = false
	}
	return err
}

// IsHealthy reports whether the pool can hand out sessions.
func (p *Pool) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyLocked()
}

func (p *Pool) healthyLocked() bool {
	return p.initialized && !p.closed && p.restartDone == nil && p.driver.Running()
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, h := range p.sessions {
		if h.checkouts > 0 {
			inUse++
		}
	}
	return Stats{
		Sessions:    len(p.sessions),
		InUse:       inUse,
		MaxSessions: p.cfg.MaxSessions,
		Restarts:    p.restarts,
		Restarting:  p.restartDone != nil,
		Healthy:     p.healthyLocked(),
	}
}

func (p *Pool) createLocked(ctx context.Context) (*Handle, error) {
	fp := p.fingerprint()
	sess, err := p.driver.NewSession(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	h := &Handle{
		ID:          p.ids.MustNewID(),
		Session:     sess,
		Fingerprint: fp,
		CreatedAt:   p.now(),
	}
	p.sessions = append(p.sessions, h)
	metrics.SetPoolSessions(len(p.sessions))
	p.logger.Debug("created session",
		zap.String("session", h.ID),
		zap.String("user_agent", fp.UserAgent),
		zap.String("locale", fp.Locale))
	return h, nil
}

func (p *Pool) closeSessionsLocked() {
	for _, h := range p.sessions {
		h.evicted = true
		if p.markClosedLocked(h) {
			p.closeSession(h)
		}
	}
	clear(p.sessions)
	p.sessions = nil
	metrics.SetPoolSessions(0)
}

// markClosedLocked flags h as closed and reports whether the caller should close it.
func (p *Pool) markClosedLocked(h *Handle) bool {
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (p *Pool) closeSession(h *Handle) {
	if err := h.Session.Close(); err != nil {
		p.logger.Debug("close session", zap.String("session", h.ID), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
