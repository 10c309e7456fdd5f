package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/internal/config"
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

const (
	sessionInitTimeout  = 30 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// Manager owns one Chrome process and hands out isolated sessions on it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.Mutex
	wg       sync.WaitGroup // open sessions; Shutdown waits for them
	closed   bool

	// Initialization state management
	initOnce sync.Once
	initErr  error
}

// NewManager creates a browser manager. Chrome is launched with the first session.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).",
		zap.Bool("headless", cfg.Headless),
		zap.String("viewport", viewportString(cfg)))
	return m
}

// initialize launches the browser process.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser...")
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.cfg)...)

		sugar := m.logger.Sugar()
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx,
			chromedp.WithLogf(sugar.Debugf),
			chromedp.WithErrorf(sugar.Errorf),
		)
		// The first Run on the browser context starts Chrome.
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.logger.Info("Browser manager initialized successfully.")
	})
	return m.initErr
}

// NewSession opens a fresh browser context; it shares nothing with other sessions.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())

	var once sync.Once
	var s *Session
	s = newSession(tabCtx, tabCancel, m.cfg, m.logger, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.sessions, s.ID())
			m.mu.Unlock()
			m.wg.Done()
		})
	})

	initCtx, cancel := context.WithTimeout(ctx, sessionInitTimeout)
	defer cancel()
	if err := s.initialize(initCtx); err != nil {
		_ = s.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.logger.Debug("Browser session opened", zap.String("session_id", s.ID()))
	return s, nil
}

// Shutdown closes every session and stops the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	graceCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()
	select {
	case <-done:
	case <-graceCtx.Done():
		err = fmt.Errorf("timed out waiting for browser sessions to close: %w", graceCtx.Err())
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.logger.Info("Browser manager shut down.")
	return err
}
