// Package thumbnail screenshots rendered preview documents with a headless
// Chromium driven through Rod. The browser is launched on first use, shared
// by every capture, and recycled after a fixed lifetime.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("thumbnail: closed")

// Config controls the browser and the capture viewport.
type Config struct {
	// RemoteURL is the DevTools websocket of an already running browser.
	// Empty launches a local headless Chromium.
	RemoteURL string `yaml:"remote_url"`
	// Bin is the browser binary for local launches. Empty lets Rod find or
	// download one.
	Bin             string        `yaml:"bin"`
	Width           int           `yaml:"width"`            // default 1280
	Height          int           `yaml:"height"`           // default 800
	Timeout         time.Duration `yaml:"timeout"`          // per capture, default 15s
	RecycleInterval time.Duration `yaml:"recycle_interval"` // default 1h
	NoSandbox       bool          `yaml:"no_sandbox"`       // for containers running as root
}

func (c *Config) defaults() {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 800
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = time.Hour
	}
}

// Shooter owns the browser.
type Shooter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// New returns a Shooter. Nothing is launched until the first Capture.
func New(cfg Config, logger *slog.Logger) *Shooter {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Shooter{cfg: cfg, logger: logger}
}

// Capture loads url in a fresh tab and returns a PNG of the viewport.
func (s *Shooter) Capture(ctx context.Context, url string) ([]byte, error) {
	b, err := s.acquire()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("thumbnail: open tab: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.Width,
		Height:            s.cfg.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("thumbnail: viewport: %w", err)
	}
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("thumbnail: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		s.logger.Warn("thumbnail: wait load", "url", url, "error", err)
	}
	png, err := page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, fmt.Errorf("thumbnail: screenshot: %w", err)
	}
	return png, nil
}

// acquire returns the live browser, launching or recycling it as needed.
func (s *Shooter) acquire() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.browser != nil && time.Since(s.startAt) > s.cfg.RecycleInterval {
		s.logger.Info("thumbnail: recycling browser", "uptime", time.Since(s.startAt))
		s.cleanup()
	}
	if s.browser != nil {
		return s.browser, nil
	}
	if err := s.launch(); err != nil {
		return nil, err
	}
	return s.browser, nil
}

func (s *Shooter) launch() error {
	wsURL := s.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).NoSandbox(s.cfg.NoSandbox)
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("thumbnail: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.cleanup()
		return fmt.Errorf("thumbnail: connect: %w", err)
	}
	s.browser = b
	s.startAt = time.Now()
	s.logger.Info("thumbnail: browser ready", "remote", s.cfg.RemoteURL != "")
	return nil
}

func (s *Shooter) cleanup() {
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Debug("thumbnail: close browser", "error", err)
		}
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
}

// Close shuts the browser down. Later captures fail with ErrClosed.
func (s *Shooter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cleanup()
	return nil
}
