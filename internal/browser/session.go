// Package browser implements portal sessions on headless Chrome via chromedp.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Config controls the shared Chrome allocator and per-session behavior.
type Config struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	// ActionTimeout bounds a single automation step when the caller context
	// carries no deadline.
	ActionTimeout time.Duration
}

// Factory owns the exec allocator shared by all sessions. Every session gets
// its own browser process, so replacing a session discards cookies and
// fingerprint state along with it.
type Factory struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewFactory prepares the allocator; no browser starts until New is called.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "es-PE"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Factory{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// New starts a fresh browser and applies the network overrides.
func (f *Factory) New(ctx context.Context) (ruc.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	s := &Session{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    f.cfg,
	}
	if err := s.run(ctx, s.setupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	f.logger.Debug("browser session started", zap.String("session_id", s.id))
	return s, nil
}

// Close tears down the allocator and any browsers still attached to it.
func (f *Factory) Close() {
	f.allocCancel()
}

// Session drives one Chrome instance. It is owned by a single worker and is
// not safe for concurrent use.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// ID identifies the underlying browser instance; a restart mints a new one.
func (s *Session) ID() string {
	return s.id
}

// Open navigates to url and waits for the document body.
func (s *Session) Open(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Fill waits for the input and sets its value.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Evaluate runs a script in the page, discarding its result.
func (s *Session) Evaluate(ctx context.Context, script string) error {
	return s.run(ctx, chromedp.Evaluate(script, nil))
}

// WaitVisible blocks until selector is rendered.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Content returns the full rendered document.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// CurrentURL returns the page location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// CaptureElement screenshots the first visible node matching selector.
func (s *Session) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close shuts the browser down.
func (s *Session) Close(context.Context) error {
	s.cancel()
	return nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// run executes actions on this session's browser under the caller's deadline
// and cancellation.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	timeout := s.cfg.ActionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("browser action canceled: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}
