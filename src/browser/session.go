// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"visaworker/src/logging"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-infobars",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--window-size=1920,1080",
	"--force-webrtc-ip-handling-policy=disable_non_proxied_udp",
}

// SessionConfig is built per execution, nothing is shared between sessions.
type SessionConfig struct {
	Headless       bool
	PageTimeout    time.Duration
	ElementTimeout time.Duration
	UserAgent      string
	// Proxy in the organisation form username:password@host:port.
	Proxy string
	// Endpoint of a remote browser server. Empty launches a local browser.
	Endpoint string
	DebugDir string
}

// Session owns one browser with a single page. Close releases everything.
type Session struct {
	*Elements

	cfg     SessionConfig
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page

	mu         sync.Mutex
	lastDialog string
	hasDialog  bool
}

var _ Browser = (*Session)(nil)

// Install downloads the playwright driver and chromium when missing.
func Install() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

func NewSession(cfg SessionConfig) (_ *Session, err error) {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	s := &Session{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.pw, err = playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}

	if cfg.Endpoint != "" {
		s.browser, err = s.pw.Chromium.Connect(cfg.Endpoint)
	} else {
		s.browser, err = s.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(cfg.Headless),
			Args:     launchArgs,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}

	opts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(cfg.UserAgent),
		Viewport:  &playwright.Size{Width: 1920, Height: 1080},
		Locale:    playwright.String("fr-FR"),
	}
	if cfg.Proxy != "" {
		proxy, err := ParseProxy(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		opts.Proxy = proxy
	}
	s.bctx, err = s.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}
	if err = s.bctx.AddInitScript(playwright.Script{Content: playwright.String(maskWebdriverScript)}); err != nil {
		return nil, fmt.Errorf("could not install init script: %w", err)
	}

	s.page, err = s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("could not open page: %w", err)
	}
	s.page.SetDefaultTimeout(float64(cfg.PageTimeout.Milliseconds()))
	s.page.OnDialog(func(d playwright.Dialog) {
		s.mu.Lock()
		s.lastDialog = d.Message()
		s.hasDialog = true
		s.mu.Unlock()
		logging.Log(fmt.Sprintf("Accepting dialog: %s", d.Message()), slog.LevelDebug)
		if err := d.Accept(); err != nil {
			logging.Log(fmt.Sprintf("Could not accept dialog: %v", err), slog.LevelWarn)
		}
	})

	s.Elements = NewElements(s.page, cfg.ElementTimeout)
	return s, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("could not navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) URL() string {
	return s.page.URL()
}

func (s *Session) Content() string {
	html, err := s.page.Content()
	if err != nil {
		logging.Log(fmt.Sprintf("Could not read page content: %v", err), slog.LevelDebug)
		return ""
	}
	return html
}

func (s *Session) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.page.Reload(); err != nil {
		return fmt.Errorf("could not reload: %w", err)
	}
	return nil
}

func (s *Session) Back(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.page.GoBack(); err != nil {
		return fmt.Errorf("could not go back: %w", err)
	}
	return nil
}

func (s *Session) TakeDialog() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.lastDialog, s.hasDialog
	s.lastDialog, s.hasDialog = "", false
	return msg, ok
}

// Frame waits for an iframe matching selector and returns a surface inside it.
func (s *Session) Frame(ctx context.Context, selector string) (Surface, error) {
	if !s.WaitPresent(ctx, selector, s.timeout) {
		return nil, fmt.Errorf("frame %s not found", selector)
	}
	handle, err := s.page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("could not query frame %s: %w", selector, err)
	}
	if handle == nil {
		return nil, fmt.Errorf("frame %s not found", selector)
	}
	frame, err := handle.ContentFrame()
	if err != nil {
		return nil, fmt.Errorf("could not enter frame %s: %w", selector, err)
	}
	return NewElements(frame, s.timeout), nil
}

// Snapshot stores a screenshot and the page HTML for post-mortem debugging.
func (s *Session) Snapshot(name string) {
	if s.cfg.DebugDir == "" || s.page == nil {
		return
	}
	if err := os.MkdirAll(s.cfg.DebugDir, 0o755); err != nil {
		logging.Log(fmt.Sprintf("Could not create debug dir: %v", err), slog.LevelWarn)
		return
	}
	base := filepath.Join(s.cfg.DebugDir, fmt.Sprintf("%s-%d", name, time.Now().Unix()))
	if _, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(base + ".png"),
		FullPage: playwright.Bool(true),
	}); err != nil {
		logging.Log(fmt.Sprintf("Could not take screenshot: %v", err), slog.LevelWarn)
	}
	if err := os.WriteFile(base+".html", []byte(s.Content()), 0o644); err != nil {
		logging.Log(fmt.Sprintf("Could not save page source: %v", err), slog.LevelWarn)
	}
}

func (s *Session) Close() error {
	var errs []error
	if s.bctx != nil {
		errs = append(errs, s.bctx.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.pw != nil {
		errs = append(errs, s.pw.Stop())
	}
	return errors.Join(errs...)
}

// RemoteProvider hands out a browser server endpoint for one execution.
type RemoteProvider interface {
	Acquire(ctx context.Context) (endpoint string, release func(), err error)
}

// Launcher opens a fresh Session per execution.
type Launcher struct {
	Headless       bool
	PageTimeout    time.Duration
	ElementTimeout time.Duration
	DebugDir       string
	// Remote is optional. When set every session runs in its own remote browser.
	Remote RemoteProvider
}

func (l *Launcher) Open(ctx context.Context, proxy string) (Browser, func(), error) {
	cfg := SessionConfig{
		Headless:       l.Headless,
		PageTimeout:    l.PageTimeout,
		ElementTimeout: l.ElementTimeout,
		Proxy:          proxy,
		DebugDir:       l.DebugDir,
	}

	release := func() {}
	if l.Remote != nil {
		endpoint, rel, err := l.Remote.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("could not acquire remote browser: %w", err)
		}
		cfg.Endpoint = endpoint
		release = rel
	}

	session, err := NewSession(cfg)
	if err != nil {
		release()
		return nil, nil, err
	}
	return session, func() {
		if err := session.Close(); err != nil {
			logging.Log(fmt.Sprintf("Could not close browser session: %v", err), slog.LevelWarn)
		}
		release()
	}, nil
}
