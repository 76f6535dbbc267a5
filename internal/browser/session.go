// Package browser drives a local Chrome through chromedp with a persistent
// profile, so a web login (WhatsApp Web) survives restarts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ErrProfileInUse is returned when another Chrome holds the profile.
var ErrProfileInUse = errors.New("browser profile is in use by another Chrome process")

type SessionConfig struct {
	ProfileDir string // Chrome user data directory; default DefaultProfileDir()
	Headless   bool
	Logger     *slog.Logger
}

// Session owns one Chrome profile directory.
type Session struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

// DefaultProfileDir is where the WhatsApp Web session lives unless configured.
func DefaultProfileDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".groupbot", "whatsapp-profile")
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{profileDir: cfg.ProfileDir, headless: cfg.Headless, logger: cfg.Logger}
	if s.profileDir == "" {
		s.profileDir = DefaultProfileDir()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Session) ProfileDir() string { return s.profileDir }

// HasProfile reports whether a profile from an earlier login exists.
func (s *Session) HasProfile() bool {
	_, err := os.Stat(filepath.Join(s.profileDir, "Default"))
	return err == nil
}

// InUse reports whether Chrome's singleton lock is present in the profile.
func (s *Session) InUse() bool {
	_, err := os.Lstat(filepath.Join(s.profileDir, "SingletonLock"))
	return err == nil
}

// Open starts Chrome on the profile and returns a tab context. The returned
// cancel func closes the tab and the browser.
func (s *Session) Open(ctx context.Context) (context.Context, context.CancelFunc, error) {
	return s.open(ctx, s.headless)
}

func (s *Session) open(ctx context.Context, headless bool) (context.Context, context.CancelFunc, error) {
	if err := os.MkdirAll(s.profileDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create profile dir: %w", err)
	}
	if s.InUse() {
		return nil, nil, fmt.Errorf("%w: %s", ErrProfileInUse, s.profileDir)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.UserAgent(userAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("headless", headless),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		s.logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
	}))
	return tabCtx, func() {
		tabCancel()
		allocCancel()
	}, nil
}

// Login opens a visible window at url for the operator to authenticate (for
// WhatsApp Web, by scanning the QR code) and returns once readySelector
// shows up or ctx ends.
func (s *Session) Login(ctx context.Context, url, readySelector string) error {
	tabCtx, cancel, err := s.open(ctx, false)
	if err != nil {
		return err
	}
	defer cancel()

	s.logger.Info("opening browser for login", "url", url, "profile", s.profileDir)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	s.logger.Info("complete the login in the browser window (Ctrl+C to abort)")

	if err := chromedp.Run(tabCtx, chromedp.WaitVisible(readySelector, chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for login: %w", err)
	}

	// The page writes the session to IndexedDB shortly after it renders.
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	s.logger.Info("login session saved", "profile", s.profileDir)
	return nil
}
