// Package browser drives the puzzle page in a real Chromium through the DevTools
// protocol. All page structure comes from the site profile's selectors; callers only see
// the types.Puzzle capability surface.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/haricheung/merlin/internal/config"
	"github.com/haricheung/merlin/internal/retry"
)

// Options configure the browser driver.
type Options struct {
	URL        string
	Headless   bool
	ControlURL string // attach to a running Chrome instead of launching one
	Selectors  config.Selectors

	NavigationTimeout time.Duration // default 45s
	ActionTimeout     time.Duration // per element lookup; default 2s
	ReplyTimeout      time.Duration // wait for a new oracle reply; default 15s
}

func (o Options) withDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 2 * time.Second
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 15 * time.Second
	}
	return o
}

var levelRe = regexp.MustCompile(`(?i)Level\s+(\d+)`)

// ErrNotFound is returned when a required page element never appears.
var ErrNotFound = errors.New("browser: element not found")

// Browser is a types.Puzzle and types.Snapshotter backed by one Chromium tab.
type Browser struct {
	opts     Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	replyBefore string // last assistant text seen before the pending question
}

// Launch starts (or attaches to) Chrome and opens a blank tab. Close releases it.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	opts = opts.withDefaults()
	b := &Browser{opts: opts}

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	rb := rod.New().ControlURL(controlURL).Context(ctx)
	if err := rb.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("browser: connect to chrome: %w", err)
	}
	b.browser = rb

	page, err := rb.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}
	b.page = page
	slog.Info("[BROWSER] ready", "headless", opts.Headless, "attached", opts.ControlURL != "")
	return b, nil
}

// Close shuts the tab and, when it was launched here, the browser process.
func (b *Browser) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	b.cleanup()
	return err
}

func (b *Browser) cleanup() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.launcher = nil
	}
}

// within scopes the page to ctx and d. The caller must call CancelTimeout.
func (b *Browser) within(ctx context.Context, d time.Duration) *rod.Page {
	return b.page.Context(ctx).Timeout(d)
}

// Navigate opens the puzzle URL and clicks a start button when the page shows one.
func (b *Browser) Navigate(ctx context.Context) error {
	p := b.within(ctx, b.opts.NavigationTimeout)
	defer p.CancelTimeout()
	if err := p.Navigate(b.opts.URL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", b.opts.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load: %w", err)
	}
	slog.Info("[BROWSER] navigated", "url", b.opts.URL)

	if sel := b.opts.Selectors.StartButton; sel != "" {
		if has, el, err := b.page.Context(ctx).Has(sel); err == nil && has {
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				slog.Debug("[BROWSER] start button not clickable", "error", err)
			}
		}
	}
	return nil
}

// SendText types text into the chat input and sends it, pressing Enter when the send
// button cannot be clicked.
func (b *Browser) SendText(ctx context.Context, text string) error {
	b.replyBefore, _ = b.lastReplyText(ctx)

	p := b.within(ctx, b.opts.ActionTimeout)
	defer p.CancelTimeout()
	inp, err := p.Element(b.opts.Selectors.ChatInput)
	if err != nil {
		return fmt.Errorf("%w: chat input: %v", ErrNotFound, err)
	}
	if err := inp.SelectAllText(); err != nil {
		slog.Debug("[BROWSER] select chat input text", "error", err)
	}
	if err := inp.Input(text); err != nil {
		return fmt.Errorf("browser: type question: %w", err)
	}
	if btn, err := p.Element(b.opts.Selectors.SendButton); err == nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
			return nil
		}
	}
	if err := inp.Type(input.Enter); err != nil {
		return fmt.Errorf("browser: send question: %w", err)
	}
	return nil
}

// ReadLastReply waits until the newest assistant message differs from the one seen
// before the last SendText, then returns it. On timeout it returns whatever is shown.
func (b *Browser) ReadLastReply(ctx context.Context) (string, error) {
	var latest string
	var lastErr error
	changed := retry.Policy{Interval: 250 * time.Millisecond, Timeout: b.opts.ReplyTimeout}.Poll(ctx, func(ctx context.Context) bool {
		latest, lastErr = b.lastReplyText(ctx)
		return lastErr == nil && latest != "" && latest != b.replyBefore
	})
	if !changed {
		slog.Warn("[BROWSER] no new reply before timeout", "timeout", b.opts.ReplyTimeout)
	}
	if latest == "" && lastErr != nil {
		return "", lastErr
	}
	return latest, nil
}

func (b *Browser) lastReplyText(ctx context.Context) (string, error) {
	page := b.page.Context(ctx)
	els, err := page.Elements(b.opts.Selectors.AssistantMessage)
	if err == nil && len(els) > 0 {
		return els.Last().Text()
	}
	has, el, err := page.Has(b.opts.Selectors.MessagesContainer)
	if err != nil {
		return "", fmt.Errorf("browser: read reply: %w", err)
	}
	if !has {
		return "", nil
	}
	return el.Text()
}

// ReadLevel parses "Level N" from the level heading.
func (b *Browser) ReadLevel(ctx context.Context) (int, bool) {
	has, el, err := b.page.Context(ctx).Has(b.opts.Selectors.LevelHeading)
	if err != nil || !has {
		return 0, false
	}
	text, err := el.Text()
	if err != nil {
		return 0, false
	}
	return ParseLevel(text)
}

// FillAndSubmit enters candidate into the password field and clicks submit.
func (b *Browser) FillAndSubmit(ctx context.Context, candidate string) error {
	p := b.within(ctx, b.opts.ActionTimeout)
	defer p.CancelTimeout()
	inp, err := p.Element(b.opts.Selectors.PasswordInput)
	if err != nil {
		return fmt.Errorf("%w: password input: %v", ErrNotFound, err)
	}
	if err := inp.SelectAllText(); err != nil {
		slog.Debug("[BROWSER] select password text", "error", err)
	}
	if err := inp.Input(candidate); err != nil {
		return fmt.Errorf("browser: fill password: %w", err)
	}
	btn, err := p.Element(b.opts.Selectors.SubmitButton)
	if err != nil {
		return fmt.Errorf("%w: submit button: %v", ErrNotFound, err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click submit: %w", err)
	}
	return nil
}

// DismissOverlay reads an open modal's text and closes it, trying the Continue button by
// its label, the Continue button by CSS, the Enter key and finally the close icon.
func (b *Browser) DismissOverlay(ctx context.Context) (string, bool) {
	sel := b.opts.Selectors
	page := b.page.Context(ctx)
	has, modal, err := page.Has(sel.ModalRoot)
	if err != nil || !has {
		return "", false
	}
	if vis, err := modal.Visible(); err == nil && !vis {
		return "", false
	}

	text := ""
	if ok, body, err := page.Has(sel.ModalBody); err == nil && ok {
		text, _ = body.Text()
	}
	if text == "" {
		text, _ = modal.Text()
	}
	text = strings.TrimSpace(text)

	click := func(find func(p *rod.Page) (*rod.Element, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			p := b.within(ctx, b.opts.ActionTimeout)
			defer p.CancelTimeout()
			el, err := find(p)
			if err != nil {
				return err
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return err
			}
			return b.waitOverlayGone(ctx)
		}
	}
	won, err := retry.FirstOf(ctx,
		retry.Strategy{Name: "continue-label", Try: click(func(p *rod.Page) (*rod.Element, error) {
			return p.ElementR("button", "^\\s*"+regexp.QuoteMeta(sel.ContinueText)+"\\s*$")
		})},
		retry.Strategy{Name: "continue-css", Try: click(func(p *rod.Page) (*rod.Element, error) {
			return p.Element(sel.ModalContinue)
		})},
		retry.Strategy{Name: "enter-key", Try: func(ctx context.Context) error {
			if err := modal.Focus(); err != nil {
				slog.Debug("[BROWSER] focus modal", "error", err)
			}
			if err := b.page.Context(ctx).Keyboard.Press(input.Enter); err != nil {
				return err
			}
			return b.waitOverlayGone(ctx)
		}},
		retry.Strategy{Name: "close-icon", Try: click(func(p *rod.Page) (*rod.Element, error) {
			return p.Element(sel.ModalClose)
		})},
	)
	if err != nil {
		slog.Warn("[BROWSER] overlay still open", "error", err)
	} else {
		slog.Debug("[BROWSER] overlay dismissed", "strategy", won)
	}
	return text, true
}

func (b *Browser) waitOverlayGone(ctx context.Context) error {
	gone := retry.Policy{Interval: 100 * time.Millisecond, Timeout: 1500 * time.Millisecond}.Poll(ctx, func(ctx context.Context) bool {
		has, el, err := b.page.Context(ctx).Has(b.opts.Selectors.ModalRoot)
		if err != nil || !has {
			return err == nil
		}
		vis, err := el.Visible()
		return err == nil && !vis
	})
	if !gone {
		return errors.New("overlay still visible")
	}
	return nil
}

// Screenshot writes a full-page PNG to path.
func (b *Browser) Screenshot(ctx context.Context, path string) error {
	data, err := b.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("browser: screenshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DumpDOM writes the page's current HTML to path.
func (b *Browser) DumpDOM(ctx context.Context, path string) error {
	html, err := b.page.Context(ctx).HTML()
	if err != nil {
		return fmt.Errorf("browser: dump dom: %w", err)
	}
	return os.WriteFile(path, []byte(html), 0o644)
}

// ParseLevel extracts N from the first "Level N" in text.
//
// Expectations:
//   - Matches case-insensitively and tolerates any whitespace between the word and the number
//   - Returns false when text has no level marker
//   - Uses the first marker when several are present
func ParseLevel(text string) (int, bool) {
	m := levelRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
