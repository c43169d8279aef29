package adapters

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"
)

// Timeouts for the page lifecycle. Image generation upstreams are slow,
// so the generate budget is deliberately generous.
const (
	GenerateTimeout   = 120 * time.Second
	NavigationTimeout = 45 * time.Second
	UploadTimeout     = 60 * time.Second
	DownloadTimeout   = 60 * time.Second
)

// typeRate paces keystrokes at roughly human speed. Burst covers short
// tokens typed in one go.
var typeRate = rate.NewLimiter(rate.Limit(14), 4)

// supportedImageExt lists the upload formats accepted by the helper.
var supportedImageExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Navigate loads a URL with the navigation budget applied.
func Navigate(ctx context.Context, url string) error {
	nctx, cancel := context.WithTimeout(ctx, NavigationTimeout)
	defer cancel()

	if err := chromedp.Run(nctx, chromedp.Navigate(url)); err != nil {
		return PageError(err)
	}
	return nil
}

// CurrentURL returns the page's current location.
func CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", PageError(err)
	}
	return loc, nil
}

// TypeHuman focuses a selector and types text at a human cadence.
func TypeHuman(ctx context.Context, sel, text string) error {
	if err := chromedp.Run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery), chromedp.Click(sel, chromedp.ByQuery)); err != nil {
		return PageError(err)
	}

	for _, r := range text {
		if err := typeRate.Wait(ctx); err != nil {
			return err
		}
		if err := chromedp.Run(ctx, chromedp.SendKeys(sel, string(r), chromedp.ByQuery)); err != nil {
			return PageError(err)
		}
	}
	return nil
}

// UploadImages attaches image files to a file input. Only PNG, JPEG, GIF
// and WebP paths are accepted.
func UploadImages(ctx context.Context, sel string, paths []string) error {
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		if !supportedImageExt[ext] {
			return fmt.Errorf("unsupported image format %q", ext)
		}
	}

	uctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	if err := chromedp.Run(uctx, chromedp.SetUploadFiles(sel, paths, chromedp.ByQuery)); err != nil {
		return PageError(err)
	}
	return nil
}

// ResponseWatcher captures the body of the first upstream response whose
// URL contains a substring. Matching is URL-substring based; the adapter
// declares the substring. The watcher must be armed before the action
// that triggers the request.
type ResponseWatcher struct {
	ctx       context.Context
	substring string

	mu        sync.Mutex
	requestID network.RequestID
	status    int64
	done      chan struct{}
	once      sync.Once
}

// WatchResponse arms a watcher on the tab context.
func WatchResponse(ctx context.Context, urlSubstring string) (*ResponseWatcher, error) {
	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		return nil, PageError(err)
	}

	w := &ResponseWatcher{
		ctx:       ctx,
		substring: urlSubstring,
		done:      make(chan struct{}),
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if strings.Contains(e.Response.URL, w.substring) {
				w.mu.Lock()
				if w.requestID == "" {
					w.requestID = e.RequestID
					w.status = e.Response.Status
				}
				w.mu.Unlock()
			}
		case *network.EventLoadingFinished:
			w.mu.Lock()
			matched := w.requestID != "" && e.RequestID == w.requestID
			w.mu.Unlock()
			if matched {
				w.once.Do(func() { close(w.done) })
			}
		case *network.EventLoadingFailed:
			w.mu.Lock()
			matched := w.requestID != "" && e.RequestID == w.requestID
			w.mu.Unlock()
			if matched {
				w.once.Do(func() { close(w.done) })
			}
		}
	})

	return w, nil
}

// Wait blocks until the matched response finishes loading, then returns
// its body. HTTP error statuses and budget expiry map to the contract's
// error strings.
func (w *ResponseWatcher) Wait(timeout time.Duration) ([]byte, error) {
	select {
	case <-w.done:
	case <-w.ctx.Done():
		return nil, PageError(w.ctx.Err())
	case <-time.After(timeout):
		return nil, fmt.Errorf("Timeout waiting for upstream response matching %q", w.substring)
	}

	w.mu.Lock()
	requestID := w.requestID
	status := w.status
	w.mu.Unlock()

	if status >= 400 {
		return nil, fmt.Errorf("HTTP %d from upstream", status)
	}

	c := chromedp.FromContext(w.ctx)
	ectx := cdp.WithExecutor(w.ctx, c.Target)
	body, err := network.GetResponseBody(requestID).Do(ectx)
	if err != nil {
		return nil, PageError(err)
	}
	return body, nil
}

// PageError maps low-level chromedp failures onto the contract's page
// error strings so the failover classifier can recognize them.
func PageError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("PAGE_CLOSED: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("Timeout: %w", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "target crashed") || strings.Contains(msg, "Inspected target navigated or closed"):
		return fmt.Errorf("PAGE_CRASHED: %w", err)
	case strings.Contains(msg, "invalid context") || strings.Contains(msg, "context canceled"):
		return fmt.Errorf("PAGE_INVALID: %w", err)
	}
	return err
}

// ElementVisible reports whether a selector is currently present and
// visible, without waiting.
func ElementVisible(ctx context.Context, sel string) bool {
	var visible bool
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return !!el && el.offsetParent !== null; })()`, sel)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &visible)); err != nil {
		return false
	}
	return visible
}

// OuterHTML captures the outer HTML of a selector.
func OuterHTML(ctx context.Context, sel string) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML(sel, &html, chromedp.ByQuery)); err != nil {
		return "", PageError(err)
	}
	return html, nil
}
