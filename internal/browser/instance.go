package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
)

// Instance is one browser process hosting one or more worker tabs under a
// single cookie/storage identity. The process is created lazily on the
// first tab request and lives until Shutdown.
type Instance struct {
	Name        string
	UserDataDir string
	Proxy       *common.ProxyConfig // resolved; nil means direct connection

	config *common.Config
	logger arbor.ILogger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	firstTab    context.Context
	firstCancel context.CancelFunc
	firstClaim  bool
	tabCancels  []context.CancelFunc
	launched    bool
}

// NewInstance builds an instance from configuration. Proxy precedence: an
// instance-level block that is enabled wins; present-but-disabled forces
// direct connection; absent falls back to the global proxy.
func NewInstance(cfg *common.Config, instCfg *common.InstanceConfig, logger arbor.ILogger) *Instance {
	return &Instance{
		Name:        instCfg.Name,
		UserDataDir: cfg.UserDataDir(instCfg.UserDataMark),
		Proxy:       ResolveProxy(cfg.Browser.Proxy, instCfg.Proxy),
		config:      cfg,
		logger:      logger,
	}
}

// ResolveProxy applies the instance-over-global proxy precedence rule.
func ResolveProxy(global, instance *common.ProxyConfig) *common.ProxyConfig {
	if instance != nil {
		if instance.Enable {
			return instance
		}
		return nil // explicitly disabled: direct even when a global proxy exists
	}
	if global != nil && global.Enable {
		return global
	}
	return nil
}

// launch starts the browser process. Must be called with the mutex held.
func (i *Instance) launch(ctx context.Context) error {
	if i.launched {
		return nil
	}

	if err := os.MkdirAll(i.UserDataDir, 0755); err != nil {
		return fmt.Errorf("failed to create user-data directory %s: %w", i.UserDataDir, err)
	}

	execPath, err := common.ResolveChromePath(i.config.Browser.Executable)
	if err != nil {
		return err
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.UserDataDir(i.UserDataDir),
		chromedp.Flag("headless", i.config.Browser.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-backgrounding-occluded-windows", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	if i.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(i.Proxy.URL()))
	}

	i.allocCtx, i.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)

	logf, errf := common.CDPLogf(i.config)
	i.firstTab, i.firstCancel = chromedp.NewContext(i.allocCtx,
		chromedp.WithLogf(logf),
		chromedp.WithErrorf(errf),
	)

	// Start the process and verify it responds.
	startCtx, cancel := context.WithTimeout(i.firstTab, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		i.firstCancel()
		i.allocCancel()
		i.allocCtx, i.firstTab = nil, nil
		return fmt.Errorf("browser instance %s failed startup: %w", i.Name, err)
	}

	i.launched = true
	i.logger.Info().
		Str("instance", i.Name).
		Str("user_data_dir", i.UserDataDir).
		Bool("proxied", i.Proxy != nil).
		Msg("Browser instance launched")

	return nil
}

// NewTab returns a tab context for a worker. The first call claims the
// tab the browser started with; later calls append tabs to the same
// process so all workers of the instance share cookies and storage.
func (i *Instance) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.launch(ctx); err != nil {
		return nil, nil, err
	}

	if !i.firstClaim {
		i.firstClaim = true
		return i.firstTab, i.firstCancel, nil
	}

	tabCtx, tabCancel := chromedp.NewContext(i.firstTab)
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, nil, fmt.Errorf("failed to open tab in instance %s: %w", i.Name, err)
	}

	i.tabCancels = append(i.tabCancels, tabCancel)

	i.logger.Debug().
		Str("instance", i.Name).
		Int("tabs", len(i.tabCancels)+1).
		Msg("Tab added to browser instance")

	return tabCtx, tabCancel, nil
}

// Launched reports whether the browser process has been started.
func (i *Instance) Launched() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.launched
}

// Shutdown closes every tab and the browser process. The user-data
// directory is left in place for the next run.
func (i *Instance) Shutdown() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.launched {
		return
	}

	for _, cancel := range i.tabCancels {
		cancel()
	}
	i.tabCancels = nil

	if i.firstCancel != nil {
		i.firstCancel()
	}
	if i.allocCancel != nil {
		i.allocCancel()
	}

	i.launched = false
	i.firstClaim = false

	i.logger.Info().Str("instance", i.Name).Msg("Browser instance shut down")
}
