// Package chromium launches, or connects to, the CDP speaking browsers:
// Google Chrome, Microsoft Edge and Chromium.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/browserprocess"
	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/env"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/storage"
	"github.com/grafana/browsermirror/trace"
)

// Browser kinds launched by this package.
const (
	KindChrome   = "chrome"
	KindEdge     = "edge"
	KindChromium = "chromium"
)

var (
	// ErrUnknownKind is returned for a browser kind this package cannot launch.
	ErrUnknownKind = errors.New("unknown browser kind")

	// ErrBrowserNotInstalled is returned when no executable is found for a kind.
	ErrBrowserNotInstalled = errors.New("couldn't detect the browser on this system")

	// ErrBrowserNotFoundAtPath is returned when the configured executable does not exist.
	ErrBrowserNotFoundAtPath = errors.New("couldn't detect the browser on the given path")
)

// Supported reports whether kind can be launched by this package.
func Supported(kind string) bool {
	switch kind {
	case KindChrome, KindEdge, KindChromium:
		return true
	}
	return false
}

var _ api.BrowserType = &BrowserType{}

// BrowserType provides methods to launch a browser of one kind or to connect
// to an existing one.
type BrowserType struct {
	kind      string
	opts      *common.LaunchOptions
	envLookup env.LookupFunc
	lookPath  func(file string) (string, error)

	randMu  sync.Mutex
	randSrc *rand.Rand

	tracer *trace.Tracer
	logger *log.Logger
}

// NewBrowserType returns the browser type of kind. opts are validated when
// launching.
func NewBrowserType(
	kind string, opts *common.LaunchOptions, envLookup env.LookupFunc,
	tracer *trace.Tracer, logger *log.Logger,
) (*BrowserType, error) {
	if !Supported(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if opts == nil {
		opts = common.NewLaunchOptions()
	}
	if envLookup == nil {
		envLookup = env.Lookup
	}

	return &BrowserType{
		kind:      kind,
		opts:      opts,
		envLookup: envLookup,
		lookPath:  exec.LookPath,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		tracer:    tracer,
		logger:    logger,
	}, nil
}

// Name returns the browser kind.
func (b *BrowserType) Name() string {
	return b.kind
}

// ExecutablePath returns the executable that Launch starts, or an empty
// string when none is installed.
func (b *BrowserType) ExecutablePath() string {
	path, err := executablePath(b.kind, b.opts.ExecutablePath, b.opts.BetaChannel, b.envLookup, b.lookPath)
	if err != nil {
		return ""
	}
	return path
}

// Launch starts a browser process, or connects to a remote browser when a
// WebSocket URL is configured. ctx bounds the lifetime of the browser.
func (b *BrowserType) Launch(ctx context.Context) (api.Browser, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch options: %w", err)
	}
	ctx = browserprocess.WithOwner(ctx, b.kind)

	if urls, ok := env.IsRemoteBrowser(env.MapLookup(map[string]string{env.WebSocketURLs: b.opts.WSURL})); ok {
		return b.connect(ctx, b.pick(urls))
	}
	return b.launch(ctx)
}

func (b *BrowserType) pick(urls []string) string {
	b.randMu.Lock()
	defer b.randMu.Unlock()
	return urls[b.randSrc.Intn(len(urls))]
}

func (b *BrowserType) connect(ctx context.Context, wsURL string) (api.Browser, error) {
	b.logger.Debugf("BrowserType:connect", "kind:%s wsURL:%q", b.kind, wsURL)

	bProcCtx, bProcCtxCancel := context.WithCancel(ctx)
	proc := common.NewRemoteBrowserProcess(bProcCtx, wsURL, bProcCtxCancel, b.logger)

	browser, err := common.NewBrowser(bProcCtx, proc, b.opts, b.tracer, b.logger)
	if err != nil {
		proc.Terminate()
		return nil, fmt.Errorf("connecting to %s: %w", b.kind, err)
	}

	return browser, nil
}

func (b *BrowserType) launch(ctx context.Context) (api.Browser, error) {
	path, err := executablePath(b.kind, b.opts.ExecutablePath, b.opts.BetaChannel, b.envLookup, b.lookPath)
	if err != nil {
		return nil, fmt.Errorf("finding %s executable: %w", b.kind, err)
	}

	flags := prepareFlags(b.opts)
	dataDir := &storage.Dir{}
	userDataDir, _ := flags["user-data-dir"].(string)
	if err := dataDir.Make(b.tmpdir(), userDataDir); err != nil {
		return nil, fmt.Errorf("launching %s: %w", b.kind, err)
	}
	flags["user-data-dir"] = dataDir.Dir

	proc, err := b.allocate(ctx, path, flags, dataDir)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", b.kind, err)
	}

	browser, err := common.NewBrowser(proc.Context(), proc, b.opts, b.tracer, b.logger)
	if err != nil {
		proc.Terminate()
		return nil, fmt.Errorf("launching %s: %w", b.kind, err)
	}

	return browser, nil
}

// allocate starts the browser process and waits, at most the launch
// timeout, for its DevTools URL.
func (b *BrowserType) allocate(
	ctx context.Context, path string, flags map[string]any, dataDir *storage.Dir,
) (_ *common.BrowserProcess, rerr error) {
	bProcCtx, bProcCtxCancel := context.WithCancel(ctx)
	defer func() {
		if rerr != nil {
			bProcCtxCancel()
		}
	}()

	args, err := parseArgs(flags)
	if err != nil {
		return nil, err
	}
	b.logger.Debugf("BrowserType:allocate", "kind:%s path:%q args:%v", b.kind, path, args)

	timer := time.AfterFunc(b.opts.Timeout, bProcCtxCancel)
	proc, err := common.NewLocalBrowserProcess(bProcCtx, path, args, dataDir, bProcCtxCancel, b.logger)
	if !timer.Stop() {
		if err == nil {
			proc.Terminate()
		}
		return nil, fmt.Errorf("browser did not start within %s", b.opts.Timeout)
	}
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return proc, nil
}

// tmpdir returns the value of the TMPDIR environment variable, if set.
func (b *BrowserType) tmpdir() string {
	dir, _ := b.envLookup("TMPDIR")
	return dir
}

// executablePath returns the path of the browser executable of kind.
func executablePath(
	kind, path string, beta bool,
	envLookup env.LookupFunc,
	lookPath func(file string) (string, error), // exec.LookPath
) (string, error) {
	// find the browser executable in the user provided path
	if path := strings.TrimSpace(path); path != "" {
		if _, err := lookPath(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBrowserNotFoundAtPath, path)
	}

	paths := candidatePaths(kind, beta)
	// find the browser executable in the user profile
	if userProfile, ok := envLookup("USERPROFILE"); ok && kind == KindChrome {
		dir := `AppData\Local\Google\Chrome\Application\chrome.exe`
		if beta {
			dir = `AppData\Local\Google\Chrome Beta\Application\chrome.exe`
		}
		paths = append(paths, filepath.Join(userProfile, dir))
	}
	for _, path := range paths {
		if _, err := lookPath(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrBrowserNotInstalled, kind)
}

func candidatePaths(kind string, beta bool) []string {
	switch {
	case kind == KindChrome && beta:
		return []string{
			"google-chrome-beta",
			"/usr/bin/google-chrome-beta",
			`C:\Program Files\Google\Chrome Beta\Application\chrome.exe`,
			"/Applications/Google Chrome Beta.app/Contents/MacOS/Google Chrome Beta",
		}
	case kind == KindChrome:
		return []string{
			"google-chrome",
			"google-chrome-stable",
			"/usr/bin/google-chrome",
			"chrome",
			"chrome.exe", // in case PATHEXT is misconfigured
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		}
	case kind == KindEdge && beta:
		return []string{
			"microsoft-edge-beta",
			`C:\Program Files (x86)\Microsoft\Edge Beta\Application\msedge.exe`,
			"/Applications/Microsoft Edge Beta.app/Contents/MacOS/Microsoft Edge Beta",
		}
	case kind == KindEdge:
		return []string{
			"microsoft-edge",
			"microsoft-edge-stable",
			"msedge",
			"msedge.exe",
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	case kind == KindChromium:
		// Chromium has no beta channel.
		return []string{
			"headless_shell",
			"headless-shell",
			"chromium",
			"chromium-browser",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	}
	return nil
}

// parseArgs turns flags into sorted command line arguments.
func parseArgs(flags map[string]any) ([]string, error) {
	var args []string
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, parseStringArg(name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	if _, ok := flags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)

	return args, nil
}

func parseStringArg(flag string, value string) string {
	if strings.TrimSpace(value) == "" {
		// "--name=" is invalid.
		return fmt.Sprintf("--%s", flag)
	}
	return fmt.Sprintf("--%s=%s", flag, value)
}

func prepareFlags(opts *common.LaunchOptions) map[string]any {
	// After Puppeteer's and Playwright's default behavior.
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,
		"no-default-browser-check":        true,
		"headless":                        opts.Headless,
	}
	if vp := opts.Viewport; vp != nil {
		f["window-size"] = fmt.Sprintf("%d,%d", vp.Width, vp.Height)
	}
	if opts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	setFlagsFromArgs(f, opts.Args)

	return f
}

// setFlagsFromArgs fills flags from "name=value" arguments.
func setFlagsFromArgs(flags map[string]any, args []string) {
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		name, value := strings.TrimPrefix(strings.TrimSpace(pair[0]), "--"), ""
		if len(pair) > 1 {
			value = strings.Trim(strings.TrimSpace(pair[1]), `"'`)
		}
		flags[name] = value
	}
}
