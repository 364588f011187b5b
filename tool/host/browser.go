package host

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

// BrowserManager manages a shared Rod browser instance and per-task pages.
// The browser is lazily started on first use so it costs nothing unless a
// browser tool actually runs.
type BrowserManager struct {
	mu       sync.Mutex
	browser  *rod.Browser
	headless bool
	pages    map[string]*rod.Page // keyed by task ID
}

// NewBrowserManager creates a BrowserManager. The browser is not started
// until Page is first called.
func NewBrowserManager(headless bool) *BrowserManager {
	return &BrowserManager{
		headless: headless,
		pages:    make(map[string]*rod.Page),
	}
}

// Must be called with bm.mu held.
func (bm *BrowserManager) ensureBrowser() error {
	if bm.browser != nil {
		return nil
	}

	l := launcher.New().Headless(bm.headless)
	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	bm.browser = rod.New().ControlURL(url)
	if err := bm.browser.Connect(); err != nil {
		bm.browser = nil
		return fmt.Errorf("connect to browser: %w", err)
	}
	return nil
}

// Page returns the page associated with taskID, creating one if needed.
func (bm *BrowserManager) Page(taskID string) (*rod.Page, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if p, ok := bm.pages[taskID]; ok {
		return p, nil
	}
	if err := bm.ensureBrowser(); err != nil {
		return nil, err
	}
	page, err := bm.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	bm.pages[taskID] = page
	return page, nil
}

// ReleasePage closes the page bound to taskID.
func (bm *BrowserManager) ReleasePage(taskID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if p, ok := bm.pages[taskID]; ok {
		_ = p.Close()
		delete(bm.pages, taskID)
	}
}

// Shutdown closes all pages and the browser itself.
func (bm *BrowserManager) Shutdown() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for id, p := range bm.pages {
		_ = p.Close()
		delete(bm.pages, id)
	}
	if bm.browser != nil {
		err := bm.browser.Close()
		bm.browser = nil
		return err
	}
	return nil
}

type taskIDKey struct{}

// WithTaskID tags a context with the task that owns the browser page.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

func taskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// BrowserNavigateTool navigates the task's browser page to a URL and returns
// the page title and a text excerpt.
type BrowserNavigateTool struct {
	Manager *BrowserManager
}

func (t *BrowserNavigateTool) Name() string { return "browser_navigate" }
func (t *BrowserNavigateTool) Description() string {
	return "Navigate the browser to a URL and return page title and text"
}
func (t *BrowserNavigateTool) Capability() tool.Capability { return tool.CapBrowser }

func (t *BrowserNavigateTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "URL to navigate to"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *BrowserNavigateTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	page, err := t.Manager.Page(taskIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get browser page: %w", err)
	}

	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	// Page may have loaded enough even if WaitLoad times out.
	_ = page.Context(waitCtx).WaitLoad()

	title := ""
	if res, err := page.Eval(`() => document.title`); err == nil && res != nil {
		title = res.Value.String()
	}
	text := ""
	if res, err := page.Eval(`() => document.body ? document.body.innerText : ""`); err == nil && res != nil {
		text = res.Value.String()
	}
	if len(text) > 2000 {
		text = text[:2000]
	}

	return map[string]any{"title": title, "text": text}, nil
}

// BrowserScreenshotTool captures the task's current browser page.
type BrowserScreenshotTool struct {
	Manager *BrowserManager
}

func (t *BrowserScreenshotTool) Name() string { return "browser_screenshot" }
func (t *BrowserScreenshotTool) Description() string {
	return "Take a screenshot of the current browser page"
}
func (t *BrowserScreenshotTool) Capability() tool.Capability { return tool.CapBrowser }

func (t *BrowserScreenshotTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t *BrowserScreenshotTool) Execute(ctx context.Context, _ map[string]any) (any, error) {
	page, err := t.Manager.Page(taskIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get browser page: %w", err)
	}
	png, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return map[string]any{"image_base64": base64.StdEncoding.EncodeToString(png)}, nil
}

// BrowserClickTool clicks an element on the task's current browser page.
type BrowserClickTool struct {
	Manager *BrowserManager
}

func (t *BrowserClickTool) Name() string { return "browser_click" }
func (t *BrowserClickTool) Description() string {
	return "Click an element on the current browser page by CSS selector"
}
func (t *BrowserClickTool) Capability() tool.Capability { return tool.CapBrowser }

func (t *BrowserClickTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{"type": "string", "description": "CSS selector of element to click"},
			},
			"required": []string{"selector"},
		},
	}
}

func (t *BrowserClickTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	selector, _ := args["selector"].(string)
	if selector == "" {
		return nil, fmt.Errorf("selector is required")
	}

	page, err := t.Manager.Page(taskIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get browser page: %w", err)
	}

	el, err := page.Element(selector)
	if err != nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("element not found: %v", err)}, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true}, nil
}

// BrowserFillTool fills an input element on the task's current browser page.
type BrowserFillTool struct {
	Manager *BrowserManager
}

func (t *BrowserFillTool) Name() string { return "browser_fill" }
func (t *BrowserFillTool) Description() string {
	return "Fill an input element on the current browser page"
}
func (t *BrowserFillTool) Capability() tool.Capability { return tool.CapBrowser }

func (t *BrowserFillTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{"type": "string", "description": "CSS selector of the input element"},
				"value":    map[string]any{"type": "string", "description": "Value to fill in"},
			},
			"required": []string{"selector", "value"},
		},
	}
}

func (t *BrowserFillTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	selector, _ := args["selector"].(string)
	value, _ := args["value"].(string)
	if selector == "" {
		return nil, fmt.Errorf("selector is required")
	}

	page, err := t.Manager.Page(taskIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get browser page: %w", err)
	}

	el, err := page.Element(selector)
	if err != nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("element not found: %v", err)}, nil
	}
	if err := el.Input(value); err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true}, nil
}
