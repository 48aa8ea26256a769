package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/mailru/easyjson"

	"cdpgateway/internal/logger"
)

// ChromeProvider is the production Surface implementation, backed by a real
// headless Chrome driven through chromedp/cdproto. It stands in for the
// embedded-engine collaborator treated as external: in this module
// chromedp is the "embedded engine", one real target per PageHandle.
//
// Built on a chromedp-based browser pool
// (pkg/browser/pool.go): one allocator context per partition, one tab
// context per page, context cancellation for teardown.
type ChromeProvider struct {
	log *logger.Logger

	mu sync.Mutex
	partitions map[string]*partition
	attached map[string]bool // pageKey -> debugger attached
}

type partition struct {
	allocCtx context.Context
	cancel context.CancelFunc
}

type pageHandle struct {
	ctx context.Context
	cancel context.CancelFunc
	key string // stable identity for the attached-map
}

type debuggerBinding struct {
	page *pageHandle
}

// NewChromeProvider creates a ChromeProvider. Call Close to release all
// partitions and their pages.
func NewChromeProvider(log *logger.Logger) *ChromeProvider {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ChromeProvider{
		log: log,
		partitions: make(map[string]*partition),
		attached: make(map[string]bool),
	}
}

// Close tears down every partition this provider created.
func (c *ChromeProvider) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.partitions {
		p.cancel()
	}
	c.partitions = make(map[string]*partition)
}

func (c *ChromeProvider) NewBrowserPartition(ctx context.Context, key string) (PartitionHandle, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserDataDir(partitionDir(key)),
		)...,
	)

	c.mu.Lock()
	c.partitions[key] = &partition{allocCtx: allocCtx, cancel: cancel}
	c.mu.Unlock()

	return key, nil
}

func partitionDir(key string) string {
	return "/tmp/cdpgateway-partitions/" + key
}

func (c *ChromeProvider) partitionFor(handle PartitionHandle) (*partition, error) {
	key, _ := handle.(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[key]
	if !ok {
		return nil, fmt.Errorf("surface: unknown partition %v", handle)
	}
	return p, nil
}

func (c *ChromeProvider) NewPage(ctx context.Context, browser PartitionHandle, opts PageOpts) (PageHandle, error) {
	p, err := c.partitionFor(browser)
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(p.allocCtx)
	if err := chromedp.Run(tabCtx); err != nil { // forces the target to materialize
		cancel()
		return nil, fmt.Errorf("surface: create page: %w", err)
	}

	ph := &pageHandle{ctx: tabCtx, cancel: cancel, key: fmt.Sprintf("%p", tabCtx)}
	if opts.URL != "" {
		if err := chromedp.Run(ph.ctx, chromedp.Navigate(opts.URL)); err != nil {
			c.log.Warn("initial navigation failed")
		}
	}
	return ph, nil
}

func asPage(h PageHandle) (*pageHandle, error) {
	p, ok := h.(*pageHandle)
	if !ok || p == nil {
		return nil, fmt.Errorf("surface: invalid page handle")
	}
	return p, nil
}

// AttachView / DetachView are display-only concerns of the host window
// chrome (out of scope) and are no-ops here.
func (c *ChromeProvider) AttachView(PageHandle) error { return nil }
func (c *ChromeProvider) DetachView(PageHandle) error { return nil }

func (c *ChromeProvider) Navigate(ctx context.Context, h PageHandle, url string) error {
	p, err := asPage(h)
	if err != nil {
		return err
	}
	return chromedp.Run(p.ctx, chromedp.Navigate(url))
}

func (c *ChromeProvider) Reload(ctx context.Context, h PageHandle) error {
	p, err := asPage(h)
	if err != nil {
		return err
	}
	return chromedp.Run(p.ctx, chromedp.Reload())
}

func (c *ChromeProvider) Back(ctx context.Context, h PageHandle) error {
	p, err := asPage(h)
	if err != nil {
		return err
	}
	return chromedp.Run(p.ctx, chromedp.NavigateBack())
}

func (c *ChromeProvider) Forward(ctx context.Context, h PageHandle) error {
	p, err := asPage(h)
	if err != nil {
		return err
	}
	return chromedp.Run(p.ctx, chromedp.NavigateForward())
}

func (c *ChromeProvider) ClosePage(ctx context.Context, h PageHandle) error {
	p, err := asPage(h)
	if err != nil {
		return err
	}
	defer p.cancel()
	return chromedp.Cancel(p.ctx)
}

func (c *ChromeProvider) AttachDebugger(ctx context.Context, h PageHandle) (DebuggerBinding, error) {
	p, err := asPage(h)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached[p.key] {
		return nil, &ErrAlreadyAttached{PageID: p.key}
	}
	c.attached[p.key] = true
	return &debuggerBinding{page: p}, nil
}

func (c *ChromeProvider) DetachDebugger(b DebuggerBinding) error {
	binding, ok := b.(*debuggerBinding)
	if !ok || binding == nil {
		return fmt.Errorf("surface: invalid debugger binding")
	}
	c.mu.Lock()
	delete(c.attached, binding.page.key)
	c.mu.Unlock()
	return nil
}

// SendDebuggerCommand forwards an arbitrary CDP command through cdproto's
// generic executor, giving pass-through support for every domain beyond
// Target without this adapter needing to know its shape.
func (c *ChromeProvider) SendDebuggerCommand(ctx context.Context, b DebuggerBinding, method string, params json.RawMessage) (json.RawMessage, error) {
	binding, ok := b.(*debuggerBinding)
	if !ok || binding == nil {
		return nil, fmt.Errorf("surface: invalid debugger binding")
	}
	if params == nil {
		params = json.RawMessage(`{}`)
	}

	var res easyjson.RawMessage
	err := chromedp.Run(binding.page.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, method, easyjson.RawMessage(params), &res)
	}))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

// SubscribeDebuggerEvents forwards the CDP events this adapter knows how to
// name. chromedp's ListenTarget decodes events into concrete Go types
// rather than preserving the original wire method string, so the mapping
// below is necessarily a named allowlist — it covers the events 
// scenario S5 exercises (Page.frameStartedLoading, Page.loadEventFired) and
// is extended the same way for any other domain a deployment needs.
func (c *ChromeProvider) SubscribeDebuggerEvents(ctx context.Context, b DebuggerBinding, handler func(DebuggerEvent)) error {
	binding, ok := b.(*debuggerBinding)
	if !ok || binding == nil {
		return fmt.Errorf("surface: invalid debugger binding")
	}

	chromedp.ListenTarget(binding.page.ctx, func(ev interface{}) {
		method, params, ok := encodeEvent(ev)
		if !ok {
			return
		}
		handler(DebuggerEvent{Method: method, Params: params})
	})
	<-ctx.Done()
	return nil
}

func encodeEvent(ev interface{}) (method string, params json.RawMessage, ok bool) {
	switch e := ev.(type) {
	case *page.EventFrameStartedLoading:
		return "Page.frameStartedLoading", marshalOrEmpty(e), true
	case *page.EventFrameStoppedLoading:
		return "Page.frameStoppedLoading", marshalOrEmpty(e), true
	case *page.EventLoadEventFired:
		return "Page.loadEventFired", marshalOrEmpty(e), true
	case *page.EventFrameNavigated:
		return "Page.frameNavigated", marshalOrEmpty(e), true
	case *page.EventJavascriptDialogOpening:
		return "Page.javascriptDialogOpening", marshalOrEmpty(e), true
	default:
		return "", nil, false
	}
}

func marshalOrEmpty(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (c *ChromeProvider) PageState(ctx context.Context, h PageHandle) (PageStateValue, error) {
	p, err := asPage(h)
	if err != nil {
		return PageStateValue{}, err
	}

	var url, title string
	var loading bool
	err = chromedp.Run(p.ctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			loading = false
			return nil
		}),
	)
	if err != nil {
		return PageStateValue{}, err
	}
	return PageStateValue{URL: url, Title: title, Loading: loading}, nil
}

func (c *ChromeProvider) PageEvents(ctx context.Context, h PageHandle) (<-chan PageEvent, error) {
	p, err := asPage(h)
	if err != nil {
		return nil, err
	}

	out := make(chan PageEvent, 16)
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame != nil {
				select {
				case out <- PageEvent{Kind: EventNavigated, URL: e.Frame.URL}:
				default:
				}
			}
		case *page.EventLoadEventFired:
			select {
			case out <- PageEvent{Kind: EventLoadFinished}:
			default:
			}
		}
	})

	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}
