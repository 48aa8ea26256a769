// Package surfacetest provides an in-memory Surface implementation for
// tests of SurfaceSupervisor, SessionMultiplexer, and CdpGateway, so those
// packages can be exercised without a real embedded engine.
package surfacetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cdpgateway/internal/surface"
)

// Provider is a fake surface.Provider backed entirely by in-memory state.
type Provider struct {
	mu sync.Mutex
	pages map[string]*fakePage
	attached map[string]bool
	seq int64

	// CommandResult, if set, is returned verbatim by SendDebuggerCommand.
	CommandResult json.RawMessage
	// FailAttach, if set, makes AttachDebugger always fail.
	FailAttach bool
	// FailNewBrowserPartition, if set, makes NewBrowserPartition fail.
	FailNewBrowserPartition bool
}

type fakePage struct {
	id string
	url string
	title string
	loading bool
	eventSubs []chan surface.PageEvent
	dbgSubs []chan surface.DebuggerEvent
}

// emit fans a page event out to every live PageEvents subscriber, mirroring
// the real chromedp.ListenTarget fan-out (each PageEvents call registers its
// own independent listener, so the supervisor's mirror goroutine and
// AwaitReady's readiness wait never contend over one channel).
func (p *Provider) emit(fp *fakePage, ev surface.PageEvent) {
	p.mu.Lock()
	subs := append([]chan surface.PageEvent(nil), fp.eventSubs...)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// New creates an empty fake Provider.
func New() *Provider {
	return &Provider{
		pages: make(map[string]*fakePage),
		attached: make(map[string]bool),
	}
}

func (p *Provider) NewBrowserPartition(ctx context.Context, key string) (surface.PartitionHandle, error) {
	if p.FailNewBrowserPartition {
		return nil, fmt.Errorf("surfacetest: forced partition failure")
	}
	return key, nil
}

func (p *Provider) NewPage(ctx context.Context, browser surface.PartitionHandle, opts surface.PageOpts) (surface.PageHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("page-%d", p.seq)
	fp := &fakePage{id: id, url: opts.URL}
	p.pages[id] = fp
	return fp, nil
}

func (p *Provider) AttachView(surface.PageHandle) error { return nil }
func (p *Provider) DetachView(surface.PageHandle) error { return nil }

func (p *Provider) Navigate(ctx context.Context, h surface.PageHandle, url string) error {
	fp := h.(*fakePage)
	p.mu.Lock()
	fp.url = url
	p.mu.Unlock()
	p.emit(fp, surface.PageEvent{Kind: surface.EventNavigated, URL: url})
	return nil
}

// SetLoading sets pageID's polled loading state, consulted by
// surface.AwaitReady to decide whether to wait for a load-finished event.
func (p *Provider) SetLoading(pageID string, loading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.pages[pageID]; ok {
		fp.loading = loading
	}
}

// FireLoadFinished emits a load-finished page event on pageID, used by tests
// exercising the attach-readiness wait against a page that reports
// itself as loading.
func (p *Provider) FireLoadFinished(pageID string) {
	p.mu.Lock()
	fp, ok := p.pages[pageID]
	p.mu.Unlock()
	if ok {
		p.emit(fp, surface.PageEvent{Kind: surface.EventLoadFinished})
	}
}

func (p *Provider) Reload(ctx context.Context, h surface.PageHandle) error { return nil }
func (p *Provider) Back(ctx context.Context, h surface.PageHandle) error { return nil }
func (p *Provider) Forward(ctx context.Context, h surface.PageHandle) error { return nil }

func (p *Provider) ClosePage(ctx context.Context, h surface.PageHandle) error {
	fp := h.(*fakePage)
	p.mu.Lock()
	delete(p.pages, fp.id)
	subs := fp.eventSubs
	fp.eventSubs = nil
	p.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	return nil
}

func (p *Provider) AttachDebugger(ctx context.Context, h surface.PageHandle) (surface.DebuggerBinding, error) {
	fp := h.(*fakePage)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAttach {
		return nil, fmt.Errorf("surfacetest: forced attach failure")
	}
	if p.attached[fp.id] {
		return nil, &surface.ErrAlreadyAttached{PageID: fp.id}
	}
	p.attached[fp.id] = true
	return fp, nil
}

func (p *Provider) DetachDebugger(b surface.DebuggerBinding) error {
	fp := b.(*fakePage)
	p.mu.Lock()
	delete(p.attached, fp.id)
	p.mu.Unlock()
	return nil
}

func (p *Provider) SendDebuggerCommand(ctx context.Context, b surface.DebuggerBinding, method string, params json.RawMessage) (json.RawMessage, error) {
	if p.CommandResult != nil {
		return p.CommandResult, nil
	}
	return json.RawMessage(`{}`), nil
}

func (p *Provider) SubscribeDebuggerEvents(ctx context.Context, b surface.DebuggerBinding, handler func(surface.DebuggerEvent)) error {
	fp := b.(*fakePage)
	ch := make(chan surface.DebuggerEvent, 16)
	p.mu.Lock()
	fp.dbgSubs = append(fp.dbgSubs, ch)
	p.mu.Unlock()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// EmitDebuggerEvent fans ev out to every subscriber currently on pageID's
// binding, simulating the engine emitting one event observed by every
// attached session.
func (p *Provider) EmitDebuggerEvent(pageID string, ev surface.DebuggerEvent) {
	p.mu.Lock()
	var fp *fakePage
	for _, candidate := range p.pages {
		if candidate.id == pageID {
			fp = candidate
			break
		}
	}
	subs := []chan surface.DebuggerEvent(nil)
	if fp != nil {
		subs = append(subs, fp.dbgSubs...)
	}
	p.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

func (p *Provider) PageState(ctx context.Context, h surface.PageHandle) (surface.PageStateValue, error) {
	fp := h.(*fakePage)
	p.mu.Lock()
	defer p.mu.Unlock()
	return surface.PageStateValue{URL: fp.url, Title: fp.title, Loading: fp.loading}, nil
}

// PageEvents registers a fresh subscription channel for h, mirroring the
// real ChromeProvider's per-call chromedp.ListenTarget registration: every
// caller (the supervisor's mirror goroutine, AwaitReady's readiness wait)
// gets every event, none of them stealing another's.
func (p *Provider) PageEvents(ctx context.Context, h surface.PageHandle) (<-chan surface.PageEvent, error) {
	fp := h.(*fakePage)
	ch := make(chan surface.PageEvent, 16)
	p.mu.Lock()
	fp.eventSubs = append(fp.eventSubs, ch)
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, c := range fp.eventSubs {
			if c == ch {
				fp.eventSubs = append(fp.eventSubs[:i], fp.eventSubs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}()
	return ch, nil
}

var _ surface.Provider = (*Provider)(nil)
