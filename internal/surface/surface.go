// Package surface defines the abstract Surface provider: the narrow
// interface the core consumes to drive the embedded engine. The core never
// imports a concrete browser engine directly — only this interface — so
// SurfaceSupervisor, SessionMultiplexer, and CdpGateway can be tested
// against a fake and run in production against the chromedp-backed
// implementation in chromedp_surface.go.
package surface

import (
	"context"
	"encoding/json"
	"time"
)

// PartitionHandle is an opaque isolation namespace returned by
// NewBrowserPartition, one per BrowserRecord.
type PartitionHandle interface{}

// PageHandle is an opaque handle to a single embedded page.
type PageHandle interface{}

// DebuggerBinding is an opaque handle to the single concrete debugger
// attachment for one page, shared across all sessions on that page.
type DebuggerBinding interface{}

// PageOpts configures a newly created page.
type PageOpts struct {
	URL string
}

// PageStateValue is a poll-based snapshot of page state.
type PageStateValue struct {
	URL string
	Title string
	Favicon string
	Loading bool
	CanGoBack bool
	CanGoForward bool
}

// PageEventKind identifies the kind of PageEvent.
type PageEventKind int

const (
	EventNavigated PageEventKind = iota
	EventTitleChanged
	EventFaviconChanged
	EventLoadFinished
	EventLoadFailed
	EventWindowOpen
)

// PageEvent is a navigation/title/favicon/load lifecycle notification from a
// page, delivered on the channel returned by PageEvents.
type PageEvent struct {
	Kind PageEventKind
	URL string // set on Navigated, WindowOpen
	Title string // set on TitleChanged
	Favicon string // set on FaviconChanged
}

// DebuggerEvent is a raw CDP event (method + params) delivered to the
// handler passed to SubscribeDebuggerEvents.
type DebuggerEvent struct {
	Method string
	Params json.RawMessage
}

// ErrAlreadyAttached is returned by AttachDebugger when the page's single
// debugger channel is already in use.
type ErrAlreadyAttached struct{ PageID string }

func (e *ErrAlreadyAttached) Error() string {
	return "surface: debugger already attached for page " + e.PageID
}

// Provider is the abstract Surface collaborator contract. Any
// implementation must guarantee that between a successful AttachDebugger and
// a Detach, events on the binding are delivered in engine-emitted order.
type Provider interface {
	NewBrowserPartition(ctx context.Context, key string) (PartitionHandle, error)
	NewPage(ctx context.Context, browser PartitionHandle, opts PageOpts) (PageHandle, error)

	AttachView(page PageHandle) error
	DetachView(page PageHandle) error

	Navigate(ctx context.Context, page PageHandle, url string) error
	Reload(ctx context.Context, page PageHandle) error
	Back(ctx context.Context, page PageHandle) error
	Forward(ctx context.Context, page PageHandle) error

	ClosePage(ctx context.Context, page PageHandle) error

	// AttachDebugger acquires the single debugger channel for page. Fails
	// with *ErrAlreadyAttached if a binding already exists.
	AttachDebugger(ctx context.Context, page PageHandle) (DebuggerBinding, error)
	// DetachDebugger releases the binding.
	DetachDebugger(binding DebuggerBinding) error

	// SendDebuggerCommand forwards a CDP command to the binding and returns
	// its raw JSON result, or an error if the command failed.
	SendDebuggerCommand(ctx context.Context, binding DebuggerBinding, method string, params json.RawMessage) (json.RawMessage, error)

	// SubscribeDebuggerEvents streams events on binding to handler until ctx
	// is canceled; detaching the binding alone does not end the stream.
	SubscribeDebuggerEvents(ctx context.Context, binding DebuggerBinding, handler func(DebuggerEvent)) error

	// PageState polls the current page state.
	PageState(ctx context.Context, page PageHandle) (PageStateValue, error)

	// PageEvents streams navigation/title/favicon/load lifecycle events.
	// The returned channel is closed when ctx is canceled.
	PageEvents(ctx context.Context, page PageHandle) (<-chan PageEvent, error)
}

// ReadinessState is the explicit state machine for the pre-attach readiness
// wait, replacing a chain of ad-hoc sleeps-and-listeners with one typed
// wait.
type ReadinessState int

const (
	StateFresh ReadinessState = iota
	StateLoading
	StateIdle
)

// AwaitReady implements the three-stage wait before attaching a debugger:
// 1. a bounded initial settle delay;
// 2. if loading, wait for load-finished/load-failed bounded by maxTotal;
// 3. a final small settle delay.
//
// It never returns an error: on timeout, attach proceeds anyway and the
// debugger command will either succeed or return a normal CDP error.
func AwaitReady(ctx context.Context, p Provider, page PageHandle, initialSettle, maxTotal, finalSettle time.Duration) {
	select {
	case <-time.After(initialSettle):
	case <-ctx.Done():
		return
	}

	state, _ := p.PageState(ctx, page)
	if state.Loading {
		events, err := p.PageEvents(ctx, page)
		if err == nil {
			deadline := time.After(maxTotal)
		waitLoop:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break waitLoop
					}
					if ev.Kind == EventLoadFinished || ev.Kind == EventLoadFailed {
						break waitLoop
					}
				case <-deadline:
					break waitLoop
				case <-ctx.Done():
					return
				}
			}
		}
	}

	select {
	case <-time.After(finalSettle):
	case <-ctx.Done():
	}
}
