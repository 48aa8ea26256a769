// Package supervisor implements the SurfaceSupervisor: it owns the concrete
// browser/page surfaces and translates lifecycle requests into surface
// operations plus FleetStore mutations, in a fixed order so observers never
// see a partially-applied change.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/fleet"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/surface"
)

// CreateBrowserOpts configures browser creation.
type CreateBrowserOpts struct {
	Name string
	PartitionKey string
	UserAgent string
}

type CreatePageOpts struct {
	BrowserID string
	URL string
	Activate bool
	AfterPageID string
}

// Supervisor is the SurfaceSupervisor.
type Supervisor struct {
	store *fleet.Store
	surf surface.Provider
	bus *eventbus.Bus
	log *logger.Logger
	defaultURL string

	mu sync.Mutex
	partitions map[string]surface.PartitionHandle // browserId -> partition
	pages map[string]surface.PageHandle // pageId -> page
}

// New creates a Supervisor over the given FleetStore, Surface provider, and
// EventBus. defaultURL is the "new tab" URL used by CreateBrowser's initial
// page.
func New(store *fleet.Store, surf surface.Provider, bus *eventbus.Bus, log *logger.Logger, defaultURL string) *Supervisor {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Supervisor{
		store: store,
		surf: surf,
		bus: bus,
		log: log,
		defaultURL: defaultURL,
		partitions: make(map[string]surface.PartitionHandle),
		pages: make(map[string]surface.PageHandle),
	}
}

// CreateBrowser creates an isolated storage partition, instantiates a
// Surface, emits fleet.browserCreated, then creates an initial page at the
// default "new tab" URL via the normal page-create path.
func (s *Supervisor) CreateBrowser(ctx context.Context, opts CreateBrowserOpts) (fleet.BrowserRecord, error) {
	browserID := s.store.CreateBrowser(fleet.BrowserSpec{
		Name: opts.Name,
		PartitionKey: opts.PartitionKey,
		UserAgent: opts.UserAgent,
	})

	partitionKey := opts.PartitionKey
	if partitionKey == "" {
		partitionKey = browserID
	}
	handle, err := s.surf.NewBrowserPartition(ctx, partitionKey)
	if err != nil {
		// Roll back the tentative record before returning an error so it
		// doesn't leak into discovery.
		s.store.DeleteBrowser(browserID)
		return fleet.BrowserRecord{}, fmt.Errorf("supervisor: create browser partition: %w", err)
	}

	s.mu.Lock()
	s.partitions[browserID] = handle
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Kind: eventbus.BrowserCreated, BrowserID: browserID})
	s.log.Info("browser created")

	if _, err := s.CreatePage(ctx, CreatePageOpts{BrowserID: browserID, URL: s.defaultURL, Activate: true}); err != nil {
		s.log.Warn("initial page creation failed")
	}

	rec, _ := s.store.GetBrowser(browserID)
	return rec, nil
}

// DestroyBrowser detaches any attached surface view, tears down all pages
// (each emitting fleet.pageDestroyed), removes the browser record, and
// emits fleet.browserDestroyed.
func (s *Supervisor) DestroyBrowser(ctx context.Context, browserID string) error {
	rec, ok := s.store.GetBrowser(browserID)
	if !ok {
		return fmt.Errorf("supervisor: browser %s not found", browserID)
	}

	for _, pageID := range rec.Pages {
		s.teardownPageSurface(ctx, pageID)
	}

	removed := s.store.DeleteBrowser(browserID)
	for _, pageID := range removed {
		s.bus.Publish(eventbus.Event{Kind: eventbus.PageDestroyed, BrowserID: browserID, PageID: pageID})
	}

	s.mu.Lock()
	delete(s.partitions, browserID)
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Kind: eventbus.BrowserDestroyed, BrowserID: browserID})
	s.log.Info("browser destroyed")
	return nil
}

func (s *Supervisor) teardownPageSurface(ctx context.Context, pageID string) {
	s.mu.Lock()
	handle, ok := s.pages[pageID]
	delete(s.pages, pageID)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.surf.DetachView(handle)
	if err := s.surf.ClosePage(ctx, handle); err != nil {
		s.log.Warn("close page surface failed")
	}
}

// CreatePage allocates a PageRecord first so a pageId is known, then asks
// the Surface to create the underlying page and bind it. Creation order is
// mandatory : the record is visible before any client-facing
// Target.targetCreated, and the page navigates only after the view is
// attached to the host surface.
func (s *Supervisor) CreatePage(ctx context.Context, opts CreatePageOpts) (fleet.PageRecord, error) {
	s.mu.Lock()
	partition, ok := s.partitions[opts.BrowserID]
	s.mu.Unlock()
	if !ok {
		return fleet.PageRecord{}, fmt.Errorf("supervisor: browser %s not found", opts.BrowserID)
	}

	url := opts.URL
	if url == "" {
		url = s.defaultURL
	}

	pageID, fellBack, err := s.store.InsertPage(opts.BrowserID, fleet.PageInit{URL: url}, opts.AfterPageID)
	if err != nil {
		return fleet.PageRecord{}, fmt.Errorf("supervisor: insert page record: %w", err)
	}
	if fellBack {
		s.log.Warn("afterPageId not found in browser, appended instead")
	}

	// The record (and its implied wsEndpoint) is now visible to discovery
	// before the underlying page exists — the client-facing event still
	// waits for the EventBus publish below.
	handle, err := s.surf.NewPage(ctx, partition, surface.PageOpts{})
	if err != nil {
		s.store.RemovePage(opts.BrowserID, pageID)
		return fleet.PageRecord{}, fmt.Errorf("supervisor: create page surface: %w", err)
	}

	s.mu.Lock()
	s.pages[pageID] = handle
	s.mu.Unlock()

	// Attach before navigate : early events like
	// frameStartedLoading would otherwise be missed by the first session.
	_ = s.surf.AttachView(handle)
	s.subscribePageMirrors(pageID, handle)

	if err := s.surf.Navigate(ctx, handle, url); err != nil {
		s.log.Warn("initial page navigation failed")
	}

	if opts.Activate {
		_ = s.store.SetActivePage(opts.BrowserID, pageID)
		s.bus.Publish(eventbus.Event{Kind: eventbus.PageActivated, BrowserID: opts.BrowserID, PageID: pageID})
	}

	s.bus.Publish(eventbus.Event{Kind: eventbus.PageCreated, BrowserID: opts.BrowserID, PageID: pageID, AfterPageID: opts.AfterPageID})
	s.log.Info("page created")

	rec, _ := s.store.GetPage(pageID)
	return rec, nil
}

// subscribePageMirrors starts a background watcher that mirrors the
// surface's navigation-state/title/favicon callbacks into the FleetStore,
// publishing the corresponding lifecycle events. It never bypasses
// FleetStore.
func (s *Supervisor) subscribePageMirrors(pageID string, handle surface.PageHandle) {
	ctx := context.Background()
	events, err := s.surf.PageEvents(ctx, handle)
	if err != nil {
		s.log.Warn("could not subscribe to page events")
		return
	}
	go func() {
		browserID := s.browserIDFor(pageID)
		for ev := range events {
			switch ev.Kind {
			case surface.EventNavigated:
				s.store.MutatePage(pageID, func(p fleet.PageRecord) fleet.PageRecord {
					p.URL = ev.URL
					return p
				})
				s.bus.Publish(eventbus.Event{Kind: eventbus.PageNavigated, BrowserID: browserID, PageID: pageID})
			case surface.EventLoadFailed:
				s.bus.Publish(eventbus.Event{Kind: eventbus.PageNavigated, BrowserID: browserID, PageID: pageID, NavError: true})
			case surface.EventTitleChanged:
				s.store.MutatePage(pageID, func(p fleet.PageRecord) fleet.PageRecord {
					p.Title = ev.Title
					return p
				})
				s.bus.Publish(eventbus.Event{Kind: eventbus.PageTitleChanged, BrowserID: browserID, PageID: pageID})
			case surface.EventFaviconChanged:
				s.store.MutatePage(pageID, func(p fleet.PageRecord) fleet.PageRecord {
					p.Favicon = ev.Favicon
					return p
				})
				s.bus.Publish(eventbus.Event{Kind: eventbus.PageFaviconChanged, BrowserID: browserID, PageID: pageID})
			case surface.EventWindowOpen:
				if _, err := s.WindowOpenHandler(context.Background(), pageID, ev.URL); err != nil {
					s.log.Warn("window.open handling failed")
				}
			}
		}
	}()
}

func (s *Supervisor) browserIDFor(pageID string) string {
	p, ok := s.store.GetPage(pageID)
	if !ok {
		return ""
	}
	return p.BrowserID
}

// ClosePage instructs the Surface to close; on confirmation removes the
// record and emits fleet.pageDestroyed. If the active page was closed, the
// successor is selected per fleet.Store.RemovePage and fleet.pageActivated
// is emitted.
func (s *Supervisor) ClosePage(ctx context.Context, browserID, pageID string) error {
	s.teardownPageSurface(ctx, pageID)

	wasActive := false
	if rec, ok := s.store.GetBrowser(browserID); ok {
		wasActive = rec.ActivePageID == pageID
	}

	newActive := s.store.RemovePage(browserID, pageID)
	s.bus.Publish(eventbus.Event{Kind: eventbus.PageDestroyed, BrowserID: browserID, PageID: pageID})
	s.log.Info("page closed")

	if wasActive {
		s.bus.Publish(eventbus.Event{Kind: eventbus.PageActivated, BrowserID: browserID, PageID: newActive})
	}
	return nil
}

// NavigatePage delegates to the Surface; the navigation-state mirror
// updates asynchronously through the subscribed PageEvents callback, never
// bypassing FleetStore.
func (s *Supervisor) NavigatePage(ctx context.Context, pageID, url string) error {
	handle, ok := s.handleFor(pageID)
	if !ok {
		return fmt.Errorf("supervisor: page %s not found", pageID)
	}
	return s.surf.Navigate(ctx, handle, url)
}

func (s *Supervisor) Reload(ctx context.Context, pageID string) error {
	handle, ok := s.handleFor(pageID)
	if !ok {
		return fmt.Errorf("supervisor: page %s not found", pageID)
	}
	return s.surf.Reload(ctx, handle)
}

func (s *Supervisor) GoBack(ctx context.Context, pageID string) error {
	handle, ok := s.handleFor(pageID)
	if !ok {
		return fmt.Errorf("supervisor: page %s not found", pageID)
	}
	return s.surf.Back(ctx, handle)
}

func (s *Supervisor) GoForward(ctx context.Context, pageID string) error {
	handle, ok := s.handleFor(pageID)
	if !ok {
		return fmt.Errorf("supervisor: page %s not found", pageID)
	}
	return s.surf.Forward(ctx, handle)
}

// SelectPage sets the active page for a browser.
func (s *Supervisor) SelectPage(browserID, pageID string) error {
	if err := s.store.SetActivePage(browserID, pageID); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.PageActivated, BrowserID: browserID, PageID: pageID})
	return nil
}

// WindowOpenHandler handles a window.open-equivalent callback from a page:
// the new page is inserted immediately after the parent page and activated
//.
func (s *Supervisor) WindowOpenHandler(ctx context.Context, parentPageID, url string) (fleet.PageRecord, error) {
	parent, ok := s.store.GetPage(parentPageID)
	if !ok {
		return fleet.PageRecord{}, fmt.Errorf("supervisor: parent page %s not found", parentPageID)
	}
	return s.CreatePage(ctx, CreatePageOpts{
		BrowserID: parent.BrowserID,
		URL: url,
		Activate: true,
		AfterPageID: parentPageID,
	})
}

// PageHandle exposes the underlying Surface page handle for a pageId, used
// by the SessionMultiplexer to attach a debugger binding.
func (s *Supervisor) PageHandle(pageID string) (surface.PageHandle, bool) {
	return s.handleFor(pageID)
}

func (s *Supervisor) handleFor(pageID string) (surface.PageHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pages[pageID]
	return h, ok
}
