// Package fleet implements the FleetStore: the single-writer, many-reader
// in-memory model of browsers and pages that backs CDP discovery. All
// mutations go through the named operations below so invariants hold after
// every call.
package fleet

import (
	"fmt"
	"sync"
	"time"
)

// NavigationState mirrors a page's navigation capabilities and loading flag.
type NavigationState struct {
	CanGoBack bool
	CanGoForward bool
	IsLoading bool
}

// Thumbnail mirrors the page's last-captured thumbnail, owned by an external
// collaborator (the thumbnail capture scheduler, out of scope here) and
// merely stored for discovery payloads.
type Thumbnail struct {
	DataURL string
	LastUpdatedAt time.Time
}

// PageRecord is the FleetStore's record of one page.
type PageRecord struct {
	PageID string
	BrowserID string
	Title string
	URL string
	Favicon string
	IsActive bool
	NavigationState NavigationState
	Thumbnail Thumbnail
}

// PageInit supplies the initial values for a newly inserted page.
type PageInit struct {
	URL string
	Title string
	Favicon string
}

// BrowserRecord is the FleetStore's record of one browser.
type BrowserRecord struct {
	BrowserID string
	Name string
	PartitionKey string
	UserAgent string
	CreatedAt time.Time
	Pages []string // ordered pageIds; order is the target-list order
	ActivePageID string // empty means no active page
}

// BrowserSpec supplies the initial values for a newly created browser.
type BrowserSpec struct {
	Name string
	PartitionKey string
	UserAgent string
}

// FleetStateValue is an immutable snapshot of the entire store, safe to
// retain without holding any lock.
type FleetStateValue struct {
	Browsers map[string]BrowserRecord
	Pages map[string]PageRecord
}

// Store is the FleetStore. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex
	browsers map[string]*BrowserRecord
	pages map[string]*PageRecord
	idSeq uint64
}

// New creates an empty FleetStore.
func New() *Store {
	return &Store{
		browsers: make(map[string]*BrowserRecord),
		pages: make(map[string]*PageRecord),
	}
}

func (s *Store) nextID(prefix string) string {
	s.idSeq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), s.idSeq)
}

// CreateBrowser allocates a fresh browserId and inserts an empty BrowserRecord.
func (s *Store) CreateBrowser(spec BrowserSpec) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID("browser")
	s.browsers[id] = &BrowserRecord{
		BrowserID: id,
		Name: spec.Name,
		PartitionKey: spec.PartitionKey,
		UserAgent: spec.UserAgent,
		CreatedAt: time.Now(),
	}
	return id
}

// DeleteBrowser removes the record and all child pages. No-op if absent.
// Returns the pageIds removed, in the order they were removed, so callers
// emitting lifecycle events can preserve scenario S3's ordering
// guarantee.
func (s *Store) DeleteBrowser(browserID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return nil
	}
	removed := append([]string(nil), b.Pages...)
	for _, pid := range removed {
		delete(s.pages, pid)
	}
	delete(s.browsers, browserID)
	return removed
}

// InsertPage appends or inserts a page after a named page, maintaining the
// order invariant. If afterPageID is non-empty but not
// a member of the browser, it falls back to append (the caller should log).
func (s *Store) InsertPage(browserID string, init PageInit, afterPageID string) (pageID string, fellBack bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return "", false, fmt.Errorf("fleet: browser %s not found", browserID)
	}

	id := s.nextID("page")
	s.pages[id] = &PageRecord{
		PageID: id,
		BrowserID: browserID,
		Title: init.Title,
		URL: init.URL,
		Favicon: init.Favicon,
	}

	if afterPageID == "" {
		b.Pages = append(b.Pages, id)
		return id, false, nil
	}

	idx := indexOf(b.Pages, afterPageID)
	if idx < 0 {
		b.Pages = append(b.Pages, id)
		return id, true, nil
	}
	b.Pages = insertAfter(b.Pages, idx, id)
	return id, false, nil
}

// RemovePage removes a page. If it was the active page, the next active
// page is chosen: the page to its right, else the page to its
// left, else none. Returns the new active pageId (possibly empty).
func (s *Store) RemovePage(browserID, pageID string) (newActive string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return ""
	}
	idx := indexOf(b.Pages, pageID)
	if idx < 0 {
		return b.ActivePageID
	}

	wasActive := b.ActivePageID == pageID
	b.Pages = append(b.Pages[:idx], b.Pages[idx+1:]...)
	delete(s.pages, pageID)

	if !wasActive {
		return b.ActivePageID
	}

	switch {
	case idx < len(b.Pages):
		b.ActivePageID = b.Pages[idx]
	case idx-1 >= 0 && idx-1 < len(b.Pages):
		b.ActivePageID = b.Pages[idx-1]
	default:
		b.ActivePageID = ""
	}
	return b.ActivePageID
}

// SetActivePage updates the active pointer. Idempotent.
func (s *Store) SetActivePage(browserID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return fmt.Errorf("fleet: browser %s not found", browserID)
	}
	if pageID == "" {
		b.ActivePageID = ""
		return nil
	}
	if indexOf(b.Pages, pageID) < 0 {
		return fmt.Errorf("fleet: page %s not in browser %s", pageID, browserID)
	}
	b.ActivePageID = pageID
	return nil
}

// MutatePage applies a pure transform to a PageRecord copy and stores the
// result. No-op if the page is absent.
func (s *Store) MutatePage(pageID string, fn func(PageRecord) PageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok {
		return
	}
	updated := fn(*p)
	updated.PageID = p.PageID
	updated.BrowserID = p.BrowserID
	*p = updated
}

// GetBrowser returns a value copy of the browser record, or false if absent.
func (s *Store) GetBrowser(browserID string) (BrowserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.browsers[browserID]
	if !ok {
		return BrowserRecord{}, false
	}
	cp := *b
	cp.Pages = append([]string(nil), b.Pages...)
	return cp, true
}

// GetPage returns a value copy of the page record, or false if absent.
func (s *Store) GetPage(pageID string) (PageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return PageRecord{}, false
	}
	return *p, true
}

// FirstBrowserID returns the id of an arbitrary live browser, used to
// resolve the browser-path-with-no-id WebSocket alias and the
// default /json/version webSocketDebuggerUrl. Deterministic
// within a single store instance: it returns the oldest surviving browser.
func (s *Store) FirstBrowserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *BrowserRecord
	for _, b := range s.browsers {
		if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) {
			oldest = b
		}
	}
	if oldest == nil {
		return "", false
	}
	return oldest.BrowserID, true
}

// Snapshot returns a deep-immutable copy suitable for broadcasting or for
// building discovery payloads without holding the store's lock.
func (s *Store) Snapshot() FleetStateValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := FleetStateValue{
		Browsers: make(map[string]BrowserRecord, len(s.browsers)),
		Pages: make(map[string]PageRecord, len(s.pages)),
	}
	for id, b := range s.browsers {
		cp := *b
		cp.Pages = append([]string(nil), b.Pages...)
		out.Browsers[id] = cp
	}
	for id, p := range s.pages {
		out.Pages[id] = *p
	}
	return out
}

func indexOf(ids []string, target string) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}

func insertAfter(ids []string, idx int, newID string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:idx+1]...)
	out = append(out, newID)
	out = append(out, ids[idx+1:]...)
	return out
}
