package supervisor

import (
	"context"
	"testing"

	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/fleet"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/surfacetest"
)

func newTestSupervisor() (*Supervisor, *fleet.Store, *eventbus.Bus) {
	store := fleet.New()
	bus := eventbus.New()
	sup := New(store, surfacetest.New(), bus, logger.NewDefault(), "about:blank")
	return sup, store, bus
}

func TestCreateBrowserCreatesInitialPage(t *testing.T) {
	sup, store, bus := newTestSupervisor()
	var created []eventbus.Event
	bus.Subscribe(func(ev eventbus.Event) { created = append(created, ev) })

	rec, err := sup.CreateBrowser(context.Background(), CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Pages) != 1 {
		t.Fatalf("want 1 initial page, got %d", len(rec.Pages))
	}
	if rec.ActivePageID != rec.Pages[0] {
		t.Fatalf("initial page should be active")
	}

	var kinds []eventbus.Kind
	for _, ev := range created {
		kinds = append(kinds, ev.Kind)
	}
	if kinds[0] != eventbus.BrowserCreated {
		t.Fatalf("expected BrowserCreated first, got %v", kinds)
	}
	foundPageCreated := false
	for _, k := range kinds {
		if k == eventbus.PageCreated {
			foundPageCreated = true
		}
	}
	if !foundPageCreated {
		t.Fatalf("expected a PageCreated event, got %v", kinds)
	}

	_ = store
}

func TestDestroyBrowserCascadesInOrder(t *testing.T) {
	sup, store, bus := newTestSupervisor()
	rec, err := sup.CreateBrowser(context.Background(), CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := sup.CreatePage(context.Background(), CreatePageOpts{BrowserID: rec.BrowserID})
	if err != nil {
		t.Fatal(err)
	}
	p3, err := sup.CreatePage(context.Background(), CreatePageOpts{BrowserID: rec.BrowserID})
	if err != nil {
		t.Fatal(err)
	}

	before, _ := store.GetBrowser(rec.BrowserID)
	wantOrder := before.Pages

	var destroyedOrder []string
	bus.Subscribe(func(ev eventbus.Event) {
		if ev.Kind == eventbus.PageDestroyed {
			destroyedOrder = append(destroyedOrder, ev.PageID)
		}
	})

	if err := sup.DestroyBrowser(context.Background(), rec.BrowserID); err != nil {
		t.Fatal(err)
	}

	if len(destroyedOrder) != len(wantOrder) {
		t.Fatalf("want %d destroyed events, got %d", len(wantOrder), len(destroyedOrder))
	}
	for i, id := range wantOrder {
		if destroyedOrder[i] != id {
			t.Fatalf("destroy order mismatch at %d: want %s got %s", i, id, destroyedOrder[i])
		}
	}

	if _, ok := store.GetBrowser(rec.BrowserID); ok {
		t.Fatal("browser record should be gone")
	}
	_ = p2
	_ = p3
}

func TestCreateBrowserRollsBackOnSurfaceFailure(t *testing.T) {
	store := fleet.New()
	bus := eventbus.New()
	fake := surfacetest.New()
	fake.FailNewBrowserPartition = true
	sup := New(store, fake, bus, logger.NewDefault(), "about:blank")

	_, err := sup.CreateBrowser(context.Background(), CreateBrowserOpts{Name: "b1"})
	if err == nil {
		t.Fatal("expected error from forced partition failure")
	}

	snap := store.Snapshot()
	if len(snap.Browsers) != 0 {
		t.Fatalf("expected rollback, but %d browsers remain", len(snap.Browsers))
	}
}

func TestWindowOpenHandlerInsertsAfterParentAndActivates(t *testing.T) {
	sup, store, _ := newTestSupervisor()
	rec, err := sup.CreateBrowser(context.Background(), CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	parent := rec.Pages[0]

	popup, err := sup.WindowOpenHandler(context.Background(), parent, "https://example.com")
	if err != nil {
		t.Fatal(err)
	}

	updated, _ := store.GetBrowser(rec.BrowserID)
	idx := -1
	for i, id := range updated.Pages {
		if id == parent {
			idx = i
		}
	}
	if idx < 0 || idx+1 >= len(updated.Pages) || updated.Pages[idx+1] != popup.PageID {
		t.Fatalf("popup should be inserted immediately after parent: %v", updated.Pages)
	}
	if updated.ActivePageID != popup.PageID {
		t.Fatal("popup should be activated")
	}
}
