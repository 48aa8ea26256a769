package fleet

import "testing"

func TestInsertPageOrderAndActiveFallback(t *testing.T) {
	// Mirrors the close-active-page fallback scenario:
	s := New()
	b := s.CreateBrowser(BrowserSpec{Name: "b1"})

	p1, _, err := s.InsertPage(b, PageInit{URL: "about:blank"}, "")
	if err != nil {
		t.Fatalf("insert p1: %v", err)
	}
	p2, _, err := s.InsertPage(b, PageInit{URL: "about:blank"}, "")
	if err != nil {
		t.Fatalf("insert p2: %v", err)
	}
	p3, _, err := s.InsertPage(b, PageInit{URL: "about:blank"}, "")
	if err != nil {
		t.Fatalf("insert p3: %v", err)
	}

	rec, _ := s.GetBrowser(b)
	if got := rec.Pages; len(got) != 3 || got[0] != p1 || got[1] != p2 || got[2] != p3 {
		t.Fatalf("unexpected page order: %v", got)
	}

	// [P1,P2,P3], active=P2, close P2 -> active becomes P3 (right neighbor).
	if err := s.SetActivePage(b, p2); err != nil {
		t.Fatal(err)
	}
	newActive := s.RemovePage(b, p2)
	if newActive != p3 {
		t.Fatalf("want active=%s, got %s", p3, newActive)
	}

	// [P1,P3], active=P3, close P3 -> active becomes P1 (left neighbor, no right).
	if err := s.SetActivePage(b, p3); err != nil {
		t.Fatal(err)
	}
	newActive = s.RemovePage(b, p3)
	if newActive != p1 {
		t.Fatalf("want active=%s, got %s", p1, newActive)
	}

	// [P1], active=P1, close P1 -> active becomes "".
	if err := s.SetActivePage(b, p1); err != nil {
		t.Fatal(err)
	}
	newActive = s.RemovePage(b, p1)
	if newActive != "" {
		t.Fatalf("want active empty, got %s", newActive)
	}
}

func TestInsertPageAfterFallsBackToAppend(t *testing.T) {
	s := New()
	b := s.CreateBrowser(BrowserSpec{Name: "b1"})
	p1, _, _ := s.InsertPage(b, PageInit{}, "")
	p2, fellBack, err := s.InsertPage(b, PageInit{}, "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if !fellBack {
		t.Fatal("expected fallback to append when afterPageId is absent")
	}
	rec, _ := s.GetBrowser(b)
	if len(rec.Pages) != 2 || rec.Pages[0] != p1 || rec.Pages[1] != p2 {
		t.Fatalf("unexpected order: %v", rec.Pages)
	}
}

func TestInsertPageAfterInsertsInOrder(t *testing.T) {
	s := New()
	b := s.CreateBrowser(BrowserSpec{Name: "b1"})
	p1, _, _ := s.InsertPage(b, PageInit{}, "")
	p3, _, _ := s.InsertPage(b, PageInit{}, "")
	p2, _, err := s.InsertPage(b, PageInit{}, p1)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := s.GetBrowser(b)
	want := []string{p1, p2, p3}
	for i, id := range want {
		if rec.Pages[i] != id {
			t.Fatalf("position %d: want %s, got %s (full: %v)", i, id, rec.Pages[i], rec.Pages)
		}
	}
}

func TestDeleteBrowserCascadesPages(t *testing.T) {
	s := New()
	b := s.CreateBrowser(BrowserSpec{Name: "b1"})
	p1, _, _ := s.InsertPage(b, PageInit{}, "")
	p2, _, _ := s.InsertPage(b, PageInit{}, "")

	removed := s.DeleteBrowser(b)
	if len(removed) != 2 || removed[0] != p1 || removed[1] != p2 {
		t.Fatalf("unexpected removed order: %v", removed)
	}
	if _, ok := s.GetBrowser(b); ok {
		t.Fatal("browser should be gone")
	}
	if _, ok := s.GetPage(p1); ok {
		t.Fatal("page should be gone")
	}
}

func TestInvariantsHoldAcrossOperations(t *testing.T) {
	s := New()
	b := s.CreateBrowser(BrowserSpec{Name: "b1"})
	p1, _, _ := s.InsertPage(b, PageInit{}, "")
	_ = s.SetActivePage(b, p1)

	snap := s.Snapshot()
	br := snap.Browsers[b]
	for _, pid := range br.Pages {
		if _, ok := snap.Pages[pid]; !ok {
			t.Fatalf("invariant 1 violated: page %s listed but no record", pid)
		}
	}
	if br.ActivePageID != "" {
		if indexOf(br.Pages, br.ActivePageID) < 0 {
			t.Fatal("invariant 2 violated: active page not a member of pages")
		}
	}
}
