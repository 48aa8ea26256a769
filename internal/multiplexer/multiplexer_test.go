package multiplexer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cdpgateway/internal/config"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/metrics"
	"cdpgateway/internal/surface"
	"cdpgateway/internal/surfacetest"
)

type fakeResolver struct {
	handles map[string]surface.PageHandle
}

func (r *fakeResolver) PageHandle(pageID string) (surface.PageHandle, bool) {
	h, ok := r.handles[pageID]
	return h, ok
}

func newTestMux(t *testing.T, fake *surfacetest.Provider) (*Multiplexer, *fakeResolver, surface.PageHandle) {
	t.Helper()
	handle, err := fake.NewPage(context.Background(), "partition", surface.PageOpts{URL: "about:blank"})
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{handles: map[string]surface.PageHandle{"page-1": handle}}
	cfg := config.ReadinessConfig{InitialSettle: time.Millisecond, LoadWaitMax: 5 * time.Millisecond, FinalSettle: time.Millisecond}
	met, _ := metrics.New()
	mux := New(resolver, fake, cfg, met, logger.NewDefault(), nil)
	return mux, resolver, handle
}

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) send(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func TestAttachClientAllocatesDistinctSessionIDs(t *testing.T) {
	fake := surfacetest.New()
	mux, _, _ := newTestMux(t, fake)

	rec1 := &recorder{}
	s1, err := mux.AttachClient(context.Background(), "page-1", "conn-1", true, rec1.send)
	if err != nil {
		t.Fatal(err)
	}
	rec2 := &recorder{}
	s2, err := mux.AttachClient(context.Background(), "page-1", "conn-2", true, rec2.send)
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Fatalf("expected distinct session ids, got %s twice", s1)
	}
}

func TestRouteRequestDeliversResponseToOwnerOnly(t *testing.T) {
	fake := surfacetest.New()
	fake.CommandResult = json.RawMessage(`{"ok":true}`)
	mux, _, _ := newTestMux(t, fake)

	recA := &recorder{}
	sidA, err := mux.AttachClient(context.Background(), "page-1", "conn-a", false, recA.send)
	if err != nil {
		t.Fatal(err)
	}
	recB := &recorder{}
	_, err = mux.AttachClient(context.Background(), "page-1", "conn-b", false, recB.send)
	if err != nil {
		t.Fatal(err)
	}

	req := json.RawMessage(`{"id":7,"method":"Page.enable","params":{}}`)
	if err := mux.RouteRequest(context.Background(), sidA, req); err != nil {
		t.Fatal(err)
	}

	if recA.count() != 1 {
		t.Fatalf("owner should receive exactly 1 response, got %d", recA.count())
	}
	if recB.count() != 0 {
		t.Fatalf("non-owner should receive 0 responses, got %d", recB.count())
	}

	var resp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(recA.last(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 {
		t.Fatalf("response id mismatch: got %d", resp.ID)
	}
}

func TestRouteRequestFlattenedWrapsResponse(t *testing.T) {
	fake := surfacetest.New()
	mux, _, _ := newTestMux(t, fake)

	rec := &recorder{}
	sid, err := mux.AttachClient(context.Background(), "page-1", "conn-a", true, rec.send)
	if err != nil {
		t.Fatal(err)
	}

	req := json.RawMessage(`{"id":1,"method":"Page.enable","params":{}}`)
	if err := mux.RouteRequest(context.Background(), sid, req); err != nil {
		t.Fatal(err)
	}

	var wrapper struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
			Message   string `json:"message"`
		} `json:"params"`
	}
	if err := json.Unmarshal(rec.last(), &wrapper); err != nil {
		t.Fatal(err)
	}
	if wrapper.Method != "Target.receivedMessageFromTarget" {
		t.Fatalf("expected flattened wrapper, got method %s", wrapper.Method)
	}
	if wrapper.Params.SessionID != sid {
		t.Fatalf("wrapper sessionId mismatch: got %s want %s", wrapper.Params.SessionID, sid)
	}
}

func TestDebuggerEventBroadcastsToAllSessionsOnPage(t *testing.T) {
	fake := surfacetest.New()
	mux, _, _ := newTestMux(t, fake)

	rec1 := &recorder{}
	_, err := mux.AttachClient(context.Background(), "page-1", "conn-1", false, rec1.send)
	if err != nil {
		t.Fatal(err)
	}
	rec2 := &recorder{}
	_, err = mux.AttachClient(context.Background(), "page-1", "conn-2", false, rec2.send)
	if err != nil {
		t.Fatal(err)
	}

	fake.EmitDebuggerEvent("page-1", surface.DebuggerEvent{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)})

	deadline := time.After(time.Second)
	for rec1.count() == 0 || rec2.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for broadcast: rec1=%d rec2=%d", rec1.count(), rec2.count())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDetachSessionReleasesBindingWhenLastSession(t *testing.T) {
	fake := surfacetest.New()
	mux, _, _ := newTestMux(t, fake)

	rec := &recorder{}
	sid, err := mux.AttachClient(context.Background(), "page-1", "conn-1", false, rec.send)
	if err != nil {
		t.Fatal(err)
	}
	mux.DetachSession(sid)

	if _, err := mux.SessionOwner(sid); err == nil {
		t.Fatal("expected session to be gone after detach")
	}
	if mux.PageAttached("page-1") {
		t.Fatal("expected binding to be released after the last session detached")
	}

	// Re-attaching should succeed, meaning the debugger binding was released
	// (a second concurrent AttachDebugger on the fake would otherwise fail).
	rec2 := &recorder{}
	if _, err := mux.AttachClient(context.Background(), "page-1", "conn-2", false, rec2.send); err != nil {
		t.Fatalf("re-attach after release should succeed: %v", err)
	}
}
