package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cdpgateway/internal/config"
	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/fleet"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/metrics"
	"cdpgateway/internal/multiplexer"
	"cdpgateway/internal/supervisor"
	"cdpgateway/internal/surfacetest"
)

type testStack struct {
	srv   *httptest.Server
	store *fleet.Store
	sup   *supervisor.Supervisor
	gw    *Gateway
	fake  *surfacetest.Provider
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	store := fleet.New()
	bus := eventbus.New()
	fake := surfacetest.New()
	log := logger.NewDefault()
	met, _ := metrics.New()
	sup := supervisor.New(store, fake, bus, log, "about:blank")
	readiness := config.ReadinessConfig{InitialSettle: time.Millisecond, LoadWaitMax: 5 * time.Millisecond, FinalSettle: time.Millisecond}
	mux := multiplexer.New(sup, fake, readiness, met, log, bus)
	cfg := config.Default()
	cfg.EnableTestEndpoints = true
	gw := New(store, sup, mux, bus, cfg, met, log)
	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)
	return &testStack{srv: srv, store: store, sup: sup, gw: gw, fake: fake}
}

func (ts *testStack) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, deadline time.Duration) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(deadline))
	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

// TestRejectedUpgradePath covers scenario S6: an upgrade to an unrecognized
// path must not be accepted.
func TestRejectedUpgradePath(t *testing.T) {
	ts := newTestStack(t)
	url := ts.wsURL("/other")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to an unrecognized path to fail")
	}
	if resp != nil && resp.StatusCode == 101 {
		t.Fatal("upgrade must not be accepted on an unrecognized path")
	}
}

// TestTwoClientsSeeOneCreation covers scenario S1.
func TestTwoClientsSeeOneCreation(t *testing.T) {
	ts := newTestStack(t)
	rec, err := ts.sup.CreateBrowser(context.Background(), supervisor.CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}

	path := "/devtools/browser/" + rec.BrowserID
	connA := dial(t, ts.wsURL(path))
	connB := dial(t, ts.wsURL(path))

	sendJSON(t, connA, map[string]any{"id": 1, "method": "Target.setDiscoverTargets", "params": map[string]bool{"discover": true}})
	respA := readJSON(t, connA, time.Second)
	if respA["id"].(float64) != 1 {
		t.Fatalf("unexpected response to A: %v", respA)
	}
	// A also observes a targetCreated replay for the browser's existing
	// initial page (CreateBrowser always seeds one "new tab" page).
	replayA := readJSON(t, connA, time.Second)
	if replayA["method"] != "Target.targetCreated" {
		t.Fatalf("expected replay targetCreated for A, got %v", replayA)
	}

	sendJSON(t, connB, map[string]any{"id": 1, "method": "Target.setDiscoverTargets", "params": map[string]bool{"discover": true}})
	respB := readJSON(t, connB, time.Second)
	if respB["id"].(float64) != 1 {
		t.Fatalf("unexpected response to B: %v", respB)
	}
	// B observes the same replay.
	replayB := readJSON(t, connB, time.Second)
	if replayB["method"] != "Target.targetCreated" {
		t.Fatalf("expected replay targetCreated for B, got %v", replayB)
	}

	sendJSON(t, connA, map[string]any{"id": 2, "method": "Target.createTarget", "params": map[string]string{"url": "about:blank"}})
	// The broadcast bridge runs synchronously inside CreatePage, so A's
	// targetCreated is queued before the createTarget response.
	evA := readJSON(t, connA, time.Second)
	createResp := readJSON(t, connA, time.Second)
	result, _ := createResp["result"].(map[string]any)
	newTargetID, _ := result["targetId"].(string)
	if newTargetID == "" {
		t.Fatalf("expected targetId in create response, got %v", createResp)
	}

	evB := readJSON(t, connB, time.Second)
	for _, ev := range []map[string]any{evA, evB} {
		if ev["method"] != "Target.targetCreated" {
			t.Fatalf("expected targetCreated, got %v", ev)
		}
		params, _ := ev["params"].(map[string]any)
		info, _ := params["targetInfo"].(map[string]any)
		if info["id"] != newTargetID {
			t.Fatalf("targetCreated id mismatch: got %v want %s", info["id"], newTargetID)
		}
	}
}

// TestFlattenAttachAndPageCommand covers scenario S2.
func TestFlattenAttachAndPageCommand(t *testing.T) {
	ts := newTestStack(t)
	rec, err := ts.sup.CreateBrowser(context.Background(), supervisor.CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	pageID := rec.Pages[0]

	conn := dial(t, ts.wsURL("/devtools/browser/"+rec.BrowserID))
	sendJSON(t, conn, map[string]any{
		"id": 10, "method": "Target.attachToTarget",
		"params": map[string]any{"targetId": pageID, "flatten": true},
	})

	attachResp := readJSON(t, conn, time.Second)
	result, _ := attachResp["result"].(map[string]any)
	sessionID, _ := result["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("expected sessionId in attach response, got %v", attachResp)
	}
	if !strings.HasPrefix(sessionID, pageID+"-session-") {
		t.Fatalf("sessionId should be derived from pageId, got %s", sessionID)
	}

	attached := readJSON(t, conn, time.Second)
	if attached["method"] != "Target.attachedToTarget" {
		t.Fatalf("expected attachedToTarget, got %v", attached)
	}
	attachedParams, _ := attached["params"].(map[string]any)
	if attachedParams["sessionId"] != sessionID {
		t.Fatalf("attachedToTarget sessionId mismatch: got %v want %s", attachedParams["sessionId"], sessionID)
	}

	sendJSON(t, conn, map[string]any{"id": 11, "sessionId": sessionID, "method": "Page.enable", "params": map[string]any{}})
	wrapped := readJSON(t, conn, time.Second)
	if wrapped["method"] != "Target.receivedMessageFromTarget" {
		t.Fatalf("expected receivedMessageFromTarget, got %v", wrapped)
	}
	wp, _ := wrapped["params"].(map[string]any)
	if wp["sessionId"] != sessionID || wp["targetId"] != pageID {
		t.Fatalf("unexpected wrapper params: %v", wp)
	}
	var inner map[string]any
	if err := json.Unmarshal([]byte(wp["message"].(string)), &inner); err != nil {
		t.Fatal(err)
	}
	if inner["id"].(float64) != 11 {
		t.Fatalf("inner response id mismatch: %v", inner)
	}
}

// TestPageScopeConnection exercises the direct (non-flattened) per-page
// endpoint, where every message is verbatim.
func TestPageScopeConnection(t *testing.T) {
	ts := newTestStack(t)
	rec, err := ts.sup.CreateBrowser(context.Background(), supervisor.CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	pageID := rec.Pages[0]

	conn := dial(t, ts.wsURL("/devtools/page/"+pageID))
	sendJSON(t, conn, map[string]any{"id": 1, "method": "Page.enable", "params": map[string]any{}})
	resp := readJSON(t, conn, time.Second)
	if resp["method"] != nil {
		t.Fatalf("direct session frames should be verbatim, got wrapper: %v", resp)
	}
	if resp["id"].(float64) != 1 {
		t.Fatalf("unexpected response id: %v", resp)
	}
}

// TestDestroyCascadesInOrder covers scenario S3: deleting a browser emits
// targetDestroyed for each of its pages in removal order.
func TestDestroyCascadesInOrder(t *testing.T) {
	ts := newTestStack(t)
	rec, err := ts.sup.CreateBrowser(context.Background(), supervisor.CreateBrowserOpts{Name: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ts.sup.CreatePage(context.Background(), supervisor.CreatePageOpts{BrowserID: rec.BrowserID, URL: "about:blank"})
	if err != nil {
		t.Fatal(err)
	}
	p3, err := ts.sup.CreatePage(context.Background(), supervisor.CreatePageOpts{BrowserID: rec.BrowserID, URL: "about:blank"})
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := append(append([]string{}, rec.Pages[0]), p2.PageID, p3.PageID)

	conn := dial(t, ts.wsURL("/devtools/browser/"+rec.BrowserID))
	sendJSON(t, conn, map[string]any{"id": 1, "method": "Target.setDiscoverTargets", "params": map[string]bool{"discover": true}})
	readJSON(t, conn, time.Second) // ack
	for range wantOrder {
		readJSON(t, conn, time.Second) // replay of existing targetCreated
	}

	if err := ts.sup.DestroyBrowser(context.Background(), rec.BrowserID); err != nil {
		t.Fatal(err)
	}

	for _, want := range wantOrder {
		ev := readJSON(t, conn, time.Second)
		if ev["method"] != "Target.targetDestroyed" {
			t.Fatalf("expected targetDestroyed, got %v", ev)
		}
		params, _ := ev["params"].(map[string]any)
		if params["targetId"] != want {
			t.Fatalf("destroy order mismatch: got %v want %s", params["targetId"], want)
		}
	}
}
