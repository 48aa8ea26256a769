package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

type connScope int

const (
	scopeBrowser connScope = iota
	scopePage
)

// inboundMessage is the superset of shapes a client may send: a plain
// Target.*/Browser.* command on a BrowserScope connection, or a bare
// flattened CDP command carrying sessionId at the top level.
type inboundMessage struct {
	ID json.RawMessage `json:"id"`
	Method string `json:"method"`
	Params json.RawMessage `json:"params"`
	SessionID string `json:"sessionId"`
}

// clientConnection is one accepted WebSocket connection. BrowserScope
// connections interpret a Target.*/Browser.* sub-language; PageScope
// connections are a single implicit session forwarding everything to the
// multiplexer.
type clientConnection struct {
	gw *Gateway
	id string
	ws *websocket.Conn
	scope connScope
	host string // Host header from the upgrade request, for building ws:// URLs

	browserID string // set for BrowserScope
	pageID string // set for PageScope

	mu sync.Mutex
	discoverEnabled bool
	autoAttach bool
	autoAttachFlatten bool
	sessions map[string]string // sessionId -> targetId, owned by this connection

	writeQueue chan []byte
	closed chan struct{}
	closeOnce sync.Once
}

func newClientConnection(gw *Gateway, id string, ws *websocket.Conn, scope connScope, host string) *clientConnection {
	cc := &clientConnection{
		gw: gw,
		id: id,
		ws: ws,
		scope: scope,
		host: host,
		sessions: make(map[string]string),
		writeQueue: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go cc.writeLoop()
	return cc
}

// writeLoop is the per-connection serialized writer : frames
// are emitted in enqueue order on a single task so no two messages
// interleave on the wire.
func (cc *clientConnection) writeLoop() {
	for frame := range cc.writeQueue {
		if cc.ws.WriteMessage(websocket.TextMessage, frame) != nil {
			cc.Close()
			return
		}
	}
}

// send implements multiplexer.SendFunc for this connection.
func (cc *clientConnection) send(frame []byte) {
	select {
	case cc.writeQueue <- frame:
	case <-cc.closed:
	}
}

func (cc *clientConnection) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	cc.send(b)
}

func (cc *clientConnection) Close() {
	cc.closeOnce.Do(func() {
		close(cc.closed)
		close(cc.writeQueue)
		_ = cc.ws.Close()
	})
}

// teardown releases every session this connection owns.
func (cc *clientConnection) teardown() {
	cc.mu.Lock()
	sessions := make([]string, 0, len(cc.sessions))
	for sid := range cc.sessions {
		sessions = append(sessions, sid)
	}
	cc.mu.Unlock()
	for _, sid := range sessions {
		cc.gw.mux.DetachSession(sid)
	}
	cc.gw.removeConnection(cc)
}

// runPageScope drives a PageScope connection: it attaches the single
// implicit session (blocking until the surface is ready), then forwards
// every subsequent frame to it. Frames arriving during the attach wait are
// queued on the channel fed by the read goroutine, never dropped until
// the readiness wait completes.
func (cc *clientConnection) runPageScope() {
	defer cc.teardown()
	defer cc.Close()

	incoming := make(chan []byte, 64)
	go func() {
		defer close(incoming)
		for {
			_, data, err := cc.ws.ReadMessage()
			if err != nil {
				return
			}
			incoming <- data
		}
	}()

	ctx := context.Background()
	sessionID, err := cc.gw.mux.AttachClient(ctx, cc.pageID, cc.id, false, cc.send)
	if err != nil {
		cc.gw.log.Warn("page-scope attach failed")
		return
	}
	cc.mu.Lock()
	cc.sessions[sessionID] = cc.pageID
	cc.mu.Unlock()

	for raw := range incoming {
		if err := cc.gw.mux.RouteRequest(ctx, sessionID, raw); err != nil {
			cc.gw.log.Warn("page-scope route failed")
		}
	}
}

// runBrowserScope drives a BrowserScope connection: every frame is
// interpreted as a Target.*/Browser.* command, except frames that
// carry a top-level sessionId, which route directly as flattened page-level
// traffic.
func (cc *clientConnection) runBrowserScope() {
	defer cc.teardown()
	defer cc.Close()

	ctx := context.Background()
	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cc.gw.log.Warn("malformed browser-scope frame")
			continue
		}
		cc.handleBrowserMessage(ctx, msg, data)
	}
}

func (cc *clientConnection) handleBrowserMessage(ctx context.Context, msg inboundMessage, raw []byte) {
	if msg.SessionID != "" && !isTargetDomainMethod(msg.Method) {
		if err := cc.gw.mux.RouteRequest(ctx, msg.SessionID, raw); err != nil {
			cc.gw.log.Warn("flattened route failed")
		}
		return
	}

	switch msg.Method {
	case "Browser.getVersion":
		cc.respond(msg.ID, cc.gw.versionBlock(cc.host))
	case "Browser.setDownloadBehavior":
		cc.respond(msg.ID, struct{}{})
	case "Target.getBrowserContexts":
		cc.respond(msg.ID, map[string]any{"browserContextIds": []string{}})
	case "Target.createBrowserContext":
		cc.respond(msg.ID, map[string]string{"browserContextId": cc.browserID})
	case "Target.disposeBrowserContext":
		cc.respond(msg.ID, struct{}{})
	case "Target.setDiscoverTargets":
		cc.handleSetDiscoverTargets(msg)
	case "Target.createTarget":
		cc.handleCreateTarget(ctx, msg)
	case "Target.closeTarget":
		cc.handleCloseTarget(ctx, msg)
	case "Target.getTargets":
		cc.handleGetTargets(msg)
	case "Target.getTargetInfo":
		cc.handleGetTargetInfo(msg)
	case "Target.attachToTarget":
		cc.handleAttachToTarget(ctx, msg)
	case "Target.detachFromTarget":
		cc.handleDetachFromTarget(msg)
	case "Target.sendMessageToTarget":
		cc.handleSendMessageToTarget(ctx, msg)
	case "Target.setAutoAttach":
		cc.handleSetAutoAttach(ctx, msg)
	default:
		cc.respondError(msg.ID, -32601, fmt.Sprintf("'%s' wasn't found", msg.Method))
	}
}

// isTargetDomainMethod distinguishes an explicit Target.*/Browser.* command
// that happens to also carry a sessionId (none currently do) from the bare
// flattened page command shape; kept as a single predicate so adding a
// domain method later can't silently break flattened routing.
func isTargetDomainMethod(method string) bool {
	return false
}

func (cc *clientConnection) respond(id json.RawMessage, result any) {
	cc.sendJSON(struct {
		ID json.RawMessage `json:"id"`
		Result any `json:"result"`
	}{ID: id, Result: result})
}

func (cc *clientConnection) respondError(id json.RawMessage, code int, message string) {
	cc.sendJSON(struct {
		ID json.RawMessage `json:"id"`
		Error struct {
			Code int `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{
		ID: id,
		Error: struct {
			Code int `json:"code"`
			Message string `json:"message"`
		}{Code: code, Message: message},
	})
}

func (cc *clientConnection) handleSetDiscoverTargets(msg inboundMessage) {
	var params struct {
		Discover bool `json:"discover"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	cc.mu.Lock()
	turningOn := params.Discover && !cc.discoverEnabled
	cc.discoverEnabled = params.Discover
	cc.mu.Unlock()

	cc.respond(msg.ID, struct{}{})

	if turningOn {
		b, ok := cc.gw.store.GetBrowser(cc.browserID)
		if !ok {
			return
		}
		for _, pid := range b.Pages {
			if p, ok := cc.gw.store.GetPage(pid); ok {
				cc.sendJSON(targetCreatedEvent(cc.gw.pageTargetInfo(cc.host, p)))
			}
		}
	}
}

func (cc *clientConnection) handleCreateTarget(ctx context.Context, msg inboundMessage) {
	var params struct {
		URL string `json:"url"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	rec, err := cc.gw.sup.CreatePage(ctx, cc.gw.createPageOptsFor(cc.browserID, params.URL))
	if err != nil {
		cc.respondError(msg.ID, -32000, err.Error())
		return
	}
	cc.respond(msg.ID, map[string]string{"targetId": rec.PageID})
}

func (cc *clientConnection) handleCloseTarget(ctx context.Context, msg inboundMessage) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	if err := cc.gw.sup.ClosePage(ctx, cc.browserID, params.TargetID); err != nil {
		cc.respondError(msg.ID, -32000, err.Error())
		return
	}
	cc.respond(msg.ID, map[string]bool{"success": true})
}

func (cc *clientConnection) handleGetTargets(msg inboundMessage) {
	snap := cc.gw.store.Snapshot()
	req := cc.host
	infos := make([]targetInfo, 0, len(snap.Pages)+len(snap.Browsers))
	for _, b := range snap.Browsers {
		infos = append(infos, cc.gw.browserTargetInfo(req, b))
	}
	for _, p := range snap.Pages {
		infos = append(infos, cc.gw.pageTargetInfo(req, p))
	}
	cc.respond(msg.ID, map[string]any{"targetInfos": infos})
}

func (cc *clientConnection) handleGetTargetInfo(msg inboundMessage) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	req := cc.host

	if params.TargetID == "" {
		if b, ok := cc.gw.store.GetBrowser(cc.browserID); ok {
			cc.respond(msg.ID, map[string]any{"targetInfo": cc.gw.browserTargetInfo(req, b)})
			return
		}
		cc.respondError(msg.ID, -32000, "Target not found: "+cc.browserID)
		return
	}
	if p, ok := cc.gw.store.GetPage(params.TargetID); ok {
		cc.respond(msg.ID, map[string]any{"targetInfo": cc.gw.pageTargetInfo(req, p)})
		return
	}
	cc.respondError(msg.ID, -32000, "Target not found: "+params.TargetID)
}

// handleAttachToTarget enforces the ordering guarantee in : the
// {sessionId} response is written before the attachedToTarget event, and
// both precede any traffic from that session, because cc.send's queue is
// FIFO and both writes happen on this goroutine before RouteRequest can run
// for the new session.
func (cc *clientConnection) handleAttachToTarget(ctx context.Context, msg inboundMessage) {
	var params struct {
		TargetID string `json:"targetId"`
		Flatten bool `json:"flatten"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	sessionID, err := cc.gw.mux.AttachClient(ctx, params.TargetID, cc.id, params.Flatten, cc.send)
	if err != nil {
		cc.respondError(msg.ID, -32000, err.Error())
		return
	}

	cc.mu.Lock()
	cc.sessions[sessionID] = params.TargetID
	cc.mu.Unlock()

	cc.respond(msg.ID, map[string]string{"sessionId": sessionID})

	req := cc.host
	var info any
	if p, ok := cc.gw.store.GetPage(params.TargetID); ok {
		info = cc.gw.pageTargetInfo(req, p)
	}
	cc.sendJSON(map[string]any{
		"method": "Target.attachedToTarget",
		"params": map[string]any{
			"sessionId": sessionID,
			"targetInfo": info,
			"waitingForDebugger": false,
		},
	})
}

func (cc *clientConnection) handleDetachFromTarget(msg inboundMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	cc.gw.mux.DetachSession(params.SessionID)
	cc.mu.Lock()
	delete(cc.sessions, params.SessionID)
	discover := cc.discoverEnabled
	cc.mu.Unlock()

	cc.respond(msg.ID, struct{}{})
	if discover {
		cc.sendJSON(map[string]any{
			"method": "Target.detachedFromTarget",
			"params": map[string]string{"sessionId": params.SessionID},
		})
	}
}

func (cc *clientConnection) handleSendMessageToTarget(ctx context.Context, msg inboundMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	cc.respond(msg.ID, struct{}{})
	if err := cc.gw.mux.RouteRequest(ctx, params.SessionID, json.RawMessage(params.Message)); err != nil {
		cc.gw.log.Warn("sendMessageToTarget route failed")
	}
}

func (cc *clientConnection) handleSetAutoAttach(ctx context.Context, msg inboundMessage) {
	var params struct {
		AutoAttach bool `json:"autoAttach"`
		WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
		Flatten bool `json:"flatten"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	cc.mu.Lock()
	turningOn := params.AutoAttach && !cc.autoAttach
	cc.autoAttach = params.AutoAttach
	cc.autoAttachFlatten = params.Flatten
	cc.mu.Unlock()

	cc.respond(msg.ID, struct{}{})

	if !turningOn {
		return
	}
	b, ok := cc.gw.store.GetBrowser(cc.browserID)
	if !ok {
		return
	}
	for _, pid := range b.Pages {
		if cc.attachedToTarget(pid) {
			continue
		}
		cc.autoAttachPage(ctx, pid)
	}
}

// attachedToTarget reports whether this connection already owns a session
// on targetID. cc.sessions is keyed by sessionId, so this scans values
// rather than treating targetID as a key.
func (cc *clientConnection) attachedToTarget(targetID string) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for _, tid := range cc.sessions {
		if tid == targetID {
			return true
		}
	}
	return false
}

func (cc *clientConnection) autoAttachPage(ctx context.Context, pageID string) {
	cc.mu.Lock()
	flatten := cc.autoAttachFlatten
	cc.mu.Unlock()

	sessionID, err := cc.gw.mux.AttachClient(ctx, pageID, cc.id, flatten, cc.send)
	if err != nil {
		cc.gw.log.Warn("auto-attach failed")
		return
	}
	cc.mu.Lock()
	cc.sessions[sessionID] = pageID
	cc.mu.Unlock()

	req := cc.host
	var info any
	if p, ok := cc.gw.store.GetPage(pageID); ok {
		info = cc.gw.pageTargetInfo(req, p)
	}
	cc.sendJSON(map[string]any{
		"method": "Target.attachedToTarget",
		"params": map[string]any{
			"sessionId": sessionID,
			"targetInfo": info,
			"waitingForDebugger": false,
		},
	})
}

func targetCreatedEvent(info targetInfo) map[string]any {
	return map[string]any{
		"method": "Target.targetCreated",
		"params": map[string]any{"targetInfo": info},
	}
}

func targetDestroyedEvent(targetID string) map[string]any {
	return map[string]any{
		"method": "Target.targetDestroyed",
		"params": map[string]string{"targetId": targetID},
	}
}

