// Package multiplexer implements the SessionMultiplexer: the mapping from a
// pageId to a single underlying debugger binding, and from that binding to
// zero or more client sessions. Each session belongs to one client
// connection; the multiplexer demultiplexes responses to the client that
// sent each request and fans debugger events out to every attached session.
package multiplexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cdpgateway/internal/config"
	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/gatewayerr"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/metrics"
	"cdpgateway/internal/session"
	"cdpgateway/internal/surface"
)

// PageHandleResolver resolves a pageId to its live Surface page handle. It
// is satisfied by *supervisor.Supervisor; the multiplexer depends on this
// narrow interface instead of the concrete type to avoid coupling C3 to
// C2's full API.
type PageHandleResolver interface {
	PageHandle(pageID string) (surface.PageHandle, bool)
}

// SendFunc delivers a framed wire message to one client connection.
type SendFunc func(frame []byte)

// pendingRequest tracks one in-flight command, per the Session entity's
// pendingRequests map. The Surface boundary here is a synchronous
// call/return, so correlation of a given response to its request is already
// handled by the Go call stack; this table exists to preserve the
// observable sessionId -> ownerConnectionId invariant and to give the
// gateway something to inspect mid-flight.
type pendingRequest struct {
	originalID json.RawMessage
	owner string
}

type binding struct {
	pageID string
	dbg surface.DebuggerBinding
	ready bool
	cancel context.CancelFunc
	mu sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	id string
	pageID string
	owner string
	flatten bool
	send SendFunc
	pendingMu sync.Mutex
	pending map[string]pendingRequest
}

// Multiplexer is the SessionMultiplexer.
type Multiplexer struct {
	resolver PageHandleResolver
	surf surface.Provider
	metrics *metrics.Collector
	log *logger.Logger

	readinessMu sync.RWMutex
	readiness config.ReadinessConfig

	mu sync.Mutex
	bindings map[string]*binding
	sessions map[string]*sessionState
	seq uint64
}

// New creates a Multiplexer. If bus is non-nil, the Multiplexer subscribes
// to it so a page destruction (however it was initiated) always tears down
// that page's sessions and releases its SurfaceBinding, without C2
// needing a back-reference into C3.
func New(resolver PageHandleResolver, surf surface.Provider, readiness config.ReadinessConfig, m *metrics.Collector, log *logger.Logger, bus *eventbus.Bus) *Multiplexer {
	if log == nil {
		log = logger.NewDefault()
	}
	mux := &Multiplexer{
		resolver: resolver,
		surf: surf,
		readiness: readiness,
		metrics: m,
		log: log,
		bindings: make(map[string]*binding),
		sessions: make(map[string]*sessionState),
	}
	if bus != nil {
		bus.Subscribe(func(ev eventbus.Event) {
			if ev.Kind == eventbus.PageDestroyed {
				mux.DetachPage(ev.PageID)
			}
		})
	}
	return mux
}

func (m *Multiplexer) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// SetReadiness replaces the attach-readiness timing, applied to every
// binding attached after the call (an in-flight wait keeps its original
// bounds). Wired to config.Reloader so readiness timing is one of the
// fields safe to hot-reload without a restart.
func (m *Multiplexer) SetReadiness(r config.ReadinessConfig) {
	m.readinessMu.Lock()
	m.readiness = r
	m.readinessMu.Unlock()
}

func (m *Multiplexer) getReadiness() config.ReadinessConfig {
	m.readinessMu.RLock()
	defer m.readinessMu.RUnlock()
	return m.readiness
}

// AttachClient lazily ensures a SurfaceBinding exists for pageID (acquiring
// the debugger attachment on first use), allocates a fresh sessionId, and
// registers the session. If this is the first session on the page, it waits
// for the surface to report ready for debugger attachment 
// before returning.
func (m *Multiplexer) AttachClient(ctx context.Context, pageID, connectionID string, flatten bool, send SendFunc) (string, error) {
	b, isNew, err := m.bindingFor(ctx, pageID)
	if err != nil {
		return "", err
	}

	if isNew {
		start := time.Now()
		handle, _ := m.resolver.PageHandle(pageID)
		readiness := m.getReadiness()
		surface.AwaitReady(ctx, m.surf, handle, readiness.InitialSettle, readiness.LoadWaitMax, readiness.FinalSettle)
		b.mu.Lock()
		b.ready = true
		b.mu.Unlock()
		if m.metrics != nil {
			m.metrics.AttachLatency.Observe(time.Since(start).Seconds())
		}
		go m.pumpEvents(b)
	} else {
		m.waitUntilReady(ctx, b)
	}

	sid := session.ID{PageID: pageID, Seq: m.allocSeq()}.String()
	st := &sessionState{
		id: sid,
		pageID: pageID,
		owner: connectionID,
		flatten: flatten,
		send: send,
		pending: make(map[string]pendingRequest),
	}

	b.mu.Lock()
	b.sessions[sid] = st
	b.mu.Unlock()

	m.mu.Lock()
	m.sessions[sid] = st
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.log.Info("session attached")
	return sid, nil
}

func (m *Multiplexer) allocSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq()
}

func (m *Multiplexer) waitUntilReady(ctx context.Context, b *binding) {
	for {
		b.mu.Lock()
		ready := b.ready
		b.mu.Unlock()
		if ready {
			return
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// bindingFor returns the binding for pageID, creating (and attaching the
// debugger for) it if absent.
func (m *Multiplexer) bindingFor(ctx context.Context, pageID string) (*binding, bool, error) {
	m.mu.Lock()
	if b, ok := m.bindings[pageID]; ok {
		m.mu.Unlock()
		return b, false, nil
	}
	m.mu.Unlock()

	handle, ok := m.resolver.PageHandle(pageID)
	if !ok {
		return nil, false, gatewayerr.TargetNotFoundf(pageID)
	}
	dbg, err := m.surf.AttachDebugger(ctx, handle)
	if err != nil {
		return nil, false, gatewayerr.Wrap(gatewayerr.SurfaceUnavailable, "attach debugger failed", err)
	}

	bindCtx, cancel := context.WithCancel(context.Background())
	b := &binding{
		pageID: pageID,
		dbg: dbg,
		cancel: cancel,
		sessions: make(map[string]*sessionState),
	}
	_ = bindCtx

	m.mu.Lock()
	// Re-check under lock in case of a concurrent first-attach race.
	if existing, ok := m.bindings[pageID]; ok {
		m.mu.Unlock()
		_ = m.surf.DetachDebugger(dbg)
		cancel()
		return existing, false, nil
	}
	m.bindings[pageID] = b
	m.mu.Unlock()

	return b, true, nil
}

// pumpEvents subscribes to the binding's debugger events and fans each one
// out to every attached session, verbatim and in engine-emitted order: events
// are always broadcast to every session on the page.
func (m *Multiplexer) pumpEvents(b *binding) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	_ = m.surf.SubscribeDebuggerEvents(ctx, b.dbg, func(ev surface.DebuggerEvent) {
		inner, err := json.Marshal(struct {
			Method string `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}{Method: ev.Method, Params: ev.Params})
		if err != nil {
			return
		}

		b.mu.Lock()
		recipients := make([]*sessionState, 0, len(b.sessions))
		for _, s := range b.sessions {
			recipients = append(recipients, s)
		}
		b.mu.Unlock()

		for _, s := range recipients {
			frame := frameMessage(s.id, b.pageID, s.flatten, inner)
			s.send(frame)
			if m.metrics != nil {
				m.metrics.EventsBroadcast.Inc()
			}
		}
	})
}

// DetachSession removes the session; if no sessions remain on the binding,
// the debugger attachment is released.
func (m *Multiplexer) DetachSession(sessionID string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	b, ok := m.bindings[st.pageID]
	m.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	delete(b.sessions, sessionID)
	remaining := len(b.sessions)
	b.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}

	if remaining == 0 {
		m.mu.Lock()
		delete(m.bindings, st.pageID)
		m.mu.Unlock()
		b.cancel()
		_ = m.surf.DetachDebugger(b.dbg)
		m.log.Info("surface binding released")
	}
}

// DetachPage tears down every session on pageID (used when the page itself
// is destroyed) and releases the binding.
func (m *Multiplexer) DetachPage(pageID string) {
	m.mu.Lock()
	b, ok := m.bindings[pageID]
	m.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		m.DetachSession(id)
	}
}

// rawRequest is the JSON-RPC-shaped request the multiplexer parses out of
// either framing shape.
type rawRequest struct {
	ID json.RawMessage `json:"id"`
	Method string `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RouteRequest parses rawMessage, records id -> ownerConnectionId in the
// session's pendingRequests, forwards the command to the debugger, and
// writes the framed response to the originating client only.
func (m *Multiplexer) RouteRequest(ctx context.Context, sessionID string, rawMessage json.RawMessage) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return gatewayerr.TargetNotFoundf(sessionID)
	}

	var req rawRequest
	if err := json.Unmarshal(rawMessage, &req); err != nil {
		return gatewayerr.Wrap(gatewayerr.ClientProtocol, "malformed request", err)
	}

	key := string(req.ID)
	st.pendingMu.Lock()
	st.pending[key] = pendingRequest{originalID: req.ID, owner: st.owner}
	st.pendingMu.Unlock()

	m.mu.Lock()
	b, ok := m.bindings[st.pageID]
	m.mu.Unlock()
	if !ok {
		st.pendingMu.Lock()
		delete(st.pending, key)
		st.pendingMu.Unlock()
		return gatewayerr.TargetNotFoundf(st.pageID)
	}

	result, cmdErr := m.surf.SendDebuggerCommand(ctx, b.dbg, req.Method, req.Params)

	st.pendingMu.Lock()
	delete(st.pending, key)
	st.pendingMu.Unlock()

	if m.metrics != nil {
		m.metrics.RequestsRouted.Inc()
	}

	var respBody []byte
	if cmdErr != nil {
		respBody, _ = json.Marshal(struct {
			ID json.RawMessage `json:"id"`
			Error struct {
				Code int `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}{
			ID: req.ID,
			Error: struct {
				Code int `json:"code"`
				Message string `json:"message"`
			}{Code: -32000, Message: cmdErr.Error()},
		})
		if m.metrics != nil {
			m.metrics.RequestErrors.WithLabelValues("surface_unavailable").Inc()
		}
	} else {
		respBody, _ = json.Marshal(struct {
			ID json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: req.ID, Result: orEmptyObject(result)})
	}

	frame := frameMessage(st.id, st.pageID, st.flatten, respBody)
	st.send(frame)
	return nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// frameMessage wraps inner (a complete JSON-RPC message) in the
// Target.receivedMessageFromTarget envelope for flattened sessions, or
// returns it verbatim for direct sessions.
func frameMessage(sessionID, pageID string, flatten bool, inner []byte) []byte {
	if !flatten {
		return inner
	}
	wrapped, err := json.Marshal(struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
			Message string `json:"message"`
			TargetID string `json:"targetId"`
		} `json:"params"`
	}{
		Method: "Target.receivedMessageFromTarget",
		Params: struct {
			SessionID string `json:"sessionId"`
			Message string `json:"message"`
			TargetID string `json:"targetId"`
		}{SessionID: sessionID, Message: string(inner), TargetID: pageID},
	})
	if err != nil {
		return inner
	}
	return wrapped
}

// PendingCount reports the number of in-flight requests for a session, or 0
// if the session is unknown.
func (m *Multiplexer) PendingCount(sessionID string) int {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	return len(st.pending)
}

// PageAttached reports whether pageID currently has a live debugger binding
// (at least one attached session), used by the gateway's discovery payloads
// to populate the "attached" field.
func (m *Multiplexer) PageAttached(pageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[pageID]
	return ok
}

// SessionOwner returns the owning connectionId for a session, or an error
// if unknown.
func (m *Multiplexer) SessionOwner(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("multiplexer: unknown session %s", sessionID)
	}
	return st.owner, nil
}
