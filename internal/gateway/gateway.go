// Package gateway implements the CdpGateway: the transport that speaks
// Chrome's HTTP discovery and WebSocket debugging contract to the outside
// world. It owns no domain state of its own — FleetStore, SurfaceSupervisor
// and SessionMultiplexer do — and is the sole place
// Target.targetCreated/targetDestroyed are emitted from.
//
// Modeled on a Server/Hub pattern: a gorilla/websocket
// upgrader plus a per-connection registered writer, generalized from one
// untyped broadcast channel into the typed ClientConnection state machine
// CDP requires.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cdpgateway/internal/config"
	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/fleet"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/metrics"
	"cdpgateway/internal/multiplexer"
	"cdpgateway/internal/supervisor"
)

// Gateway is the CdpGateway.
type Gateway struct {
	store *fleet.Store
	sup *supervisor.Supervisor
	mux *multiplexer.Multiplexer
	bus *eventbus.Bus
	met *metrics.Collector
	log *logger.Logger

	cfgMu sync.RWMutex
	cfg *config.Config

	advertisedHost string
	upgrader websocket.Upgrader
	testLimiter *rate.Limiter

	connMu sync.RWMutex
	conns map[*clientConnection]struct{}
	connSeq uint64
}

// New creates a Gateway and subscribes its broadcast bridge to bus.
func New(store *fleet.Store, sup *supervisor.Supervisor, mux *multiplexer.Multiplexer, bus *eventbus.Bus, cfg *config.Config, met *metrics.Collector, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewDefault()
	}
	g := &Gateway{
		store: store,
		sup: sup,
		mux: mux,
		bus: bus,
		cfg: cfg,
		met: met,
		log: log,
		advertisedHost: cfg.ListenAddr,
		conns: make(map[*clientConnection]struct{}),
		testLimiter: rate.NewLimiter(rate.Limit(20), 40),
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	bus.Subscribe(g.onBusEvent)
	return g
}

func (g *Gateway) nextConnID() string {
	id := atomic.AddUint64(&g.connSeq, 1)
	return fmt.Sprintf("conn-%d", id)
}

func (g *Gateway) addConnection(cc *clientConnection) {
	g.connMu.Lock()
	g.conns[cc] = struct{}{}
	g.connMu.Unlock()
	if g.met != nil {
		g.met.Connections.Inc()
	}
}

func (g *Gateway) removeConnection(cc *clientConnection) {
	g.connMu.Lock()
	_, existed := g.conns[cc]
	delete(g.conns, cc)
	g.connMu.Unlock()
	if existed && g.met != nil {
		g.met.Connections.Dec()
	}
}

func (g *Gateway) createPageOptsFor(browserID, url string) supervisor.CreatePageOpts {
	return supervisor.CreatePageOpts{BrowserID: browserID, URL: url}
}

// Config returns the gateway's current configuration.
func (g *Gateway) Config() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// ApplyConfig swaps in a hot-reloaded config. Fields gated per-request
// (EnableTestEndpoints) take effect immediately; ListenAddr and MetricsAddr
// require a restart and are ignored by the caller (config.Reloader already
// preserves the running values across reloads).
func (g *Gateway) ApplyConfig(newCfg *config.Config) {
	g.cfgMu.Lock()
	g.cfg = newCfg
	g.cfgMu.Unlock()
}

func (g *Gateway) testEndpointsEnabled() bool {
	return g.Config().EnableTestEndpoints
}

// onBusEvent is the broadcast bridge : for pageCreated /
// pageDestroyed it iterates live connections and emits
// Target.targetCreated/Destroyed to every BrowserScope connection watching
// that browser with discovery turned on. This is the only place those
// events are emitted.
func (g *Gateway) onBusEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.PageCreated:
		p, ok := g.store.GetPage(ev.PageID)
		if !ok {
			return
		}
		g.forEachDiscoveringConn(ev.BrowserID, func(cc *clientConnection) {
			cc.sendJSON(targetCreatedEvent(g.pageTargetInfo(cc.host, p)))
		})
		if g.met != nil {
			g.met.TargetsCreated.Inc()
			g.met.PagesActive.Inc()
		}
	case eventbus.PageDestroyed:
		g.forEachDiscoveringConn(ev.BrowserID, func(cc *clientConnection) {
			cc.sendJSON(targetDestroyedEvent(ev.PageID))
		})
		if g.met != nil {
			g.met.TargetsDestroyed.Inc()
			g.met.PagesActive.Dec()
		}
	case eventbus.BrowserCreated:
		if g.met != nil {
			g.met.BrowsersActive.Inc()
		}
	case eventbus.BrowserDestroyed:
		if g.met != nil {
			g.met.BrowsersActive.Dec()
		}
	}
}

func (g *Gateway) forEachDiscoveringConn(browserID string, fn func(*clientConnection)) {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	for cc := range g.conns {
		cc.mu.Lock()
		match := cc.scope == scopeBrowser && cc.browserID == browserID && cc.discoverEnabled
		cc.mu.Unlock()
		if match {
			fn(cc)
		}
	}
}

// Routes builds the HTTP surface: discovery endpoints, WebSocket upgrade
// routes, and the gated test endpoints.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /json/version", g.handleVersion)
	mux.HandleFunc("GET /json/list", g.handleList)
	mux.HandleFunc("GET /json/protocol", g.handleProtocol)
	mux.HandleFunc("GET /devtools/browser/{browserId}/json/version", g.handleBrowserVersion)
	mux.HandleFunc("GET /devtools/browser/{browserId}/json/list", g.handleBrowserList)
	mux.HandleFunc("GET /healthz", g.handleHealthz)

	mux.HandleFunc("/devtools/browser/{browserId}", g.handleUpgradeBrowser)
	mux.HandleFunc("/devtools/browser", g.handleUpgradeBrowser)
	mux.HandleFunc("/devtools/page/{pageId}", g.handleUpgradePage)

	// Always registered; gating is dynamic (g.testEndpointsEnabled) so a
	// hot-reloaded config change takes effect without rebuilding the mux.
	mux.HandleFunc("POST /test/browser/create", g.requireTestEndpoints(g.handleTestCreate))
	mux.HandleFunc("DELETE /test/browser/{browserId}", g.requireTestEndpoints(g.handleTestDelete))

	return mux
}

func (g *Gateway) handleUpgradeBrowser(w http.ResponseWriter, r *http.Request) {
	browserID := r.PathValue("browserId")
	if browserID == "" {
		id, ok := g.store.FirstBrowserID()
		if !ok {
			http.Error(w, "no browser available", http.StatusNotFound)
			return
		}
		browserID = id
	} else if _, ok := g.store.GetBrowser(browserID); !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := newClientConnection(g, g.nextConnID(), ws, scopeBrowser, r.Host)
	cc.browserID = browserID
	g.addConnection(cc)
	cc.runBrowserScope()
}

func (g *Gateway) handleUpgradePage(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageId")
	if _, ok := g.store.GetPage(pageID); !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := newClientConnection(g, g.nextConnID(), ws, scopePage, r.Host)
	cc.pageID = pageID
	g.addConnection(cc)
	cc.runPageScope()
}
