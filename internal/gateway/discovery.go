package gateway

import (
	"encoding/json"
	"net/http"

	"cdpgateway/internal/fleet"
)

const (
	browserBanner  = "Magi/1.0.0 Chrome/128.0.0.0"
	protocolVer    = "1.3"
	v8Version      = "12.8.21"
	webkitVersion  = "537.36 (@cdpgateway)"
	userAgentBrand = "cdpgateway/1.0"
)

type versionBlock struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url,omitempty"`
	Attached             bool   `json:"attached"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	FaviconURL           string `json:"faviconUrl,omitempty"`
}

// host resolves the hostname used to build ws:// URLs in HTTP handlers: the
// incoming request's Host, or the gateway's configured advertised host when
// the request carries none. Live WebSocket connections do not use it; they
// build URLs from the Host header saved at upgrade time.
func (g *Gateway) host(r *http.Request) string {
	if r != nil && r.Host != "" {
		return r.Host
	}
	return g.advertisedHost
}

func (g *Gateway) wsOrigin(host string) string {
	return "ws://" + host
}

func (g *Gateway) versionBlock(host string) versionBlock {
	wsURL := g.wsOrigin(host) + "/devtools/browser"
	if id, ok := g.store.FirstBrowserID(); ok {
		wsURL += "/" + id
	}
	return versionBlock{
		Browser:              browserBanner,
		ProtocolVersion:      protocolVer,
		UserAgent:            userAgentBrand,
		V8Version:            v8Version,
		WebKitVersion:        webkitVersion,
		WebSocketDebuggerURL: wsURL,
	}
}

func (g *Gateway) browserTargetInfo(host string, b fleet.BrowserRecord) targetInfo {
	return targetInfo{
		ID:                   b.BrowserID,
		Type:                 "browser",
		Title:                b.Name,
		Attached:             true,
		WebSocketDebuggerURL: g.wsOrigin(host) + "/devtools/browser/" + b.BrowserID,
	}
}

func (g *Gateway) pageTargetInfo(host string, p fleet.PageRecord) targetInfo {
	return targetInfo{
		ID:                   p.PageID,
		Type:                 "page",
		Title:                p.Title,
		URL:                  p.URL,
		Attached:             g.mux.PageAttached(p.PageID),
		WebSocketDebuggerURL: g.wsOrigin(host) + "/devtools/page/" + p.PageID,
		FaviconURL:           p.Favicon,
	}
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.versionBlock(g.host(r)))
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	snap := g.store.Snapshot()
	host := g.host(r)
	infos := make([]targetInfo, 0, len(snap.Browsers)+len(snap.Pages))
	for _, b := range snap.Browsers {
		infos = append(infos, g.browserTargetInfo(host, b))
	}
	for _, p := range snap.Pages {
		infos = append(infos, g.pageTargetInfo(host, p))
	}
	writeJSON(w, infos)
}

func (g *Gateway) handleBrowserVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("browserId")
	if _, ok := g.store.GetBrowser(id); !ok {
		http.NotFound(w, r)
		return
	}
	block := g.versionBlock(g.host(r))
	block.WebSocketDebuggerURL = g.wsOrigin(g.host(r)) + "/devtools/browser/" + id
	writeJSON(w, block)
}

func (g *Gateway) handleBrowserList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("browserId")
	b, ok := g.store.GetBrowser(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	host := g.host(r)
	infos := make([]targetInfo, 0, len(b.Pages)+1)
	infos = append(infos, g.browserTargetInfo(host, b))
	for _, pid := range b.Pages {
		if p, ok := g.store.GetPage(pid); ok {
			infos = append(infos, g.pageTargetInfo(host, p))
		}
	}
	writeJSON(w, infos)
}

// handleProtocol returns a minimal descriptor of the Target and Browser
// domains this gateway actually implements , not the full
// upstream devtools-protocol.json.
func (g *Gateway) handleProtocol(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"version": map[string]string{"major": "1", "minor": "3"},
		"domains": []map[string]any{
			{
				"domain": "Target",
				"commands": []string{
					"getBrowserContexts", "createBrowserContext", "disposeBrowserContext",
					"setDiscoverTargets", "createTarget", "closeTarget", "getTargets",
					"getTargetInfo", "attachToTarget", "detachFromTarget",
					"sendMessageToTarget", "setAutoAttach",
				},
				"events": []string{
					"targetCreated", "targetDestroyed", "attachedToTarget",
					"detachedFromTarget", "receivedMessageFromTarget",
				},
			},
			{
				"domain":   "Browser",
				"commands": []string{"getVersion", "setDownloadBehavior"},
				"events":   []string{},
			},
		},
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
