package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"cdpgateway/internal/supervisor"
)

// requireTestEndpoints wraps a test-only handler so it 404s the moment
// EnableTestEndpoints is turned off, including via a hot-reloaded config —
// the gate is checked per-request rather than baked into the mux at startup.
func (g *Gateway) requireTestEndpoints(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.testEndpointsEnabled() {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

// handleTestCreate and handleTestDelete back /test/browser/*, enabled only
// when cfg.EnableTestEndpoints is set. They share one golang.org/x/time/rate
// limiter (20 requests/s, burst 40) and answer 429 when it is exhausted.
func (g *Gateway) handleTestCreate(w http.ResponseWriter, r *http.Request) {
	if !g.testLimiter.Allow() {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rec, err := g.sup.CreateBrowser(context.Background(), supervisor.CreateBrowserOpts{Name: body.Name})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"browserId": rec.BrowserID,
		"webSocketDebuggerUrl": g.wsOrigin(g.host(r)) + "/devtools/browser/" + rec.BrowserID,
	})
}

func (g *Gateway) handleTestDelete(w http.ResponseWriter, r *http.Request) {
	if !g.testLimiter.Allow() {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	id := r.PathValue("browserId")
	if err := g.sup.DestroyBrowser(context.Background(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
