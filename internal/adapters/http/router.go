package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
	"github.com/kirillkom/plant-care-assistant/internal/observability/metrics"
)

const defaultQueueWait = 50 * time.Millisecond

// Services are the inbound use cases the router exposes. Metrics, MCP and OpenAPI
// are optional; their routes are only mounted when set.
type Services struct {
	Sessions ports.DiagnosisSessions
	Species  ports.SpeciesSearcher
	Model    ports.ModelAdmin
	Metrics  *metrics.HTTPServerMetrics
	MCP      http.Handler
	OpenAPI  *openapi3.T
}

type Router struct {
	cfg      config.Config
	sessions ports.DiagnosisSessions
	species  ports.SpeciesSearcher
	model    ports.ModelAdmin
	metrics  *metrics.HTTPServerMetrics
	mcp      http.Handler
	openapi  *openapi3.T
}

func NewRouter(cfg config.Config, svc Services) *Router {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 1_000_000
	}
	return &Router{
		cfg:      cfg,
		sessions: svc.Sessions,
		species:  svc.Species,
		model:    svc.Model,
		metrics:  svc.Metrics,
		mcp:      svc.MCP,
		openapi:  svc.OpenAPI,
	}
}

// Handler builds the route table wrapped, outermost first, in request id, access log,
// metrics, rate limit and backpressure middleware.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	if rt.openapi != nil {
		mux.HandleFunc("GET /openapi.json", rt.openAPIDocument)
	}

	mux.HandleFunc("POST /v1/sessions", rt.createSession)
	mux.HandleFunc("DELETE /v1/sessions/{session_id}", rt.closeSession)
	mux.HandleFunc("POST /v1/sessions/{session_id}/diagnosis", rt.submitDiagnosis)
	mux.HandleFunc("GET /v1/sessions/{session_id}/diagnosis", rt.getDiagnosis)
	mux.HandleFunc("DELETE /v1/sessions/{session_id}/diagnosis", rt.dismissDiagnosis)

	mux.HandleFunc("GET /v1/model", rt.modelInfo)
	mux.HandleFunc("POST /v1/model/load", rt.loadModel)

	mux.HandleFunc("GET /v1/species", rt.searchSpecies)
	mux.HandleFunc("GET /v1/species/export", rt.exportSpecies)

	if rt.mcp != nil {
		mux.Handle("/mcp", rt.mcp)
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, defaultQueueWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, _ *http.Request) {
	info := rt.model.Info()
	status := http.StatusOK
	if info.State != domain.EngineReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, info)
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.openapi)
}

func (rt *Router) modelInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.model.Info())
}

func (rt *Router) loadModel(w http.ResponseWriter, r *http.Request) {
	if err := rt.model.Load(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.model.Info())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
