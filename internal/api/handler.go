package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/orchestrator"
	"github.com/nidhogg/agentmesh/internal/provider"
	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/routing"
)

const defaultStatsWindow = 24 * time.Hour

// Handler serves the read-only operations surface.
type Handler struct {
	tasks    *queue.Manager
	orch     *orchestrator.Orchestrator
	gateway  *provider.Gateway
	selector *routing.Selector
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	tasks *queue.Manager,
	orch *orchestrator.Orchestrator,
	gateway *provider.Gateway,
	selector *routing.Selector,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		tasks:    tasks,
		orch:     orch,
		gateway:  gateway,
		selector: selector,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/providers/health", h.providerHealth)
		r.Get("/providers/usage", h.providerUsage)
		r.Get("/providers/models", h.providerModels)
		r.Get("/routing/stats", h.routingStats)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/health", h.agentHealth)
		r.Get("/agents/{id}/metrics", h.agentMetrics)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "agentmesh",
		"providers": h.gateway.Providers(),
	})
}

// providerHealth returns tracked health; ?probe=true checks every backend first.
func (h *Handler) providerHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("probe") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, h.gateway.CheckHealth(ctx))
		return
	}
	writeJSON(w, http.StatusOK, h.gateway.Health().Snapshot())
}

func (h *Handler) providerUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.UsageStats())
}

func (h *Handler) providerModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.gateway.ListModels(ctx))
}

func (h *Handler) routingStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window: " + v})
			return
		}
		window = d
	}
	stats, err := h.selector.Stats(r.Context(), window)
	if err != nil {
		h.logger.Error("routing stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.tasks.Agents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) agentHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.MonitorAgentHealth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) agentMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	am, err := h.tasks.AgentMetrics(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, am)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
