// Package server 提供运维 HTTP 接口：健康检查、Prometheus 指标与调试查询。
package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Engine 是调试路由依赖的查询能力，由 *engine.Engine 实现
type Engine interface {
	GetCandidates(ctx context.Context, userID string) []int64
	GetViewCount(ctx context.Context, itemID int64) int64
}

// Check 是一项依赖的健康检查
type Check func(ctx context.Context) error

// Options 配置路由
type Options struct {
	Engine   Engine
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
	// Debug 是否注册 /debug 路由
	Debug        bool
	CheckTimeout time.Duration
}

// NewRouter 构造路由
func NewRouter(opts Options, log zerolog.Logger) http.Handler {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	h := &handlers{opts: opts}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", d).
			Msg("http request")
	}))

	r.Get("/healthz", h.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Debug && opts.Engine != nil {
		r.Route("/debug", func(r chi.Router) {
			r.Get("/candidates/{userID}", h.candidates)
			r.Get("/views/{itemID}", h.views)
		})
	}
	return r
}

type handlers struct {
	opts Options
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.CheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.opts.Checks))}
	names := make([]string, 0, len(h.opts.Checks))
	for name := range h.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.opts.Checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type candidatesResponse struct {
	UserID string  `json:"user_id"`
	Count  int     `json:"count"`
	Items  []int64 `json:"items"`
}

func (h *handlers) candidates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ids := h.opts.Engine.GetCandidates(r.Context(), userID)
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, candidatesResponse{UserID: userID, Count: len(ids), Items: ids})
}

type viewsResponse struct {
	ItemID    int64 `json:"item_id"`
	ViewCount int64 `json:"view_count"`
}

func (h *handlers) views(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || itemID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
		return
	}
	writeJSON(w, http.StatusOK, viewsResponse{ItemID: itemID, ViewCount: h.opts.Engine.GetViewCount(r.Context(), itemID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
