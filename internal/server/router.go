package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the control API.
// Endpoints:
//   GET  {basePath}/status     current supervisor snapshot
//   POST {basePath}/restart    operator restart of the worker
//   GET  {basePath}/healthz    supervisor liveness
//   GET  {basePath}/history    recent run records (when a store is wired)
// basePath may be empty or start with '/'; no trailing slash.

// Controller is the supervisor surface the API needs.
type Controller interface {
	Name() string
	Snapshot() supervisor.Snapshot
	Restart() error
}

type Router struct {
	ctrl     Controller
	st       store.Store
	basePath string
}

// NewRouter constructs a Router with configurable basePath. st may be nil;
// the history endpoint then reports it as unconfigured.
func NewRouter(ctrl Controller, st store.Store, basePath string) *Router {
	return &Router{ctrl: ctrl, st: st, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The
// caller shuts it down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, ctrl Controller, st store.Store) (*http.Server, error) {
	r := NewRouter(ctrl, st, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK    bool             `json:"ok"`
	Phase supervisor.Phase `json:"phase"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Snapshot())
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctrl.Restart(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotRunning) || errors.Is(err, supervisor.ErrStopped) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleHealthz reports the supervisor's own liveness, not the worker's.
// The worker's state is in /status; this answering at all means the
// babysitter is alive.
func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, Phase: r.ctrl.Snapshot().Phase})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.st == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "history store not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	recs, err := r.st.ListRecent(c.Request.Context(), r.ctrl.Name(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}
