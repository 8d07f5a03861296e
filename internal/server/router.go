package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/helmsman/internal/metrics"
	"github.com/loykin/helmsman/internal/ports"
	"github.com/loykin/helmsman/internal/registry"
	"github.com/loykin/helmsman/internal/service"
	"github.com/loykin/helmsman/internal/store"
)

// Fleet is the part of the registry the API exposes.
type Fleet interface {
	Status(ctx context.Context, id string) (service.Snapshot, error)
	StatusAll(ctx context.Context) ([]service.Snapshot, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Logs(id string, n int) ([]string, error)
	RestartPortConflicts(ctx context.Context, ports []int) (map[int]bool, error)
}

// OwnerFinder reports who holds ports.
type OwnerFinder interface {
	FindOwners(ctx context.Context, ports []int) (ports.Ownership, error)
}

// HistoryReader reads recorded transitions.
type HistoryReader interface {
	History(ctx context.Context, service string, limit int) ([]store.Transition, error)
}

// Router provides embeddable HTTP handlers for the fleet.
// Endpoints (relative to basePath):
//
//	GET  /status                 all snapshots
//	GET  /status/:id             one snapshot
//	POST /start-all              start the fleet
//	POST /stop-all               stop the fleet
//	POST /services/:id/start     start one service
//	POST /services/:id/stop      stop one service
//	GET  /services/:id/logs      buffered output, ?n=100
//	GET  /services/:id/history   recorded transitions, ?limit=50
//	GET  /ports/owners           ?ports=8000,8001
//	POST /ports/restart          body {"ports":[8000]}
//	GET  /metrics                prometheus exposition
//
// Errors are reported as {"error": "...", "kind": "..."}.
type Router struct {
	fleet    Fleet
	owners   OwnerFinder
	history  HistoryReader
	metrics  http.Handler
	basePath string
	timeout  time.Duration
}

// Options configures optional collaborators of a Router.
type Options struct {
	Owners  OwnerFinder
	History HistoryReader
	// Metrics defaults to metrics.Handler().
	Metrics http.Handler
	// Timeout bounds fleet operations of a single request, 5 minutes by default.
	Timeout time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(fleet Fleet, basePath string, opts Options) *Router {
	r := &Router{
		fleet:    fleet,
		owners:   opts.Owners,
		history:  opts.History,
		metrics:  opts.Metrics,
		basePath: sanitizeBase(basePath),
		timeout:  opts.Timeout,
	}
	if r.metrics == nil {
		r.metrics = metrics.Handler()
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Minute
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:id", r.handleStatus)
	group.POST("/start-all", r.handleStartAll)
	group.POST("/stop-all", r.handleStopAll)
	group.POST("/services/:id/start", r.handleStart)
	group.POST("/services/:id/stop", r.handleStop)
	group.GET("/services/:id/logs", r.handleLogs)
	group.GET("/services/:id/history", r.handleHistory)
	group.GET("/ports/owners", r.handleOwners)
	group.POST("/ports/restart", r.handleRestartPorts)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// NewServer returns an unstarted HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

// --- Handlers ---

type errorResp struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Services []string `json:"services,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type logsResp struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

type portsReq struct {
	Ports []int `json:"ports"`
}

type portsResp struct {
	Free map[int]bool `json:"free"`
}

func (r *Router) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), r.timeout)
}

func (r *Router) writeErr(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error(), Kind: service.KindName(err)}
	code := http.StatusInternalServerError
	var fleet *service.FleetError
	switch {
	case errors.Is(err, service.ErrUnknownService):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrManaged):
		code = http.StatusConflict
	case errors.As(err, &fleet):
		resp.Services = fleet.Services()
	case errors.Is(err, registry.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, resp)
}

// serviceID validates the :id path parameter.
func serviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return id, true
}

func (r *Router) handleStatusAll(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	sts, err := r.fleet.StatusAll(ctx)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := serviceID(c)
	if !ok {
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.fleet.Status(ctx, id)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStartAll(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	if err := r.fleet.StartAll(ctx); err != nil {
		r.writeErr(c, err)
		return
	}
	r.handleStatusAll(c)
}

func (r *Router) handleStopAll(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	if err := r.fleet.StopAll(ctx); err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, r.fleet.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, r.fleet.Stop)
}

// lifecycle runs op on the :id service and answers with its snapshot.
func (r *Router) lifecycle(c *gin.Context, op func(context.Context, string) error) {
	id, ok := serviceID(c)
	if !ok {
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	if err := op(ctx, id); err != nil {
		r.writeErr(c, err)
		return
	}
	st, err := r.fleet.Status(ctx, id)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := serviceID(c)
	if !ok {
		return
	}
	lines, err := r.fleet.Logs(id, intQuery(c, "n", 100, 10000))
	if err != nil {
		r.writeErr(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{ID: id, Lines: lines})
}

func (r *Router) handleHistory(c *gin.Context) {
	id, ok := serviceID(c)
	if !ok {
		return
	}
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history store not configured"})
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	if _, err := r.fleet.Status(ctx, id); err != nil {
		r.writeErr(c, err)
		return
	}
	ts, err := r.history.History(ctx, id, intQuery(c, "limit", 50, 1000))
	if err != nil {
		r.writeErr(c, err)
		return
	}
	if ts == nil {
		ts = []store.Transition{}
	}
	writeJSON(c, http.StatusOK, ts)
}

func (r *Router) handleOwners(c *gin.Context) {
	ps, err := parsePorts(c.Query("ports"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if r.owners == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "port inspection not configured"})
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	own, err := r.owners.FindOwners(ctx, ps)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	out := ports.Describe(ctx, own)
	if out == nil {
		out = []ports.Owner{}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRestartPorts(c *gin.Context) {
	var req portsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Ports) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "ports required"})
		return
	}
	for _, p := range req.Ports {
		if p <= 0 || p > 65535 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
			return
		}
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	free, err := r.fleet.RestartPortConflicts(ctx, req.Ports)
	if err != nil && free == nil {
		r.writeErr(c, err)
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, struct {
			portsResp
			errorResp
		}{portsResp{Free: free}, errorResp{Error: err.Error(), Kind: service.KindName(err)}})
		return
	}
	writeJSON(c, http.StatusOK, portsResp{Free: free})
}
