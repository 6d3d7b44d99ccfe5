// Package server exposes report definitions, stored rows and pipeline runs
// over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// Runner runs one resolved definition. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Report
}

// Handler serves the API routes.
type Handler struct {
	Registry *report.Registry
	Store    *store.Store
	Runner   Runner

	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	Now     func() time.Time
}

// DefaultRowLimit bounds /rows when no limit is given.
const DefaultRowLimit = 100

// MaxRowLimit caps the limit query parameter.
const MaxRowLimit = 10000

// Router builds the gin engine.
func (h *Handler) Router() *gin.Engine {
	if h.Logger == nil {
		h.Logger = logging.Discard()
	}
	if h.Now == nil {
		h.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests())

	r.GET("/healthz", h.Health)
	api := r.Group("/api")
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:name", h.GetReport)
	api.POST("/reports/:name/run", h.RunReport)
	api.GET("/reports/:name/rows", h.GetRows)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Health reports whether the store answers.
func (h *Handler) Health(c *gin.Context) {
	if err := h.Store.DB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": h.Store.Backend()})
}

// ReportInfo is one entry of the report listing.
type ReportInfo struct {
	Name        string              `json:"name"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	ObjectType  string              `json:"object_type"`
	Outputs     []report.OutputKind `json:"outputs"`
	Source      string              `json:"source"`
}

// Info summarizes d for listings.
func Info(d report.Definition) ReportInfo {
	return ReportInfo{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		ObjectType:  d.Query.ObjectType,
		Outputs:     d.Outputs,
		Source:      d.Source,
	}
}

func (h *Handler) ListReports(c *gin.Context) {
	defs := h.Registry.List()
	out := make([]ReportInfo, len(defs))
	for i, d := range defs {
		out[i] = Info(d)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetReport(c *gin.Context) {
	d, ok := h.definition(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d)
}

// RunRequest is the body of POST /api/reports/:name/run.
type RunRequest struct {
	report.Args
	Reset  bool `json:"reset"`
	DryRun bool `json:"dry_run"`
}

func (h *Handler) RunReport(c *gin.Context) {
	name := c.Param("name")
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	params, err := req.Params(h.Now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := h.Registry.Resolve(name, params)
	if err != nil {
		h.registryError(c, err)
		return
	}

	rep := h.Runner.Run(c.Request.Context(), pipeline.Request{Def: def, Reset: req.Reset, DryRun: req.DryRun})
	status := http.StatusOK
	if rep.Status == pipeline.StatusFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, rep.Outcome())
}

func (h *Handler) GetRows(c *gin.Context) {
	d, ok := h.definition(c)
	if !ok {
		return
	}
	limit, err := intQuery(c, "limit", DefaultRowLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit = min(limit, MaxRowLimit)

	ctx := c.Request.Context()
	exists, err := h.Store.HasTable(ctx, &d.Schema)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var rows []schema.Row
	if exists {
		if rows, err = h.Store.Rows(ctx, &d.Schema, limit); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r.Map()
	}
	c.JSON(http.StatusOK, gin.H{
		"report":  d.Name,
		"columns": d.Schema.ColumnNames(),
		"rows":    out,
	})
}

func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := intQuery(c, "limit", 20)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs, err := h.Store.Runs(c.Request.Context(), c.Query("report"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) definition(c *gin.Context) (report.Definition, bool) {
	d, err := h.Registry.Get(c.Param("name"))
	if err != nil {
		h.registryError(c, err)
		return report.Definition{}, false
	}
	return d, true
}

func (h *Handler) registryError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, report.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.Logger.Info("http listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
