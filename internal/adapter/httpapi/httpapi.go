// Package httpapi exposes the scheduler over HTTP: on-demand runs, the installation
// lifecycle hook, an operator state view and a health probe.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reportsched/internal/keycodec"
	"reportsched/internal/orchestrator"
	"reportsched/internal/shared"
	"reportsched/internal/storage"
	"reportsched/internal/tenant"
	"reportsched/internal/trigger"
)

// Header fallbacks for the invocation context and the run id echo.
const (
	HeaderCloudID        = "X-Cloud-Id"
	HeaderWorkspaceID    = "X-Workspace-Id"
	HeaderInstallationID = "X-Installation-Id"
	HeaderRunID          = "X-Run-ID"
)

// Runner executes one scheduler invocation.
type Runner interface {
	Run(ctx context.Context, ic tenant.InvocationContext) orchestrator.Result
}

// Installs records and reads installation timestamps.
type Installs interface {
	Load(ctx context.Context, tenantKey string) (time.Time, bool, error)
	Record(ctx context.Context, tenantKey string, at time.Time) (time.Time, bool, error)
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers' collaborators. Resolver, Logger and Now are optional.
type Deps struct {
	Runner   Runner
	Installs Installs
	States   *storage.StateStore
	Markers  *storage.MarkerStore
	Store    Pinger
	Resolver tenant.Resolver
	Logger   *slog.Logger
	Now      func() time.Time
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine serving the API.
func NewRouter(d Deps) *gin.Engine {
	if d.Resolver == nil {
		d.Resolver = tenant.Default
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.POST("/run", h.run)
	v1.POST("/installations", h.install)
	v1.GET("/state", h.state)
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"dur", time.Since(start),
			"run_id", c.Writer.Header().Get(HeaderRunID),
		)
	}
}

// invocation merges the body with header fallbacks. Body fields win.
func invocation(c *gin.Context, ic tenant.InvocationContext) tenant.InvocationContext {
	fill := func(dst *string, header string) {
		if *dst == "" {
			*dst = c.GetHeader(header)
		}
	}
	fill(&ic.CloudID, HeaderCloudID)
	fill(&ic.WorkspaceID, HeaderWorkspaceID)
	fill(&ic.InstallationID, HeaderInstallationID)
	return ic
}

// bindOptionalJSON binds a JSON body into dst; an empty body leaves dst untouched.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	err := c.ShouldBindJSON(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *handler) run(c *gin.Context) {
	var ic tenant.InvocationContext
	if err := bindOptionalJSON(c, &ic); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.Runner.Run(c.Request.Context(), invocation(c, ic))
	if res.RunID != "" {
		c.Header(HeaderRunID, res.RunID)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type installRequest struct {
	CloudID        string     `json:"cloudId" binding:"omitempty,max=256"`
	WorkspaceID    string     `json:"workspaceId" binding:"omitempty,max=256"`
	InstallationID string     `json:"installationId" binding:"omitempty,max=256"`
	SiteURL        string     `json:"siteUrl" binding:"omitempty,max=2048"`
	InstalledAt    *time.Time `json:"installed_at"`
}

type installResponse struct {
	Success     bool      `json:"success"`
	TenantToken string    `json:"tenant_token"`
	InstalledAt time.Time `json:"installed_at"`
	Recorded    bool      `json:"recorded"`
}

func (h *handler) install(c *gin.Context) {
	var req installRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}
	id, ok := h.resolve(c, tenant.InvocationContext{
		CloudID:        req.CloudID,
		WorkspaceID:    req.WorkspaceID,
		InstallationID: req.InstallationID,
		SiteURL:        req.SiteURL,
	})
	if !ok {
		return
	}

	now := h.Now().UTC()
	at := now
	if req.InstalledAt != nil {
		at = req.InstalledAt.UTC()
		if at.After(now) {
			abort(c, http.StatusBadRequest, "installed_at is in the future")
			return
		}
	}

	effective, recorded, err := h.Installs.Record(c.Request.Context(), id.Key, at)
	if err != nil {
		h.fail(c, "record install timestamp", err)
		return
	}
	status := http.StatusOK
	if recorded {
		status = http.StatusCreated
	}
	c.JSON(status, installResponse{
		Success:     true,
		TenantToken: keycodec.Encode(id.Key),
		InstalledAt: effective,
		Recorded:    recorded,
	})
}

type markerView struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type stateResponse struct {
	TenantToken string                      `json:"tenant_token"`
	InstalledAt *time.Time                  `json:"installed_at"`
	State       storage.State               `json:"state"`
	Markers     map[trigger.Name]markerView `json:"markers"`
}

func (h *handler) state(c *gin.Context) {
	id, ok := h.resolve(c, tenant.InvocationContext{
		CloudID:        c.Query("cloudId"),
		WorkspaceID:    c.Query("workspaceId"),
		InstallationID: c.Query("installationId"),
		SiteURL:        c.Query("siteUrl"),
	})
	if !ok {
		return
	}
	ctx := c.Request.Context()

	st, err := h.States.LoadChecked(ctx, id.Key)
	if err != nil {
		h.fail(c, "load state", err)
		return
	}
	resp := stateResponse{
		TenantToken: keycodec.Encode(id.Key),
		State:       st,
		Markers:     make(map[trigger.Name]markerView, len(trigger.All)),
	}

	installedAt, ok, err := h.Installs.Load(ctx, id.Key)
	if err != nil {
		h.fail(c, "load install timestamp", err)
		return
	}
	if ok {
		resp.InstalledAt = &installedAt
	}

	for _, t := range trigger.All {
		mk, ok, err := h.Markers.Get(ctx, id.Key, t.Name)
		if err != nil {
			h.fail(c, "load completion marker", err)
			return
		}
		v := markerView{Completed: ok}
		if ok && !mk.CompletedAt.IsZero() {
			at := mk.CompletedAt
			v.CompletedAt = &at
		}
		resp.Markers[t.Name] = v
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.Logger.WarnContext(ctx, "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) resolve(c *gin.Context, ic tenant.InvocationContext) (tenant.Identity, bool) {
	id, ok := h.Resolver.Resolve(invocation(c, ic))
	if !ok {
		abort(c, http.StatusBadRequest, "tenant identity could not be resolved")
	}
	return id, ok
}

func (h *handler) fail(c *gin.Context, op string, err error) {
	status := statusOf(err)
	h.Logger.ErrorContext(c.Request.Context(), op+" failed", "error", err, "status", status)
	abort(c, status, op+" failed")
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindTimeout, shared.KindCanceled:
		return http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
