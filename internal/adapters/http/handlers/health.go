// Package handlers provides the HTTP handlers of the control API.
package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jsamuelsen/quotesync/internal/ports"
)

// BuildInfo is what GET /-/build reports. The first three fields come from
// ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

func NewBuildInfo(version, commit, buildTime string) BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime, GoVersion: runtime.Version()}
}

// HealthHandler serves the operational endpoints: probes, build info and
// Prometheus metrics.
type HealthHandler struct {
	registry ports.HealthRegistry
	build    BuildInfo
	metrics  http.Handler
}

// NewHealthHandler serves metrics from gatherer, falling back to the default
// Prometheus registry when it is nil.
func NewHealthHandler(registry ports.HealthRegistry, build BuildInfo, gatherer prometheus.Gatherer) *HealthHandler {
	h := &HealthHandler{registry: registry, build: build, metrics: promhttp.Handler()}
	if gatherer != nil {
		h.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	return h
}

// RegisterHealthRoutes mounts live, ready, build and metrics on rg.
func (h *HealthHandler) RegisterHealthRoutes(rg *gin.RouterGroup) {
	rg.GET("/live", h.live)
	rg.GET("/ready", h.ready)
	rg.GET("/build", func(c *gin.Context) { c.JSON(http.StatusOK, h.build) })
	rg.GET("/metrics", gin.WrapH(h.metrics))
}

// RegisterHealthRoutesOnEngine mounts the same routes under /-/.
func (h *HealthHandler) RegisterHealthRoutesOnEngine(engine *gin.Engine) {
	h.RegisterHealthRoutes(engine.Group("/-"))
}

type probeResponse struct {
	Status string                        `json:"status"`
	Checks map[string]*ports.CheckResult `json:"checks,omitempty"`
}

// live answers 200 for as long as the process can serve at all.
func (h *HealthHandler) live(c *gin.Context) {
	c.JSON(http.StatusOK, probeResponse{Status: "ok"})
}

// ready runs every registered check. Only a failing critical check (the
// local store) turns it into a 503; an unreachable remote merely degrades
// the status because the service keeps working offline.
func (h *HealthHandler) ready(c *gin.Context) {
	result := h.registry.CheckAll(c.Request.Context())

	code := http.StatusOK
	if result.Status == ports.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, probeResponse{Status: string(result.Status), Checks: result.Checks})
}
