// Package http exposes the host UI API over the engine: protocol and site
// state writes, device assignment, permission resolution, and read-only
// views of the engine's current state.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/camstage/camstage/engine/internal/device"
	"github.com/camstage/camstage/engine/internal/engine"
	"github.com/camstage/camstage/engine/internal/infrastructure/monitoring"
	"github.com/camstage/camstage/engine/internal/permission"
	"github.com/camstage/camstage/engine/internal/policy"
)

// Handlers binds the host UI routes to the engine.
type Handlers struct {
	engine  *engine.Engine
	metrics *monitoring.Metrics
}

// NewHandlers creates the handler set. Metrics may be nil.
func NewHandlers(eng *engine.Engine, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{engine: eng, metrics: metrics}
}

// Root returns service information.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "camstage-engine",
		"status":  "running",
	})
}

// Health returns service health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetState returns the engine snapshot the host UI renders.
func (h *Handlers) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.State())
}

// protocolRequest is the write shape for protocol switches.
type protocolRequest struct {
	Protocol       string   `json:"protocol" binding:"required"`
	AllowedHosts   []string `json:"allowed_hosts"`
	BlockUnlisted  bool     `json:"block_unlisted"`
	DisableStealth bool     `json:"disable_stealth"`
	Debug          bool     `json:"debug"`
}

// SetProtocol switches the active protocol and triggers re-injection.
func (h *Handlers) SetProtocol(c *gin.Context) {
	var req protocolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proto, err := policy.Parse(req.Protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.engine.SetProtocol(policy.ProtocolState{
		Active:         proto,
		AllowedHosts:   req.AllowedHosts,
		BlockUnlisted:  req.BlockUnlisted,
		DisableStealth: req.DisableStealth,
		Debug:          req.Debug,
	})
	c.JSON(http.StatusOK, gin.H{"protocol": proto.String()})
}

// siteRequest is the write shape for navigation and per-site settings.
type siteRequest struct {
	Host              string `json:"host" binding:"required"`
	Origin            string `json:"origin"`
	SimulationEnabled bool   `json:"simulation_enabled"`
	StealthOverride   *bool  `json:"stealth_override"`
	OverlayLabel      string `json:"overlay_label"`
	MirrorVideo       bool   `json:"mirror_video"`
}

// SetSite installs the per-site state for the loaded page.
func (h *Handlers) SetSite(c *gin.Context) {
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.engine.SetSite(policy.SiteState{
		Host:              req.Host,
		Origin:            req.Origin,
		SimulationEnabled: req.SimulationEnabled,
		StealthOverride:   req.StealthOverride,
		OverlayLabel:      req.OverlayLabel,
		MirrorVideo:       req.MirrorVideo,
	})
	c.JSON(http.StatusOK, gin.H{"host": req.Host})
}

// devicesRequest is the write shape for device reassignment.
type devicesRequest struct {
	Devices     []device.Descriptor `json:"devices" binding:"required"`
	DefaultURI  string              `json:"default_uri"`
	DefaultName string              `json:"default_name"`
}

// AssignDevices replaces the synthetic device set. A concurrent assignment
// rejects this one instead of queueing behind it.
func (h *Handlers) AssignDevices(c *gin.Context) {
	var req devicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.engine.AssignDevices(req.Devices, req.DefaultURI, req.DefaultName) {
		c.JSON(http.StatusConflict, gin.H{"error": "assignment already in progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": len(req.Devices)})
}

// RequestInjection triggers a debounced re-injection after external edits.
func (h *Handlers) RequestInjection(c *gin.Context) {
	h.engine.RequestInjection()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

// GetPendingPermission returns the permission request awaiting a decision.
func (h *Handlers) GetPendingPermission(c *gin.Context) {
	pending, ok := h.engine.PendingPermission()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending permission request"})
		return
	}
	c.JSON(http.StatusOK, pending)
}

// resolveRequest is the write shape for permission decisions.
type resolveRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// ResolvePermission answers the pending permission request by id. Stale
// ids are accepted and ignored by the queue, so this always returns 200
// for a well-formed decision.
func (h *Handlers) ResolvePermission(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := permission.Decision(req.Decision)
	switch decision {
	case permission.DecisionSimulate, permission.DecisionAllowReal, permission.DecisionDeny:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown decision"})
		return
	}

	h.engine.ResolvePermission(c.Param("id"), decision)
	c.JSON(http.StatusOK, gin.H{"request_id": c.Param("id"), "decision": req.Decision})
}

// ListSignalingSessions returns active loopback sessions, oldest first.
func (h *Handlers) ListSignalingSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.engine.SignalingSessions()})
}

// GetConsole returns recent forwarded console output.
func (h *Handlers) GetConsole(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.engine.RecentConsole()})
}

// GetStats returns the JSON metrics snapshot.
func (h *Handlers) GetStats(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.metrics.Stats())
}
