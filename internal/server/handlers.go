package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/compose"
	"github.com/boardlab/backend/internal/console"
	"github.com/boardlab/backend/internal/infrastructure/logging"
	"github.com/boardlab/backend/internal/infrastructure/monitoring"
	"github.com/boardlab/backend/internal/panes"
)

// Handlers exposes the console subsystem to the IDE front end. Each pane
// gets its own composer, so the editing buffer and saved draft stay
// per-surface while session state stays per-device.
type Handlers struct {
	console *console.Manager
	panes   *panes.Manager
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu        sync.Mutex
	composers map[string]*compose.Composer // pane id -> composer
}

// NewHandlers wires the handlers and creates one composer per pane.
func NewHandlers(consoleMgr *console.Manager, paneMgr *panes.Manager, logger *logging.Logger, metrics *monitoring.Metrics) *Handlers {
	if logger == nil {
		logger = logging.NewDefault()
	}
	h := &Handlers{
		console:   consoleMgr,
		panes:     paneMgr,
		logger:    logger,
		metrics:   metrics,
		composers: make(map[string]*compose.Composer),
	}
	for _, p := range paneMgr.Snapshot().Panes {
		h.composers[p.ID] = compose.New(consoleMgr)
	}
	return h
}

func (h *Handlers) composer(paneID string) (*compose.Composer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.composers[paneID]
	return c, ok
}

// Root handles GET /.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "boardlab-backend",
		"status":  "running",
	})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ListDevices handles GET /devices.
func (h *Handlers) ListDevices(c *gin.Context) {
	states := h.console.States()
	if states == nil {
		states = []console.State{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": states})
}

// GetDevice handles GET /devices/:device.
func (h *Handlers) GetDevice(c *gin.Context) {
	state, ok := h.console.State(c.Param("device"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for device"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// ConnectDevice handles POST /devices/:device/connect. Creates the
// session and subscribes on the shared channel.
func (h *Handlers) ConnectDevice(c *gin.Context) {
	device := c.Param("device")
	if err := h.console.Subscribe(device); err != nil {
		h.logger.Warn("subscribe failed", zap.String("device", device), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device, "subscribed": true})
}

// DisconnectDevice handles POST /devices/:device/disconnect. Stops
// delivery; the session survives until the device itself disconnects.
func (h *Handlers) DisconnectDevice(c *gin.Context) {
	device := c.Param("device")
	if err := h.console.Unsubscribe(device); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device, "subscribed": false})
}

// Drain handles POST /devices/:device/drain. Returns the pending delta;
// the caller must render what it receives, the delta is gone from the
// registry.
func (h *Handlers) Drain(c *gin.Context) {
	device := c.Param("device")
	if _, ok := h.console.State(device); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for device"})
		return
	}
	output := h.console.DrainPending(device)
	if h.metrics != nil {
		h.metrics.DrainsTotal.Inc()
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

// FullLog handles GET /devices/:device/log.
func (h *Handlers) FullLog(c *gin.Context) {
	log, ok := h.console.FullLog(c.Param("device"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": log})
}

type submitRequest struct {
	Code string `json:"code" binding:"required"`
}

// Submit handles POST /devices/:device/submit.
func (h *Handlers) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	device := c.Param("device")
	h.console.AppendInput(device, req.Code)
	if !h.console.Submit(c.Request.Context(), device, req.Code) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for device"})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSubmission("completed")
	}
	c.JSON(http.StatusOK, gin.H{"submitted": true})
}

// Interrupt handles POST /devices/:device/interrupt.
func (h *Handlers) Interrupt(c *gin.Context) {
	h.console.Interrupt(c.Request.Context(), c.Param("device"))
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type resetRequest struct {
	Soft bool `json:"soft"`
}

// Reset handles POST /devices/:device/reset.
func (h *Handlers) Reset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.console.Reset(c.Request.Context(), c.Param("device"), req.Soft)
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type scrollLockRequest struct {
	Locked bool `json:"locked"`
}

// ScrollLock handles POST /devices/:device/scroll-lock.
func (h *Handlers) ScrollLock(c *gin.Context) {
	var req scrollLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.console.SetScrollLock(c.Param("device"), req.Locked)
	c.JSON(http.StatusOK, gin.H{"locked": req.Locked})
}

// History handles GET /devices/:device/history.
func (h *Handlers) History(c *gin.Context) {
	history := h.console.History(c.Param("device"))
	if history == nil {
		history = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ExportLog handles GET /devices/:device/export. Produces the download
// artifact; ?gzip=true compresses it.
func (h *Handlers) ExportLog(c *gin.Context) {
	export, ok := h.console.ExportLog(c.Param("device"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for device"})
		return
	}

	filename := export.Filename()
	if c.Query("gzip") == "true" {
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.gz"`)
		c.Header("Content-Type", "application/gzip")
		if err := export.WriteGzip(c.Writer); err != nil {
			h.logger.Warn("export failed", zap.Error(err))
		}
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Header("Content-Type", "application/json")
	if err := export.WriteJSON(c.Writer); err != nil {
		h.logger.Warn("export failed", zap.Error(err))
	}
}

// GetLayout handles GET /layout.
func (h *Handlers) GetLayout(c *gin.Context) {
	c.JSON(http.StatusOK, h.panes.Snapshot())
}

type splitRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// SetSplitMode handles POST /layout/split.
func (h *Handlers) SetSplitMode(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.panes.SetSplitMode(panes.SplitMode(req.Mode)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.panes.Snapshot())
}

type linkedScrollRequest struct {
	Enabled bool `json:"enabled"`
}

// SetLinkedScroll handles POST /layout/linked-scroll.
func (h *Handlers) SetLinkedScroll(c *gin.Context) {
	var req linkedScrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.panes.SetLinkedScroll(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"linked_scroll": req.Enabled})
}

type bindRequest struct {
	Device string `json:"device"`
}

// BindPane handles POST /panes/:pane/bind. Binding a device already
// bound elsewhere steals it; the other pane's composer loses its device
// too.
func (h *Handlers) BindPane(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	paneID := c.Param("pane")
	if err := h.panes.BindDevice(paneID, req.Device); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.syncComposers()
	c.JSON(http.StatusOK, h.panes.Snapshot())
}

type swapRequest struct {
	PaneA string `json:"pane_a" binding:"required"`
	PaneB string `json:"pane_b" binding:"required"`
}

// SwapPanes handles POST /panes/swap.
func (h *Handlers) SwapPanes(c *gin.Context) {
	var req swapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.panes.Swap(req.PaneA, req.PaneB); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.syncComposers()
	c.JSON(http.StatusOK, h.panes.Snapshot())
}

// syncComposers realigns every composer with its pane's current binding.
func (h *Handlers) syncComposers() {
	layout := h.panes.Snapshot()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range layout.Panes {
		if comp, ok := h.composers[p.ID]; ok && comp.Device() != p.Device {
			comp.SetDevice(p.Device)
		}
	}
}

type scrollRequest struct {
	DeltaLines int `json:"delta_lines"`
}

// Scroll handles POST /panes/:pane/scroll from the originating surface.
// The delta fans out to the other visible panes when linked scroll is
// on; receivers get it over the notification channel, not through this
// endpoint, so it cannot echo.
func (h *Handlers) Scroll(c *gin.Context) {
	var req scrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.panes.PropagateScroll(c.Param("pane"), req.DeltaLines)
	c.JSON(http.StatusOK, gin.H{"propagated": true})
}

// SetActivePane handles POST /panes/:pane/activate.
func (h *Handlers) SetActivePane(c *gin.Context) {
	if err := h.panes.SetActivePane(c.Param("pane")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_pane": c.Param("pane")})
}

type inputRequest struct {
	Text string `json:"text" binding:"required"`
}

// PaneInput handles POST /panes/:pane/input: raw keystrokes from the
// surface, classified by the pane's composer.
func (h *Handlers) PaneInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	comp.Type(c.Request.Context(), req.Text)
	c.JSON(http.StatusOK, gin.H{"buffer": comp.Buffer()})
}

type pasteRequest struct {
	Text string `json:"text" binding:"required"`
}

// PanePaste handles POST /panes/:pane/paste. Large pastes are held back
// and reported so the surface can ask the user to confirm.
func (h *Handlers) PanePaste(c *gin.Context) {
	var req pasteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	if pending := comp.Paste(c.Request.Context(), req.Text); pending != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"confirm_required": true,
			"line_count":       pending.LineCount,
			"preview":          pending.Preview,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirm_required": false})
}

// ConfirmPaste handles POST /panes/:pane/paste/confirm.
func (h *Handlers) ConfirmPaste(c *gin.Context) {
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	if !comp.ConfirmPaste(c.Request.Context()) {
		c.JSON(http.StatusConflict, gin.H{"error": "no paste pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": true})
}

// CancelPaste handles DELETE /panes/:pane/paste.
func (h *Handlers) CancelPaste(c *gin.Context) {
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	comp.CancelPaste()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type historyNavRequest struct {
	Direction string `json:"direction" binding:"required"` // "up" or "down"
}

// PaneHistory handles POST /panes/:pane/history: history browsing with
// the per-surface saved draft.
func (h *Handlers) PaneHistory(c *gin.Context) {
	var req historyNavRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	switch req.Direction {
	case "up":
		comp.HistoryUp()
	case "down":
		comp.HistoryDown()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be up or down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buffer": comp.Buffer()})
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"` // "line" or "raw"
}

// PaneMode handles POST /panes/:pane/mode.
func (h *Handlers) PaneMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	switch req.Mode {
	case "line":
		comp.SetMode(compose.ModeLine)
	case "raw":
		comp.SetMode(compose.ModeRaw)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be line or raw"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

// PaneCancel handles POST /panes/:pane/cancel: the escape signal that
// clears the buffer, the saved draft and any pending paste.
func (h *Handlers) PaneCancel(c *gin.Context) {
	comp, ok := h.composer(c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pane"})
		return
	}
	comp.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
