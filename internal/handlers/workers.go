package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/core"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
)

type WorkerHandler struct {
	engine *core.Engine
}

func NewWorkerHandler(engine *core.Engine) *WorkerHandler {
	return &WorkerHandler{engine: engine}
}

func (h *WorkerHandler) Register(c *gin.Context) {
	var req struct {
		ID                string   `json:"id"`
		Name              string   `json:"name"`
		Host              string   `json:"host"`
		Port              int      `json:"port"`
		MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
		LoadFactor        float64  `json:"load_factor"`
		PriorityThreshold int      `json:"priority_threshold"`
		Capabilities      string   `json:"capabilities"`
		Tags              []string `json:"tags"`
		Version           string   `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid request body"})
		return
	}

	worker, res := h.engine.RegisterWorker(c.Request.Context(), registry.RegisterInput{
		ID:                req.ID,
		Name:              req.Name,
		Host:              req.Host,
		Port:              req.Port,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		LoadFactor:        req.LoadFactor,
		PriorityThreshold: req.PriorityThreshold,
		Capabilities:      req.Capabilities,
		Tags:              req.Tags,
		Version:           req.Version,
	})
	if !res.OK {
		c.JSON(statusFor(res), res)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "worker": worker})
}

func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var req struct {
		Status            *string  `json:"status"`
		CurrentJobCount   *int     `json:"current_job_count"`
		AvailableCapacity *int     `json:"available_capacity"`
		CPUUsage          *float64 `json:"cpu_usage"`
		MemoryUsage       *float64 `json:"memory_usage"`
		ErrorCount        *int     `json:"error_count"`
		Message           string   `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid request body"})
		return
	}

	in := registry.HeartbeatInput{
		CurrentJobCount:   req.CurrentJobCount,
		AvailableCapacity: req.AvailableCapacity,
		CPUUsage:          req.CPUUsage,
		MemoryUsage:       req.MemoryUsage,
		ErrorCount:        req.ErrorCount,
		Message:           req.Message,
	}
	if req.Status != nil {
		status := types.WorkerStatus(*req.Status)
		in.Status = &status
	}
	res := h.engine.Heartbeat(c.Request.Context(), c.Param("id"), in)
	c.JSON(statusFor(res), res)
}

func (h *WorkerHandler) Deregister(c *gin.Context) {
	force := c.Query("force") == "true"
	res := h.engine.DeregisterWorker(c.Request.Context(), c.Param("id"), force)
	c.JSON(statusFor(res), res)
}

func (h *WorkerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "workers": h.engine.Workers()})
}

func (h *WorkerHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": h.engine.Stats()})
}
