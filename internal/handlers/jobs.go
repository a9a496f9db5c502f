package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/core"
)

type JobHandler struct {
	engine *core.Engine
}

func NewJobHandler(engine *core.Engine) *JobHandler {
	return &JobHandler{engine: engine}
}

func statusFor(res core.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Reason {
	case core.ReasonUnknownJob, core.ReasonWorkerUnknown, core.ReasonUnknownDep:
		return http.StatusNotFound
	case core.ReasonRateLimited:
		return http.StatusTooManyRequests
	case core.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	case core.ReasonAlreadyTerminal, core.ReasonHasActiveJobs, core.ReasonQueueFull:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *JobHandler) Submit(c *gin.Context) {
	var req struct {
		Name                 string          `json:"name"`
		Description          string          `json:"description"`
		JobType              string          `json:"job_type"`
		Params               map[string]any  `json:"params"`
		Priority             int             `json:"priority"`
		MaxRetries           *int            `json:"max_retries"`
		TimeoutSeconds       int             `json:"timeout_seconds"`
		Dependencies         []dependencyReq `json:"dependencies"`
		RequiredCapabilities string          `json:"required_capabilities"`
		Tags                 []string        `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid request body"})
		return
	}

	in := core.SubmitJobInput{
		Name:                 req.Name,
		Description:          req.Description,
		JobType:              req.JobType,
		Priority:             req.Priority,
		MaxRetries:           req.MaxRetries,
		Timeout:              time.Duration(req.TimeoutSeconds) * time.Second,
		RequiredCapabilities: req.RequiredCapabilities,
		Tags:                 req.Tags,
	}
	if req.Params != nil {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid params"})
			return
		}
		in.Params = datatypes.JSON(raw)
	}
	for _, d := range req.Dependencies {
		parentID, err := uuid.Parse(d.ParentID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid dependency id " + d.ParentID})
			return
		}
		in.Dependencies = append(in.Dependencies, core.DependencySpec{
			ParentID: parentID,
			Kind:     types.DependencyKind(d.Kind),
		})
	}

	id, res := h.engine.SubmitJob(c.Request.Context(), in)
	if !res.OK {
		c.JSON(statusFor(res), res)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "job_id": id.String()})
}

type dependencyReq struct {
	ParentID string `json:"parent_id"`
	Kind     string `json:"kind"`
}

func (h *JobHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid job id"})
		return
	}
	job, found := h.engine.GetJob(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "reason": core.ReasonUnknownJob})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": job})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid job id"})
		return
	}
	res := h.engine.CancelJob(c.Request.Context(), id)
	c.JSON(statusFor(res), res)
}

func (h *JobHandler) ReportOutcome(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid job id"})
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
		Started bool   `json:"started"`
		Worker  string `json:"worker_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid request body"})
		return
	}
	if req.Started {
		res := h.engine.ReportJobStarted(c.Request.Context(), id, req.Worker)
		c.JSON(statusFor(res), res)
		return
	}
	res := h.engine.ReportJobOutcome(c.Request.Context(), id, types.JobStatus(req.Outcome), req.Error)
	c.JSON(statusFor(res), res)
}
