package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/batch"
	"github.com/stevemoraco/Kull-sub004/internal/models"
)

type imageRequest struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

type submitRequest struct {
	ShootID        string         `json:"shootId"`
	ProviderID     string         `json:"providerId"`
	PromptPresetID string         `json:"promptPresetId"`
	Prompt         string         `json:"prompt"`
	Mode           string         `json:"mode"`
	Images         []imageRequest `json:"images"`
}

type submitResponse struct {
	JobID               string         `json:"jobId"`
	Mode                models.JobMode `json:"mode"`
	EstimatedCompletion *time.Time     `json:"estimatedCompletion,omitempty"`
	EstimatedCredits    int64          `json:"estimatedCredits"`
}

type statusResponse struct {
	JobID           string           `json:"jobId"`
	Status          models.JobStatus `json:"status"`
	TotalImages     int              `json:"totalImages"`
	ProcessedImages int              `json:"processedImages"`
	Progress        float64          `json:"progress"`
	Error           string           `json:"error,omitempty"`
}

type resultsResponse struct {
	Results         []models.Rating `json:"results"`
	TotalImages     int             `json:"totalImages"`
	ProcessedImages int             `json:"processedImages"`
	CompletedAt     *time.Time      `json:"completedAt"`
}

type jobResponse struct {
	statusResponse
	ShootID     string         `json:"shootId"`
	ProviderID  string         `json:"providerId"`
	Mode        models.JobMode `json:"mode"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

func toStatusResponse(v batch.StatusView) statusResponse {
	return statusResponse{
		JobID:           v.JobID,
		Status:          v.Status,
		TotalImages:     v.TotalImages,
		ProcessedImages: v.ProcessedImages,
		Progress:        v.Progress,
		Error:           v.Error,
	}
}

func (h HandlerSet) SubmitBatch(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	images := make([]batch.ImageInput, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, batch.ImageInput{
			ID:       img.ID,
			URL:      img.URL,
			Data:     img.Data,
			MIMEType: img.MIMEType,
		})
	}

	result, err := h.batch.Submit(c.Request.Context(), batch.SubmitInput{
		UserID:         currentUserID(c),
		ShootID:        req.ShootID,
		ProviderID:     req.ProviderID,
		PromptPresetID: req.PromptPresetID,
		Prompt:         req.Prompt,
		Mode:           req.Mode,
		Images:         images,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, submitResponse{
		JobID:               result.JobID,
		Mode:                result.Mode,
		EstimatedCompletion: result.EstimatedCompletion,
		EstimatedCredits:    result.EstimatedCredits,
	})
}

func (h HandlerSet) BatchStatus(c *gin.Context) {
	view, err := h.batch.Status(c.Request.Context(), currentUserID(c), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(view))
}

func (h HandlerSet) BatchResults(c *gin.Context) {
	view, err := h.batch.Results(c.Request.Context(), currentUserID(c), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	results := view.Results
	if results == nil {
		results = []models.Rating{}
	}
	c.JSON(http.StatusOK, resultsResponse{
		Results:         results,
		TotalImages:     view.TotalImages,
		ProcessedImages: view.ProcessedImages,
		CompletedAt:     view.CompletedAt,
	})
}

func (h HandlerSet) ListBatchJobs(c *gin.Context) {
	limit, offset := paging(c)
	jobs, err := h.batch.List(c.Request.Context(), currentUserID(c), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobResponse{
			statusResponse: statusResponse{
				JobID:           job.ID,
				Status:          job.Status,
				TotalImages:     job.TotalImages,
				ProcessedImages: job.ProcessedImages,
				Progress:        job.Progress(),
				Error:           job.Error(),
			},
			ShootID:     job.ShootID,
			ProviderID:  job.ProviderID,
			Mode:        job.Mode,
			CreatedAt:   job.CreatedAt,
			CompletedAt: job.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type controlFunc func(h HandlerSet, c *gin.Context) (batch.StatusView, error)

func (h HandlerSet) control(c *gin.Context, op controlFunc) {
	view, err := op(h, c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(view))
}

func (h HandlerSet) CancelBatch(c *gin.Context) {
	h.control(c, func(h HandlerSet, c *gin.Context) (batch.StatusView, error) {
		return h.batch.Cancel(c.Request.Context(), currentUserID(c), c.Param("jobId"))
	})
}

func (h HandlerSet) PauseBatch(c *gin.Context) {
	h.control(c, func(h HandlerSet, c *gin.Context) (batch.StatusView, error) {
		return h.batch.Pause(c.Request.Context(), currentUserID(c), c.Param("jobId"))
	})
}

func (h HandlerSet) ResumeBatch(c *gin.Context) {
	h.control(c, func(h HandlerSet, c *gin.Context) (batch.StatusView, error) {
		return h.batch.Resume(c.Request.Context(), currentUserID(c), c.Param("jobId"))
	})
}
