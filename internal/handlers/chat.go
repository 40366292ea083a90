package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/metrics"
	"github.com/stevemoraco/Kull-sub004/internal/salesguard"
)

type validateRequest struct {
	Text              string   `json:"text" binding:"required"`
	PreviousQuestions []string `json:"previousQuestions"`
	Step              int      `json:"step"`
}

// ValidateChat reports script problems in a generated sales reply. The
// caller decides what to do with the report.
func (h HandlerSet) ValidateChat(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report := h.validator.Validate(salesguard.Input{
		Text:              req.Text,
		PreviousQuestions: req.PreviousQuestions,
		Step:              req.Step,
	})

	if report.RepeatedQuestion {
		metrics.ScriptFlags.WithLabelValues("repeated_question").Inc()
	}
	if report.ActivityWithoutQuestion {
		metrics.ScriptFlags.WithLabelValues("activity_without_question").Inc()
	}
	if report.OffScript {
		metrics.ScriptFlags.WithLabelValues("off_script").Inc()
	}
	if !report.Valid {
		h.log.Debug().Strs("issues", report.Issues).Int("step", req.Step).Msg("sales reply flagged")
	}

	c.JSON(http.StatusOK, report)
}
