package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

type ledgerEntryResponse struct {
	ID        string                 `json:"id"`
	Type      models.LedgerEntryType `json:"type"`
	Credits   int64                  `json:"credits"`
	Metadata  *models.LedgerMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

func (h HandlerSet) CreditBalance(c *gin.Context) {
	balance, err := h.credits.Balance(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (h HandlerSet) CreditHistory(c *gin.Context) {
	limit, offset := paging(c)
	entries, err := h.credits.History(c.Request.Context(), currentUserID(c), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, ledgerEntryResponse{
			ID:        e.ID,
			Type:      e.EntryType,
			Credits:   e.Signed(),
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
