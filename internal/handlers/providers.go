package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/providers"
)

type providerResponse struct {
	providers.Config
	CostPerImage       float64 `json:"costPerImage"`
	UserChargePerImage float64 `json:"userChargePerImage"`
}

func (h HandlerSet) ListProviders(c *gin.Context) {
	all := providers.All()
	items := make([]providerResponse, 0, len(all))
	for _, cfg := range all {
		items = append(items, providerResponse{
			Config:             cfg,
			CostPerImage:       providers.CostPerImage(cfg),
			UserChargePerImage: providers.UserChargePerImage(cfg),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": items,
		"markup":    "2x",
	})
}
