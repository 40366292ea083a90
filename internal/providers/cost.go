package providers

import (
	"fmt"
	"math"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

const (
	// Markup is applied to raw provider cost to produce the user charge.
	Markup = 2.0
	// BatchDiscount is the share of the baseline rate billed by native batch APIs.
	BatchDiscount = 0.5
)

// EstimateCost returns the raw provider cost in USD for imageCount images.
func EstimateCost(id ID, imageCount int) (float64, error) {
	if imageCount < 0 {
		return 0, fmt.Errorf("image count must not be negative, got %d", imageCount)
	}
	cfg, err := Get(id)
	if err != nil {
		return 0, err
	}
	return cfg.BaseCostPerThousandImagesUSD / 1000 * float64(imageCount), nil
}

// ModeCost is the raw provider cost for the given execution mode.
func ModeCost(id ID, imageCount int, mode models.JobMode) (float64, error) {
	cost, err := EstimateCost(id, imageCount)
	if err != nil {
		return 0, err
	}
	if mode == models.JobModeEconomy {
		cost *= BatchDiscount
	}
	return cost, nil
}

// UserCharge is what the user pays in USD: mode cost times Markup.
func UserCharge(id ID, imageCount int, mode models.JobMode) (float64, error) {
	cost, err := ModeCost(id, imageCount, mode)
	if err != nil {
		return 0, err
	}
	return cost * Markup, nil
}

func CostPerImage(cfg Config) float64 {
	return cfg.BaseCostPerThousandImagesUSD / 1000
}

func UserChargePerImage(cfg Config) float64 {
	return CostPerImage(cfg) * Markup
}

// Credits converts a USD amount into whole credits, rounding up so partial
// cents are never given away.
func Credits(usd float64, creditsPerUSD int) int64 {
	if usd <= 0 {
		return 0
	}
	raw := usd * float64(creditsPerUSD)
	// absorb float noise such as 0.30000000000000004 * 100
	return int64(math.Ceil(raw - 1e-9))
}
