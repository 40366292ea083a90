package models

import (
	"errors"
	"fmt"
)

type ColorLabel string

const (
	ColorLabelNone   ColorLabel = "none"
	ColorLabelRed    ColorLabel = "red"
	ColorLabelYellow ColorLabel = "yellow"
	ColorLabelGreen  ColorLabel = "green"
	ColorLabelBlue   ColorLabel = "blue"
	ColorLabelPurple ColorLabel = "purple"
)

func (c ColorLabel) Valid() bool {
	switch c {
	case ColorLabelNone, ColorLabelRed, ColorLabelYellow, ColorLabelGreen, ColorLabelBlue, ColorLabelPurple:
		return true
	}
	return false
}

// Rating is the structured output for one image of a completed job.
type Rating struct {
	ImageID      string     `json:"imageId"`
	StarRating   int        `json:"starRating"`
	ColorLabel   ColorLabel `json:"colorLabel"`
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	AIConfidence *float64   `json:"aiConfidence,omitempty"`
}

func (r Rating) Validate() error {
	if r.ImageID == "" {
		return errors.New("rating: image id required")
	}
	if r.StarRating < 0 || r.StarRating > 5 {
		return fmt.Errorf("rating: star rating %d out of range", r.StarRating)
	}
	if !r.ColorLabel.Valid() {
		return fmt.Errorf("rating: unknown color label %q", r.ColorLabel)
	}
	if r.AIConfidence != nil && (*r.AIConfidence < 0 || *r.AIConfidence > 1) {
		return fmt.Errorf("rating: confidence %f out of range", *r.AIConfidence)
	}
	return nil
}
