package rating

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

const outputContract = `Respond with a single JSON object and nothing else:
{"starRating": 0-5 integer, "colorLabel": "none|red|yellow|green|blue|purple",
 "title": string, "description": string, "tags": [string], "confidence": 0.0-1.0}`

var presets = map[string]string{
	"default":  "You are a professional photo editor culling a shoot. Rate the image for technical quality (focus, exposure, composition) and keeper value.",
	"wedding":  "You are culling a wedding. Favour genuine emotion, closed-eye free faces and key moments; penalise blinks and missed focus on the couple.",
	"portrait": "You are culling a portrait session. Favour sharp eyes, flattering expression and clean backgrounds.",
	"sports":   "You are culling sports coverage. Favour peak action, subject sharpness and visible ball or equipment.",
}

const DefaultPreset = "default"

func PresetExists(id string) bool {
	_, ok := presets[id]
	return ok
}

// BuildPrompt joins the preset instruction, any caller supplied prompt and
// the fixed output contract.
func BuildPrompt(presetID string, custom string) string {
	base, ok := presets[presetID]
	if !ok {
		base = presets[DefaultPreset]
	}
	parts := []string{base}
	if c := strings.TrimSpace(custom); c != "" {
		parts = append(parts, c)
	}
	parts = append(parts, outputContract)
	return strings.Join(parts, "\n\n")
}

type rawRating struct {
	StarRating  *int     `json:"starRating"`
	ColorLabel  *string  `json:"colorLabel"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Confidence  *float64 `json:"confidence"`
}

var ErrMalformedOutput = errors.New("malformed rating output")

// ParseRating decodes a model reply into a Rating. Markdown code fences and
// surrounding prose are tolerated; a missing star rating or color label is not.
func ParseRating(imageID string, text string) (models.Rating, error) {
	body := extractJSON(text)
	if body == "" {
		return models.Rating{}, fmt.Errorf("%w: no json object", ErrMalformedOutput)
	}

	var raw rawRating
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.Rating{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if raw.StarRating == nil || raw.ColorLabel == nil {
		return models.Rating{}, fmt.Errorf("%w: starRating and colorLabel are required", ErrMalformedOutput)
	}

	r := models.Rating{
		ImageID:    imageID,
		StarRating: *raw.StarRating,
		ColorLabel: models.ColorLabel(strings.ToLower(strings.TrimSpace(*raw.ColorLabel))),
		Tags:       raw.Tags,
	}
	if r.ColorLabel == "" {
		r.ColorLabel = models.ColorLabelNone
	}
	if t := strings.TrimSpace(raw.Title); t != "" {
		r.Title = &t
	}
	if d := strings.TrimSpace(raw.Description); d != "" {
		r.Description = &d
	}
	if raw.Confidence != nil {
		c := clamp(*raw.Confidence, 0, 1)
		r.AIConfidence = &c
	}

	if err := r.Validate(); err != nil {
		return models.Rating{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return r, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func indexFromCustomID(id string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "img-"))
	if err != nil || !strings.HasPrefix(id, "img-") {
		return 0, false
	}
	return n, true
}
