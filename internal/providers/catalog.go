package providers

import (
	"errors"
	"fmt"
)

type ID string

const (
	OpenAIGPT5        ID = "openai-gpt-5"
	OpenAIGPT5Mini    ID = "openai-gpt-5-mini"
	AnthropicSonnet45 ID = "anthropic-claude-sonnet-4-5"
	AnthropicHaiku45  ID = "anthropic-claude-haiku-4-5"
	Gemini25Pro       ID = "gemini-2.5-pro"
	Gemini25Flash     ID = "gemini-2.5-flash"
	Grok2Vision       ID = "grok-2-vision"
	GroqLlama4Scout   ID = "groq-llama-4-scout"
	AppleIntelligence ID = "apple-intelligence"
)

type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
	VendorXAI       Vendor = "xai"
	VendorGroq      Vendor = "groq"
	VendorApple     Vendor = "apple"
)

type Config struct {
	ID                           ID      `json:"id"`
	DisplayName                  string  `json:"displayName"`
	Vendor                       Vendor  `json:"vendor"`
	Model                        string  `json:"model"`
	MaxBatchSize                 int     `json:"maxBatchSize"`
	BaseCostPerThousandImagesUSD float64 `json:"baseCostPerThousandImagesUSD"`
	SupportsBatch                bool    `json:"supportsBatch"`
	SupportsStructuredOutput     bool    `json:"supportsStructuredOutput"`
	SupportsVision               bool    `json:"supportsVision"`
	OnDevice                     bool    `json:"onDevice"`
}

var ErrUnknownProvider = errors.New("unknown provider")

// ConfigurationError reports an unknown provider id reaching an internal
// lookup. Ids are validated at the request boundary, so this is a bug.
type ConfigurationError struct {
	ID ID
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: no provider config for %q", string(e.ID))
}

func (e *ConfigurationError) Unwrap() error {
	return ErrUnknownProvider
}

var catalog = []Config{
	{
		ID:                           OpenAIGPT5,
		DisplayName:                  "OpenAI GPT-5",
		Vendor:                       VendorOpenAI,
		Model:                        "gpt-5",
		MaxBatchSize:                 50000,
		BaseCostPerThousandImagesUSD: 4.0,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           OpenAIGPT5Mini,
		DisplayName:                  "OpenAI GPT-5 mini",
		Vendor:                       VendorOpenAI,
		Model:                        "gpt-5-mini",
		MaxBatchSize:                 50000,
		BaseCostPerThousandImagesUSD: 1.0,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           AnthropicSonnet45,
		DisplayName:                  "Claude Sonnet 4.5",
		Vendor:                       VendorAnthropic,
		Model:                        "claude-sonnet-4-5",
		MaxBatchSize:                 10000,
		BaseCostPerThousandImagesUSD: 6.0,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           AnthropicHaiku45,
		DisplayName:                  "Claude Haiku 4.5",
		Vendor:                       VendorAnthropic,
		Model:                        "claude-haiku-4-5",
		MaxBatchSize:                 10000,
		BaseCostPerThousandImagesUSD: 2.0,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           Gemini25Pro,
		DisplayName:                  "Gemini 2.5 Pro",
		Vendor:                       VendorGoogle,
		Model:                        "gemini-2.5-pro",
		MaxBatchSize:                 1000,
		BaseCostPerThousandImagesUSD: 3.0,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           Gemini25Flash,
		DisplayName:                  "Gemini 2.5 Flash",
		Vendor:                       VendorGoogle,
		Model:                        "gemini-2.5-flash",
		MaxBatchSize:                 1000,
		BaseCostPerThousandImagesUSD: 0.5,
		SupportsBatch:                true,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           Grok2Vision,
		DisplayName:                  "Grok 2 Vision",
		Vendor:                       VendorXAI,
		Model:                        "grok-2-vision-1212",
		MaxBatchSize:                 100,
		BaseCostPerThousandImagesUSD: 5.0,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:                           GroqLlama4Scout,
		DisplayName:                  "Groq Llama 4 Scout",
		Vendor:                       VendorGroq,
		Model:                        "meta-llama/llama-4-scout-17b-16e-instruct",
		MaxBatchSize:                 100,
		BaseCostPerThousandImagesUSD: 0.25,
		SupportsStructuredOutput:     true,
		SupportsVision:               true,
	},
	{
		ID:             AppleIntelligence,
		DisplayName:    "Apple Intelligence (on-device)",
		Vendor:         VendorApple,
		Model:          "apple-foundation-vision",
		MaxBatchSize:   1,
		SupportsVision: true,
		OnDevice:       true,
	},
}

var byID = func() map[ID]Config {
	m := make(map[ID]Config, len(catalog))
	for _, c := range catalog {
		m[c.ID] = c
	}
	return m
}()

// Get returns the catalog entry for id.
func Get(id ID) (Config, error) {
	cfg, ok := byID[id]
	if !ok {
		return Config{}, &ConfigurationError{ID: id}
	}
	return cfg, nil
}

// ParseID validates a caller supplied provider id.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if _, ok := byID[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return id, nil
}

// All returns the catalog in display order.
func All() []Config {
	out := make([]Config, len(catalog))
	copy(out, catalog)
	return out
}
