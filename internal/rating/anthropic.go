package rating

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

const anthropicMaxTokens = 1024

// AnthropicBatcher drives the Message Batches API. Fast mode for Anthropic
// goes through OpenAIRater and the compatibility endpoint instead.
type AnthropicBatcher struct {
	client anthropic.Client
}

// NewAnthropicBatcher accepts the same base URL as the compatibility
// endpoint; the trailing /v1 is dropped since the SDK adds it per route.
func NewAnthropicBatcher(apiKey string, baseURL string) *AnthropicBatcher {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// the runner owns retries and counts them on the job
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		base := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	return &AnthropicBatcher{client: anthropic.NewClient(opts...)}
}

func anthropicImage(img Image) anthropic.ContentBlockParamUnion {
	if len(img.Data) > 0 {
		return anthropic.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))
	}
	return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL})
}

func (b *AnthropicBatcher) Submit(ctx context.Context, req BatchRequest) (string, error) {
	requests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(req.Images))
	for i, img := range req.Images {
		requests = append(requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: customID(i),
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:     anthropic.Model(req.Model),
				MaxTokens: anthropicMaxTokens,
				System:    []anthropic.TextBlockParam{{Text: req.Prompt}},
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropicImage(img), anthropic.NewTextBlock("Rate this image.")),
				},
			},
		})
	}

	batch, err := b.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return batch.ID, nil
}

func (b *AnthropicBatcher) Poll(ctx context.Context, batchID string, imageIDs []string) (BatchState, error) {
	batch, err := b.client.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return BatchState{}, fmt.Errorf("retrieve batch: %w", err)
	}

	counts := batch.RequestCounts
	state := BatchState{
		Status:    BatchInProgress,
		Processed: int(counts.Succeeded + counts.Errored + counts.Canceled + counts.Expired),
		Total:     len(imageIDs),
	}
	if batch.ProcessingStatus != anthropic.MessageBatchProcessingStatusEnded {
		return state, nil
	}
	if counts.Succeeded == 0 {
		state.Status = BatchFailed
		state.Error = fmt.Sprintf("anthropic batch ended with %d errored, %d canceled, %d expired", counts.Errored, counts.Canceled, counts.Expired)
		return state, nil
	}

	ratings, err := b.readResults(ctx, batchID, imageIDs)
	if err != nil {
		return BatchState{}, err
	}
	state.Status = BatchCompleted
	state.Ratings = ratings
	return state, nil
}

// readResults maps each succeeded result line back to its image through the
// custom id. Errored lines and unparseable answers are left out.
func (b *AnthropicBatcher) readResults(ctx context.Context, batchID string, imageIDs []string) ([]models.Rating, error) {
	stream := b.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	if stream == nil {
		return nil, errors.New("fetch results: no response")
	}
	defer stream.Close()

	var ratings []models.Rating
	for stream.Next() {
		line := stream.Current()
		idx, ok := indexFromCustomID(line.CustomID)
		if !ok || idx >= len(imageIDs) || line.Result.Type != "succeeded" {
			continue
		}
		var text strings.Builder
		for _, block := range line.Result.Message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		r, err := ParseRating(imageIDs[idx], text.String())
		if err != nil {
			continue
		}
		ratings = append(ratings, r)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return ratings, nil
}

func (b *AnthropicBatcher) Cancel(ctx context.Context, batchID string) error {
	if _, err := b.client.Messages.Batches.Cancel(ctx, batchID); err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return nil
}
