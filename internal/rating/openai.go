package rating

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

// OpenAIRater serves every OpenAI-compatible chat completions API: OpenAI
// itself, x.ai, Groq and Anthropic's compatibility endpoint.
type OpenAIRater struct {
	client *openai.Client
}

func NewOpenAIRater(apiKey string, baseURL string) *OpenAIRater {
	return &OpenAIRater{client: newOpenAIClient(apiKey, baseURL)}
}

func newOpenAIClient(apiKey string, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (r *OpenAIRater) Rate(ctx context.Context, req RateRequest) (models.Rating, error) {
	resp, err := r.client.CreateChatCompletion(ctx, chatRequest(req.Model, req.Prompt, req.Structured, req.Image))
	if err != nil {
		return models.Rating{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Rating{}, errors.New("chat completion: no choices returned")
	}
	return ParseRating(req.Image.ID, resp.Choices[0].Message.Content)
}

func chatRequest(model string, prompt string, structured bool, img Image) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Rate this image.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageURL(img),
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	}
	if structured {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func imageURL(img Image) string {
	if len(img.Data) == 0 {
		return img.URL
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// OpenAIBatcher submits economy jobs to the OpenAI Batch API.
type OpenAIBatcher struct {
	client *openai.Client
}

func NewOpenAIBatcher(apiKey string, baseURL string) *OpenAIBatcher {
	return &OpenAIBatcher{client: newOpenAIClient(apiKey, baseURL)}
}

func (b *OpenAIBatcher) Submit(ctx context.Context, req BatchRequest) (string, error) {
	lines := make([]openai.BatchLineItem, 0, len(req.Images))
	for i, img := range req.Images {
		lines = append(lines, openai.BatchChatCompletionRequest{
			CustomID: customID(i),
			Method:   http.MethodPost,
			URL:      openai.BatchEndpointChatCompletions,
			Body:     chatRequest(req.Model, req.Prompt, req.Structured, img),
		})
	}

	resp, err := b.client.CreateBatchWithUploadFile(ctx, openai.CreateBatchWithUploadFileRequest{
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: "24h",
		Metadata:         map[string]any{"job_id": req.JobID},
		UploadBatchFileRequest: openai.UploadBatchFileRequest{
			FileName: req.JobID + ".jsonl",
			Lines:    lines,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return resp.ID, nil
}

func (b *OpenAIBatcher) Poll(ctx context.Context, batchID string, imageIDs []string) (BatchState, error) {
	resp, err := b.client.RetrieveBatch(ctx, batchID)
	if err != nil {
		return BatchState{}, fmt.Errorf("retrieve batch: %w", err)
	}

	state := BatchState{
		Status:    BatchInProgress,
		Processed: resp.RequestCounts.Completed + resp.RequestCounts.Failed,
		Total:     resp.RequestCounts.Total,
	}

	switch resp.Status {
	case "completed":
		if resp.OutputFileID == nil || *resp.OutputFileID == "" {
			state.Status = BatchFailed
			state.Error = "batch completed without output file"
			return state, nil
		}
		ratings, err := b.readOutput(ctx, *resp.OutputFileID, imageIDs)
		if err != nil {
			return BatchState{}, err
		}
		state.Status = BatchCompleted
		state.Ratings = ratings
	case "failed", "expired", "cancelling", "cancelled":
		state.Status = BatchFailed
		state.Error = "openai batch " + resp.Status
	}
	return state, nil
}

type openAIBatchLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int                           `json:"status_code"`
		Body       openai.ChatCompletionResponse `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *OpenAIBatcher) readOutput(ctx context.Context, fileID string, imageIDs []string) ([]models.Rating, error) {
	raw, err := b.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("get output file: %w", err)
	}
	defer raw.Close()

	ratings := make([]models.Rating, 0, len(imageIDs))
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line openAIBatchLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decode output line: %w", err)
		}
		idx, ok := indexFromCustomID(line.CustomID)
		if !ok || idx >= len(imageIDs) {
			continue
		}
		if line.Error != nil || line.Response == nil || line.Response.StatusCode != http.StatusOK || len(line.Response.Body.Choices) == 0 {
			continue
		}
		r, err := ParseRating(imageIDs[idx], line.Response.Body.Choices[0].Message.Content)
		if err != nil {
			continue
		}
		ratings = append(ratings, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output file: %w", err)
	}
	return ratings, nil
}

func (b *OpenAIBatcher) Cancel(ctx context.Context, batchID string) error {
	if _, err := b.client.CancelBatch(ctx, batchID); err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return nil
}
