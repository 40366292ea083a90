package rating

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/stevemoraco/Kull-sub004/internal/media/sniffer"
	"github.com/stevemoraco/Kull-sub004/internal/models"
)

const (
	// Gemini rejects inline batch payloads above 20MB; keep headroom for the
	// request envelope.
	geminiInlineLimit   = 16 << 20
	geminiMaxImageBytes = 20 << 20
	geminiFetchTimeout  = 30 * time.Second
)

// Gemini serves both fast and economy mode through the genai SDK.
// The Gemini API only reads images it was handed as bytes or that live in
// its own file store, so images given by URL are downloaded first. Batches
// whose inline payload would pass inlineLimit go up as a JSONL file.
type Gemini struct {
	client      *genai.Client
	http        *http.Client
	inlineLimit int
}

func NewGemini(ctx context.Context, apiKey, baseURL string) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Gemini{
		client:      client,
		http:        &http.Client{Timeout: geminiFetchTimeout},
		inlineLimit: geminiInlineLimit,
	}, nil
}

// fetch turns a URL image into an inline one.
func (g *Gemini) fetch(ctx context.Context, img Image) (Image, error) {
	if len(img.Data) > 0 {
		return img, nil
	}
	if img.URL == "" {
		return Image{}, fmt.Errorf("image %s has neither data nor url", img.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return Image{}, fmt.Errorf("fetch image %s: %w", img.ID, err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("fetch image %s: %w", img.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("fetch image %s: status %d", img.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, geminiMaxImageBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("fetch image %s: %w", img.ID, err)
	}
	if len(data) > geminiMaxImageBytes {
		return Image{}, fmt.Errorf("fetch image %s: larger than %d bytes", img.ID, geminiMaxImageBytes)
	}

	img.Data = data
	if res, err := sniffer.DetectHead(data); err == nil {
		img.MIMEType = res.MIME
	} else if img.MIMEType == "" {
		img.MIMEType, _, _ = mime.ParseMediaType(resp.Header.Get("Content-Type"))
	}
	return img, nil
}

func geminiContents(prompt string, img Image) []*genai.Content {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(img.Data, img.MIMEType),
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func geminiConfig(structured bool) *genai.GenerateContentConfig {
	if !structured {
		return nil
	}
	return &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
}

func (g *Gemini) Rate(ctx context.Context, req RateRequest) (models.Rating, error) {
	img, err := g.fetch(ctx, req.Image)
	if err != nil {
		return models.Rating{}, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, geminiContents(req.Prompt, img), geminiConfig(req.Structured))
	if err != nil {
		return models.Rating{}, fmt.Errorf("generate content: %w", err)
	}
	return ParseRating(req.Image.ID, resp.Text())
}

func (g *Gemini) Submit(ctx context.Context, req BatchRequest) (string, error) {
	images := make([]Image, 0, len(req.Images))
	size := 0
	for _, img := range req.Images {
		img, err := g.fetch(ctx, img)
		if err != nil {
			return "", err
		}
		images = append(images, img)
		size += base64.StdEncoding.EncodedLen(len(img.Data)) + len(req.Prompt)
	}

	src := &genai.BatchJobSource{}
	if size > g.inlineLimit {
		name, err := g.uploadRequests(ctx, req, images)
		if err != nil {
			return "", err
		}
		src.FileName = name
	} else {
		for _, img := range images {
			src.InlinedRequests = append(src.InlinedRequests, &genai.InlinedRequest{
				Model:    req.Model,
				Contents: geminiContents(req.Prompt, img),
				Config:   geminiConfig(req.Structured),
			})
		}
	}

	job, err := g.client.Batches.Create(ctx, req.Model, src, &genai.CreateBatchJobConfig{
		DisplayName: "kull-" + req.JobID,
	})
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return job.Name, nil
}

type geminiFileLine struct {
	Key      string                         `json:"key"`
	Request  *geminiFileRequest             `json:"request,omitempty"`
	Response *genai.GenerateContentResponse `json:"response,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiFileRequest struct {
	Contents         []*genai.Content        `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

// uploadRequests writes one keyed request per line and returns the file name
// the batch should read from.
func (g *Gemini) uploadRequests(ctx context.Context, req BatchRequest, images []Image) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, img := range images {
		line := geminiFileLine{
			Key:     customID(i),
			Request: &geminiFileRequest{Contents: geminiContents(req.Prompt, img)},
		}
		if req.Structured {
			line.Request.GenerationConfig = &geminiGenerationConfig{ResponseMIMEType: "application/json"}
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("encode batch line %d: %w", i, err)
		}
	}

	file, err := g.client.Files.Upload(ctx, &buf, &genai.UploadFileConfig{
		MIMEType:    "jsonl",
		DisplayName: "kull-" + req.JobID,
	})
	if err != nil {
		return "", fmt.Errorf("upload batch input: %w", err)
	}
	return file.Name, nil
}

func (g *Gemini) Poll(ctx context.Context, batchID string, imageIDs []string) (BatchState, error) {
	job, err := g.client.Batches.Get(ctx, batchID, nil)
	if err != nil {
		return BatchState{}, fmt.Errorf("get batch: %w", err)
	}

	state := BatchState{Status: BatchInProgress, Total: len(imageIDs)}
	switch job.State {
	case genai.JobStateSucceeded:
		if job.Dest == nil {
			return BatchState{}, errors.New("batch succeeded without destination")
		}
		if job.Dest.FileName != "" {
			state.Ratings, err = g.readResponses(ctx, job.Dest.FileName, imageIDs)
			if err != nil {
				return BatchState{}, err
			}
		} else {
			for i, resp := range job.Dest.InlinedResponses {
				if i >= len(imageIDs) || resp == nil || resp.Error != nil || resp.Response == nil {
					continue
				}
				r, err := ParseRating(imageIDs[i], resp.Response.Text())
				if err != nil {
					continue
				}
				state.Ratings = append(state.Ratings, r)
			}
		}
		state.Status = BatchCompleted
		state.Processed = len(imageIDs)
	case genai.JobStateFailed, genai.JobStateCancelled, genai.JobStateExpired:
		state.Status = BatchFailed
		state.Error = "gemini batch " + string(job.State)
		if job.Error != nil && job.Error.Message != "" {
			state.Error = job.Error.Message
		}
	}
	return state, nil
}

// readResponses maps each line of a results file back to its image through
// the key written at upload.
func (g *Gemini) readResponses(ctx context.Context, fileName string, imageIDs []string) ([]models.Rating, error) {
	data, err := g.client.Files.Download(ctx, genai.NewDownloadURIFromFile(&genai.File{DownloadURI: fileName}), nil)
	if err != nil {
		return nil, fmt.Errorf("download results: %w", err)
	}

	var ratings []models.Rating
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var line geminiFileLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		idx, ok := indexFromCustomID(line.Key)
		if !ok || idx >= len(imageIDs) || line.Error != nil || line.Response == nil {
			continue
		}
		r, err := ParseRating(imageIDs[idx], line.Response.Text())
		if err != nil {
			continue
		}
		ratings = append(ratings, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return ratings, nil
}

func (g *Gemini) Cancel(ctx context.Context, batchID string) error {
	if err := g.client.Batches.Cancel(ctx, batchID, nil); err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return nil
}
