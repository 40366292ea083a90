package rating

import (
	"context"
	"sync"

	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/providers"
)

// Image is one image handed to a provider. Data, when set, is sent inline;
// otherwise the provider fetches URL itself.
type Image struct {
	ID       string
	URL      string
	MIMEType string
	Data     []byte
}

type RateRequest struct {
	Model      string
	Prompt     string
	Structured bool
	Image      Image
}

// Rater rates a single image synchronously (fast mode).
type Rater interface {
	Rate(ctx context.Context, req RateRequest) (models.Rating, error)
}

type BatchRequest struct {
	JobID      string
	Model      string
	Prompt     string
	Structured bool
	Images     []Image
}

type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// BatchState is a snapshot of a provider-side batch. Ratings is only
// populated once Status is BatchCompleted.
type BatchState struct {
	Status    BatchStatus
	Processed int
	Total     int
	Ratings   []models.Rating
	Error     string
}

// BatchRater drives a provider's native asynchronous batch API (economy mode).
// imageIDs must be passed in submission order; providers address requests by index.
type BatchRater interface {
	Submit(ctx context.Context, req BatchRequest) (string, error)
	Poll(ctx context.Context, batchID string, imageIDs []string) (BatchState, error)
	Cancel(ctx context.Context, batchID string) error
}

// Clients maps provider ids onto configured provider clients.
type Clients struct {
	mu      sync.RWMutex
	raters  map[providers.ID]Rater
	batch   map[providers.ID]BatchRater
	inlined map[providers.ID]bool
}

func NewClients() *Clients {
	return &Clients{
		raters:  make(map[providers.ID]Rater),
		batch:   make(map[providers.ID]BatchRater),
		inlined: make(map[providers.ID]bool),
	}
}

func (c *Clients) RegisterRater(id providers.ID, r Rater) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raters[id] = r
}

func (c *Clients) RegisterBatchRater(id providers.ID, b BatchRater) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch[id] = b
}

// RequireInlineData marks providers that cannot fetch images by URL.
func (c *Clients) RequireInlineData(id providers.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inlined[id] = true
}

func (c *Clients) Rater(id providers.ID) (Rater, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.raters[id]
	return r, ok
}

func (c *Clients) BatchRater(id providers.ID) (BatchRater, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.batch[id]
	return b, ok
}

func (c *Clients) NeedsInlineData(id providers.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inlined[id]
}

func customID(i int) string {
	return "img-" + itoa(i)
}
