package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/ids"
	"github.com/stevemoraco/Kull-sub004/internal/metrics"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/providers"
	"github.com/stevemoraco/Kull-sub004/internal/rating"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
)

const finalizeTimeout = 15 * time.Second

type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Runner executes jobs, one cancellable goroutine per job. Jobs it runs are
// claimed in the store under the runner's id.
type Runner struct {
	id      string
	jobs    JobStore
	images  ImageStore
	clients *rating.Clients
	credits Credits
	events  realtime.Publisher
	cfg     config.BatchConfig
	log     zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(jobs JobStore, images ImageStore, clients *rating.Clients, credits Credits, events realtime.Publisher, cfg config.BatchConfig, log zerolog.Logger) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		id:      ids.New(),
		jobs:    jobs,
		images:  images,
		clients: clients,
		credits: credits,
		events:  events,
		cfg:     cfg,
		log:     log.With().Str("component", "batch_runner").Logger(),
		base:    base,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
}

// Dispatch implements Dispatcher by starting the job in this process.
func (r *Runner) Dispatch(_ context.Context, jobID string) error {
	return r.Start(jobID)
}

// Start launches the job's task unless one is already live. A task that is
// still winding down after Stop is waited for first.
func (r *Runner) Start(jobID string) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrRunnerClosed
		}
		existing, ok := r.tasks[jobID]
		if ok && !existing.stopping {
			r.mu.Unlock()
			return nil
		}
		if ok {
			r.mu.Unlock()
			<-existing.done
			continue
		}

		ctx, cancel := context.WithCancel(r.base)
		t := &task{cancel: cancel, done: make(chan struct{})}
		r.tasks[jobID] = t
		r.wg.Add(1)
		r.mu.Unlock()

		go func() {
			defer r.wg.Done()
			defer close(t.done)
			defer r.forget(jobID, t)
			defer cancel()
			r.run(ctx, jobID)
		}()
		return nil
	}
}

// Stop cancels the job's local task, if any. It does not touch job state.
func (r *Runner) Stop(_ context.Context, jobID string) error {
	r.mu.Lock()
	t, ok := r.tasks[jobID]
	if ok {
		t.stopping = true
	}
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return nil
}

// Wait blocks until the job's local task has exited.
func (r *Runner) Wait(jobID string) {
	r.mu.Lock()
	t, ok := r.tasks[jobID]
	r.mu.Unlock()
	if ok {
		<-t.done
	}
}

func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown stops every task and waits for them until ctx expires. Each
// stopped job stays running but is released, so the next RequeuePending,
// here or in another process, resumes it. An economy job keeps its provider
// batch and resumes polling it.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) shuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runner) forget(jobID string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[jobID] == t {
		delete(r.tasks, jobID)
	}
}

func (r *Runner) run(ctx context.Context, jobID string) {
	logger := r.log.With().Str("job_id", jobID).Logger()

	job, ok, err := r.jobs.MarkRunning(ctx, jobID, r.id)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("mark running failed")
		}
		return
	}
	if !ok {
		logger.Debug().Msg("job not runnable, skipping")
		return
	}
	logger = logger.With().Str("provider_id", job.ProviderID).Str("mode", string(job.Mode)).Logger()
	logger.Info().Int("total_images", job.TotalImages).Msg("job running")
	r.publishProgress(job, job.ProcessedImages, models.JobStatusRunning, "")

	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	jobCtx, cancel := context.WithDeadline(ctx, started.Add(r.cfg.MaxWait))
	defer cancel()

	ratings, err := r.execute(jobCtx, job)

	switch {
	case ctx.Err() != nil && r.shuttingDown():
		r.release(job, logger)
	case ctx.Err() != nil:
		// stopped by cancel, pause or the sweeper, which own the state
		logger.Info().Msg("job task stopped")
	case errors.Is(err, errStopped):
		logger.Info().Msg("job left running state, task exiting")
	case jobCtx.Err() == context.DeadlineExceeded:
		r.cancelProviderBatch(job)
		r.fail(job, &TimeoutError{After: r.cfg.MaxWait}, logger)
	case err != nil:
		r.fail(job, err, logger)
	default:
		r.complete(job, ratings, logger)
	}
}

func (r *Runner) execute(ctx context.Context, job models.BatchJob) ([]models.Rating, error) {
	cfg, err := providers.Get(providers.ID(job.ProviderID))
	if err != nil {
		return nil, err
	}
	refs, err := r.jobs.Images(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load images: %w", err)
	}
	if job.Mode == models.JobModeEconomy {
		return r.runEconomy(ctx, job, cfg, refs)
	}
	return nil, r.runFast(ctx, job, cfg, refs)
}

// runFast rates every image not yet rated, bounded by the configured
// concurrency and the provider's batch size.
func (r *Runner) runFast(ctx context.Context, job models.BatchJob, cfg providers.Config, refs []models.ImageRef) error {
	rater, ok := r.clients.Rater(cfg.ID)
	if !ok {
		return &ProviderError{Provider: job.ProviderID, Err: errors.New("no client configured")}
	}

	done, err := r.jobs.RatedImageIDs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load rated images: %w", err)
	}
	rated := make(map[string]struct{}, len(done))
	for _, id := range done {
		rated[id] = struct{}{}
	}

	limit := r.cfg.FastConcurrency
	if cfg.MaxBatchSize > 0 && cfg.MaxBatchSize < limit {
		limit = cfg.MaxBatchSize
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, ref := range refs {
		if _, ok := rated[ref.ID]; ok {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rt, err := r.rateWithRetry(gctx, job, cfg, rater, ref)
			if err != nil {
				return err
			}
			processed, ok, err := r.jobs.RecordRating(gctx, job.ID, rt)
			if err != nil {
				return fmt.Errorf("record rating: %w", err)
			}
			if !ok {
				return errStopped
			}
			metrics.ImagesRated.WithLabelValues(job.ProviderID).Inc()
			r.publishProgress(job, processed, models.JobStatusRunning, "")
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) rateWithRetry(ctx context.Context, job models.BatchJob, cfg providers.Config, rater rating.Rater, ref models.ImageRef) (models.Rating, error) {
	for {
		img, err := r.resolveImage(ctx, cfg.ID, ref)
		if err != nil {
			return models.Rating{}, err
		}

		start := time.Now()
		rt, err := rater.Rate(ctx, rating.RateRequest{
			Model:      cfg.Model,
			Prompt:     job.Prompt,
			Structured: cfg.SupportsStructuredOutput,
			Image:      img,
		})
		metrics.ProviderLatency.WithLabelValues(job.ProviderID, "rate").Observe(time.Since(start).Seconds())
		if err == nil {
			return rt, nil
		}
		if err := r.retry(ctx, job, err); err != nil {
			return models.Rating{}, err
		}
	}
}

// retry records a provider failure and sleeps the backoff. It returns a
// ProviderError once the job's retries are exhausted.
func (r *Runner) retry(ctx context.Context, job models.BatchJob, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	retries, err := r.jobs.IncrementRetry(ctx, job.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	r.log.Warn().
		Err(cause).
		Str("job_id", job.ID).
		Int("retry_count", retries).
		Msg("provider call failed")
	if retries > r.cfg.MaxRetries {
		return &ProviderError{Provider: job.ProviderID, Retries: retries - 1, Err: cause}
	}

	timer := time.NewTimer(r.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runEconomy submits the job once to the provider's batch API (unless a
// previous run already did) and polls until the batch settles.
func (r *Runner) runEconomy(ctx context.Context, job models.BatchJob, cfg providers.Config, refs []models.ImageRef) ([]models.Rating, error) {
	batcher, ok := r.clients.BatchRater(cfg.ID)
	if !ok {
		return nil, &ProviderError{Provider: job.ProviderID, Err: errors.New("no batch client configured")}
	}

	imageIDs := make([]string, len(refs))
	for i, ref := range refs {
		imageIDs[i] = ref.ID
	}

	var batchID string
	if job.ProviderBatchID != nil {
		batchID = *job.ProviderBatchID
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	processed := job.ProcessedImages
	for {
		if batchID == "" {
			id, err := r.submit(ctx, job, cfg, batcher, refs)
			if err != nil {
				if rerr := r.retry(ctx, job, err); rerr != nil {
					return nil, rerr
				}
				continue
			}
			batchID = id
		} else {
			start := time.Now()
			state, err := batcher.Poll(ctx, batchID, imageIDs)
			metrics.ProviderLatency.WithLabelValues(job.ProviderID, "poll").Observe(time.Since(start).Seconds())

			switch {
			case err != nil:
				if rerr := r.retry(ctx, job, err); rerr != nil {
					return nil, rerr
				}
			case state.Status == rating.BatchCompleted:
				return r.fillMissing(ctx, job, cfg, refs, state.Ratings)
			case state.Status == rating.BatchFailed:
				if rerr := r.retry(ctx, job, errors.New(state.Error)); rerr != nil {
					return nil, rerr
				}
				// resubmit on the next tick
				batchID = ""
			default:
				next, ok, err := r.jobs.UpdateProgress(ctx, job.ID, state.Processed)
				if err != nil {
					return nil, fmt.Errorf("update progress: %w", err)
				}
				if !ok {
					return nil, errStopped
				}
				if next != processed {
					processed = next
					r.publishProgress(job, processed, models.JobStatusRunning, "")
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) submit(ctx context.Context, job models.BatchJob, cfg providers.Config, batcher rating.BatchRater, refs []models.ImageRef) (string, error) {
	imgs := make([]rating.Image, 0, len(refs))
	for _, ref := range refs {
		img, err := r.resolveImage(ctx, cfg.ID, ref)
		if err != nil {
			return "", err
		}
		imgs = append(imgs, img)
	}

	start := time.Now()
	batchID, err := batcher.Submit(ctx, rating.BatchRequest{
		JobID:      job.ID,
		Model:      cfg.Model,
		Prompt:     job.Prompt,
		Structured: cfg.SupportsStructuredOutput,
		Images:     imgs,
	})
	metrics.ProviderLatency.WithLabelValues(job.ProviderID, "submit").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if err := r.jobs.SetProviderBatchID(ctx, job.ID, batchID); err != nil {
		return "", fmt.Errorf("store provider batch id: %w", err)
	}
	r.log.Info().Str("job_id", job.ID).Str("provider_batch_id", batchID).Msg("provider batch submitted")
	return batchID, nil
}

// fillMissing rates, one by one, any image the provider batch came back
// without. Without a synchronous client the job fails instead.
func (r *Runner) fillMissing(ctx context.Context, job models.BatchJob, cfg providers.Config, refs []models.ImageRef, got []models.Rating) ([]models.Rating, error) {
	byID := make(map[string]models.Rating, len(got))
	for _, rt := range got {
		byID[rt.ImageID] = rt
	}

	out := make([]models.Rating, 0, len(refs))
	var rater rating.Rater
	for _, ref := range refs {
		if rt, ok := byID[ref.ID]; ok {
			out = append(out, rt)
			continue
		}
		if rater == nil {
			var ok bool
			if rater, ok = r.clients.Rater(cfg.ID); !ok {
				return nil, &ProviderError{Provider: job.ProviderID, Err: fmt.Errorf("batch returned no rating for image %s", ref.ID)}
			}
			r.log.Warn().Str("job_id", job.ID).Msg("batch output incomplete, rating remaining images directly")
		}
		rt, err := r.rateWithRetry(ctx, job, cfg, rater, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	metrics.ImagesRated.WithLabelValues(job.ProviderID).Add(float64(len(out)))
	return out, nil
}

func (r *Runner) resolveImage(ctx context.Context, id providers.ID, ref models.ImageRef) (rating.Image, error) {
	img := rating.Image{ID: ref.ID, URL: ref.URL, MIMEType: ref.MIMEType}
	if ref.ObjectKey == "" {
		return img, nil
	}
	if r.clients.NeedsInlineData(id) {
		data, err := r.images.GetImage(ctx, ref.ObjectKey)
		if err != nil {
			return rating.Image{}, fmt.Errorf("load image %s: %w", ref.ID, err)
		}
		img.Data = data
		return img, nil
	}
	url, err := r.images.ImageURL(ctx, ref.ObjectKey)
	if err != nil {
		return rating.Image{}, fmt.Errorf("presign image %s: %w", ref.ID, err)
	}
	img.URL = url
	return img, nil
}

func (r *Runner) release(job models.BatchJob, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	ok, err := r.jobs.Release(ctx, job.ID, r.id)
	if err != nil {
		logger.Error().Err(err).Msg("release job failed")
		return
	}
	if ok {
		logger.Info().Msg("job released for resume")
	}
}

func (r *Runner) complete(job models.BatchJob, ratings []models.Rating, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	usd, err := providers.UserCharge(providers.ID(job.ProviderID), job.TotalImages, job.Mode)
	if err != nil {
		r.fail(job, err, logger)
		return
	}
	credits := providers.Credits(usd, r.cfg.CreditsPerUSD)

	var debit *models.LedgerEntry
	if credits > 0 {
		debit = &models.LedgerEntry{
			ID:        ids.New(),
			UserID:    job.UserID,
			EntryType: models.LedgerEntryDebit,
			Credits:   credits,
			Metadata: &models.LedgerMetadata{
				ProviderID:      job.ProviderID,
				ShootID:         job.ShootID,
				JobID:           job.ID,
				ImagesProcessed: job.TotalImages,
				Reason:          "batch rating",
			},
		}
	}

	ok, err := r.jobs.Complete(ctx, job.ID, ratings, credits, debit)
	if err != nil {
		logger.Error().Err(err).Msg("complete job failed")
		return
	}
	if !ok {
		logger.Info().Msg("job left running state before completion")
		return
	}
	logger.Info().Int64("credits", credits).Msg("job completed")
	metrics.JobsFinished.WithLabelValues(job.ProviderID, string(job.Mode), string(models.JobStatusCompleted)).Inc()

	r.archiveResults(ctx, job, logger)
	r.publishProgress(job, job.TotalImages, models.JobStatusCompleted, "")
	if debit != nil {
		r.publishBalance(ctx, job.UserID, -credits, "batch rating")
	}
}

func (r *Runner) archiveResults(ctx context.Context, job models.BatchJob, logger zerolog.Logger) {
	if r.images == nil {
		return
	}
	results, err := r.jobs.Results(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("load results for archive failed")
		return
	}
	data, err := json.Marshal(map[string]any{
		"jobId":      job.ID,
		"shootId":    job.ShootID,
		"providerId": job.ProviderID,
		"results":    results,
	})
	if err != nil {
		return
	}
	if err := r.images.PutResults(ctx, ResultsKey(job), data); err != nil {
		logger.Warn().Err(err).Msg("archive results failed")
	}
}

func (r *Runner) fail(job models.BatchJob, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	msg := cause.Error()
	ok, err := r.jobs.Fail(ctx, job.ID, msg)
	if err != nil {
		logger.Error().Err(err).Msg("mark job failed")
		return
	}
	if !ok {
		return
	}
	logger.Warn().Err(cause).Msg("job failed")
	metrics.JobsFinished.WithLabelValues(job.ProviderID, string(job.Mode), string(models.JobStatusFailed)).Inc()

	current := job.ProcessedImages
	if latest, err := r.jobs.Get(ctx, job.ID); err == nil {
		current = latest.ProcessedImages
	}
	r.publishProgress(job, current, models.JobStatusFailed, msg)
}

func (r *Runner) cancelProviderBatch(job models.BatchJob) {
	if job.Mode != models.JobModeEconomy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	cancelProviderBatch(ctx, r.jobs, r.clients, job.ID, r.log)
}

func (r *Runner) publishProgress(job models.BatchJob, processed int, status models.JobStatus, errMsg string) {
	publishProgress(r.events, job, processed, status, errMsg, r.log)
}

func (r *Runner) publishBalance(ctx context.Context, userID string, delta int64, reason string) {
	if r.credits == nil || r.events == nil {
		return
	}
	balance, err := r.credits.Balance(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("read balance failed")
		return
	}
	env, err := realtime.NewEnvelope(userID, "", realtime.CreditUpdate{Balance: balance, Delta: delta, Reason: reason})
	if err != nil {
		return
	}
	if err := r.events.Publish(ctx, env); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("publish credit update failed")
	}
}

// ResultsKey is where a completed job's result set is archived.
func ResultsKey(job models.BatchJob) string {
	return "jobs/" + job.UserID + "/" + job.ID + ".json"
}

func publishProgress(events realtime.Publisher, job models.BatchJob, processed int, status models.JobStatus, errMsg string, log zerolog.Logger) {
	if events == nil {
		return
	}
	progress := 0.0
	if job.TotalImages > 0 {
		progress = float64(processed) / float64(job.TotalImages)
	}
	env, err := realtime.NewEnvelope(job.UserID, "", realtime.ShootProgress{
		ShootID:         job.ShootID,
		JobID:           job.ID,
		Status:          string(status),
		ProcessedImages: processed,
		TotalImages:     job.TotalImages,
		Progress:        progress,
		Error:           errMsg,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := events.Publish(ctx, env); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("publish progress failed")
	}
}

// cancelProviderBatch is best effort; a batch the provider already settled
// simply errors.
func cancelProviderBatch(ctx context.Context, jobs JobStore, clients *rating.Clients, jobID string, log zerolog.Logger) {
	job, err := jobs.Get(ctx, jobID)
	if err != nil || job.ProviderBatchID == nil {
		return
	}
	batcher, ok := clients.BatchRater(providers.ID(job.ProviderID))
	if !ok {
		return
	}
	if err := batcher.Cancel(ctx, *job.ProviderBatchID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("cancel provider batch failed")
	}
}
