package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/ids"
	"github.com/stevemoraco/Kull-sub004/internal/media/sniffer"
	"github.com/stevemoraco/Kull-sub004/internal/metrics"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/providers"
	"github.com/stevemoraco/Kull-sub004/internal/rating"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
)

const (
	maxImageBytes = 20 << 20
	// rough per-round latency of a synchronous vision call
	fastRoundEstimate = 5 * time.Second
	staleScanLimit    = 500
)

type ImageInput struct {
	ID       string
	URL      string
	Data     []byte
	MIMEType string
}

type SubmitInput struct {
	UserID         string
	ShootID        string
	ProviderID     string
	PromptPresetID string
	Prompt         string
	Mode           string
	Images         []ImageInput
}

type SubmitResult struct {
	JobID               string
	Mode                models.JobMode
	EstimatedCompletion *time.Time
	EstimatedCredits    int64
}

type StatusView struct {
	JobID           string
	Status          models.JobStatus
	TotalImages     int
	ProcessedImages int
	Progress        float64
	Error           string
}

type ResultsView struct {
	Results         []models.Rating
	TotalImages     int
	ProcessedImages int
	CompletedAt     *time.Time
}

type Service struct {
	jobs       JobStore
	images     ImageStore
	clients    *rating.Clients
	credits    Credits
	dispatcher Dispatcher
	stopper    Stopper
	events     realtime.Publisher
	cfg        config.BatchConfig
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(jobs JobStore, images ImageStore, clients *rating.Clients, credits Credits, dispatcher Dispatcher, stopper Stopper, events realtime.Publisher, cfg config.BatchConfig, log zerolog.Logger) *Service {
	return &Service{
		jobs:       jobs,
		images:     images,
		clients:    clients,
		credits:    credits,
		dispatcher: dispatcher,
		stopper:    stopper,
		events:     events,
		cfg:        cfg,
		log:        log.With().Str("component", "batch_service").Logger(),
		now:        time.Now,
	}
}

// Submit validates the request, stores uploaded images, creates the pending
// job and dispatches it. Nothing is written when validation fails.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	cfg, mode, err := s.validate(in)
	if err != nil {
		return SubmitResult{}, err
	}

	if mode == models.JobModeEconomy {
		if _, ok := s.clients.BatchRater(cfg.ID); !ok {
			return SubmitResult{}, invalid("providerId", "provider %s is not configured for economy mode", cfg.ID)
		}
	} else if _, ok := s.clients.Rater(cfg.ID); !ok {
		return SubmitResult{}, invalid("providerId", "provider %s is not configured", cfg.ID)
	}

	usd, err := providers.UserCharge(cfg.ID, len(in.Images), mode)
	if err != nil {
		return SubmitResult{}, err
	}
	estimated := providers.Credits(usd, s.cfg.CreditsPerUSD)
	if s.cfg.EnforceCredits {
		balance, err := s.credits.Balance(ctx, in.UserID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("read balance: %w", err)
		}
		if balance < estimated {
			return SubmitResult{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, estimated, balance)
		}
	}

	jobID := ids.New()
	refs, err := s.storeImages(ctx, in.UserID, jobID, in.Images)
	if err != nil {
		return SubmitResult{}, err
	}

	presetID := in.PromptPresetID
	if presetID == "" {
		presetID = rating.DefaultPreset
	}
	now := s.now()
	job := models.BatchJob{
		ID:             jobID,
		UserID:         in.UserID,
		ShootID:        in.ShootID,
		ProviderID:     string(cfg.ID),
		PromptPresetID: presetID,
		Prompt:         rating.BuildPrompt(presetID, in.Prompt),
		Mode:           mode,
		Status:         models.JobStatusPending,
		TotalImages:    len(in.Images),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.jobs.Create(ctx, job, refs); err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmitted.WithLabelValues(job.ProviderID, string(mode)).Inc()

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		// the job stays pending and the requeue sweep picks it up
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("dispatch failed")
	}
	s.log.Info().
		Str("job_id", jobID).
		Str("user_id", in.UserID).
		Str("provider_id", job.ProviderID).
		Str("mode", string(mode)).
		Int("images", job.TotalImages).
		Msg("batch job submitted")

	eta := s.estimateCompletion(now, cfg, mode, len(in.Images))
	return SubmitResult{
		JobID:               jobID,
		Mode:                mode,
		EstimatedCompletion: &eta,
		EstimatedCredits:    estimated,
	}, nil
}

func (s *Service) validate(in SubmitInput) (providers.Config, models.JobMode, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return providers.Config{}, "", invalid("userId", "required")
	}
	if strings.TrimSpace(in.ShootID) == "" {
		return providers.Config{}, "", invalid("shootId", "required")
	}
	mode, err := models.ParseJobMode(in.Mode)
	if err != nil {
		return providers.Config{}, "", invalid("mode", "must be fast or economy")
	}
	id, err := providers.ParseID(in.ProviderID)
	if err != nil {
		return providers.Config{}, "", invalid("providerId", "unknown provider %q", in.ProviderID)
	}
	cfg, err := providers.Get(id)
	if err != nil {
		return providers.Config{}, "", err
	}
	if cfg.OnDevice {
		return providers.Config{}, "", invalid("providerId", "provider %s runs on device only", id)
	}
	if mode == models.JobModeEconomy && !cfg.SupportsBatch {
		return providers.Config{}, "", invalid("mode", "provider %s does not support economy mode", id)
	}
	if in.PromptPresetID != "" && !rating.PresetExists(in.PromptPresetID) {
		return providers.Config{}, "", invalid("promptPresetId", "unknown preset %q", in.PromptPresetID)
	}
	if len(in.Images) == 0 {
		return providers.Config{}, "", invalid("images", "at least one image is required")
	}
	if mode == models.JobModeEconomy && cfg.MaxBatchSize > 0 && len(in.Images) > cfg.MaxBatchSize {
		return providers.Config{}, "", invalid("images", "provider %s accepts at most %d images per batch", id, cfg.MaxBatchSize)
	}

	seen := make(map[string]struct{}, len(in.Images))
	for i, img := range in.Images {
		if strings.TrimSpace(img.ID) == "" {
			return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].id", i), "required")
		}
		if _, dup := seen[img.ID]; dup {
			return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].id", i), "duplicate image id %q", img.ID)
		}
		seen[img.ID] = struct{}{}

		switch {
		case len(img.Data) > 0:
			if len(img.Data) > maxImageBytes {
				return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].data", i), "image exceeds %d bytes", maxImageBytes)
			}
			detected, err := sniffer.DetectHead(img.Data)
			if err != nil {
				return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].data", i), "unsupported image format")
			}
			if !detected.Rateable() {
				return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].data", i), "%s cannot be rated directly, send a jpeg preview", detected.Type)
			}
		case img.URL != "":
			if !strings.HasPrefix(img.URL, "https://") && !strings.HasPrefix(img.URL, "http://") {
				return providers.Config{}, "", invalid(fmt.Sprintf("images[%d].url", i), "must be an http(s) url")
			}
		default:
			return providers.Config{}, "", invalid(fmt.Sprintf("images[%d]", i), "url or data required")
		}
	}
	return cfg, mode, nil
}

func (s *Service) storeImages(ctx context.Context, userID, jobID string, in []ImageInput) ([]models.ImageRef, error) {
	refs := make([]models.ImageRef, 0, len(in))
	for i, img := range in {
		ref := models.ImageRef{ID: img.ID, URL: img.URL, MIMEType: img.MIMEType}
		if len(img.Data) > 0 {
			detected, err := sniffer.DetectHead(img.Data)
			if err != nil {
				return nil, invalid(fmt.Sprintf("images[%d].data", i), "unsupported image format")
			}
			ref.MIMEType = detected.MIME
			ref.ObjectKey = fmt.Sprintf("uploads/%s/%s/%d.%s", userID, jobID, i, detected.Type)
			if err := s.images.PutImage(ctx, ref.ObjectKey, img.Data, ref.MIMEType); err != nil {
				return nil, fmt.Errorf("store image %s: %w", img.ID, err)
			}
			ref.URL = ""
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Service) estimateCompletion(now time.Time, cfg providers.Config, mode models.JobMode, n int) time.Time {
	if mode == models.JobModeEconomy {
		return now.Add(s.cfg.MaxWait)
	}
	limit := s.cfg.FastConcurrency
	if cfg.MaxBatchSize > 0 && cfg.MaxBatchSize < limit {
		limit = cfg.MaxBatchSize
	}
	if limit <= 0 {
		limit = 1
	}
	rounds := (n + limit - 1) / limit
	return now.Add(time.Duration(rounds) * fastRoundEstimate)
}

// owned loads a job and hides jobs of other users behind not found.
func (s *Service) owned(ctx context.Context, userID, jobID string) (models.BatchJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return models.BatchJob{}, err
	}
	if job.UserID != userID {
		return models.BatchJob{}, repository.ErrJobNotFound
	}
	return job, nil
}

// Status is read-only.
func (s *Service) Status(ctx context.Context, userID, jobID string) (StatusView, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		JobID:           job.ID,
		Status:          job.Status,
		TotalImages:     job.TotalImages,
		ProcessedImages: job.ProcessedImages,
		Progress:        job.Progress(),
		Error:           job.Error(),
	}, nil
}

func (s *Service) Results(ctx context.Context, userID, jobID string) (ResultsView, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return ResultsView{}, err
	}
	if job.Status != models.JobStatusCompleted {
		return ResultsView{}, &NotReadyError{JobID: job.ID, Status: job.Status}
	}
	results, err := s.jobs.Results(ctx, job.ID)
	if err != nil {
		return ResultsView{}, fmt.Errorf("load results: %w", err)
	}
	return ResultsView{
		Results:         results,
		TotalImages:     job.TotalImages,
		ProcessedImages: job.ProcessedImages,
		CompletedAt:     job.CompletedAt,
	}, nil
}

func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]models.BatchJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}

const cancelledMessage = "cancelled by user"

// Cancel fails the job first and then stops its task, so no progress can be
// recorded once the cancel is acknowledged.
func (s *Service) Cancel(ctx context.Context, userID, jobID string) (StatusView, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return StatusView{}, err
	}
	if job.Status.IsTerminal() {
		return StatusView{}, &StateError{JobID: job.ID, Status: job.Status, Op: "cancel"}
	}
	ok, err := s.jobs.Fail(ctx, job.ID, cancelledMessage)
	if err != nil {
		return StatusView{}, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return StatusView{}, s.stateError(ctx, job.ID, "cancel")
	}
	s.stop(ctx, job.ID)
	if job.Mode == models.JobModeEconomy {
		cancelProviderBatch(ctx, s.jobs, s.clients, job.ID, s.log)
	}
	metrics.JobsFinished.WithLabelValues(job.ProviderID, string(job.Mode), string(models.JobStatusFailed)).Inc()
	s.log.Info().Str("job_id", job.ID).Str("user_id", userID).Msg("job cancelled")

	return s.afterControl(ctx, job, models.JobStatusFailed, cancelledMessage)
}

// Pause stops execution but keeps the provider batch, if any, alive.
func (s *Service) Pause(ctx context.Context, userID, jobID string) (StatusView, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return StatusView{}, err
	}
	if !models.CanTransition(job.Status, models.JobStatusPaused) {
		return StatusView{}, &StateError{JobID: job.ID, Status: job.Status, Op: "pause"}
	}
	ok, err := s.jobs.Pause(ctx, job.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("pause job: %w", err)
	}
	if !ok {
		return StatusView{}, s.stateError(ctx, job.ID, "pause")
	}
	s.stop(ctx, job.ID)
	s.log.Info().Str("job_id", job.ID).Msg("job paused")
	return s.afterControl(ctx, job, models.JobStatusPaused, "")
}

// Resume is the only way out of paused.
func (s *Service) Resume(ctx context.Context, userID, jobID string) (StatusView, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return StatusView{}, err
	}
	if job.Status != models.JobStatusPaused {
		return StatusView{}, &StateError{JobID: job.ID, Status: job.Status, Op: "resume"}
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		return StatusView{}, fmt.Errorf("dispatch job: %w", err)
	}
	s.log.Info().Str("job_id", job.ID).Msg("job resumed")
	return s.Status(ctx, userID, jobID)
}

// SweepTimedOut fails running or paused jobs started longer ago than the
// polling ceiling. It backs up the runner's own deadline across restarts.
func (s *Service) SweepTimedOut(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxWait)
	msg := (&TimeoutError{After: s.cfg.MaxWait}).Error()

	swept := 0
	for _, status := range []models.JobStatus{models.JobStatusRunning, models.JobStatusPaused} {
		jobs, err := s.jobs.ListStale(ctx, status, cutoff, staleScanLimit)
		if err != nil {
			return swept, fmt.Errorf("list stale %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			ok, err := s.jobs.Fail(ctx, job.ID, msg)
			if err != nil {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("fail stale job")
				continue
			}
			if !ok {
				continue
			}
			s.stop(ctx, job.ID)
			if job.Mode == models.JobModeEconomy {
				cancelProviderBatch(ctx, s.jobs, s.clients, job.ID, s.log)
			}
			metrics.JobsFinished.WithLabelValues(job.ProviderID, string(job.Mode), string(models.JobStatusFailed)).Inc()
			publishProgress(s.events, job, job.ProcessedImages, models.JobStatusFailed, msg, s.log)
			swept++
		}
	}
	return swept, nil
}

// RequeuePending dispatches pending jobs created before olderThan ago, which
// covers dispatches lost to a crash or a redis outage, and running jobs a
// runner released on shutdown.
func (s *Service) RequeuePending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.jobs.ListStale(ctx, models.JobStatusPending, s.now().Add(-olderThan), staleScanLimit)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	released, err := s.jobs.ListReleased(ctx, staleScanLimit)
	if err != nil {
		return 0, fmt.Errorf("list released jobs: %w", err)
	}
	n := 0
	for _, job := range append(pending, released...) {
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("requeue failed")
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) stop(ctx context.Context, jobID string) {
	if s.stopper == nil {
		return
	}
	if err := s.stopper.Stop(ctx, jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("stop job task failed")
	}
}

func (s *Service) stateError(ctx context.Context, jobID, op string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return &StateError{JobID: jobID, Status: job.Status, Op: op}
}

func (s *Service) afterControl(ctx context.Context, job models.BatchJob, status models.JobStatus, errMsg string) (StatusView, error) {
	latest, err := s.jobs.Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return StatusView{}, err
		}
		latest = job
		latest.Status = status
	}
	publishProgress(s.events, latest, latest.ProcessedImages, status, errMsg, s.log)
	return StatusView{
		JobID:           latest.ID,
		Status:          latest.Status,
		TotalImages:     latest.TotalImages,
		ProcessedImages: latest.ProcessedImages,
		Progress:        latest.Progress(),
		Error:           latest.Error(),
	}, nil
}
