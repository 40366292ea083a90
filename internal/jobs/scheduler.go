package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	sweepSpec   = "0 * * * * *"
	requeueSpec = "30 */5 * * * *"

	requeueAfter = time.Minute
	runTimeout   = 45 * time.Second
)

// Maintenance is the housekeeping surface of the batch service.
type Maintenance interface {
	SweepTimedOut(ctx context.Context) (int, error)
	RequeuePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler runs batch housekeeping on a cron. With a redis client, each run
// takes a short lock so only one node performs it.
type Scheduler struct {
	cron  *cron.Cron
	batch Maintenance
	locks *redis.Client
	log   zerolog.Logger
}

func NewScheduler(batch Maintenance, locks *redis.Client, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:  c,
		batch: batch,
		locks: locks,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.batch == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(sweepSpec, s.sweepTimedOut); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(requeueSpec, s.requeuePending); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) sweepTimedOut() {
	s.locked("sweep", func(ctx context.Context) {
		n, err := s.batch.SweepTimedOut(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("sweep timed out jobs failed")
			return
		}
		if n > 0 {
			s.log.Warn().Int("jobs", n).Msg("failed jobs past the polling ceiling")
		}
	})
}

func (s *Scheduler) requeuePending() {
	s.locked("requeue", func(ctx context.Context) {
		n, err := s.batch.RequeuePending(ctx, requeueAfter)
		if err != nil {
			s.log.Error().Err(err).Msg("requeue pending jobs failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("jobs", n).Msg("requeued pending jobs")
		}
	})
}

func (s *Scheduler) locked(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if s.locks != nil {
		key := "jobs:lock:" + name
		ok, err := s.locks.SetNX(ctx, key, "1", runTimeout).Result()
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("acquire lock failed")
			return
		}
		if !ok {
			return
		}
		defer s.locks.Del(context.Background(), key)
	}

	fn(ctx)
}
