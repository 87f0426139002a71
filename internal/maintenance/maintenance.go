// Package maintenance runs retention jobs: checkpoint pruning and archival
// of finished sessions.
package maintenance

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/metrics"
)

// Job names.
const (
	JobPruneCheckpoints = "prune-checkpoints"
	JobArchiveSessions  = "archive-sessions"
)

// Store is the subset of the session store retention needs.
type Store interface {
	ListThreads(ctx context.Context) ([]string, error)
	ArchiveSessions(ctx context.Context, before time.Time) (int, error)
}

// Pruner trims a checkpoint thread to its newest keep entries, re-rooting
// the oldest survivor and dropping blobs nothing references.
type Pruner interface {
	Prune(ctx context.Context, threadID string, keep int) (int, error)
}

// Result summarises one maintenance pass.
type Result struct {
	Threads           int
	CheckpointsPruned int
	SessionsArchived  int
}

// Scheduler owns the retention jobs.
type Scheduler struct {
	store  Store
	pruner Pruner
	cfg    config.RetentionConfig
	now    func() time.Time

	sched gocron.Scheduler
}

// New creates a Scheduler. Jobs are not registered until Start.
func New(store Store, pruner Pruner, cfg config.RetentionConfig) *Scheduler {
	return &Scheduler{store: store, pruner: pruner, cfg: cfg, now: time.Now}
}

// Start registers both jobs on an interval of cfg.GCIntervalMins and starts
// the scheduler. Each job runs once immediately; a run still in progress when
// the next one is due is rescheduled.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return eris.Wrap(err, "maintenance: create scheduler")
	}

	interval := time.Duration(s.cfg.GCIntervalMins) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{JobPruneCheckpoints, func(ctx context.Context) error { _, err := s.PruneCheckpoints(ctx); return err }},
		{JobArchiveSessions, func(ctx context.Context) error { _, err := s.ArchiveSessions(ctx); return err }},
	}
	for _, j := range jobs {
		_, err := sched.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				if err := j.run(ctx); err != nil {
					zap.L().Error("maintenance: job failed", zap.String("job", j.name), zap.Error(err))
				}
			}),
			gocron.WithName(j.name),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return eris.Wrapf(err, "maintenance: register %s", j.name)
		}
	}

	sched.Start()
	s.sched = sched
	zap.L().Info("maintenance: scheduler started",
		zap.Duration("interval", interval),
		zap.Int("keep_checkpoints", s.cfg.KeepCheckpoints),
		zap.Int("archive_after_hours", s.cfg.ArchiveAfterHours),
	)
	return nil
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if s.sched == nil {
		return nil
	}
	return eris.Wrap(s.sched.Shutdown(), "maintenance: shutdown")
}

// RunOnce performs both jobs immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	threads, pruned, err := s.prune(ctx)
	res.Threads, res.CheckpointsPruned = threads, pruned
	if err != nil {
		return res, err
	}
	res.SessionsArchived, err = s.ArchiveSessions(ctx)
	return res, err
}

// PruneCheckpoints keeps the newest cfg.KeepCheckpoints checkpoints of every
// thread. A failing thread is logged and skipped.
func (s *Scheduler) PruneCheckpoints(ctx context.Context) (int, error) {
	_, n, err := s.prune(ctx)
	return n, err
}

func (s *Scheduler) prune(ctx context.Context) (int, int, error) {
	if s.cfg.KeepCheckpoints <= 0 {
		return 0, 0, nil
	}
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "maintenance: list threads")
	}

	total := 0
	for _, id := range threads {
		if err := ctx.Err(); err != nil {
			return len(threads), total, eris.Wrap(err, "maintenance: prune")
		}
		n, err := s.pruner.Prune(ctx, id, s.cfg.KeepCheckpoints)
		if err != nil {
			zap.L().Warn("maintenance: prune thread failed", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		total += n
	}
	metrics.MaintenanceRemoved.WithLabelValues(JobPruneCheckpoints).Add(float64(total))
	zap.L().Info("maintenance: checkpoints pruned",
		zap.Int("threads", len(threads)),
		zap.Int("removed", total),
	)
	return len(threads), total, nil
}

// ArchiveSessions archives terminal sessions idle for longer than
// cfg.ArchiveAfterHours. Zero disables archival.
func (s *Scheduler) ArchiveSessions(ctx context.Context) (int, error) {
	if s.cfg.ArchiveAfterHours <= 0 {
		return 0, nil
	}
	before := s.now().UTC().Add(-time.Duration(s.cfg.ArchiveAfterHours) * time.Hour)
	n, err := s.store.ArchiveSessions(ctx, before)
	if err != nil {
		return 0, eris.Wrap(err, "maintenance: archive sessions")
	}
	metrics.MaintenanceRemoved.WithLabelValues(JobArchiveSessions).Add(float64(n))
	zap.L().Info("maintenance: sessions archived", zap.Int("archived", n), zap.Time("before", before))
	return n, nil
}
