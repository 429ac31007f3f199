package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"content-allocator/internal/config"
	"content-allocator/internal/queue"
	"content-allocator/internal/scheduler"
	"content-allocator/internal/telemetry"
)

// Runner drives the allocation loop: it drains queued run requests and
// hands each to the scheduler.
type Runner struct {
	cfg   config.Config
	queue *queue.RedisQueue
	sched *scheduler.Scheduler
	log   *zap.Logger
}

func NewRunner(cfg config.Config, q *queue.RedisQueue, sched *scheduler.Scheduler, log *zap.Logger) *Runner {
	return &Runner{cfg: cfg, queue: q, sched: sched, log: log}
}

// Run polls the queue until context cancellation. Scheduled requests whose
// time has come are promoted to the ready list before each poll.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := r.queue.PromoteScheduled(ctx, time.Now()); err != nil {
			r.log.Warn("promote scheduled runs", zap.Error(err))
		}
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.RunQueueDepth.Set(float64(depth))
		}

		req, ok, err := r.queue.DequeueRun(ctx)
		if err != nil {
			r.log.Warn("dequeue run", zap.Error(err))
			time.Sleep(r.cfg.RunPollInterval)
			continue
		}
		if !ok {
			time.Sleep(r.cfg.RunPollInterval)
			continue
		}

		r.execute(ctx, req)
	}
}

func (r *Runner) execute(ctx context.Context, req queue.RunRequest) {
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		r.log.Error("bad run date, dropping request",
			zap.String("model", req.ModelID), zap.String("date", req.Date))
		return
	}

	log := r.log.With(zap.String("model", req.ModelID), zap.String("date", req.Date))
	log.Info("allocation run started")

	run, err := r.sched.Run(ctx, req.ModelID, date)
	if err != nil {
		log.Error("allocation run failed", zap.Error(err))
		return
	}
	log.Info("allocation run finished",
		zap.Int("post_tasks", run.PostTasks),
		zap.Int("engagement_tasks", run.EngagementTasks),
		zap.Int("warmup_tasks", run.WarmupTasks))
}
