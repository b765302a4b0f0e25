package ollamacord

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
)

const (
	jobOllamaHealthCheck    = "ollama_health_check"
	jobRetentionPrune       = "retention_prune"
	jobRuntimeConfigRefresh = "runtime_config_refresh"

	schedulerSendTimeout = 5 * time.Second
)

// newScheduler creates the scheduler for periodic maintenance jobs. Jobs
// with a zero interval aren't scheduled. The scheduler isn't started.
func (o *Ollamacord) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	logger := o.logger.With(loggerNameKey, "scheduler")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newGocronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{
			name:     jobOllamaHealthCheck,
			interval: o.config.Ollama.HealthCheckInterval,
			task:     func() { o.checkOllama(ctx) },
		},
		{
			name:     jobRetentionPrune,
			interval: o.retentionInterval(),
			task:     func() { o.pruneRecords(ctx) },
		},
		{
			name:     jobRuntimeConfigRefresh,
			interval: o.config.RuntimeConfigTTL,
			task:     func() { o.triggerRuntimeConfigRefresh(ctx) },
		},
	}

	for _, j := range jobs {
		if j.interval <= 0 {
			logger.InfoContext(ctx, "job disabled", "job_name", j.name)
			continue
		}
		job, jobErr := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if jobErr != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("failed to schedule job %s: %w", j.name, jobErr)
		}
		logAttrs := []any{"job_name", j.name, "interval", j.interval}
		if nextRun, e := job.NextRun(); e == nil {
			logAttrs = append(logAttrs, "next_run", nextRun.Format(time.RFC3339))
		}
		logger.InfoContext(ctx, "job scheduled", logAttrs...)
	}
	return s, nil
}

// retentionInterval is 0 (disabled) when records are kept forever
func (o *Ollamacord) retentionInterval() time.Duration {
	if o.config.RetentionPeriod <= 0 {
		return 0
	}
	return o.config.RetentionInterval
}

func (o *Ollamacord) checkOllama(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := o.ollama.Probe(ctx); err != nil {
		o.logger.WarnContext(ctx, "ollama health check failed", tint.Err(err))
	}
}

// pruneRecords deletes Query and OllamaRequest records older than the
// retention period. Queries that haven't reached a final state are kept.
func (o *Ollamacord) pruneRecords(ctx context.Context) {
	if ctx.Err() != nil || o.config.RetentionPeriod <= 0 {
		return
	}
	cutoff := time.Now().Add(-o.config.RetentionPeriod).UnixMilli()

	var final []QueryState
	for _, s := range allQueryStates {
		if s.IsFinal() {
			final = append(final, s)
		}
	}

	queries, err := o.writeDB.Delete(
		ctx,
		&Query{},
		columnQueryCreatedAt+" < ? AND "+columnQueryState+" IN ?",
		cutoff,
		final,
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "error pruning queries", tint.Err(err))
	}
	requests, err := o.writeDB.Delete(ctx, &OllamaRequest{}, "created_at < ?", cutoff)
	if err != nil {
		o.logger.ErrorContext(ctx, "error pruning ollama requests", tint.Err(err))
	}
	o.logger.InfoContext(
		ctx,
		"pruned old records",
		"retention_period", o.config.RetentionPeriod,
		"queries", queries,
		"ollama_requests", requests,
	)
}

func (o *Ollamacord) triggerRuntimeConfigRefresh(ctx context.Context) {
	select {
	case o.triggerRuntimeConfigRefreshCh <- false:
		o.logger.DebugContext(ctx, "sent runtime config refresh signal")
	case <-ctx.Done():
	case <-time.After(schedulerSendTimeout):
		o.logger.WarnContext(ctx, "timed out sending config refresh signal")
	}
}
