package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/metrics"
	"github.com/JakeFAU/usajobs-etl/internal/store"
)

// Summary is returned to the caller at the end of a run.
type Summary struct {
	RunID       uuid.UUID
	Status      store.RunStatus
	DryRun      bool
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	store.RunStatistics
}

// ExitCode is 0 when the run processed or wrote at least one record.
func (s Summary) ExitCode() int {
	if s.Status == store.RunSuccess && (s.Processed > 0 || s.Upserted > 0) {
		return 0
	}
	return 1
}

// RunNotification is the Pub/Sub payload published after each run.
type RunNotification struct {
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	DryRun       bool      `json:"dry_run"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	Processed    int       `json:"records_processed"`
	Accepted     int       `json:"records_accepted"`
	Filtered     int       `json:"records_filtered"`
	Upserted     int       `json:"records_upserted"`
	Inserted     int       `json:"records_inserted"`
	Updated      int       `json:"records_updated"`
	Failed       int       `json:"records_failed"`
	Pages        int       `json:"pages"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Attributes implements pubsub.Attributer.
func (n RunNotification) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "status": n.Status}
}

func (p *Pipeline) finalize(ctx context.Context, r *run, runErr error, log *zap.Logger) Summary {
	completed := p.deps.Clock.Now()
	status := store.RunSuccess
	if runErr != nil {
		status = store.RunFailed
		msg := runErr.Error()
		r.stats.ErrorMessage = &msg
	}

	summary := Summary{
		RunID:         r.id,
		Status:        status,
		DryRun:        p.opts.DryRun,
		StartedAt:     r.startedAt,
		CompletedAt:   completed,
		Duration:      completed.Sub(r.startedAt),
		RunStatistics: r.stats,
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if !p.opts.DryRun && r.conn != nil {
		p.recordOutcome(fctx, r, summary, log)
	}
	p.notify(fctx, summary, log)
	metrics.ObserveRun(string(status), summary.Duration, completed)
	p.logSummary(summary, log)
	return summary
}

// recordOutcome writes the etl_runs row in its own transaction. Failures are
// logged and never replace the run outcome.
func (p *Pipeline) recordOutcome(ctx context.Context, r *run, s Summary, log *zap.Logger) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		log.Error("failed to log etl run", zap.Error(err))
		return
	}
	rec := store.RunRecord{
		RunID:       s.RunID,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Status:      s.Status,
		Stats:       s.RunStatistics,
	}
	if err := p.deps.Store.RecordRunOutcome(ctx, tx, rec); err != nil {
		log.Error("failed to log etl run", zap.Error(err))
		rollbackTx(ctx, tx, log)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error("failed to commit etl run", zap.Error(err))
	}
}

func (p *Pipeline) notify(ctx context.Context, s Summary, log *zap.Logger) {
	if p.deps.Notifier == nil || p.opts.NotifyTopic == "" {
		return
	}
	n := RunNotification{
		RunID:       s.RunID.String(),
		Status:      string(s.Status),
		DryRun:      s.DryRun,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Processed:   s.Processed,
		Accepted:    s.Accepted,
		Filtered:    s.Filtered,
		Upserted:    s.Upserted,
		Inserted:    s.Inserted,
		Updated:     s.Updated,
		Failed:      s.Failed,
		Pages:       s.Pages,
	}
	if s.ErrorMessage != nil {
		n.ErrorMessage = *s.ErrorMessage
	}
	id, err := p.deps.Notifier.Publish(ctx, p.opts.NotifyTopic, n)
	if err != nil {
		log.Warn("run notification failed", zap.String("topic", p.opts.NotifyTopic), zap.Error(err))
		return
	}
	log.Debug("run notification published", zap.String("message_id", id))
}

func (p *Pipeline) logSummary(s Summary, log *zap.Logger) {
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Bool("dry_run", s.DryRun),
		zap.Int("pages", s.Pages),
		zap.Int("processed", s.Processed),
		zap.Int("accepted", s.Accepted),
		zap.Int("filtered", s.Filtered),
		zap.Int("upserted", s.Upserted),
		zap.Int("inserted", s.Inserted),
		zap.Int("updated", s.Updated),
		zap.Int("failed", s.Failed),
		zap.Int("multi_location", s.MultiLocation),
		zap.Int("nationwide", s.Nationwide),
		zap.Float64("target_pct", percent(s.Accepted, s.Processed)),
		zap.Float64("filtered_pct", percent(s.Filtered, s.Processed)),
		zap.Duration("duration", s.Duration),
	}
	if s.ErrorMessage != nil {
		fields = append(fields, zap.String("error", *s.ErrorMessage))
	}
	if err := s.CheckInvariants(); err != nil {
		fields = append(fields, zap.NamedError("accounting", err))
	}
	log.Info("etl run complete", fields...)

	if s.Filtered > 0 {
		log.Info("most USAJobs postings advertise many locations; only postings naming the target were kept",
			zap.String("target", p.opts.Target),
			zap.Int("kept", s.Accepted),
			zap.Int("skipped", s.Filtered),
		)
	}
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}
