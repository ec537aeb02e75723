package jobservice

import (
	"context"
	"time"

	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/ssuji15/kmerq/model"
	"go.opentelemetry.io/otel/attribute"
)

type SweepReport struct {
	TimedOut        int
	Orphaned        int
	ResultsPurged   int64
	CancelledPurged int64
}

// Sweep cancels jobs past their deadline, fails jobs whose worker died,
// and drops results and cancelled jobs older than the retention period.
// Running it repeatedly is harmless.
func (s *JobService) Sweep(ctx context.Context) (SweepReport, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobService/Sweep")
	defer span.End()

	var rep SweepReport
	now := s.now().UTC()

	running, err := s.store.ListJobs(ctx, model.JobRunning)
	if err != nil {
		util.RecordSpanError(span, err)
		return rep, err
	}
	for _, job := range running {
		log := logger.ForJob(ctx, job.ID)
		switch {
		case !job.TimeoutAt.IsZero() && now.After(job.TimeoutAt):
			ok, err := s.cancelJob(ctx, job)
			if err != nil {
				log.Error().Err(err).Msg("failed to cancel timed out job")
				continue
			}
			if ok {
				rep.TimedOut++
				log.Warn().Time("timeout", job.TimeoutAt).Msg("job timed out")
			}
		case now.Sub(job.CreatedAt) > s.opts.SweepInterval && (job.WorkerHandle == "" || !s.launcher.Alive(job.WorkerHandle)):
			// no handle after a full interval: the server died before the
			// worker was recorded
			msg := "worker exited without storing a result"
			if job.WorkerHandle == "" {
				msg = "worker was never started"
			}
			ok, err := s.store.CompleteJob(ctx, model.Result{
				JobID:       job.ID,
				CompletedAt: now,
				Failed:      true,
				Payload:     failurePayload(job.ID, CodeWorkerLost, msg, now),
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to fail orphaned job")
				continue
			}
			if ok {
				rep.Orphaned++
				s.metrics.complete(ctx, string(model.JobFailed))
				log.Warn().Str("handle", job.WorkerHandle).Msg("worker lost")
			}
		}
	}

	cutoff := now.Add(-s.opts.ResultRetention)
	if rep.ResultsPurged, err = s.store.PurgeResults(ctx, cutoff); err != nil {
		util.RecordSpanError(span, err)
		return rep, err
	}
	if rep.CancelledPurged, err = s.store.PurgeCancelled(ctx, cutoff); err != nil {
		util.RecordSpanError(span, err)
		return rep, err
	}

	span.SetAttributes(
		attribute.Int("timed_out", rep.TimedOut),
		attribute.Int("orphaned", rep.Orphaned),
		attribute.Int64("results_purged", rep.ResultsPurged),
		attribute.Int64("cancelled_purged", rep.CancelledPurged),
	)
	return rep, nil
}

// RunSweeper sweeps once immediately and then every SweepInterval until
// ctx is done.
func (s *JobService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		rep, err := s.Sweep(ctx)
		if err != nil {
			logger.Log.Error().Err(err).Msg("sweep failed")
		} else if rep != (SweepReport{}) {
			logger.Log.Info().
				Int("timed_out", rep.TimedOut).
				Int("orphaned", rep.Orphaned).
				Int64("results_purged", rep.ResultsPurged).
				Int64("cancelled_purged", rep.CancelledPurged).
				Msg("sweep finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
