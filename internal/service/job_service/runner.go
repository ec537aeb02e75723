package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/jobstore"
	"github.com/ssuji15/kmerq/internal/pool"
	"github.com/ssuji15/kmerq/internal/sequence"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/ssuji15/kmerq/model"
	"go.opentelemetry.io/otel/attribute"
)

// Searcher runs one query against the named database.
type Searcher interface {
	Search(ctx context.Context, database string, q model.SearchQuery) ([]model.Row, error)
}

// Runner is the body of a worker: it executes one stored job and replaces
// it with its result.
type Runner struct {
	store    *jobstore.Store
	searcher Searcher
	catalog  *config.Catalog
	metrics  *metrics
	now      func() time.Time
}

func NewRunner(store *jobstore.Store, searcher Searcher, catalog *config.Catalog) (*Runner, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create job metrics: %w", err)
	}
	return &Runner{store: store, searcher: searcher, catalog: catalog, metrics: m, now: time.Now}, nil
}

// RunJob executes jobID. Search failures are stored as failure results and
// do not make RunJob fail; a cancelled ctx leaves the job untouched.
func (r *Runner) RunJob(ctx context.Context, jobID string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Worker/RunJob")
	defer span.End()
	span.SetAttributes(attribute.String("id", jobID))

	log := logger.ForJob(ctx, jobID)

	job, err := r.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Info().Msg("job no longer exists")
		return nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if job.Status != model.JobRunning {
		log.Info().Str("status", string(job.Status)).Msg("job is not running")
		return nil
	}

	// a single unit: the pool contains panics and honours cancellation
	rows, err := pool.Collect(ctx, 1, []*model.Job{job}, r.execute)
	if ctx.Err() != nil {
		log.Info().Msg("job interrupted")
		return ctx.Err()
	}

	completed := r.now().UTC()
	result := model.Result{JobID: jobID, CompletedAt: completed}
	status := model.JobCompleted
	if err != nil {
		util.RecordSpanError(span, err)
		code := CodeSearchFailed
		var rejected *sequence.RejectedError
		if errors.As(err, &rejected) {
			code = CodeInvalidSequence
		}
		log.Warn().Err(err).Str("code", code).Msg("search failed")
		result.Failed = true
		result.Payload = failurePayload(jobID, code, err.Error(), completed)
		status = model.JobFailed
	} else {
		result.Payload, err = json.Marshal(successPayload(job, rows[0], completed))
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	stored, err := r.store.CompleteJob(ctx, result)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if !stored {
		log.Info().Msg("job was cancelled before its result was stored")
		return nil
	}
	r.metrics.complete(ctx, string(status))
	log.Info().Str("status", string(status)).Msg("job finished")
	return nil
}

func (r *Runner) execute(ctx context.Context, item pool.Item[*model.Job]) ([]model.Row, error) {
	job := item.Value
	maxLen := 0
	if r.catalog != nil {
		if d, ok := r.catalog.Lookup(job.Database); ok {
			maxLen = d.MaxLen
		}
	}
	if err := sequence.Validate(job.QuerySeq, maxLen, job.KmerSize); err != nil {
		return nil, err
	}
	rows, err := r.searcher.Search(ctx, job.Database, model.SearchQuery{
		Sequence:       job.QuerySeq,
		Subset:         job.Subset,
		Index:          job.IndexParams,
		MaxNSeq:        job.MaxNSeq,
		MinScore:       job.MinScore,
		MinPSharedKmer: job.MinPSharedKmer,
		Mode:           job.Mode,
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.Row{}
	}
	return rows, nil
}

func successPayload(job *model.Job, rows []model.Row, completed time.Time) model.SearchResult {
	return model.SearchResult{
		JobID:          job.ID,
		Status:         model.JobCompleted,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    completed,
		QueryLabel:     job.QueryLabel,
		QuerySeq:       job.QuerySeq,
		Database:       job.Database,
		Subset:         job.Subset,
		IndexName:      job.IndexName,
		IndexParams:    job.IndexParams,
		MaxNSeq:        job.MaxNSeq,
		MinScore:       job.MinScore,
		MinPSharedKmer: job.MinPSharedKmer,
		Mode:           job.Mode,
		Results:        rows,
	}
}
