package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/jobstore"
	"github.com/ssuji15/kmerq/internal/launcher"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/ssuji15/kmerq/model"
	"go.opentelemetry.io/otel/attribute"
)

const maxIDAttempts = 5

type Options struct {
	MaxJobs         int
	JobTimeout      time.Duration
	CancelGrace     time.Duration
	SweepInterval   time.Duration
	ResultRetention time.Duration
}

func OptionsFromConfig(cfg *config.ServerConfig) Options {
	return Options{
		MaxJobs:         cfg.MAX_JOBS,
		JobTimeout:      cfg.JOB_TIMEOUT,
		CancelGrace:     cfg.CANCEL_GRACE,
		SweepInterval:   cfg.SWEEP_INTERVAL,
		ResultRetention: cfg.RESULT_RETENTION,
	}
}

type JobService struct {
	store    *jobstore.Store
	catalog  *config.Catalog
	indexes  *index.Discovery
	launcher launcher.WorkerLauncher
	opts     Options
	metrics  *metrics
	now      func() time.Time
	newID    func(time.Time) (string, error)
}

func NewJobService(store *jobstore.Store, catalog *config.Catalog, indexes *index.Discovery, l launcher.WorkerLauncher, opts Options) (*JobService, error) {
	if opts.MaxJobs <= 0 {
		return nil, fmt.Errorf("max jobs must be positive")
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create job metrics: %w", err)
	}
	return &JobService{
		store:    store,
		catalog:  catalog,
		indexes:  indexes,
		launcher: l,
		opts:     opts,
		metrics:  m,
		now:      time.Now,
		newID:    model.NewJobID,
	}, nil
}

// Submit validates req, persists a running job and starts its worker. It
// returns as soon as the worker is launched.
func (s *JobService) Submit(ctx context.Context, req model.SearchRequest) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobService/Submit")
	defer span.End()

	id, err := s.submit(ctx, req)
	if err != nil {
		util.RecordSpanError(span, err)
		var e *Error
		if errors.As(err, &e) {
			s.metrics.reject(ctx, e.Code)
		}
		return "", err
	}
	span.SetAttributes(attribute.String("id", id))
	s.metrics.submitted.Add(ctx, 1)
	return id, nil
}

func (s *JobService) submit(ctx context.Context, req model.SearchRequest) (string, error) {
	job, err := s.resolve(ctx, req)
	if err != nil {
		return "", err
	}

	running, err := s.store.CountRunning(ctx)
	if err != nil {
		return "", internal("failed to count running jobs", err)
	}
	if running >= s.opts.MaxJobs {
		return "", &Error{
			Kind:    KindAdmission,
			Code:    CodeQueueFull,
			Message: fmt.Sprintf("job queue is full (%d/%d)", running, s.opts.MaxJobs),
			Details: map[string]any{"current": running, "limit": s.opts.MaxJobs},
		}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	job.CreatedAt = now
	if s.opts.JobTimeout > 0 {
		job.TimeoutAt = now.Add(s.opts.JobTimeout)
	}

	created := false
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		job.ID, err = s.newID(now)
		if err != nil {
			return "", internal("failed to generate job id", err)
		}
		err = s.store.CreateJob(ctx, job)
		if errors.Is(err, jobstore.ErrDuplicateID) {
			continue
		}
		if err != nil {
			return "", internal("failed to store job", err)
		}
		created = true
		break
	}
	if !created {
		return "", internal("failed to allocate a unique job id", jobstore.ErrDuplicateID)
	}

	log := logger.ForJob(ctx, job.ID)
	handle, err := s.launcher.Launch(ctx, launcher.Spec{
		JobID:       job.ID,
		TraceParent: job_tracer.InjectTraceParent(ctx),
	})
	if err != nil {
		if derr := s.store.DeleteJob(ctx, job.ID); derr != nil {
			log.Error().Err(derr).Msg("failed to remove job after launch failure")
		}
		return "", internal("failed to launch worker", err)
	}

	// a fast worker may already have replaced the row with its result
	if err := s.store.SetWorkerHandle(ctx, job.ID, handle); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		log.Error().Err(err).Str("handle", handle).Msg("failed to record worker handle")
	}

	log.Info().
		Str("database", job.Database).
		Str("index", job.IndexName).
		Str("handle", handle).
		Msg("job submitted")
	return job.ID, nil
}

func checkID(id string) error {
	if id == "" {
		return validation(CodeInvalidRequest, "job_id is required")
	}
	if !model.ValidJobID(id) {
		return notFound(id)
	}
	return nil
}

// Status reports which table currently holds id.
func (s *JobService) Status(ctx context.Context, id string) (*model.StatusResponse, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, id)
	if err == nil {
		params := job.IndexParams
		return &model.StatusResponse{
			JobID:       id,
			Status:      job.Status,
			CreatedAt:   job.CreatedAt,
			IndexName:   job.IndexName,
			IndexParams: &params,
		}, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, internal("failed to read job", err)
	}

	r, err := s.store.ResultInfo(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, internal("failed to read result", err)
	}
	status := model.JobCompleted
	if r.Failed {
		status = model.JobFailed
	}
	completed := r.CompletedAt
	return &model.StatusResponse{
		JobID:       id,
		Status:      status,
		CreatedAt:   r.CreatedAt,
		CompletedAt: &completed,
	}, nil
}

// Outcome is what a /result call delivers: the stored payload once the job
// is terminal, the job status otherwise.
type Outcome struct {
	Status  model.JobStatus
	Payload []byte
}

// Result hands out a terminal payload exactly once.
func (s *JobService) Result(ctx context.Context, id string) (*Outcome, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, id)
	if err == nil {
		return &Outcome{Status: job.Status}, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, internal("failed to read job", err)
	}

	r, err := s.store.TakeResult(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, internal("failed to read result", err)
	}
	status := model.JobCompleted
	if r.Failed {
		status = model.JobFailed
	}
	return &Outcome{Status: status, Payload: r.Payload}, nil
}

// Cancel marks a running job cancelled and signals its worker. Cancelling
// an already cancelled job succeeds again; finished jobs are not found.
func (s *JobService) Cancel(ctx context.Context, id string) (model.JobStatus, error) {
	if err := checkID(id); err != nil {
		return "", err
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return "", notFound(id)
	}
	if err != nil {
		return "", internal("failed to read job", err)
	}
	if job.Status == model.JobCancelled {
		return model.JobCancelled, nil
	}

	ok, err := s.cancelJob(ctx, job)
	if err != nil {
		return "", internal("failed to cancel job", err)
	}
	if !ok {
		// completed between the read and the update
		return "", notFound(id)
	}
	return model.JobCancelled, nil
}

func (s *JobService) cancelJob(ctx context.Context, job *model.Job) (bool, error) {
	ok, err := s.store.MarkCancelled(ctx, job.ID)
	if err != nil || !ok {
		return ok, err
	}
	log := logger.ForJob(ctx, job.ID)
	if job.WorkerHandle != "" {
		if err := s.launcher.Cancel(ctx, job.WorkerHandle, s.opts.CancelGrace); err != nil {
			log.Warn().Err(err).Str("handle", job.WorkerHandle).Msg("failed to signal worker")
		}
	}
	s.metrics.complete(ctx, string(model.JobCancelled))
	log.Info().Msg("job cancelled")
	return true, nil
}

// Metadata describes the defaults, limits and searchable databases. It
// never touches the job store.
func (s *JobService) Metadata(ctx context.Context) *model.Metadata {
	defs := s.catalog.Defaults
	md := &model.Metadata{
		Defaults: model.MetadataDefaults{
			Database:       defs.Database,
			Subset:         defs.Subset,
			Index:          defs.Index,
			MaxNSeq:        defs.MaxNSeq,
			MinScore:       defs.MinScore,
			MinPSharedKmer: defs.MinPSharedKmer,
			Mode:           model.OutputMode(defs.Mode),
		},
		Limits: model.MetadataLimits{
			MaxJobs:           s.opts.MaxJobs,
			JobTimeoutSeconds: int64(s.opts.JobTimeout / time.Second),
			ResultRetention:   int64(s.opts.ResultRetention / time.Second),
		},
	}
	for _, d := range s.catalog.Databases {
		info := model.DatabaseInfo{
			Name:    d.Name,
			MaxLen:  d.MaxLen,
			Subsets: append([]string{}, d.Subsets...),
			Indexes: []string{},
		}
		ds, err := s.indexes.Indexes(ctx, d.Name)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("database", d.Name).Msg("index discovery failed")
		} else {
			info.Indexes = index.Names(ds)
		}
		md.Databases = append(md.Databases, info)
	}
	return md
}

// QueueDepth returns the running job count and the admission limit.
func (s *JobService) QueueDepth(ctx context.Context) (int, int, error) {
	n, err := s.store.CountRunning(ctx)
	return n, s.opts.MaxJobs, err
}

func failurePayload(jobID, code, message string, at time.Time) []byte {
	b, _ := json.Marshal(model.FailurePayload{
		JobID:       jobID,
		Status:      model.JobFailed,
		Error:       true,
		Code:        code,
		Message:     message,
		CompletedAt: at,
	})
	return b
}
