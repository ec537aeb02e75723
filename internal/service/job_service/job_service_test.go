package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/jobstore"
	"github.com/ssuji15/kmerq/internal/launcher"
	"github.com/ssuji15/kmerq/model"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
defaults:
  database: nt
  maxnseq: 100
  minscore: 1
  minpsharedkmer: 0.5
databases:
  - name: nt
    maxlen: 500
    subsets: [bacteria, archaea]
  - name: refseq
`

type fakeSearcher struct {
	mu      sync.Mutex
	release chan struct{}
	rows    []model.Row
	err     error
	queries []model.SearchQuery
}

func (f *fakeSearcher) Search(ctx context.Context, database string, q model.SearchQuery) ([]model.Row, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.rows, f.err
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, launcher.Spec) (string, error) {
	return "", errors.New("fork failed")
}
func (failingLauncher) Cancel(context.Context, string, time.Duration) error { return nil }
func (failingLauncher) Alive(string) bool                                   { return false }

type fixture struct {
	svc      *JobService
	store    *jobstore.Store
	launcher *launcher.InProcessLauncher
	searcher *fakeSearcher
}

var indexesByDB = map[string][]string{
	"nt":     {"km16_ob08_mp0500_mn0_ph0", "km24_ob08_mp0500_mn0_ph0"},
	"refseq": {"km16_ob08_mp0250_mn0_ph1"},
}

func newFixture(t *testing.T, maxJobs int, searcher *fakeSearcher) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := jobstore.Open(ctx, jobstore.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := config.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	discovery := index.NewDiscovery(index.ListerFunc(func(ctx context.Context, database string) ([]index.Descriptor, error) {
		var ds []index.Descriptor
		for _, n := range indexesByDB[database] {
			d, err := index.ParseName(n)
			if err != nil {
				return nil, err
			}
			ds = append(ds, d)
		}
		return ds, nil
	}), nil)

	runner, err := NewRunner(store, searcher, catalog)
	require.NoError(t, err)
	l := launcher.NewInProcessLauncher(runner.RunJob)

	svc, err := NewJobService(store, catalog, discovery, l, Options{
		MaxJobs:         maxJobs,
		JobTimeout:      time.Minute,
		CancelGrace:     time.Second,
		SweepInterval:   time.Second,
		ResultRetention: time.Hour,
	})
	require.NoError(t, err)

	f := &fixture{svc: svc, store: store, launcher: l, searcher: searcher}
	t.Cleanup(func() {
		if searcher.release != nil {
			select {
			case <-searcher.release:
			default:
				close(searcher.release)
			}
		}
		l.Wait()
	})
	return f
}

func ptr[T any](v T) *T {
	return &v
}

func kind(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %v", err)
	return e
}

func TestSubmitStatusResult(t *testing.T) {
	ctx := context.Background()
	score := 42
	s := &fakeSearcher{
		release: make(chan struct{}),
		rows:    []model.Row{{SeqID: []string{"seq1"}, Score: &score}},
	}
	f := newFixture(t, 4, s)

	id, err := f.svc.Submit(ctx, model.SearchRequest{
		QueryLabel: "q1",
		QuerySeq:   "acgt acgt acgt acgt acgt",
		Subset:     "bacteria",
		KmerSize:   ptr(16),
	})
	require.NoError(t, err)
	require.True(t, model.ValidJobID(id))

	st, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, st.Status)
	require.Equal(t, "km16_ob08_mp0500_mn0_ph0", st.IndexName)
	require.Equal(t, 16, st.IndexParams.KmerSize)

	out, err := f.svc.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, out.Status)
	require.Nil(t, out.Payload)

	close(s.release)
	f.launcher.Wait()

	st, err = f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)

	out, err = f.svc.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, out.Status)

	var res model.SearchResult
	require.NoError(t, json.Unmarshal(out.Payload, &res))
	require.Equal(t, id, res.JobID)
	require.Equal(t, "ACGTACGTACGTACGTACGT", res.QuerySeq)
	require.Equal(t, "nt", res.Database)
	require.Equal(t, "bacteria", res.Subset)
	require.Equal(t, model.ModeMatchScore, res.Mode)
	require.Equal(t, 100, res.MaxNSeq)
	require.Equal(t, model.IndexParams{KmerSize: 16, OccurBitLen: 8, MaxPAppear: 0.5}, res.IndexParams)
	require.Len(t, res.Results, 1)
	require.Equal(t, 42, *res.Results[0].Score)

	require.Len(t, s.queries, 1)
	require.Equal(t, res.IndexParams, s.queries[0].Index)

	_, err = f.svc.Result(ctx, id)
	require.Equal(t, KindNotFound, kind(t, err).Kind)
	_, err = f.svc.Status(ctx, id)
	require.Equal(t, KindNotFound, kind(t, err).Kind)
}

func TestSubmitValidation(t *testing.T) {
	seq := "ACGTACGTACGTACGTACGTACGT"
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'A'
	}

	tests := []struct {
		name string
		req  model.SearchRequest
		code string
	}{
		{"missing sequence", model.SearchRequest{}, CodeInvalidRequest},
		{"unknown database", model.SearchRequest{QuerySeq: seq, DB: "nope"}, CodeUnknownDatabase},
		{"db and database disagree", model.SearchRequest{QuerySeq: seq, DB: "nt", Database: "refseq"}, CodeInvalidRequest},
		{"unknown subset", model.SearchRequest{QuerySeq: seq, Subset: "viruses", KmerSize: ptr(16)}, CodeUnknownSubset},
		{"index and fields", model.SearchRequest{QuerySeq: seq, Index: "km16_ob08_mp0500_mn0_ph0", KmerSize: ptr(16)}, CodeInvalidRequest},
		{"malformed index", model.SearchRequest{QuerySeq: seq, Index: "km16"}, CodeInvalidParameter},
		{"kmersize out of range", model.SearchRequest{QuerySeq: seq, KmerSize: ptr(2)}, CodeInvalidParameter},
		{"rate precision", model.SearchRequest{QuerySeq: seq, MaxPAppear: ptr(0.12345)}, CodeInvalidParameter},
		{"negative maxnseq", model.SearchRequest{QuerySeq: seq, KmerSize: ptr(16), MaxNSeq: ptr(-1)}, CodeInvalidParameter},
		{"minpsharedkmer above one", model.SearchRequest{QuerySeq: seq, KmerSize: ptr(16), MinPSharedKmer: ptr(1.5)}, CodeInvalidParameter},
		{"unknown mode", model.SearchRequest{QuerySeq: seq, KmerSize: ptr(16), Mode: "everything"}, CodeInvalidParameter},
		{"ambiguous index", model.SearchRequest{QuerySeq: seq}, CodeIndexAmbiguous},
		{"no matching index", model.SearchRequest{QuerySeq: seq, KmerSize: ptr(32)}, CodeIndexNotFound},
		{"bad characters", model.SearchRequest{QuerySeq: "ACGTXACGTACGTACGTACGT", KmerSize: ptr(16)}, CodeInvalidSequence},
		{"shorter than kmer", model.SearchRequest{QuerySeq: "ACGTACGT", KmerSize: ptr(16)}, CodeInvalidSequence},
		{"longer than database limit", model.SearchRequest{QuerySeq: string(long), KmerSize: ptr(16)}, CodeInvalidSequence},
	}

	f := newFixture(t, 4, &fakeSearcher{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			e := kind(t, err)
			require.Equal(t, KindValidation, e.Kind)
			require.Equal(t, tt.code, e.Code, e.Message)
		})
	}

	n, err := f.store.CountRunning(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSubmitRejectionMessages(t *testing.T) {
	f := newFixture(t, 4, &fakeSearcher{})

	_, err := f.svc.Submit(context.Background(), model.SearchRequest{QuerySeq: "ACGTXACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.Contains(t, kind(t, err).Message, "'X'")

	_, err = f.svc.Submit(context.Background(), model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT"})
	e := kind(t, err)
	require.Equal(t, []string{"km16_ob08_mp0500_mn0_ph0", "km24_ob08_mp0500_mn0_ph0"}, e.Details["candidates"])
}

func TestSingleIndexDatabaseIgnoresTarget(t *testing.T) {
	f := newFixture(t, 4, &fakeSearcher{})

	id, err := f.svc.Submit(context.Background(), model.SearchRequest{
		QuerySeq: "ACGTACGTACGTACGTACGT",
		DB:       "refseq",
		KmerSize: ptr(32),
	})
	require.NoError(t, err)
	f.launcher.Wait()

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, st.Status)
}

func TestAdmissionControl(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, &fakeSearcher{release: make(chan struct{})})
	req := model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)}

	_, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, req)
	e := kind(t, err)
	require.Equal(t, KindAdmission, e.Kind)
	require.Equal(t, CodeQueueFull, e.Code)
	require.Equal(t, 1, e.Details["current"])
	require.Equal(t, 1, e.Details["limit"])

	cur, limit, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cur)
	require.Equal(t, 1, limit)

	// a finished job frees its slot
	close(f.searcher.release)
	f.launcher.Wait()

	cur, _, err = f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, cur)

	id, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	f.launcher.Wait()

	st, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, st.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := &fakeSearcher{release: make(chan struct{})}
	f := newFixture(t, 4, s)

	id, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.NoError(t, err)

	status, err := f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, status)

	st, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, st.Status)

	f.launcher.Wait()

	out, err := f.svc.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, out.Status)
	require.Nil(t, out.Payload)

	// repeated cancel is harmless
	status, err = f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, status)

	// cancelled jobs do not count against admission
	n, err := f.store.CountRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCancelUnknownOrFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, &fakeSearcher{})

	_, err := f.svc.Cancel(ctx, "")
	require.Equal(t, KindValidation, kind(t, err).Kind)

	_, err = f.svc.Cancel(ctx, "not-a-job")
	require.Equal(t, KindNotFound, kind(t, err).Kind)

	id, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.NoError(t, err)
	f.launcher.Wait()

	_, err = f.svc.Cancel(ctx, id)
	require.Equal(t, KindNotFound, kind(t, err).Kind)
}

func TestSearchFailureStoredAsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, &fakeSearcher{err: errors.New("relation kmerq_data does not exist")})

	id, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.NoError(t, err)
	f.launcher.Wait()

	st, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, st.Status)

	out, err := f.svc.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, out.Status)

	var p model.FailurePayload
	require.NoError(t, json.Unmarshal(out.Payload, &p))
	require.True(t, p.Error)
	require.Equal(t, CodeSearchFailed, p.Code)
	require.Contains(t, p.Message, "kmerq_data")
}

func TestLaunchFailureRemovesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, &fakeSearcher{})
	f.svc.launcher = failingLauncher{}

	_, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.Equal(t, KindInternal, kind(t, err).Kind)

	n, err := f.store.CountRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSweepTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, &fakeSearcher{release: make(chan struct{})})

	id, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
	require.NoError(t, err)

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, rep)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.TimedOut)

	st, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, st.Status)

	f.launcher.Wait()
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rep.TimedOut)
}

func TestSweepOrphanAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, &fakeSearcher{})
	now := time.Now().UTC().Truncate(time.Microsecond)

	orphanID, err := model.NewJobID(now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(ctx, &model.Job{
		ID:           orphanID,
		CreatedAt:    now.Add(-time.Minute),
		QuerySeq:     "ACGT",
		Database:     "nt",
		Mode:         model.ModeMinimum,
		Status:       model.JobRunning,
		WorkerHandle: "local:from-previous-server",
		TimeoutAt:    now.Add(time.Hour),
	}))

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Orphaned)

	st, err := f.svc.Status(ctx, orphanID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, st.Status)

	// purge once the retention has passed
	f.svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rep.ResultsPurged)

	_, err = f.svc.Status(ctx, orphanID)
	require.Equal(t, KindNotFound, kind(t, err).Kind)
}

func TestMetadata(t *testing.T) {
	f := newFixture(t, 7, &fakeSearcher{})

	md := f.svc.Metadata(context.Background())
	require.Equal(t, "nt", md.Defaults.Database)
	require.Equal(t, model.ModeMatchScore, md.Defaults.Mode)
	require.Equal(t, 7, md.Limits.MaxJobs)
	require.Len(t, md.Databases, 2)
	require.Equal(t, []string{"bacteria", "archaea"}, md.Databases[0].Subsets)
	require.Equal(t, indexesByDB["nt"], md.Databases[0].Indexes)
	require.Equal(t, indexesByDB["refseq"], md.Databases[1].Indexes)
}

func TestSubmitRetriesOnIDCollision(t *testing.T) {
	tests := []struct {
		name       string
		collisions int
		wantErr    bool
	}{
		{"no collision", 0, false},
		{"one collision", 1, false},
		{"last attempt succeeds", maxIDAttempts - 1, false},
		{"all attempts collide", maxIDAttempts, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 4, &fakeSearcher{})
			now := time.Now().UTC().Truncate(time.Microsecond)

			taken, err := model.NewJobID(now)
			require.NoError(t, err)
			require.NoError(t, f.store.CreateJob(ctx, &model.Job{
				ID:        taken,
				CreatedAt: now,
				QuerySeq:  "ACGT",
				Database:  "nt",
				Mode:      model.ModeMinimum,
				Status:    model.JobRunning,
				TimeoutAt: now.Add(time.Hour),
			}))

			calls := 0
			f.svc.newID = func(at time.Time) (string, error) {
				calls++
				if calls <= tt.collisions {
					return taken, nil
				}
				return model.NewJobID(at)
			}

			id, err := f.svc.Submit(ctx, model.SearchRequest{QuerySeq: "ACGTACGTACGTACGTACGT", KmerSize: ptr(16)})
			if tt.wantErr {
				e := kind(t, err)
				require.Equal(t, KindInternal, e.Kind)
				require.Equal(t, maxIDAttempts, calls)
				return
			}
			require.NoError(t, err)
			require.NotEqual(t, taken, id)
			require.Equal(t, tt.collisions+1, calls)
			f.launcher.Wait()
		})
	}
}

func TestSweepJobWithoutWorkerHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, &fakeSearcher{})
	now := time.Now().UTC().Truncate(time.Microsecond)

	// left behind by a server that died before recording the worker
	id, err := model.NewJobID(now)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(ctx, &model.Job{
		ID:        id,
		CreatedAt: now,
		QuerySeq:  "ACGT",
		Database:  "nt",
		Mode:      model.ModeMinimum,
		Status:    model.JobRunning,
	}))

	// still within the first interval
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Orphaned)

	f.svc.now = func() time.Time { return now.Add(2 * time.Second) }
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Orphaned)

	out, err := f.svc.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, out.Status)
	require.Contains(t, string(out.Payload), CodeWorkerLost)

	// the admission slot is free again
	cur, _, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, cur)
}
