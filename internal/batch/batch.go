// Package batch runs a stream of queries through the ordered worker pool
// and prints the hits in input order.
package batch

import (
	"context"
	"fmt"
	"io"

	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/pool"
	"github.com/ssuji15/kmerq/internal/sequence"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/model"
)

type Searcher interface {
	Search(ctx context.Context, database string, q model.SearchQuery) ([]model.Row, error)
}

// Options are the search parameters shared by every query of a run.
type Options struct {
	Database       string
	Subset         string
	Index          index.Descriptor
	MaxNSeq        int
	MinScore       int
	MinPSharedKmer float64
	Mode           model.OutputMode
	// MaxLen bounds query length, 0 for no bound.
	MaxLen  int
	Threads int
}

type Summary struct {
	Queries int
	Rows    int
}

type hits struct {
	label string
	rows  []model.Row
}

// Run searches every query read from in and writes the hits to out. The
// first failing query stops the run; output already written for earlier
// queries is kept.
func Run(ctx context.Context, searcher Searcher, opts Options, in io.Reader, out io.Writer) (Summary, error) {
	var sum Summary
	if !opts.Mode.Valid() {
		return sum, fmt.Errorf("invalid output mode %q", opts.Mode)
	}

	reader := NewReader(in)
	writer := NewWriter(out, opts.Mode)
	log := logger.FromContext(ctx).With().
		Str("database", opts.Database).
		Str("index", opts.Index.Name()).
		Int("threads", opts.Threads).
		Logger()

	work := func(ctx context.Context, item pool.Item[Query]) (hits, error) {
		q := item.Value
		if err := sequence.Validate(q.Sequence, opts.MaxLen, opts.Index.KmerSize); err != nil {
			return hits{}, fmt.Errorf("line %d (%s): %w", q.Line, q.Label, err)
		}
		rows, err := searcher.Search(ctx, opts.Database, model.SearchQuery{
			Sequence:       q.Sequence,
			Subset:         opts.Subset,
			Index:          opts.Index.IndexParams,
			MaxNSeq:        opts.MaxNSeq,
			MinScore:       opts.MinScore,
			MinPSharedKmer: opts.MinPSharedKmer,
			Mode:           opts.Mode,
		})
		if err != nil {
			return hits{}, fmt.Errorf("line %d (%s): %w", q.Line, q.Label, err)
		}
		return hits{label: q.Label, rows: rows}, nil
	}

	emit := func(r pool.Result[hits]) error {
		sum.Queries++
		sum.Rows += len(r.Value.rows)
		log.Debug().Uint64("seq", r.Seq).Str("label", r.Value.label).Int("rows", len(r.Value.rows)).Msg("query done")
		return writer.Write(r.Value.label, r.Value.rows)
	}

	err := pool.Run(ctx, opts.Threads, reader.Next, work, emit)
	if ferr := writer.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("failed to write output: %w", ferr)
	}
	if err != nil {
		return sum, err
	}
	log.Info().Int("queries", sum.Queries).Int("rows", sum.Rows).Msg("batch finished")
	return sum, nil
}
