package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/ssuji15/kmerq/internal/db"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/ssuji15/kmerq/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	dataTable = "kmerq_data"

	listIndexesQuery = `
		SELECT indexname
		FROM pg_indexes
		WHERE tablename = $1 AND starts_with(indexname, $2)
		ORDER BY indexname`
)

type SearchRepository struct {
	db *db.DB
}

func NewSearchRepository(db *db.DB) *SearchRepository {
	return &SearchRepository{db: db}
}

// settings returns the session parameters applied before a search.
func settings(q model.SearchQuery) [][2]string {
	return [][2]string{
		{"kmersearch.kmer_size", strconv.Itoa(q.Index.KmerSize)},
		{"kmersearch.occur_bitlen", strconv.Itoa(q.Index.OccurBitLen)},
		{"kmersearch.max_appearance_rate", strconv.FormatFloat(q.Index.MaxPAppear, 'f', 3, 64)},
		{"kmersearch.max_appearance_nrow", strconv.Itoa(q.Index.MaxNAppear)},
		{"kmersearch.preclude_highfreq_kmer", strconv.FormatBool(q.Index.PrecludeHighFreqKmer)},
		{"kmersearch.min_score", strconv.Itoa(q.MinScore)},
		{"kmersearch.min_shared_kmer_rate", strconv.FormatFloat(q.MinPSharedKmer, 'f', -1, 64)},
	}
}

// buildSearchSQL returns the statement and its arguments for q.
func buildSearchSQL(q model.SearchQuery) (string, []any) {
	var sb strings.Builder
	args := []any{q.Sequence}

	sb.WriteString("SELECT seqid")
	if q.Mode.WithScore() {
		sb.WriteString(", kmersearch_matchscore(seq, $1)")
	}
	if q.Mode.WithSequence() {
		sb.WriteString(", seq::text")
	}
	sb.WriteString(" FROM " + dataTable + " WHERE seq =% $1")
	if q.Subset != "" {
		args = append(args, q.Subset)
		sb.WriteString(" AND subset @> ARRAY[$2]::text[]")
	}
	sb.WriteString(" ORDER BY kmersearch_matchscore(seq, $1) DESC")
	if q.MaxNSeq > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.MaxNSeq))
	}
	return sb.String(), args
}

// Search runs one similarity query inside its own transaction so the
// session parameters stay local to it.
func (r *SearchRepository) Search(ctx context.Context, q model.SearchQuery) ([]model.Row, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/Search")
	defer span.End()

	span.AddEvent("search.context",
		trace.WithAttributes(
			attribute.String("database", r.db.Database),
			attribute.String("mode", string(q.Mode)),
			attribute.Int("kmersize", q.Index.KmerSize),
			attribute.Int("maxnseq", q.MaxNSeq),
		),
	)

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to begin search transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, kv := range settings(q) {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", kv[0], kv[1]); err != nil {
			util.RecordSpanError(span, err)
			return nil, fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}

	query, args := buildSearchSQL(q)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var (
			row   model.Row
			score int
			seq   string
		)
		dest := []any{&row.SeqID}
		if q.Mode.WithScore() {
			dest = append(dest, &score)
		}
		if q.Mode.WithSequence() {
			dest = append(dest, &seq)
		}
		if err := rows.Scan(dest...); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		if q.Mode.WithScore() {
			row.Score = &score
		}
		if q.Mode.WithSequence() {
			row.Seq = &seq
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

// ListIndexes returns the k-mer indexes built on the data table. Names
// outside the grammar are skipped.
func (r *SearchRepository) ListIndexes(ctx context.Context) ([]index.Descriptor, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListIndexes")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, listIndexesQuery, dataTable, index.PhysicalPrefix)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []index.Descriptor
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		d, err := index.FromPhysicalName(name)
		if err != nil {
			logger.Log.Warn().Str("database", r.db.Database).Str("index", name).Msg("skipping index with unrecognised name")
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return out, nil
}
