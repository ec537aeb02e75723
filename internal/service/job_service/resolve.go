package jobservice

import (
	"context"
	"errors"

	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/sequence"
	"github.com/ssuji15/kmerq/model"
)

const defaultQueryLabel = "query"

func hasIndexFields(req model.SearchRequest) bool {
	return req.KmerSize != nil || req.OccurBitLen != nil || req.MaxPAppear != nil ||
		req.MaxNAppear != nil || req.PrecludeHighFreqKmer != nil
}

// resolve applies catalogue defaults to req, picks the index and validates
// everything that can be checked before a worker starts.
func (s *JobService) resolve(ctx context.Context, req model.SearchRequest) (*model.Job, error) {
	defs := s.catalog.Defaults

	seq := sequence.Normalize(req.QuerySeq)
	if seq == "" {
		return nil, validation(CodeInvalidRequest, "queryseq is required")
	}

	name := req.DB
	if req.Database != "" {
		if name != "" && name != req.Database {
			return nil, validation(CodeInvalidRequest, "db and database disagree: %s != %s", req.DB, req.Database)
		}
		name = req.Database
	}
	if name == "" {
		name = defs.Database
	}
	if name == "" {
		return nil, validation(CodeInvalidRequest, "db is required")
	}
	database, ok := s.catalog.Lookup(name)
	if !ok {
		e := validation(CodeUnknownDatabase, "unknown database %s", name)
		e.Details = map[string]any{"databases": s.catalog.Names()}
		return nil, e
	}

	subset := req.Subset
	if subset == "" && defs.Subset != "" && database.HasSubset(defs.Subset) {
		subset = defs.Subset
	}
	if subset != "" && !database.HasSubset(subset) {
		e := validation(CodeUnknownSubset, "database %s has no subset %s", name, subset)
		e.Details = map[string]any{"subsets": database.Subsets}
		return nil, e
	}

	target, err := requestTarget(req, defs)
	if err != nil {
		return nil, err
	}

	maxNSeq := defs.MaxNSeq
	if req.MaxNSeq != nil {
		maxNSeq = *req.MaxNSeq
	}
	if maxNSeq < 0 {
		return nil, validation(CodeInvalidParameter, "maxnseq must not be negative")
	}
	minScore := defs.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	if minScore < 0 {
		return nil, validation(CodeInvalidParameter, "minscore must not be negative")
	}
	minShared := defs.MinPSharedKmer
	if req.MinPSharedKmer != nil {
		minShared = *req.MinPSharedKmer
	}
	if minShared < 0 || minShared > 1 {
		return nil, validation(CodeInvalidParameter, "minpsharedkmer must be between 0 and 1")
	}
	mode := model.OutputMode(defs.Mode)
	if req.Mode != "" {
		mode = model.OutputMode(req.Mode)
	}
	if !mode.Valid() {
		return nil, validation(CodeInvalidParameter, "unknown mode %s", mode)
	}

	available, err := s.indexes.Indexes(ctx, name)
	if err != nil {
		return nil, internal("failed to discover indexes", err)
	}
	chosen, err := index.Select(available, target)
	if err != nil {
		return nil, selectionError(name, err)
	}

	if err := sequence.Validate(seq, database.MaxLen, chosen.KmerSize); err != nil {
		return nil, validation(CodeInvalidSequence, "%s", err.Error())
	}

	label := req.QueryLabel
	if label == "" {
		label = defaultQueryLabel
	}
	return &model.Job{
		QueryLabel:     label,
		QuerySeq:       seq,
		Database:       name,
		Subset:         subset,
		IndexName:      chosen.Name(),
		IndexParams:    chosen.IndexParams,
		MaxNSeq:        maxNSeq,
		MinScore:       minScore,
		MinPSharedKmer: minShared,
		Mode:           mode,
		Status:         model.JobRunning,
	}, nil
}

// requestTarget builds the index target from an explicit name, from the
// individual fields, or from the default index. Naming an index and giving
// fields at the same time is rejected.
func requestTarget(req model.SearchRequest, defs config.Defaults) (index.Target, error) {
	fields := hasIndexFields(req)
	if req.Index != "" && fields {
		return index.Target{}, validation(CodeInvalidRequest, "index cannot be combined with kmersize, occurbitlen, maxpappear, maxnappear or precludehighfreqkmer")
	}

	if fields {
		if req.KmerSize != nil && (*req.KmerSize < index.MinKmerSize || *req.KmerSize > index.MaxKmerSize) {
			return index.Target{}, validation(CodeInvalidParameter, "kmersize must be between %d and %d", index.MinKmerSize, index.MaxKmerSize)
		}
		if req.OccurBitLen != nil && (*req.OccurBitLen < 0 || *req.OccurBitLen > index.MaxOccurBitLen) {
			return index.Target{}, validation(CodeInvalidParameter, "occurbitlen must be between 0 and %d", index.MaxOccurBitLen)
		}
		if req.MaxPAppear != nil {
			if err := index.ValidateRate(*req.MaxPAppear); err != nil {
				return index.Target{}, validation(CodeInvalidParameter, "%s", err.Error())
			}
		}
		if req.MaxNAppear != nil && *req.MaxNAppear < 0 {
			return index.Target{}, validation(CodeInvalidParameter, "maxnappear must not be negative")
		}
		return index.Target{
			KmerSize:             req.KmerSize,
			OccurBitLen:          req.OccurBitLen,
			MaxPAppear:           req.MaxPAppear,
			MaxNAppear:           req.MaxNAppear,
			PrecludeHighFreqKmer: req.PrecludeHighFreqKmer,
		}, nil
	}

	name := req.Index
	if name == "" {
		name = defs.Index
	}
	if name == "" {
		return index.Target{}, nil
	}
	d, err := index.ParseName(name)
	if err != nil {
		return index.Target{}, validation(CodeInvalidParameter, "%s", err.Error())
	}
	return index.TargetOf(d), nil
}

func selectionError(database string, err error) error {
	var se *index.SelectionError
	if !errors.As(err, &se) {
		return internal("index selection failed", err)
	}
	code := CodeIndexNotFound
	if se.Failure == index.Ambiguous {
		code = CodeIndexAmbiguous
	}
	e := validation(code, "%s", se.Error())
	e.Details = map[string]any{"database": database, "candidates": se.Candidates}
	return e
}
