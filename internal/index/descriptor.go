// Package index describes the k-mer search indexes of a database and picks
// the one a request refers to.
//
// Canonical index names encode all five tuning parameters:
//
//	km<kk>_ob<oo>_mp<rrrr>_mn<n>_ph<0|1>
//
// kk and oo are two-digit k-mer length and occurrence-bit width, rrrr is the
// max appearance rate times 1000 (three implied decimals), n is the max
// appearance row cap (0 = unlimited) and ph is the high-frequency k-mer
// exclusion flag. The physical PostgreSQL index carries PhysicalPrefix.
package index

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ssuji15/kmerq/model"
)

const (
	PhysicalPrefix = "idx_kmerq_data_seq_gin_"

	MinKmerSize    = 4
	MaxKmerSize    = 64
	MaxOccurBitLen = 16
	rateScale      = 1000
)

var namePattern = regexp.MustCompile(`^km(\d{2})_ob(\d{2})_mp(\d{4})_mn(\d+)_ph([01])$`)

// Descriptor is one concrete search index.
type Descriptor struct {
	model.IndexParams
}

// NewDescriptor validates p and wraps it.
func NewDescriptor(p model.IndexParams) (Descriptor, error) {
	if err := ValidateParams(p); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{IndexParams: p}, nil
}

func ValidateParams(p model.IndexParams) error {
	if p.KmerSize < MinKmerSize || p.KmerSize > MaxKmerSize {
		return fmt.Errorf("kmersize must be between %d and %d, got %d", MinKmerSize, MaxKmerSize, p.KmerSize)
	}
	if p.OccurBitLen < 0 || p.OccurBitLen > MaxOccurBitLen {
		return fmt.Errorf("occurbitlen must be between 0 and %d, got %d", MaxOccurBitLen, p.OccurBitLen)
	}
	if err := ValidateRate(p.MaxPAppear); err != nil {
		return err
	}
	if p.MaxNAppear < 0 {
		return fmt.Errorf("maxnappear must not be negative, got %d", p.MaxNAppear)
	}
	return nil
}

// ValidateRate accepts rates in (0, 1] with at most three decimals.
func ValidateRate(rate float64) error {
	if math.IsNaN(rate) || rate <= 0 || rate > 1 {
		return fmt.Errorf("maxpappear must be in (0, 1], got %v", rate)
	}
	scaled := rate * rateScale
	if math.Abs(scaled-math.Round(scaled)) > 1e-6 {
		return fmt.Errorf("maxpappear must have at most 3 decimal places, got %v", rate)
	}
	return nil
}

// Name returns the canonical name.
func (d Descriptor) Name() string {
	return fmt.Sprintf("km%02d_ob%02d_mp%04d_mn%d_ph%s",
		d.KmerSize,
		d.OccurBitLen,
		int(math.Round(d.MaxPAppear*rateScale)),
		d.MaxNAppear,
		flag(d.PrecludeHighFreqKmer),
	)
}

// PhysicalName is the PostgreSQL index name.
func (d Descriptor) PhysicalName() string {
	return PhysicalPrefix + d.Name()
}

func (d Descriptor) String() string {
	return d.Name()
}

// ParseName decodes a canonical name. Anything not matching the grammar
// exactly is rejected.
func ParseName(name string) (Descriptor, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Descriptor{}, fmt.Errorf("invalid index name %q", name)
	}
	kmer, _ := strconv.Atoi(m[1])
	ob, _ := strconv.Atoi(m[2])
	mp, _ := strconv.Atoi(m[3])
	mn, err := strconv.Atoi(m[4])
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid index name %q: %w", name, err)
	}
	d, err := NewDescriptor(model.IndexParams{
		KmerSize:             kmer,
		OccurBitLen:          ob,
		MaxPAppear:           float64(mp) / rateScale,
		MaxNAppear:           mn,
		PrecludeHighFreqKmer: m[5] == "1",
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid index name %q: %w", name, err)
	}
	return d, nil
}

// FromPhysicalName decodes a PostgreSQL index name.
func FromPhysicalName(name string) (Descriptor, error) {
	canonical, ok := strings.CutPrefix(name, PhysicalPrefix)
	if !ok {
		return Descriptor{}, fmt.Errorf("index %q does not start with %q", name, PhysicalPrefix)
	}
	return ParseName(canonical)
}

// Names returns the canonical names of ds.
func Names(ds []Descriptor) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name()
	}
	return names
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
