package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type OutputMode string

const (
	ModeMinimum    OutputMode = "minimum"
	ModeMatchScore OutputMode = "matchscore"
	ModeSequence   OutputMode = "sequence"
	ModeMaximum    OutputMode = "maximum"
)

func (m OutputMode) Valid() bool {
	switch m {
	case ModeMinimum, ModeMatchScore, ModeSequence, ModeMaximum:
		return true
	}
	return false
}

func (m OutputMode) WithScore() bool {
	return m == ModeMatchScore || m == ModeMaximum
}

func (m OutputMode) WithSequence() bool {
	return m == ModeSequence || m == ModeMaximum
}

// IndexParams are the five tuning parameters identifying a search index.
type IndexParams struct {
	KmerSize             int     `db:"kmer_size" json:"kmersize"`
	OccurBitLen          int     `db:"occur_bit_len" json:"occurbitlen"`
	MaxPAppear           float64 `db:"max_p_appear" json:"maxpappear"`
	MaxNAppear           int     `db:"max_n_appear" json:"maxnappear"`
	PrecludeHighFreqKmer bool    `db:"preclude_high_freq_kmer" json:"precludehighfreqkmer"`
}

// Job represents an in-flight search stored in the job table.
type Job struct {
	ID             string     `db:"id" json:"job_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_time"`
	QueryLabel     string     `db:"query_label" json:"querylabel"`
	QuerySeq       string     `db:"query_seq" json:"queryseq"`
	Database       string     `db:"database" json:"db"`
	Subset         string     `db:"subset" json:"subset,omitempty"`
	IndexName      string     `db:"index_name" json:"index"`
	IndexParams               // tuning parameters of IndexName
	MaxNSeq        int        `db:"max_n_seq" json:"maxnseq"`
	MinScore       int        `db:"min_score" json:"minscore"`
	MinPSharedKmer float64    `db:"min_p_shared_kmer" json:"minpsharedkmer"`
	Mode           OutputMode `db:"mode" json:"mode"`
	Status         JobStatus  `db:"status" json:"status"`
	WorkerHandle   string     `db:"worker_handle" json:"-"`
	TimeoutAt      time.Time  `db:"timeout_at" json:"timeout_time"`
}

// Result is the terminal payload of a job.
type Result struct {
	JobID       string    `db:"id"`
	CreatedAt   time.Time `db:"created_at"`
	CompletedAt time.Time `db:"completed_at"`
	Failed      bool      `db:"failed"`
	Payload     []byte    `db:"payload"`
}

// Row is one hit of a similarity search. Score and Seq are populated
// depending on the output mode.
type Row struct {
	SeqID []string `json:"seqid"`
	Score *int     `json:"score,omitempty"`
	Seq   *string  `json:"seq,omitempty"`
}

// SearchQuery is everything the backing store needs to run one search.
type SearchQuery struct {
	Sequence       string
	Subset         string
	Index          IndexParams
	MaxNSeq        int
	MinScore       int
	MinPSharedKmer float64
	Mode           OutputMode
}

// StatusResponse answers POST /status. Index fields are only known while
// the job row exists.
type StatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_time"`
	CompletedAt *time.Time `json:"completed_time,omitempty"`
	IndexName   string     `json:"index,omitempty"`
	*IndexParams
}

// SearchResult is the success payload stored for a completed job.
type SearchResult struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_time"`
	CompletedAt time.Time `json:"completed_time"`
	QueryLabel  string    `json:"querylabel"`
	QuerySeq    string    `json:"queryseq"`
	Database    string    `json:"db"`
	Subset      string    `json:"subset,omitempty"`
	IndexName   string    `json:"index"`
	IndexParams
	MaxNSeq        int        `json:"maxnseq"`
	MinScore       int        `json:"minscore"`
	MinPSharedKmer float64    `json:"minpsharedkmer"`
	Mode           OutputMode `json:"mode"`
	Results        []Row      `json:"results"`
}

// FailurePayload is stored instead of a SearchResult when a job fails.
type FailurePayload struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Error       bool      `json:"error"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	CompletedAt time.Time `json:"completed_time"`
}

// SearchRequest is the incoming API payload of POST /search.
// Pointer fields distinguish "absent" from zero values.
type SearchRequest struct {
	QueryLabel           string   `json:"querylabel"`
	QuerySeq             string   `json:"queryseq"`
	DB                   string   `json:"db"`
	Database             string   `json:"database"`
	Subset               string   `json:"subset"`
	Index                string   `json:"index"`
	KmerSize             *int     `json:"kmersize"`
	OccurBitLen          *int     `json:"occurbitlen"`
	MaxPAppear           *float64 `json:"maxpappear"`
	MaxNAppear           *int     `json:"maxnappear"`
	PrecludeHighFreqKmer *bool    `json:"precludehighfreqkmer"`
	MaxNSeq              *int     `json:"maxnseq"`
	MinScore             *int     `json:"minscore"`
	MinPSharedKmer       *float64 `json:"minpsharedkmer"`
	Mode                 string   `json:"mode"`
}

// JobIDRequest is the payload of /status, /result and /cancel.
type JobIDRequest struct {
	JobID string `json:"job_id"`
}

const jobIDTimeLayout = "20060102T150405.000000Z"

var jobIDPattern = regexp.MustCompile(`^\d{8}T\d{6}\.\d{6}Z-[A-Za-z0-9_-]{24}$`)

// NewJobID returns "<UTC timestamp>-<144 random bits, base64url>".
func NewJobID(now time.Time) (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return now.UTC().Format(jobIDTimeLayout) + "-" + base64.RawURLEncoding.EncodeToString(b), nil
}

func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Metadata answers GET /metadata.
type Metadata struct {
	Defaults  MetadataDefaults `json:"defaults"`
	Limits    MetadataLimits   `json:"limits"`
	Databases []DatabaseInfo   `json:"databases"`
}

type MetadataDefaults struct {
	Database       string     `json:"db,omitempty"`
	Subset         string     `json:"subset,omitempty"`
	Index          string     `json:"index,omitempty"`
	MaxNSeq        int        `json:"maxnseq"`
	MinScore       int        `json:"minscore"`
	MinPSharedKmer float64    `json:"minpsharedkmer"`
	Mode           OutputMode `json:"mode"`
}

type MetadataLimits struct {
	MaxJobs           int   `json:"max_jobs"`
	JobTimeoutSeconds int64 `json:"job_timeout_seconds"`
	ResultRetention   int64 `json:"result_retention_seconds"`
}

type DatabaseInfo struct {
	Name    string   `json:"name"`
	MaxLen  int      `json:"maxlen"`
	Subsets []string `json:"subsets"`
	Indexes []string `json:"indexes"`
}
