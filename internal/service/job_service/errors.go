package jobservice

import "fmt"

type Kind int

const (
	KindValidation Kind = iota
	KindAdmission
	KindNotFound
	KindInternal
)

const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidSequence  = "INVALID_SEQUENCE"
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeUnknownDatabase  = "UNKNOWN_DATABASE"
	CodeUnknownSubset    = "UNKNOWN_SUBSET"
	CodeIndexNotFound    = "INDEX_NOT_FOUND"
	CodeIndexAmbiguous   = "INDEX_AMBIGUOUS"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeQueueFull        = "QUEUE_FULL"
	CodeInternal         = "INTERNAL_ERROR"

	// stored in failure payloads
	CodeSearchFailed = "SEARCH_FAILED"
	CodeWorkerLost   = "WORKER_LOST"
)

// Error is returned by every JobService operation that fails for a reason
// the client should see.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeJobNotFound, Message: fmt.Sprintf("job %s not found", id)}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, err: err}
}
