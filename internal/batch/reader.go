package batch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ssuji15/kmerq/internal/sequence"
)

// Query is one line of batch input.
type Query struct {
	Label    string
	Sequence string
	Line     int
}

// Reader parses "label<TAB>sequence" lines. Blank lines and lines starting
// with '#' are skipped; a line without a tab is a bare sequence labelled
// "query<N>", N counting queries from 1.
type Reader struct {
	r     *bufio.Reader
	line  int
	count int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16)}
}

// Next returns the next query. ok is false at end of input. It has the
// shape of a pool.Source.
func (r *Reader) Next(ctx context.Context) (Query, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Query{}, false, err
		}
		text, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Query{}, false, fmt.Errorf("failed to read input: %w", err)
		}
		if text == "" && errors.Is(err, io.EOF) {
			return Query{}, false, nil
		}
		r.line++

		text = strings.TrimRight(text, "\r\n")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			if errors.Is(err, io.EOF) {
				return Query{}, false, nil
			}
			continue
		}

		r.count++
		q := Query{Line: r.line}
		if label, seq, found := strings.Cut(text, "\t"); found {
			q.Label = strings.TrimSpace(label)
			q.Sequence = sequence.Normalize(seq)
		} else {
			q.Sequence = sequence.Normalize(text)
		}
		if q.Label == "" {
			q.Label = "query" + strconv.Itoa(r.count)
		}
		return q, true, nil
	}
}

// OpenInput opens path for reading, "-" meaning stdin. Files ending in
// ".gz" are decompressed.
func OpenInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read gzip input %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
