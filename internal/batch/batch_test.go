package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/model"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []Query {
	t.Helper()
	reader := NewReader(r)
	var out []Query
	for {
		q, ok, err := reader.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, q)
	}
}

func TestReader(t *testing.T) {
	input := "# comment\n" +
		"first\tacgt acgt\n" +
		"\n" +
		"GGGGCCCC\r\n" +
		"\tTTTTAAAA\n" +
		"last\tCCCCGGGG"

	got := readAll(t, strings.NewReader(input))
	require.Equal(t, []Query{
		{Label: "first", Sequence: "ACGTACGT", Line: 2},
		{Label: "query2", Sequence: "GGGGCCCC", Line: 4},
		{Label: "query3", Sequence: "TTTTAAAA", Line: 5},
		{Label: "last", Sequence: "CCCCGGGG", Line: 6},
	}, got)
}

func TestReader_Empty(t *testing.T) {
	require.Empty(t, readAll(t, strings.NewReader("")))
	require.Empty(t, readAll(t, strings.NewReader("# only\n\n")))
}

func TestOpenInput_Gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.tsv.gz")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("q1\tACGTACGT\nq2\tGGGGCCCC\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	in, err := OpenInput(path)
	require.NoError(t, err)
	defer in.Close()

	got := readAll(t, in)
	require.Len(t, got, 2)
	require.Equal(t, "q2", got[1].Label)
}

func TestOpenInput_Missing(t *testing.T) {
	_, err := OpenInput(filepath.Join(t.TempDir(), "missing.tsv"))
	require.Error(t, err)
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestWriter_Modes(t *testing.T) {
	rows := []model.Row{
		{SeqID: []string{"a", "b"}, Score: intp(7), Seq: strp("ACGT")},
	}
	tests := []struct {
		mode model.OutputMode
		want string
	}{
		{model.ModeMinimum, "q\ta,b\n"},
		{model.ModeMatchScore, "q\ta,b\t7\n"},
		{model.ModeSequence, "q\ta,b\tACGT\n"},
		{model.ModeMaximum, "q\ta,b\t7\tACGT\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, tt.mode)
			require.NoError(t, w.Write("q", rows))
			require.NoError(t, w.Write("empty", nil))
			require.NoError(t, w.Flush())
			require.Equal(t, tt.want, buf.String())
		})
	}
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	fail    string
	queries []model.SearchQuery
}

func (f *fakeSearcher) Search(ctx context.Context, database string, q model.SearchQuery) ([]model.Row, error) {
	f.mu.Lock()
	f.calls++
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if q.Sequence == f.fail {
		return nil, errors.New("backend down")
	}
	// longer sequences finish first
	time.Sleep(time.Duration(20-len(q.Sequence)) * time.Millisecond)
	return []model.Row{{SeqID: []string{database + ":" + q.Sequence}, Score: intp(len(q.Sequence))}}, nil
}

func testOptions(threads int) Options {
	return Options{
		Database: "nt",
		Index: index.Descriptor{IndexParams: model.IndexParams{
			KmerSize: 4, OccurBitLen: 8, MaxPAppear: 0.5,
		}},
		MaxNSeq:        10,
		MinScore:       1,
		MinPSharedKmer: 0.5,
		Mode:           model.ModeMatchScore,
		MaxLen:         16,
		Threads:        threads,
	}
}

func TestRun_OrderedOutput(t *testing.T) {
	input := "a\tACGT\nb\tACGTACGT\nc\tACGTAC\nd\tACGTACGTACGT\n"
	s := &fakeSearcher{}

	var out bytes.Buffer
	sum, err := Run(context.Background(), s, testOptions(4), strings.NewReader(input), &out)
	require.NoError(t, err)
	require.Equal(t, Summary{Queries: 4, Rows: 4}, sum)
	require.Equal(t,
		"a\tnt:ACGT\t4\n"+
			"b\tnt:ACGTACGT\t8\n"+
			"c\tnt:ACGTAC\t6\n"+
			"d\tnt:ACGTACGTACGT\t12\n",
		out.String())

	for _, q := range s.queries {
		require.Equal(t, 4, q.Index.KmerSize)
		require.Equal(t, 10, q.MaxNSeq)
	}
}

func TestRun_InvalidSequenceStopsRun(t *testing.T) {
	input := "a\tACGT\nbad\tACXT\nc\tACGT\n"
	var out bytes.Buffer
	_, err := Run(context.Background(), &fakeSearcher{}, testOptions(1), strings.NewReader(input), &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2 (bad)")
	require.Equal(t, "a\tnt:ACGT\t4\n", out.String())
}

func TestRun_TooLong(t *testing.T) {
	input := "long\t" + strings.Repeat("A", 17) + "\n"
	_, err := Run(context.Background(), &fakeSearcher{}, testOptions(2), strings.NewReader(input), io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum length 16")
}

func TestRun_SearchFailure(t *testing.T) {
	s := &fakeSearcher{fail: "GGGG"}
	_, err := Run(context.Background(), s, testOptions(2), strings.NewReader("ACGT\nGGGG\n"), io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend down")
}

func TestRun_InvalidOptions(t *testing.T) {
	opts := testOptions(0)
	_, err := Run(context.Background(), &fakeSearcher{}, opts, strings.NewReader("ACGT\n"), io.Discard)
	require.Error(t, err)

	opts = testOptions(1)
	opts.Mode = "everything"
	_, err = Run(context.Background(), &fakeSearcher{}, opts, strings.NewReader("ACGT\n"), io.Discard)
	require.Error(t, err)
}
