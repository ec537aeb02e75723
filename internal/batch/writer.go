package batch

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/ssuji15/kmerq/model"
)

// Writer prints hits as tab separated lines:
//
//	label  seqid[,seqid...]  [score]  [sequence]
//
// The score and sequence columns are present according to the output mode.
type Writer struct {
	w    *bufio.Writer
	mode model.OutputMode
}

func NewWriter(w io.Writer, mode model.OutputMode) *Writer {
	return &Writer{w: bufio.NewWriter(w), mode: mode}
}

// Write prints every row of one query.
func (w *Writer) Write(label string, rows []model.Row) error {
	for _, row := range rows {
		cols := []string{label, strings.Join(row.SeqID, ",")}
		if w.mode.WithScore() {
			score := ""
			if row.Score != nil {
				score = strconv.Itoa(*row.Score)
			}
			cols = append(cols, score)
		}
		if w.mode.WithSequence() {
			seq := ""
			if row.Seq != nil {
				seq = *row.Seq
			}
			cols = append(cols, seq)
		}
		if _, err := w.w.WriteString(strings.Join(cols, "\t") + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}
