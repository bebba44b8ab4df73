package table

import (
	"encoding/csv"
	"io"
)

// Sanitize neutralizes spreadsheet formula injection: a cell starting with
// '=', '+', '@' or '-' is prefixed with an apostrophe.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '@', '-':
		return "'" + s
	}
	return s
}

// Writer emits RFC 4180 CSV with LF line endings, sanitizing every cell.
type Writer struct {
	w   *csv.Writer
	buf []string
}

func NewWriter(w io.Writer) *Writer {
	cw := csv.NewWriter(w)
	cw.UseCRLF = false
	return &Writer{w: cw}
}

func (w *Writer) Write(record []string) error {
	w.buf = w.buf[:0]
	for _, v := range record {
		w.buf = append(w.buf, Sanitize(v))
	}
	return w.w.Write(w.buf)
}

// Flush writes buffered records and reports any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}
