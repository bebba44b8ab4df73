// Package table reads customer CSVs into tagged cells and writes sanitized CSV.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Kind tags the dynamic type of a cell.
type Kind int

const (
	Missing Kind = iota
	Number
	Text
	Bool
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Text:
		return "text"
	case Bool:
		return "bool"
	default:
		return "missing"
	}
}

// Cell is one parsed value. Raw always holds the source text so rows can be
// echoed back unchanged in the output artifact.
type Cell struct {
	Kind Kind
	Num  float64
	Bool bool
	Raw  string
}

func (c Cell) IsMissing() bool { return c.Kind == Missing }

// Text returns the trimmed source text.
func (c Cell) Text() string { return strings.TrimSpace(c.Raw) }

// Frame is a parsed CSV: one header and zero or more rows of equal width.
type Frame struct {
	Header []string
	Rows   [][]Cell
}

func (f *Frame) Len() int { return len(f.Rows) }

var (
	ErrEmpty           = errors.New("no header row")
	ErrMultipleHeaders = errors.New("more than one header row")
	ErrBinary          = errors.New("content is not text")
	ErrRaggedRow       = errors.New("row has more fields than the header")
	ErrDuplicateColumn = errors.New("duplicate column name")
)

const (
	commentChar = '#'
	sniffBytes  = 512
)

var missingTokens = map[string]bool{
	"":     true,
	"na":   true,
	"n/a":  true,
	"nan":  true,
	"null": true,
	"none": true,
	"-":    true,
	"?":    true,
}

// Sniff reports whether head looks like delimited text: no NUL or other C0
// control bytes besides tab/CR/LF, and a UTF-8 or single-byte encoding.
func Sniff(head []byte) error {
	if len(head) > sniffBytes {
		head = head[:sniffBytes]
	}
	for _, b := range head {
		if b < 0x20 && b != '\t' && b != '\r' && b != '\n' {
			return ErrBinary
		}
	}
	return nil
}

// Decode returns data as UTF-8. Valid UTF-8 passes through with any BOM
// removed; anything else is decoded as Windows-1252.
func Decode(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return data, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("decoding windows-1252: %w", err)
	}
	return out, nil
}

// Parse reads a CSV document. Blank lines and lines starting with '#' ahead of
// the header are skipped; after the header every line is data. Quoting is permissive.
func Parse(data []byte) (*Frame, error) {
	if err := Sniff(data); err != nil {
		return nil, err
	}
	text, err := Decode(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(skipPreamble(text)))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	f := &Frame{Header: header}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading record %d: %w", line, err)
		}
		if len(f.Rows) == 0 && sameHeader(header, rec) {
			return nil, ErrMultipleHeaders
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("%w: record %d has %d fields, header has %d", ErrRaggedRow, line, len(rec), len(header))
		}
		row := make([]Cell, len(header))
		for i := range row {
			if i < len(rec) {
				row[i] = ParseCell(rec[i])
			}
		}
		f.Rows = append(f.Rows, row)
	}
	return f, nil
}

// skipPreamble drops the blank and comment lines that precede the header.
func skipPreamble(text []byte) []byte {
	for len(text) > 0 {
		line, rest, _ := bytes.Cut(text, []byte("\n"))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && trimmed[0] != commentChar {
			break
		}
		text = rest
	}
	return text
}

func checkHeader(header []string) error {
	if len(header) == 0 || (len(header) == 1 && header[0] == "") {
		return ErrEmpty
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		key := strings.ToLower(h)
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateColumn, h)
		}
		seen[key] = true
	}
	return nil
}

func sameHeader(header, rec []string) bool {
	if len(header) != len(rec) {
		return false
	}
	for i := range header {
		if !strings.EqualFold(header[i], strings.TrimSpace(rec[i])) {
			return false
		}
	}
	return true
}

// ParseCell classifies raw as Missing, Number, Bool or Text.
func ParseCell(raw string) Cell {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if missingTokens[lower] {
		return Cell{Kind: Missing, Raw: raw}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return Cell{Kind: Number, Num: n, Raw: raw}
	}
	switch lower {
	case "true", "yes", "y":
		return Cell{Kind: Bool, Bool: true, Raw: raw}
	case "false", "no", "n":
		return Cell{Kind: Bool, Bool: false, Raw: raw}
	}
	return Cell{Kind: Text, Raw: raw}
}
