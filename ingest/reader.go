// Package ingest turns a delimited byte stream into RawRecords.
//
// The reader never gives up on the stream because of one bad row: an
// unterminated quote, a column count that disagrees with the header, an
// oversized line or binary garbage is reported as a *MalformedRowError and
// reading resumes on the next physical line. Only I/O failures end the
// stream early.
package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hazyhaar/leakwatch/normalize"
)

// ErrMalformedRow matches every *MalformedRowError.
var ErrMalformedRow = errors.New("ingest: malformed row")

// Malformed row reasons.
const (
	ReasonUnterminatedQuote = "unterminated_quote"
	ReasonBareQuote         = "bare_quote"
	ReasonColumnCount       = "column_count"
	ReasonOversize          = "oversize"
	ReasonBinary            = "binary"
)

// MalformedRowError describes a row that was skipped.
type MalformedRowError struct {
	Row    int64
	Reason string
	Detail string
}

func (e *MalformedRowError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ingest: row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("ingest: row %d: %s: %s", e.Row, e.Reason, e.Detail)
}

func (e *MalformedRowError) Is(target error) bool { return target == ErrMalformedRow }

// Defaults.
const (
	DefaultMaxRowBytes      = 1 << 20
	DefaultMaxContinuations = 32
)

// Options configure a Reader. The zero value sniffs the delimiter and
// treats the first line as the header.
type Options struct {
	// Delimiter of zero is sniffed from the first line among , ; TAB |.
	Delimiter rune
	// NoHeader names columns col1..colN from the first row's width.
	NoHeader bool
	// Header declares column names; the first line is then data.
	Header []string
	// MaxRowBytes bounds one logical row.
	MaxRowBytes int
	// MaxContinuations bounds how many physical lines a quoted field may span.
	MaxContinuations int
	// Now stamps ObservedAt. Defaults to time.Now.
	Now func() time.Time
}

type line struct {
	num      int64
	data     []byte
	oversize bool
}

// Reader yields RawRecords. Not safe for concurrent use.
type Reader struct {
	br      *bufio.Reader
	opts    Options
	delim   byte
	header  []string
	started bool
	lineNum int64
	pending []line
	eof     bool
	rows    int64
	bad     int64
}

// NewReader wraps r.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.MaxRowBytes <= 0 {
		opts.MaxRowBytes = DefaultMaxRowBytes
	}
	if opts.MaxContinuations <= 0 {
		opts.MaxContinuations = DefaultMaxContinuations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rd := &Reader{br: bufio.NewReaderSize(r, 64<<10), opts: opts}
	if opts.Delimiter != 0 {
		rd.delim = byte(opts.Delimiter)
	}
	if len(opts.Header) > 0 {
		rd.header = append([]string(nil), opts.Header...)
	}
	return rd
}

// Header returns the column names, available after the first Next.
func (r *Reader) Header() []string { return r.header }

// Delimiter returns the delimiter in use, available after the first Next.
func (r *Reader) Delimiter() byte { return r.delim }

// Counts returns rows emitted and rows reported malformed so far.
func (r *Reader) Counts() (rows, malformed int64) { return r.rows, r.bad }

// Next returns the next record. A *MalformedRowError reports a skipped row;
// the caller keeps calling Next. io.EOF ends the stream.
func (r *Reader) Next() (normalize.RawRecord, error) {
	if !r.started {
		if err := r.start(); err != nil {
			return normalize.RawRecord{}, err
		}
	}
	for {
		first, err := r.nextLine()
		if err != nil {
			return normalize.RawRecord{}, err
		}
		if len(first.data) == 0 && !first.oversize {
			continue
		}
		rec, merr := r.parseRow(first)
		if merr != nil {
			r.bad++
			return normalize.RawRecord{}, merr
		}
		r.rows++
		return rec, nil
	}
}

func (r *Reader) start() error {
	r.started = true
	if r.header != nil && r.delim != 0 {
		return nil
	}
	// Find the first non-empty line to sniff from (and consume as header).
	for {
		l, err := r.nextLine()
		if err == io.EOF {
			if r.delim == 0 {
				r.delim = ','
			}
			return io.EOF
		}
		if err != nil {
			return err
		}
		if len(l.data) == 0 && !l.oversize {
			continue
		}
		if r.delim == 0 {
			r.delim = sniff(l.data)
		}
		if r.header != nil || r.opts.NoHeader {
			r.unread(l)
			return nil
		}
		fields, _, perr := splitRow(l.data, r.delim)
		if l.oversize || perr != "" {
			// Without a usable header every row would be malformed.
			return fmt.Errorf("ingest: unreadable header on line %d", l.num)
		}
		r.header = make([]string, len(fields))
		for i, f := range fields {
			r.header[i] = string(f)
		}
		return nil
	}
}

// parseRow assembles one logical row starting at first, joining following
// lines while a quoted field is open.
func (r *Reader) parseRow(first line) (normalize.RawRecord, *MalformedRowError) {
	malformed := func(reason, detail string) *MalformedRowError {
		return &MalformedRowError{Row: first.num, Reason: reason, Detail: detail}
	}
	if first.oversize {
		return normalize.RawRecord{}, malformed(ReasonOversize, "")
	}
	if bytes.IndexByte(first.data, 0) >= 0 {
		return normalize.RawRecord{}, malformed(ReasonBinary, "NUL byte")
	}

	buf := first.data
	var joined []line
	for {
		fields, open, perr := splitRow(buf, r.delim)
		if perr != "" {
			r.requeue(joined)
			if len(joined) > 0 {
				// The open quote on the first line is the root cause.
				return normalize.RawRecord{}, malformed(ReasonUnterminatedQuote, perr)
			}
			return normalize.RawRecord{}, malformed(perr, "")
		}
		if !open {
			rec, merr := r.build(first.num, fields, joined)
			if merr != nil && len(joined) > 0 {
				merr.Reason, merr.Detail = ReasonUnterminatedQuote, merr.Reason
			}
			return rec, merr
		}
		if len(joined) >= r.opts.MaxContinuations {
			r.requeue(joined)
			return normalize.RawRecord{}, malformed(ReasonUnterminatedQuote, "")
		}
		next, err := r.nextLine()
		if err != nil || next.oversize || len(buf)+1+len(next.data) > r.opts.MaxRowBytes || bytes.IndexByte(next.data, 0) >= 0 {
			if err == nil {
				joined = append(joined, next)
			}
			r.requeue(joined)
			return normalize.RawRecord{}, malformed(ReasonUnterminatedQuote, "")
		}
		joined = append(joined, next)
		buf = append(append(append([]byte(nil), buf...), '\n'), next.data...)
	}
}

func (r *Reader) build(row int64, fields [][]byte, joined []line) (normalize.RawRecord, *MalformedRowError) {
	if r.header == nil {
		r.header = make([]string, len(fields))
		for i := range fields {
			r.header[i] = fmt.Sprintf("col%d", i+1)
		}
	}
	if len(fields) != len(r.header) {
		r.requeue(joined)
		return normalize.RawRecord{}, &MalformedRowError{
			Row:    row,
			Reason: ReasonColumnCount,
			Detail: fmt.Sprintf("got %d columns, header has %d", len(fields), len(r.header)),
		}
	}
	rec := normalize.RawRecord{Row: row, ObservedAt: r.opts.Now(), Fields: make([]normalize.Field, len(fields))}
	for i, f := range fields {
		rec.Fields[i] = normalize.Field{Name: r.header[i], Value: string(f)}
	}
	return rec, nil
}

// requeue pushes lines consumed by a failed join back so reading resumes
// right after the malformed row's first line.
func (r *Reader) requeue(ls []line) {
	if len(ls) == 0 {
		return
	}
	r.pending = append(append([]line(nil), ls...), r.pending...)
}

func (r *Reader) unread(l line) { r.pending = append([]line{l}, r.pending...) }

func (r *Reader) nextLine() (line, error) {
	if len(r.pending) > 0 {
		l := r.pending[0]
		r.pending = r.pending[1:]
		return l, nil
	}
	if r.eof {
		return line{}, io.EOF
	}
	data, oversize, err := r.readPhysical()
	if err == io.EOF {
		r.eof = true
		if len(data) == 0 && !oversize {
			return line{}, io.EOF
		}
	} else if err != nil {
		return line{}, fmt.Errorf("ingest: read: %w", err)
	}
	r.lineNum++
	if r.lineNum == 1 {
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	}
	return line{num: r.lineNum, data: data, oversize: oversize}, nil
}

// readPhysical reads one line without its terminator. Lines longer than
// MaxRowBytes are drained and reported oversize without being buffered.
func (r *Reader) readPhysical() ([]byte, bool, error) {
	var out []byte
	oversize := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !oversize {
			if len(out)+len(chunk) > r.opts.MaxRowBytes+2 {
				oversize = true
				out = nil
			} else {
				out = append(out, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		out = bytes.TrimSuffix(out, []byte("\n"))
		out = bytes.TrimSuffix(out, []byte("\r"))
		if !oversize && len(out) > r.opts.MaxRowBytes {
			oversize, out = true, nil
		}
		return out, oversize, err
	}
}

// sniff picks the candidate delimiter occurring most often outside quotes.
func sniff(l []byte) byte {
	candidates := []byte{',', ';', '\t', '|'}
	counts := make(map[byte]int, len(candidates))
	inQuote := false
	for _, c := range l {
		if c == '"' {
			inQuote = !inQuote
			continue
		}
		if !inQuote {
			counts[c]++
		}
	}
	best, bestN := byte(','), 0
	for _, c := range candidates {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}

// splitRow splits one logical row. open reports a quoted field still open
// at the end of data. perr names a structural error.
func splitRow(data []byte, delim byte) (fields [][]byte, open bool, perr string) {
	var cur []byte
	i := 0
	for {
		if i < len(data) && data[i] == '"' {
			// Quoted field.
			i++
			cur = cur[:0:0]
			for {
				if i >= len(data) {
					return nil, true, ""
				}
				c := data[i]
				if c == '"' {
					if i+1 < len(data) && data[i+1] == '"' {
						cur = append(cur, '"')
						i += 2
						continue
					}
					i++
					break
				}
				cur = append(cur, c)
				i++
			}
			if i < len(data) && data[i] != delim {
				return nil, false, ReasonBareQuote
			}
		} else {
			j := bytes.IndexByte(data[i:], delim)
			end := len(data)
			if j >= 0 {
				end = i + j
			}
			// Quotes inside an unquoted field are kept literally.
			cur = append([]byte(nil), data[i:end]...)
			i = end
		}
		fields = append(fields, cur)
		if i >= len(data) {
			return fields, false, ""
		}
		i++ // delimiter
		if i == len(data) {
			return append(fields, []byte{}), false, ""
		}
	}
}
