package ingest

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/normalize"
)

type result struct {
	recs []normalize.RawRecord
	bad  []*MalformedRowError
}

func readAll(t *testing.T, input string, opts Options) result {
	t.Helper()
	r := NewReader(strings.NewReader(input), opts)
	var res result
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return res
		}
		var mre *MalformedRowError
		if errors.As(err, &mre) {
			res.bad = append(res.bad, mre)
			continue
		}
		require.NoError(t, err)
		res.recs = append(res.recs, rec)
	}
}

func values(rec normalize.RawRecord) []string {
	out := make([]string, len(rec.Fields))
	for i, f := range rec.Fields {
		out[i] = f.Value
	}
	return out
}

func TestReadHeaderAndRows(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := readAll(t, "email,password\r\na@x.com,hunter2\r\n\r\nb@x.com,\"pa,ss\"\r\n", Options{Now: func() time.Time { return fixed }})
	require.Len(t, res.recs, 2)
	assert.Empty(t, res.bad)
	assert.Equal(t, []string{"a@x.com", "hunter2"}, values(res.recs[0]))
	assert.Equal(t, "email", res.recs[0].Fields[0].Name)
	assert.Equal(t, []string{"b@x.com", "pa,ss"}, values(res.recs[1]))
	assert.EqualValues(t, 2, res.recs[0].Row)
	assert.EqualValues(t, 4, res.recs[1].Row)
	assert.Equal(t, fixed, res.recs[0].ObservedAt)
}

func TestSniffDelimiter(t *testing.T) {
	for _, tc := range []struct {
		input string
		delim byte
	}{
		{"a;b;c\n1;2;3\n", ';'},
		{"a\tb\n1\t2\n", '\t'},
		{"a|b\n1|2\n", '|'},
		{"\"x;y\",b\n1,2\n", ','},
	} {
		r := NewReader(strings.NewReader(tc.input), Options{})
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, tc.delim, r.Delimiter(), tc.input)
		assert.Len(t, rec.Fields, 2+boolInt(tc.delim == ';'))
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestUnterminatedQuoteIsMalformedAndReadingContinues(t *testing.T) {
	input := "email,password\n" +
		"a@x.com,\"abc\n" +
		"b@x.com,pw\n" +
		"c@x.com,\"quoted\"\n"
	res := readAll(t, input, Options{})
	require.Len(t, res.bad, 1)
	assert.Equal(t, ReasonUnterminatedQuote, res.bad[0].Reason)
	assert.Equal(t, ReasonBareQuote, res.bad[0].Detail)
	assert.EqualValues(t, 2, res.bad[0].Row)
	require.Len(t, res.recs, 2)
	assert.Equal(t, []string{"b@x.com", "pw"}, values(res.recs[0]))
	assert.Equal(t, []string{"c@x.com", "quoted"}, values(res.recs[1]))
}

func TestUnterminatedQuoteAtEOF(t *testing.T) {
	res := readAll(t, "a,b\n1,\"open\n2,3\n", Options{})
	require.Len(t, res.bad, 1)
	assert.Equal(t, ReasonUnterminatedQuote, res.bad[0].Reason)
	require.Len(t, res.recs, 1)
	assert.Equal(t, []string{"2", "3"}, values(res.recs[0]))
	assert.ErrorIs(t, res.bad[0], ErrMalformedRow)
}

func TestMultilineQuotedField(t *testing.T) {
	res := readAll(t, "note,id\n\"line one\nline two\",7\n8b,8\n", Options{})
	require.Empty(t, res.bad)
	require.Len(t, res.recs, 2)
	assert.Equal(t, "line one\nline two", res.recs[0].Fields[0].Value)
	assert.Equal(t, "8b", res.recs[1].Fields[0].Value)
}

func TestColumnCountMismatch(t *testing.T) {
	res := readAll(t, "a,b\n1,2,3\n4,5\n", Options{})
	require.Len(t, res.bad, 1)
	assert.Equal(t, ReasonColumnCount, res.bad[0].Reason)
	require.Len(t, res.recs, 1)
}

func TestOversizeRowSkipped(t *testing.T) {
	long := strings.Repeat("x", 300)
	res := readAll(t, "a,b\n"+long+",1\nok,2\n", Options{MaxRowBytes: 100})
	require.Len(t, res.bad, 1)
	assert.Equal(t, ReasonOversize, res.bad[0].Reason)
	require.Len(t, res.recs, 1)
	assert.Equal(t, "ok", res.recs[0].Fields[0].Value)
}

func TestBinaryRowSkipped(t *testing.T) {
	res := readAll(t, "a,b\n\x00\x01,2\nok,3\n", Options{})
	require.Len(t, res.bad, 1)
	assert.Equal(t, ReasonBinary, res.bad[0].Reason)
	require.Len(t, res.recs, 1)
}

func TestEscapedQuotesAndLiteralQuotes(t *testing.T) {
	res := readAll(t, "name,nick\n\"say \"\"hi\"\"\",O\"Brien\n", Options{})
	require.Empty(t, res.bad)
	require.Len(t, res.recs, 1)
	assert.Equal(t, []string{`say "hi"`, `O"Brien`}, values(res.recs[0]))
}

func TestNoHeaderAndDeclaredHeader(t *testing.T) {
	res := readAll(t, "1,2\n3,4\n", Options{NoHeader: true})
	require.Len(t, res.recs, 2)
	assert.Equal(t, "col2", res.recs[0].Fields[1].Name)

	res = readAll(t, "1,2\n", Options{Header: []string{"x", "y"}})
	require.Len(t, res.recs, 1)
	assert.Equal(t, "y", res.recs[0].Fields[1].Name)
}

func TestBOMAndTrailingEmptyField(t *testing.T) {
	res := readAll(t, "\xef\xbb\xbfa,b\n1,\n", Options{})
	require.Len(t, res.recs, 1)
	assert.Equal(t, "a", res.recs[0].Fields[0].Name)
	assert.Equal(t, []string{"1", ""}, values(res.recs[0]))
}

func TestEmptyInput(t *testing.T) {
	r := NewReader(strings.NewReader(""), Options{})
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCounts(t *testing.T) {
	r := NewReader(strings.NewReader("a,b\n1,2\n1\n"), Options{})
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
	}
	rows, bad := r.Counts()
	assert.EqualValues(t, 1, rows)
	assert.EqualValues(t, 1, bad)
}
