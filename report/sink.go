package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink receives per-record output as the run progresses. Implementations
// must be safe for concurrent use; record order follows worker completion,
// not input order.
type Sink interface {
	Record(RecordResult) error
	Malformed(MalformedRow) error
	Close() error
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(RecordResult) error    { return nil }
func (discard) Malformed(MalformedRow) error { return nil }
func (discard) Close() error                 { return nil }

// MemorySink keeps results in memory. Meant for tests and small inputs.
type MemorySink struct {
	mu        sync.Mutex
	records   []RecordResult
	malformed []MalformedRow
}

func (m *MemorySink) Record(r RecordResult) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Malformed(r MalformedRow) error {
	m.mu.Lock()
	m.malformed = append(m.malformed, r)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of the collected record results.
func (m *MemorySink) Records() []RecordResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordResult(nil), m.records...)
}

// MalformedRows returns a copy of the collected malformed rows.
func (m *MemorySink) MalformedRows() []MalformedRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MalformedRow(nil), m.malformed...)
}

// jsonlLine is one line of the JSONL stream; exactly one of the pointers is set.
type jsonlLine struct {
	Kind      string        `json:"kind"`
	Record    *RecordResult `json:"record,omitempty"`
	Malformed *MalformedRow `json:"malformed,omitempty"`
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLSink writes to w. Close flushes but does not close w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	bw := bufio.NewWriterSize(w, 64*1024)
	return &JSONLSink{w: bw, enc: json.NewEncoder(bw)}
}

// CreateJSONLSink truncates or creates path. Close flushes and closes it.
func CreateJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("report: create %s: %w", path, err)
	}
	s := NewJSONLSink(f)
	s.closer = f
	return s, nil
}

func (s *JSONLSink) Record(r RecordResult) error {
	return s.write(jsonlLine{Kind: "record", Record: &r})
}

func (s *JSONLSink) Malformed(m MalformedRow) error {
	return s.write(jsonlLine{Kind: "malformed", Malformed: &m})
}

func (s *JSONLSink) write(l jsonlLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(l)
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}

// Tee fans results out to every sink. It returns the joined errors.
func Tee(sinks ...Sink) Sink { return tee(sinks) }

type tee []Sink

func (t tee) Record(r RecordResult) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Record(r))
	}
	return errors.Join(errs...)
}

func (t tee) Malformed(m MalformedRow) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Malformed(m))
	}
	return errors.Join(errs...)
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
