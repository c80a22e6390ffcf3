package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/leakwatch/anomaly"
	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/privstore"
)

func sample(row int64, class dedup.Class, score int) RecordResult {
	return RecordResult{
		RunID: "run_1",
		Row:   row,
		Fields: []FieldResult{{
			Field:      "email",
			Type:       "string",
			Tags:       []detect.Tag{{Category: detect.CategoryEmail, Confidence: detect.ConfidenceFormatValid, ValidatorID: "email"}},
			Hash:       "abc",
			Domain:     indicator.DomainEmail,
			Resolution: class,
		}},
		Anomalies: []anomaly.Flag{{Type: indicator.AnomalyRareDomain, Contribution: 10}},
		Risk:      score,
	}
}

func filledTally(t *testing.T) *Tally {
	t.Helper()
	tl := NewTally(Summary{RunID: "run_1", Source: "dump.csv", Status: privstore.RunCompleted})
	tl.Add(sample(2, dedup.ClassNew, 10))
	tl.Add(sample(3, dedup.ClassDuplicate, 85))
	tl.AddMalformed(MalformedRow{RunID: "run_1", Row: 4, Reason: "unterminated_quote"})
	return tl
}

func TestTallyAggregates(t *testing.T) {
	s := filledTally(t).Summary()

	assert.EqualValues(t, 3, s.RowsTotal)
	assert.EqualValues(t, 2, s.RowsProcessed)
	assert.EqualValues(t, 1, s.RowsMalformed)
	assert.EqualValues(t, 1, s.Malformed["unterminated_quote"])
	assert.EqualValues(t, 1, s.Resolutions.New)
	assert.EqualValues(t, 1, s.Resolutions.Duplicate)
	assert.EqualValues(t, 2, s.Categories["email"])
	assert.EqualValues(t, 2, s.AnomalyCount)
	assert.EqualValues(t, 1, s.Risk["0-19"])
	assert.EqualValues(t, 1, s.Risk["80-100"])
	assert.EqualValues(t, 0, s.Risk["40-59"])

	c := s.Counts()
	assert.EqualValues(t, 3, c.RowsTotal)
	assert.EqualValues(t, 1, c.RowsMalformed)
	assert.EqualValues(t, 2, c.AnomalyCount)
}

func TestTallyConcurrent(t *testing.T) {
	tl := NewTally(Summary{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tl.Add(sample(int64(j), dedup.ClassDuplicate, 0))
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 800, tl.Summary().Resolutions.Duplicate)
}

func TestTallySkipsSameRowRepeats(t *testing.T) {
	tl := NewTally(Summary{})
	r := sample(2, dedup.ClassNew, 0)
	r.Fields = append(r.Fields, FieldResult{
		Field:     "backup_email",
		Type:      "string",
		Hash:      "abc",
		Domain:    indicator.DomainEmail,
		PeerKnown: true,
		SameRow:   true,
	})
	r.Fields[0].PeerKnown = true
	tl.Add(r)

	s := tl.Summary()
	assert.EqualValues(t, 1, s.Resolutions.New)
	assert.EqualValues(t, 1, s.Resolutions.PeerKnown)
	assert.EqualValues(t, 1, s.RowsProcessed)
}

func TestSummaryJSONKeyOrderIsStable(t *testing.T) {
	s := filledTally(t).Summary()
	var a, b bytes.Buffer
	require.NoError(t, WriteJSON(&a, s))
	require.NoError(t, WriteJSON(&b, s))
	assert.Equal(t, a.String(), b.String())

	out := a.String()
	assert.Less(t, strings.Index(out, `"run_id"`), strings.Index(out, `"rows_total"`))
	assert.Less(t, strings.Index(out, `"0-19"`), strings.Index(out, `"80-100"`))
	assert.Contains(t, out, `"malformed_count": 1`)
}

func TestSummaryYAMLAndText(t *testing.T) {
	s := filledTally(t).Summary()
	s.StartedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.FinishedAt = s.StartedAt.Add(1500 * time.Millisecond)

	var y bytes.Buffer
	require.NoError(t, Write(&y, s, FormatYAML))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &back))
	assert.Equal(t, 1, back["malformed_count"])
	assert.Equal(t, "completed", back["status"])

	var txt bytes.Buffer
	require.NoError(t, Write(&txt, s, FormatText))
	out := txt.String()
	assert.Contains(t, out, "malformed")
	assert.Contains(t, out, "unterminated_quote")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "80-100")

	assert.Error(t, Write(&txt, s, "xml"))
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	sink, err := CreateJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Record(sample(2, dedup.ClassNew, 10)))
	require.NoError(t, sink.Malformed(MalformedRow{Row: 3, Reason: "column_count"}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l jsonlLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		kinds = append(kinds, l.Kind)
		if l.Kind == "record" {
			require.NotNil(t, l.Record)
			assert.Equal(t, dedup.ClassNew, l.Record.Fields[0].Resolution)
		}
	}
	assert.Equal(t, []string{"record", "malformed"}, kinds)
}

func TestTeeAndMemorySink(t *testing.T) {
	mem := &MemorySink{}
	tl := NewTally(Summary{})
	sink := Tee(mem, tl, Discard)
	require.NoError(t, sink.Record(sample(2, dedup.ClassNew, 0)))
	require.NoError(t, sink.Malformed(MalformedRow{Row: 3, Reason: "oversize"}))
	require.NoError(t, sink.Close())

	assert.Len(t, mem.Records(), 1)
	assert.Len(t, mem.MalformedRows(), 1)
	assert.EqualValues(t, 2, tl.Summary().RowsTotal)
}
