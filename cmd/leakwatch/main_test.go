package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/pipeline"
	"github.com/hazyhaar/leakwatch/privstore"
	"github.com/hazyhaar/leakwatch/report"
)

const dump = "email,password\nalice@x.com,hunter2\nbob@x.com,hunter2\nALICE@x.com,s3cr3t!x\n"

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	t.Setenv(pipeline.KeyEnv, strings.Repeat("k", indicator.MinKeySize))
	return filepath.Join(t.TempDir(), "leakwatch.db")
}

func TestIngestPrintsSummary(t *testing.T) {
	db := setup(t)
	records := filepath.Join(t.TempDir(), "records.jsonl")

	out, err := run(t, dump, "--db", db, "ingest", "-o", "json", "--source", "dump.csv", "--records", records)
	require.NoError(t, err)

	var s report.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, privstore.RunCompleted, s.Status)
	assert.Equal(t, "dump.csv", s.Source)
	assert.EqualValues(t, 3, s.RowsProcessed)
	// alice, bob, hunter2, s3cr3t!x
	assert.EqualValues(t, 4, s.UniqueIndicators)

	data, err := os.ReadFile(records)
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count(data, []byte("\n")))
	assert.NotContains(t, string(data), "alice")
	assert.NotContains(t, string(data), "hunter2")
}

func TestIngestFileAndStats(t *testing.T) {
	db := setup(t)
	in := filepath.Join(t.TempDir(), "leak.csv")
	require.NoError(t, os.WriteFile(in, []byte(dump), 0o600))

	out, err := run(t, "", "--db", db, "ingest", in)
	require.NoError(t, err)
	assert.Contains(t, out, "leak.csv")

	out, err = run(t, "", "--db", db, "stats")
	require.NoError(t, err)
	var st privstore.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.EqualValues(t, 4, st.Indicators)
	assert.EqualValues(t, 1, st.Runs)

	out, err = run(t, "", "--db", db, "runs")
	require.NoError(t, err)
	var runs []privstore.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "leak.csv", runs[0].Source)
}

func TestExportImportRoundTrip(t *testing.T) {
	db := setup(t)
	_, err := run(t, dump, "--db", db, "ingest")
	require.NoError(t, err)

	exported := filepath.Join(t.TempDir(), "export.db")
	out, err := run(t, "", "--db", db, "export", exported)
	require.NoError(t, err)
	var m privstore.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.EqualValues(t, 4, m.Indicators)
	assert.FileExists(t, privstore.ManifestPath(exported))

	other := filepath.Join(t.TempDir(), "other.db")
	out, err = run(t, "", "--db", other, "import", exported)
	require.NoError(t, err)
	var res privstore.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, 4, res.Indicators)

	// Same file again is skipped.
	out, err = run(t, "", "--db", other, "import", exported)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Skipped)
}

func TestBloomWritesFilter(t *testing.T) {
	db := setup(t)
	_, err := run(t, dump, "--db", db, "ingest")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "peer.bloom")
	out, err := run(t, "", "--db", db, "bloom", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	pf, err := dedup.DecodePeerFilter(f)
	require.NoError(t, err)

	h, err := indicator.NewHasher([]byte(strings.Repeat("k", indicator.MinKeySize)))
	require.NoError(t, err)
	assert.True(t, pf.Test(h.Hash(indicator.DomainEmail, "alice@x.com")))
}

func TestAnomaliesListAndResolve(t *testing.T) {
	db := setup(t)
	store, err := privstore.Open(db)
	require.NoError(t, err)
	_, err = store.AppendAnomaly(context.Background(), indicator.AnomalyRecord{
		ID: "anm_1", RunID: "run_1", Row: 1, Subject: strings.Repeat("a", 64),
		Type: indicator.AnomalyRareUser, Contribution: 10,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, "", "--db", db, "anomalies", "list", "--unresolved")
	require.NoError(t, err)
	var recs []indicator.AnomalyRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)

	_, err = run(t, "", "--db", db, "anomalies", "resolve", "anm_1", "--operator", "analyst")
	require.NoError(t, err)

	out, err = run(t, "", "--db", db, "anomalies", "list", "--unresolved")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Empty(t, recs)

	_, err = run(t, "", "--db", db, "anomalies", "resolve", "missing")
	assert.ErrorIs(t, err, privstore.ErrNotFound)
}

func TestPurgeRequiresWindow(t *testing.T) {
	db := setup(t)
	_, err := run(t, "", "--db", db, "purge")
	assert.Error(t, err)

	_, err = run(t, dump, "--db", db, "ingest")
	require.NoError(t, err)
	out, err := run(t, "", "--db", db, "purge", "--older-than", "1h")
	require.NoError(t, err)
	var res privstore.PurgeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Indicators)
}

func TestMissingKeyFails(t *testing.T) {
	db := filepath.Join(t.TempDir(), "leakwatch.db")
	t.Setenv(pipeline.KeyEnv, "")
	_, err := run(t, dump, "--db", db, "ingest")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARN").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
