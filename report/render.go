package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/leakwatch/risk"
)

// Format selects a Summary rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatText Format = "text"
)

// Write renders s in format f.
func Write(w io.Writer, s Summary, f Format) error {
	switch f {
	case FormatJSON, "":
		return WriteJSON(w, s)
	case FormatYAML:
		return WriteYAML(w, s)
	case FormatText:
		return WriteText(w, s)
	}
	return fmt.Errorf("report: unknown format %q", f)
}

// WriteJSON renders indented JSON.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteYAML renders YAML with the same keys as the JSON form.
func WriteYAML(w io.Writer, s Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// WriteText renders an aligned table for terminals.
func WriteText(w io.Writer, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("run", s.RunID)
	row("source", s.Source)
	status := string(s.Status)
	if s.Reason != "" {
		status += " (" + s.Reason + ")"
	}
	row("status", status)
	row("rules", s.RulesVersion)
	row("key", s.KeyFingerprint)
	if d := s.Duration(); d > 0 {
		row("duration", d.Round(time.Millisecond))
	}
	fmt.Fprintln(tw)

	row("rows", s.RowsTotal)
	row("processed", s.RowsProcessed)
	row("malformed", s.RowsMalformed)
	for _, k := range sortedKeys(s.Malformed) {
		row("  "+k, s.Malformed[k])
	}
	fmt.Fprintln(tw)

	row("unique indicators", s.UniqueIndicators)
	row("new", s.Resolutions.New)
	row("duplicate", s.Resolutions.Duplicate)
	row("similar candidate", s.Resolutions.Similar)
	row("peer known", s.Resolutions.PeerKnown)
	fmt.Fprintln(tw)

	if len(s.Categories) > 0 {
		fmt.Fprintln(tw, "category\tfields")
		for _, k := range sortedKeys(s.Categories) {
			row("  "+k, s.Categories[k])
		}
		fmt.Fprintln(tw)
	}

	row("anomalies", s.AnomalyCount)
	for _, k := range sortedKeys(s.Anomalies) {
		row("  "+k, s.Anomalies[k])
	}
	if s.AnomalyWriteFailures > 0 {
		row("  write failures", s.AnomalyWriteFailures)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "risk\trecords")
	for _, b := range risk.Buckets {
		row("  "+b, s.Risk[b])
	}

	if len(s.EnrichmentMissing) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "enrichment skipped\trecords")
		for _, k := range sortedKeys(s.EnrichmentMissing) {
			row("  "+k, s.EnrichmentMissing[k])
		}
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
