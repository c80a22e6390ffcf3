// Package pipeline drives delimited input through normalization,
// detection, hashing, deduplication, anomaly and risk scoring into the
// privacy store.
//
// One reader goroutine feeds a bounded queue; a fixed pool of workers
// processes one record at a time each. Cancellation is observed between
// records only, so a record that started is always finished. A storage
// failure stops intake and ends the run in status aborted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/leakwatch/anomaly"
	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/enrich"
	"github.com/hazyhaar/leakwatch/idgen"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/ingest"
	"github.com/hazyhaar/leakwatch/normalize"
	"github.com/hazyhaar/leakwatch/privstore"
	"github.com/hazyhaar/leakwatch/report"
	"github.com/hazyhaar/leakwatch/risk"
)

const tracerName = "github.com/hazyhaar/leakwatch/pipeline"

// DefaultMaxCooccurrence bounds how many indicators of one record are
// linked pairwise.
const DefaultMaxCooccurrence = 16

// Store is the slice of the privacy store a run writes through.
type Store interface {
	dedup.Store
	BindKey(ctx context.Context, fingerprint string) error
	LoadBaseline(ctx context.Context) ([]privstore.BaselineRow, error)
	MergeBaseline(ctx context.Context, rows []privstore.BaselineRow) error
	BeginRun(ctx context.Context, r privstore.Run) error
	FinishRun(ctx context.Context, id string, status privstore.RunStatus, reason string, c privstore.RunCounts) error
	AddAlias(ctx context.Context, link indicator.AliasLink) error
	AddCooccurrence(ctx context.Context, a, b string, at time.Time) error
	AppendAnomaly(ctx context.Context, rec indicator.AnomalyRecord) (bool, error)
	MarkBreached(ctx context.Context, hash string) error
	CountIndicators(ctx context.Context) (int64, error)
}

// Pipeline is safe for sequential runs. Concurrent runs share one baseline
// and are not supported; concurrent runs of separate pipelines or processes
// on one store are, since each run persists only its baseline delta.
type Pipeline struct {
	store      Store
	hasher     *indicator.Hasher
	normalizer *normalize.Normalizer
	rules      string
	detector   *detect.Detector
	dedup      *dedup.Deduplicator
	baseline   *anomaly.Baseline
	scorer     *anomaly.Scorer
	enricher   *enrich.Enricher

	workers    int
	queue      int
	input      ingest.Options
	maxCooccur int

	anomalyCfg anomaly.Config
	dedupOpts  []dedup.Option

	runIDs  idgen.Generator
	now     func() time.Time
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRuleset replaces the default normalization rules.
func WithRuleset(rs normalize.Ruleset) Option {
	return func(p *Pipeline) {
		p.normalizer = normalize.New(rs)
		p.rules = rs.Version
	}
}

// WithDetector replaces the default detector.
func WithDetector(d *detect.Detector) Option { return func(p *Pipeline) { p.detector = d } }

// WithEnricher sets the optional collaborators. Default: all disabled.
func WithEnricher(e *enrich.Enricher) Option { return func(p *Pipeline) { p.enricher = e } }

// WithWorkers sets the worker count. Default 4.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize bounds the records buffered between reader and workers.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.queue = n
		}
	}
}

// WithInput configures the delimited reader.
func WithInput(o ingest.Options) Option { return func(p *Pipeline) { p.input = o } }

// WithAnomalyConfig tunes the anomaly scorer.
func WithAnomalyConfig(c anomaly.Config) Option { return func(p *Pipeline) { p.anomalyCfg = c } }

// WithDedupOptions passes options to the deduplicator.
func WithDedupOptions(opts ...dedup.Option) Option {
	return func(p *Pipeline) { p.dedupOpts = append(p.dedupOpts, opts...) }
}

// WithMaxCooccurrence bounds pairwise linking per record. Zero disables
// linking; negative values are ignored.
func WithMaxCooccurrence(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxCooccur = n
		}
	}
}

// WithRunIDs sets the run ID generator. Default: UUIDv7 prefixed "run_".
func WithRunIDs(g idgen.Generator) Option { return func(p *Pipeline) { p.runIDs = g } }

// WithClock sets the clock stamping observations and anomalies.
func WithClock(fn func() time.Time) Option { return func(p *Pipeline) { p.now = fn } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTracerProvider sets the tracer provider. Default: the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// New builds a pipeline writing to store under hasher's key.
func New(store Store, hasher *indicator.Hasher, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if hasher == nil {
		return nil, errors.New("pipeline: hasher is required")
	}
	rs := normalize.DefaultRuleset()
	p := &Pipeline{
		store:      store,
		hasher:     hasher,
		normalizer: normalize.New(rs),
		rules:      rs.Version,
		workers:    4,
		queue:      256,
		maxCooccur: DefaultMaxCooccurrence,
		runIDs:     idgen.Prefixed("run_", idgen.UUIDv7()),
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.detector == nil {
		p.detector = detect.New(detect.WithLogger(p.logger))
	}
	if p.enricher == nil {
		p.enricher = enrich.Disabled()
	}
	p.dedup = dedup.New(store, append([]dedup.Option{dedup.WithLogger(p.logger)}, p.dedupOpts...)...)
	p.baseline = anomaly.NewBaseline()
	scorer, err := anomaly.NewScorer(p.baseline, p.anomalyCfg, func(d string) string {
		return hasher.Hash(indicator.DomainBaselineDomain, d)
	})
	if err != nil {
		return nil, err
	}
	p.scorer = scorer
	if p.input.Now == nil {
		p.input.Now = p.now
	}
	return p, nil
}

// Baseline exposes the anomaly baseline the pipeline scores against.
func (p *Pipeline) Baseline() *anomaly.Baseline { return p.baseline }

// Deduplicator exposes the deduplicator, e.g. to install a peer filter.
func (p *Pipeline) Deduplicator() *dedup.Deduplicator { return p.dedup }

// Identify derives the indicator hash a value would get under the column
// name field, through the same normalization and detection as ingestion.
// Nothing is stored. It reports false when the value is not
// identity-bearing.
func (p *Pipeline) Identify(field, value string) (indicator.Derived, bool) {
	f := p.normalizer.NormalizeField(normalize.Field{Name: field, Value: value})
	id, ok := indicator.IdentityValue(f, p.detector.DetectField(f))
	if !ok {
		return indicator.Derived{}, false
	}
	return p.hasher.Derive(id), true
}

// Run ingests src to the end, to cancellation, or to the first storage
// failure. The returned summary always carries the terminal status; the
// error is nil only for a completed run. Run returns once the read in
// flight on src returns.
func (p *Pipeline) Run(ctx context.Context, src io.Reader, source string, sink report.Sink) (report.Summary, error) {
	if sink == nil {
		sink = report.Discard
	}
	id := p.runIDs()
	ctx, span := p.tracer.Start(ctx, "leakwatch.run", trace.WithAttributes(
		attribute.String("leakwatch.run_id", id),
		attribute.String("leakwatch.source", source),
	))
	defer span.End()

	// Store writes outlive cancellation so a started record completes.
	sctx := context.WithoutCancel(ctx)
	fp := p.hasher.Fingerprint()
	tally := report.NewTally(report.Summary{
		RunID:          id,
		Source:         source,
		Status:         privstore.RunRunning,
		RulesVersion:   p.rules,
		KeyFingerprint: fp,
		StartedAt:      p.now(),
	})

	if err := p.prepare(ctx, sctx, privstore.Run{
		ID:             id,
		Source:         source,
		RulesVersion:   p.rules,
		KeyFingerprint: fp,
	}); err != nil {
		s := tally.Summary()
		s.Status, s.Reason, s.FinishedAt = privstore.RunAborted, err.Error(), p.now()
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare")
		p.metrics.run(string(s.Status))
		p.logger.Error("pipeline: run not started", "run", id, "error", err)
		return s, err
	}
	p.logger.Info("pipeline: run started", "run", id, "source", source, "workers", p.workers, "rules", p.rules)

	r := &run{p: p, id: id, tally: tally, sink: sink}
	status, reason, runErr := r.execute(ctx, src)

	if err := p.store.MergeBaseline(sctx, p.baseline.Drain()); err != nil {
		p.logger.Error("pipeline: merge baseline failed", "run", id, "error", err)
		if status == privstore.RunCompleted {
			status, reason, runErr = privstore.RunAborted, err.Error(), err
		}
	}

	s := tally.Summary()
	s.Status, s.Reason, s.FinishedAt = status, reason, p.now()
	if n, err := p.store.CountIndicators(sctx); err == nil {
		s.UniqueIndicators = n
	} else {
		p.logger.Warn("pipeline: count indicators failed", "run", id, "error", err)
	}
	if err := p.store.FinishRun(sctx, id, status, reason, s.Counts()); err != nil {
		p.logger.Error("pipeline: finish run failed", "run", id, "error", err)
		runErr = errors.Join(runErr, err)
	}
	if err := sink.Close(); err != nil {
		p.logger.Warn("pipeline: close sink failed", "run", id, "error", err)
	}

	span.SetAttributes(
		attribute.String("leakwatch.status", string(status)),
		attribute.Int64("leakwatch.rows", s.RowsTotal),
		attribute.Int64("leakwatch.malformed", s.RowsMalformed),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(status))
	}
	p.metrics.run(string(status))
	p.logger.Info("pipeline: run finished",
		"run", id,
		"status", status,
		"rows", s.RowsTotal,
		"malformed", s.RowsMalformed,
		"new", s.Resolutions.New,
		"duplicate", s.Resolutions.Duplicate,
		"anomalies", s.AnomalyCount,
		"duration", s.Duration(),
	)
	return s, runErr
}

// prepare binds the key, restores the baseline, refreshes the peer filter
// and records the run.
func (p *Pipeline) prepare(ctx, sctx context.Context, r privstore.Run) error {
	if err := p.store.BindKey(sctx, r.KeyFingerprint); err != nil {
		return fmt.Errorf("bind key: %w", err)
	}
	rows, err := p.store.LoadBaseline(sctx)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	p.baseline.Restore(rows)

	if res := p.enricher.PeerFilter(ctx); !res.Missing && res.Value != nil {
		p.dedup.SetPeerFilter(res.Value)
		p.logger.Info("pipeline: peer filter loaded", "approx_hashes", res.Value.ApproximateCount())
	}

	r.StartedAt = p.now()
	if err := p.store.BeginRun(sctx, r); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// run is the state of one Run call.
type run struct {
	p     *Pipeline
	id    string
	tally *report.Tally
	sink  report.Sink
}

func (r *run) execute(ctx context.Context, src io.Reader) (privstore.RunStatus, string, error) {
	p := r.p
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan normalize.RawRecord, p.queue)

	g.Go(func() error {
		defer close(jobs)
		rd := ingest.NewReader(src, p.input)
		for {
			if gctx.Err() != nil {
				return nil
			}
			rec, err := rd.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			var bad *ingest.MalformedRowError
			if errors.As(err, &bad) {
				r.malformed(bad)
				continue
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			select {
			case jobs <- rec:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case rec, ok := <-jobs:
					if !ok {
						return nil
					}
					if err := r.process(gctx, rec); err != nil {
						return err
					}
				}
			}
		})
	}

	err := g.Wait()
	switch {
	case err != nil:
		p.logger.Error("pipeline: run aborted", "run", r.id, "error", err)
		return privstore.RunAborted, err.Error(), err
	case ctx.Err() != nil:
		p.logger.Warn("pipeline: run cancelled", "run", r.id, "error", ctx.Err())
		return privstore.RunCancelled, ctx.Err().Error(), ctx.Err()
	}
	return privstore.RunCompleted, "", nil
}

func (r *run) malformed(e *ingest.MalformedRowError) {
	m := report.MalformedRow{RunID: r.id, Row: e.Row, Reason: e.Reason, Detail: e.Detail}
	r.tally.AddMalformed(m)
	if err := r.sink.Malformed(m); err != nil {
		r.p.logger.Warn("pipeline: sink write failed", "run", r.id, "row", e.Row, "error", err)
	}
	r.p.metrics.row("malformed")
	r.p.logger.Warn("pipeline: malformed row skipped", "run", r.id, "row", e.Row, "reason", e.Reason)
}

// identity is a field of a record that resolves to an indicator.
type identity struct {
	field int
	id    indicator.Identity
	d     indicator.Derived

	embed  enrich.Result[[]float32]
	breach enrich.Result[bool]
}

// enrichAll runs every enrichment call of a record at once and waits for
// all of them. Each call is bounded by its guard, so a record waits at most
// one timeout whatever its field count.
func (p *Pipeline) enrichAll(ctx context.Context, ids []identity) {
	if !p.enricher.EmbeddingEnabled() && !p.enricher.BreachEnabled() {
		return
	}
	var wg sync.WaitGroup
	for i := range ids {
		it := &ids[i]
		if p.enricher.EmbeddingEnabled() {
			wg.Go(func() { it.embed = p.enricher.Embed(ctx, it.id.Value) })
		}
		if p.enricher.BreachEnabled() {
			wg.Go(func() { it.breach = p.enricher.Breached(ctx, it.d.Hash) })
		}
	}
	wg.Wait()
}

// process runs one record through every stage. Only storage failures are
// returned; everything else degrades inside the record.
func (r *run) process(ctx context.Context, raw normalize.RawRecord) error {
	p := r.p
	start := time.Now()
	sctx, span := p.tracer.Start(context.WithoutCancel(ctx), "leakwatch.record",
		trace.WithAttributes(attribute.Int64("leakwatch.row", raw.Row)))
	defer span.End()

	rec := p.normalizer.Normalize(raw)
	tags := p.detector.Detect(rec)

	res := report.RecordResult{
		RunID:  r.id,
		Row:    rec.Row,
		Fields: make([]report.FieldResult, len(rec.Fields)),
		Lossy:  rec.Lossy(),
	}

	// The same identity twice in one row is one observation: later fields
	// are marked SameRow and resolve nothing.
	var ids []identity
	first := make(map[string]int)
	for i, f := range rec.Fields {
		fr := &res.Fields[i]
		fr.Field, fr.Class, fr.Type = f.Name, f.Class, f.Type.String()
		fr.Tags = detect.Rank(tags[i])

		id, ok := indicator.IdentityValue(f, tags[i])
		if !ok {
			continue
		}
		d := p.hasher.Derive(id)
		fr.Hash, fr.Domain = d.Hash, d.Domain
		if _, dup := first[d.Hash]; dup {
			fr.SameRow = true
			continue
		}
		first[d.Hash] = i
		ids = append(ids, identity{field: i, id: id, d: d})
	}

	p.enrichAll(ctx, ids)

	subjects := make(map[int]anomaly.Subject)
	var hashes []string
	breached := false
	missing := make(map[string]struct{})
	miss := func(service, reason string) { missing[report.MissingKey(service, reason)] = struct{}{} }

	for _, it := range ids {
		fr := &res.Fields[it.field]
		d := it.d
		cand := dedup.Candidate{
			Hash:       d.Hash,
			Domain:     d.Domain,
			ObservedAt: rec.ObservedAt,
			Categories: it.id.Categories,
		}
		if p.enricher.EmbeddingEnabled() {
			if it.embed.Missing {
				miss(enrich.ServiceEmbedding, it.embed.Reason)
			} else {
				cand.Embedding, cand.Model = it.embed.Value, p.enricher.EmbeddingModel()
			}
		}

		out, err := p.dedup.Resolve(sctx, cand)
		if err != nil {
			return r.storageFailure(span, rec.Row, "resolve", err)
		}
		fr.Resolution, fr.Similar = out.Class, out.Similar
		fr.Count, fr.PeerKnown, fr.Breached = out.Indicator.Count, out.PeerKnown, out.Indicator.Breached
		p.metrics.resolution(string(out.Class))

		if d.Alias != nil {
			if err := p.store.AddAlias(sctx, *d.Alias); err != nil {
				if isStorage(err) {
					return r.storageFailure(span, rec.Row, "add alias", err)
				}
				p.logger.Warn("pipeline: alias rejected", "run", r.id, "row", rec.Row, "field", fr.Field, "error", err)
			}
		}

		if p.enricher.BreachEnabled() {
			switch b := it.breach; {
			case b.Missing:
				miss(enrich.ServiceBreach, b.Reason)
			case b.Value && !fr.Breached:
				err := p.store.MarkBreached(sctx, d.Hash)
				switch {
				case err == nil:
				case isStorage(err):
					return r.storageFailure(span, rec.Row, "mark breached", err)
				default:
					p.logger.Warn("pipeline: mark breached failed", "run", r.id, "row", rec.Row, "error", err)
				}
				fr.Breached = true
			}
		}
		breached = breached || fr.Breached

		subjects[it.field] = anomaly.Subject{Hash: d.Hash, Domain: d.Domain, Count: out.Indicator.Count}
		hashes = append(hashes, d.Hash)
	}

	for i := range res.Fields {
		if fr := &res.Fields[i]; fr.SameRow {
			j := first[fr.Hash]
			fr.Count, fr.Breached = res.Fields[j].Count, res.Fields[j].Breached
		}
	}

	linked := hashes
	if len(linked) > p.maxCooccur {
		linked = linked[:p.maxCooccur]
	}
	for a := 0; a < len(linked); a++ {
		for b := a + 1; b < len(linked); b++ {
			if err := p.store.AddCooccurrence(sctx, linked[a], linked[b], rec.ObservedAt); err != nil {
				return r.storageFailure(span, rec.Row, "add cooccurrence", err)
			}
		}
	}

	primary := ""
	if len(hashes) > 0 {
		primary = hashes[0]
	}
	flags := p.scorer.Score(anomaly.Input{Record: rec, Subjects: subjects, Primary: primary})
	for _, fl := range flags {
		p.metrics.anomaly(string(fl.Type))
		if fl.Subject == "" {
			continue
		}
		r.appendAnomaly(sctx, rec.Row, fl)
	}
	res.Anomalies = flags

	in := risk.FromTags(tags)
	in.BreachEnriched = breached
	in.AnomalyTotal = anomaly.Total(flags)
	res.Risk = risk.Score(in)
	res.Bucket = risk.Buckets[risk.BucketOf(res.Risk)]
	for k := range missing {
		res.Missing = append(res.Missing, k)
	}
	sort.Strings(res.Missing)

	r.tally.Add(res)
	if err := r.sink.Record(res); err != nil {
		p.logger.Warn("pipeline: sink write failed", "run", r.id, "row", rec.Row, "error", err)
	}
	p.metrics.row("processed")
	p.metrics.record(time.Since(start), res.Risk)
	return nil
}

// appendAnomaly persists fl. Its ID derives from run, row, subject, type
// and field so a retried record cannot duplicate it. Failures are counted,
// never fatal.
func (r *run) appendAnomaly(ctx context.Context, row int64, fl anomaly.Flag) {
	p := r.p
	rec := indicator.AnomalyRecord{
		ID:           idgen.Derive(idgen.AnomalyNamespace, r.id, strconv.FormatInt(row, 10), fl.Subject, string(fl.Type), fl.Field),
		RunID:        r.id,
		Row:          row,
		Subject:      fl.Subject,
		Type:         fl.Type,
		Contribution: fl.Contribution,
		Metric:       fl.Metric,
		CreatedAt:    p.now(),
	}
	if _, err := p.store.AppendAnomaly(ctx, rec); err != nil {
		r.tally.AnomalyWriteFailed()
		p.metrics.anomalyWriteFailed()
		p.logger.Error("pipeline: append anomaly failed",
			"run", r.id, "row", row, "type", fl.Type, "error", err)
	}
}

func (r *run) storageFailure(span trace.Span, row int64, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("row %d: %s: %w", row, op, err)
}

func isStorage(err error) bool { return errors.Is(err, privstore.ErrStorageUnavailable) }
