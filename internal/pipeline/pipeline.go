// Package pipeline wires ingestion, enrichment, classification and notification
// into the three batch steps of a run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/insiderwatch/internal/enrich"
	"github.com/rewired-gh/insiderwatch/internal/ingest"
	"github.com/rewired-gh/insiderwatch/internal/logger"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/rewired-gh/insiderwatch/internal/notify"
	"github.com/rewired-gh/insiderwatch/internal/qualify"
)

// Fetcher pulls the latest batch of disclosures from the source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*models.TradeRecord, error)
}

// Dispatcher delivers one record to a channel.
type Dispatcher interface {
	Send(ctx context.Context, channel models.Channel, rec *models.EnrichedRecord, verdict models.Verdict) error
}

// Store is the union of the persisted stores a run touches.
type Store interface {
	ingest.Store
	notify.Store
	PendingEnrichment() ([]*models.TradeRecord, error)
	FailedLookups(maxAttempts int) ([]*models.TradeRecord, error)
	AppendEnriched(records []*models.EnrichedRecord) error
	AllEnriched() ([]*models.EnrichedRecord, error)
	RecordRun(run *models.RunSummary) error
}

type Config struct {
	Ingest  ingest.Config
	Qualify qualify.Config
	// MaxLookupAttempts caps how many runs try to enrich a record whose
	// lookup failed. Values below 1 mean a single attempt.
	MaxLookupAttempts int
	// DryRun computes and logs every step but writes no store and sends nothing.
	DryRun bool
}

// Pipeline runs the steps against one store. Runs must not overlap.
type Pipeline struct {
	store      Store
	fetcher    Fetcher
	dedup      *ingest.Deduplicator
	enricher   *enrich.Enricher
	classifier *qualify.Classifier
	tracker    *notify.Tracker
	dispatcher Dispatcher
	dryRun     bool
	maxLookups int
	now        func() time.Time

	// dry runs keep would-be writes here so later steps of the same process see them
	stagedTrades   []*models.TradeRecord
	stagedEnriched []*models.EnrichedRecord
}

// New creates a pipeline. A nil dispatcher logs deltas instead of sending them.
func New(store Store, fetcher Fetcher, enricher *enrich.Enricher, dispatcher Dispatcher, cfg Config) *Pipeline {
	return &Pipeline{
		store:      store,
		fetcher:    fetcher,
		dedup:      ingest.New(store, cfg.Ingest),
		enricher:   enricher,
		classifier: qualify.New(cfg.Qualify),
		tracker:    notify.NewTracker(store),
		dispatcher: dispatcher,
		dryRun:     cfg.DryRun,
		maxLookups: max(cfg.MaxLookupAttempts, 1),
		now:        time.Now,
	}
}

func (p *Pipeline) begin(step string) *models.RunSummary {
	return &models.RunSummary{
		ID:        uuid.NewString(),
		Step:      step,
		DryRun:    p.dryRun,
		StartedAt: p.now(),
	}
}

// finish stamps, logs and records the summary, failed steps included. The
// run log is auxiliary, so a failed write is logged and does not fail the step.
func (p *Pipeline) finish(s *models.RunSummary, stepErr error) {
	s.FinishedAt = p.now()
	if stepErr != nil {
		s.Err = stepErr.Error()
		logger.Error("Step %s failed after %v: %v", s.Step, s.FinishedAt.Sub(s.StartedAt), stepErr)
	}
	logger.Info("Step %s finished in %v: fetched=%d new=%d enriched=%d lookup_failures=%d qualified=%d disqualified=%d notified=%d dispatch_failures=%d dry_run=%v",
		s.Step, s.FinishedAt.Sub(s.StartedAt), s.Fetched, s.NewRecords, s.Enriched, s.LookupFailures,
		s.Qualified, s.Disqualified, s.Notified, s.DispatchFailures, s.DryRun)
	if p.dryRun {
		return
	}
	if err := p.store.RecordRun(s); err != nil {
		logger.Error("Failed to record %s run %s: %v", s.Step, s.ID, err)
	}
}

// Ingest fetches the source and appends the records never seen before. A
// source failure skips ingestion without failing the step; a store failure
// is returned and nothing is written.
func (p *Pipeline) Ingest(ctx context.Context) (s *models.RunSummary, err error) {
	s = p.begin(models.StepIngest)
	defer func() { p.finish(s, err) }()

	batch, err := p.fetcher.Fetch(ctx)
	if err != nil {
		logger.Error("Source fetch failed, skipping ingestion: %v", err)
		return s, nil
	}
	s.Fetched = len(batch)

	var fresh []*models.TradeRecord
	if p.dryRun {
		fresh, err = p.dedup.Plan(batch)
		p.stagedTrades = append(p.stagedTrades, fresh...)
	} else {
		fresh, err = p.dedup.Dedupe(batch)
	}
	if err != nil {
		return s, fmt.Errorf("ingest: %w", err)
	}
	s.NewRecords = len(fresh)
	for _, r := range fresh {
		logger.Debug("New record %s", r.Key())
	}

	return s, nil
}

// Enrich attaches market snapshots to every stored record that has none yet,
// and retries records whose earlier lookup failed until the attempt cap. Each
// distinct ticker is looked up once. Per-ticker failures become absent
// snapshots; a cancelled run persists nothing.
func (p *Pipeline) Enrich(ctx context.Context) (s *models.RunSummary, err error) {
	s = p.begin(models.StepEnrich)
	defer func() { p.finish(s, err) }()

	pending, err := p.store.PendingEnrichment()
	if err != nil {
		return s, fmt.Errorf("enrich: failed to load pending records: %w", err)
	}
	retry, err := p.store.FailedLookups(p.maxLookups)
	if err != nil {
		return s, fmt.Errorf("enrich: failed to load failed lookups: %w", err)
	}
	if len(retry) > 0 {
		logger.Info("Retrying %d records with failed lookups", len(retry))
	}
	pending = append(pending, retry...)
	pending = append(pending, p.stagedTrades...)
	p.stagedTrades = nil
	if len(pending) == 0 {
		logger.Info("No records pending enrichment")
		return s, nil
	}

	tickers := enrich.Tickers(pending)
	logger.Info("Enriching %d records across %d tickers", len(pending), len(tickers))
	snaps := p.enricher.Enrich(ctx, tickers)
	if err := ctx.Err(); err != nil {
		return s, fmt.Errorf("enrich: %w", err)
	}
	for _, snap := range snaps {
		if snap.LookupErr != "" {
			s.LookupFailures++
		}
	}

	records := enrich.Merge(pending, snaps, p.now())
	if p.dryRun {
		p.stagedEnriched = append(p.stagedEnriched, records...)
	} else if err := p.store.AppendEnriched(records); err != nil {
		return s, fmt.Errorf("enrich: %w", err)
	}
	s.Enriched = len(records)

	return s, nil
}

// Notify classifies every enriched record, commits the new snapshots and then
// dispatches the delta, qualified channel first. Dispatch failures are
// counted and skipped; the committed snapshots are never rolled back.
func (p *Pipeline) Notify(ctx context.Context) (s *models.RunSummary, err error) {
	s = p.begin(models.StepNotify)
	defer func() { p.finish(s, err) }()

	all, err := p.store.AllEnriched()
	if err != nil {
		return s, fmt.Errorf("notify: failed to load enriched records: %w", err)
	}
	all = overlay(all, p.stagedEnriched)
	p.stagedEnriched = nil

	classified := make([]notify.Classified, 0, len(all))
	for _, r := range all {
		v := p.classifier.Classify(r)
		if v.Qualified {
			s.Qualified++
		} else {
			s.Disqualified++
		}
		classified = append(classified, notify.Classified{Record: r, Verdict: v})
	}

	plan, err := p.tracker.Compute(classified)
	if err != nil {
		return s, fmt.Errorf("notify: %w", err)
	}

	if p.dryRun {
		for _, ch := range models.Channels {
			for _, c := range plan.Deltas[ch] {
				logger.Info("Dry run: would notify %s %s %v", ch, c.Record.Key(), c.Verdict.Reasons)
			}
		}
		return s, nil
	}

	if err := p.tracker.Commit(plan); err != nil {
		return s, fmt.Errorf("notify: %w", err)
	}

	p.dispatch(ctx, plan, s)
	return s, nil
}

// overlay replaces stored rows with staged rows of the same key and appends
// the rest, so a dry-run retry does not show a record twice.
func overlay(stored, staged []*models.EnrichedRecord) []*models.EnrichedRecord {
	if len(staged) == 0 {
		return stored
	}
	byKey := make(map[models.Key]*models.EnrichedRecord, len(staged))
	for _, r := range staged {
		byKey[r.Key()] = r
	}
	out := make([]*models.EnrichedRecord, 0, len(stored)+len(staged))
	for _, r := range stored {
		if _, ok := byKey[r.Key()]; !ok {
			out = append(out, r)
		}
	}
	return append(out, staged...)
}

func (p *Pipeline) dispatch(ctx context.Context, plan *notify.Plan, s *models.RunSummary) {
	for _, ch := range models.Channels {
		for _, c := range plan.Deltas[ch] {
			if p.dispatcher == nil {
				logger.Info("Notifications disabled; %s delta includes %s", ch, c.Record.Key())
				continue
			}
			if err := p.dispatcher.Send(ctx, ch, c.Record, c.Verdict); err != nil {
				s.DispatchFailures++
				logger.Error("Failed to notify %s for %s: %v", ch, c.Record.Key(), err)
				if ctx.Err() != nil {
					logger.Warn("Dispatch cancelled; remaining notifications are dropped")
					return
				}
				continue
			}
			s.Notified++
		}
	}
}

// Run executes ingest, enrich and notify in order, stopping at the first
// step that fails. Summaries of the completed steps are returned either way.
func (p *Pipeline) Run(ctx context.Context) ([]*models.RunSummary, error) {
	steps := []func(context.Context) (*models.RunSummary, error){p.Ingest, p.Enrich, p.Notify}
	summaries := make([]*models.RunSummary, 0, len(steps))
	for _, step := range steps {
		s, err := step(ctx)
		summaries = append(summaries, s)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}
