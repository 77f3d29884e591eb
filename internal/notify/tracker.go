// Package notify tracks which tickers were last notified on each channel and
// computes what is new since the previous run.
package notify

import (
	"fmt"

	"github.com/rewired-gh/insiderwatch/internal/models"
)

// Store persists one ticker snapshot per channel.
type Store interface {
	LoadSnapshot(channel models.Channel) (map[string]struct{}, bool, error)
	ReplaceSnapshots(sets map[models.Channel][]string) error
}

// Classified is an enriched record paired with its verdict for this run.
type Classified struct {
	Record  *models.EnrichedRecord
	Verdict models.Verdict
}

// Plan is the outcome of comparing this run's verdicts to the prior snapshots.
type Plan struct {
	// Current holds every ticker per channel in first-seen order; it becomes
	// the next snapshot.
	Current map[models.Channel][]string
	// Deltas holds the records to dispatch per channel, in store order.
	Deltas map[models.Channel][]Classified
	// HadPrior reports whether a snapshot existed for the channel.
	HadPrior map[models.Channel]bool
}

// Count returns the number of records to dispatch across all channels.
func (p *Plan) Count() int {
	n := 0
	for _, items := range p.Deltas {
		n += len(items)
	}
	return n
}

type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// CurrentSets groups tickers by channel. A ticker is qualified if any of its
// records qualifies; it is disqualified only if none does.
func CurrentSets(classified []Classified) map[models.Channel][]string {
	qualified := make(map[string]bool)
	for _, c := range classified {
		if c.Verdict.Qualified {
			qualified[c.Record.Ticker] = true
		}
	}

	sets := map[models.Channel][]string{
		models.ChannelQualified:    {},
		models.ChannelDisqualified: {},
	}
	seen := make(map[string]bool)
	for _, c := range classified {
		t := c.Record.Ticker
		if seen[t] {
			continue
		}
		seen[t] = true
		if qualified[t] {
			sets[models.ChannelQualified] = append(sets[models.ChannelQualified], t)
		} else {
			sets[models.ChannelDisqualified] = append(sets[models.ChannelDisqualified], t)
		}
	}
	return sets
}

// Diff returns the tickers in current that are absent from prior. Without a
// prior snapshot every current ticker is new.
func Diff(current []string, prior map[string]struct{}, hasPrior bool) map[string]bool {
	out := make(map[string]bool, len(current))
	for _, t := range current {
		if !hasPrior {
			out[t] = true
			continue
		}
		if _, ok := prior[t]; !ok {
			out[t] = true
		}
	}
	return out
}

// Compute loads the prior snapshots and builds the dispatch plan. It does not
// write anything.
func (t *Tracker) Compute(classified []Classified) (*Plan, error) {
	plan := &Plan{
		Current:  CurrentSets(classified),
		Deltas:   make(map[models.Channel][]Classified, len(models.Channels)),
		HadPrior: make(map[models.Channel]bool, len(models.Channels)),
	}

	for _, ch := range models.Channels {
		prior, ok, err := t.store.LoadSnapshot(ch)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s snapshot: %w", ch, err)
		}
		plan.HadPrior[ch] = ok

		fresh := Diff(plan.Current[ch], prior, ok)
		items := []Classified{}
		for _, c := range classified {
			if fresh[c.Record.Ticker] && c.Verdict.Channel() == ch {
				items = append(items, c)
			}
		}
		plan.Deltas[ch] = items
	}
	return plan, nil
}

// Commit replaces both snapshots with the plan's current sets, even when the
// deltas are empty. It must succeed before anything is dispatched.
func (t *Tracker) Commit(plan *Plan) error {
	if err := t.store.ReplaceSnapshots(plan.Current); err != nil {
		return fmt.Errorf("failed to commit notification snapshots: %w", err)
	}
	return nil
}
