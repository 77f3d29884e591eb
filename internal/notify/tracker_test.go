package notify

import (
	"errors"
	"testing"

	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/rewired-gh/insiderwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func item(ticker, insider string, qualified bool) Classified {
	v := models.Verdict{Qualified: qualified}
	if !qualified {
		v.Reasons = []string{"no market data available"}
	}
	return Classified{
		Record:  &models.EnrichedRecord{TradeRecord: models.TradeRecord{Ticker: ticker, InsiderName: insider}},
		Verdict: v,
	}
}

func tickersOf(items []Classified) []string {
	out := []string{}
	for _, c := range items {
		out = append(out, c.Record.Ticker)
	}
	return out
}

func runOnce(t *testing.T, tr *Tracker, classified []Classified) *Plan {
	t.Helper()
	plan, err := tr.Compute(classified)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(plan))
	return plan
}

func TestTracker_NoPriorSnapshotNotifiesEverything(t *testing.T) {
	tr := NewTracker(newStore(t))
	plan := runOnce(t, tr, []Classified{
		item("AAA", "a", true),
		item("BBB", "b", false),
	})

	assert.False(t, plan.HadPrior[models.ChannelQualified])
	assert.Equal(t, []string{"AAA"}, tickersOf(plan.Deltas[models.ChannelQualified]))
	assert.Equal(t, []string{"BBB"}, tickersOf(plan.Deltas[models.ChannelDisqualified]))
}

func TestTracker_UnchangedSetsYieldEmptyDelta(t *testing.T) {
	tr := NewTracker(newStore(t))
	classified := []Classified{item("AAA", "a", true), item("BBB", "b", false)}
	runOnce(t, tr, classified)

	plan := runOnce(t, tr, classified)
	assert.True(t, plan.HadPrior[models.ChannelQualified])
	assert.Zero(t, plan.Count())
}

func TestTracker_OnlyNewTickersNotified(t *testing.T) {
	tr := NewTracker(newStore(t))
	runOnce(t, tr, []Classified{item("AAA", "a", true)})

	plan := runOnce(t, tr, []Classified{
		item("AAA", "a", true),
		item("CCC", "c", true),
		item("DDD", "d", false),
	})
	assert.Equal(t, []string{"CCC"}, tickersOf(plan.Deltas[models.ChannelQualified]))
	assert.Equal(t, []string{"DDD"}, tickersOf(plan.Deltas[models.ChannelDisqualified]))
}

func TestTracker_FlickerReNotifies(t *testing.T) {
	tr := NewTracker(newStore(t))
	runOnce(t, tr, []Classified{item("AAA", "a", true)})
	runOnce(t, tr, []Classified{item("AAA", "a", false)})

	plan := runOnce(t, tr, []Classified{item("AAA", "a", true)})
	assert.Equal(t, []string{"AAA"}, tickersOf(plan.Deltas[models.ChannelQualified]))
}

func TestTracker_TickerQualifiedIfAnyRecordQualifies(t *testing.T) {
	classified := []Classified{
		item("AAA", "a", false),
		item("AAA", "b", true),
		item("BBB", "c", false),
	}
	sets := CurrentSets(classified)
	assert.Equal(t, []string{"AAA"}, sets[models.ChannelQualified])
	assert.Equal(t, []string{"BBB"}, sets[models.ChannelDisqualified])

	plan, err := NewTracker(newStore(t)).Compute(classified)
	require.NoError(t, err)
	require.Len(t, plan.Deltas[models.ChannelQualified], 1)
	assert.Equal(t, "b", plan.Deltas[models.ChannelQualified][0].Record.InsiderName)
	assert.Equal(t, []string{"BBB"}, tickersOf(plan.Deltas[models.ChannelDisqualified]))
}

func TestTracker_DeltaFollowsStoreOrder(t *testing.T) {
	classified := []Classified{
		item("ZZZ", "z", true),
		item("AAA", "a", true),
		item("MMM", "m", true),
		item("AAA", "a2", true),
	}
	plan, err := NewTracker(newStore(t)).Compute(classified)
	require.NoError(t, err)
	assert.Equal(t, []string{"ZZZ", "AAA", "MMM", "AAA"}, tickersOf(plan.Deltas[models.ChannelQualified]))
}

func TestTracker_ComputeDoesNotWrite(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store)
	_, err := tr.Compute([]Classified{item("AAA", "a", true)})
	require.NoError(t, err)

	_, ok, err := store.LoadSnapshot(models.ChannelQualified)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_EmptyRunCommitsEmptySnapshot(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store)
	runOnce(t, tr, []Classified{item("AAA", "a", true)})
	runOnce(t, tr, nil)

	q, ok, err := store.LoadSnapshot(models.ChannelQualified)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, q)
}

type brokenStore struct{}

func (brokenStore) LoadSnapshot(models.Channel) (map[string]struct{}, bool, error) {
	return nil, false, nil
}

func (brokenStore) ReplaceSnapshots(map[models.Channel][]string) error {
	return storage.ErrPersist
}

func TestTracker_CommitFailure(t *testing.T) {
	tr := NewTracker(brokenStore{})
	plan, err := tr.Compute([]Classified{item("AAA", "a", true)})
	require.NoError(t, err)
	err = tr.Commit(plan)
	assert.True(t, errors.Is(err, storage.ErrPersist))
}

func TestDiff(t *testing.T) {
	prior := map[string]struct{}{"A": {}, "B": {}}
	assert.Equal(t, map[string]bool{"C": true}, Diff([]string{"A", "C"}, prior, true))
	assert.Equal(t, map[string]bool{"A": true, "C": true}, Diff([]string{"A", "C"}, nil, false))
	assert.Empty(t, Diff([]string{"A", "B"}, prior, true))
}
