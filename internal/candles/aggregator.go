// Package candles aggregates public trades into OHLCV bars of fixed frequencies.
//
// Each tracked (instrument, frequency) pair owns one rolling model.Bar. Trades are
// applied in arrival order; when a trade falls into a later bucket than the bar's,
// the finished bar is emitted as complete and reset before the trade is applied.
//
// Thread Safety:
//   - Track, Untrack and Apply may be called from different goroutines
//   - Bar state is guarded by a single mutex held for a whole batch
package candles

import (
	"fmt"
	"sort"
	"sync"

	"tradecore/internal/model"
	"tradecore/internal/utils"
)

// Aggregator maintains one rolling bar per tracked instrument and frequency.
type Aggregator struct {
	mu sync.Mutex

	// bars is keyed by instrument id, then by frequency label.
	bars map[string]map[string]*model.Bar
}

// NewAggregator returns an aggregator with no tracked bars.
func NewAggregator() *Aggregator {
	return &Aggregator{
		bars: make(map[string]map[string]*model.Bar),
	}
}

// Track starts aggregating bars of freq for inst. Tracking an already tracked pair
// keeps the existing bar.
func (agg *Aggregator) Track(inst model.Instrument, freq string) error {
	d, err := utils.ParseFrequency(freq)
	if err != nil {
		return fmt.Errorf("track %s: %w", inst.InstrumentID, err)
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	byFreq, ok := agg.bars[inst.InstrumentID]
	if !ok {
		byFreq = make(map[string]*model.Bar)
		agg.bars[inst.InstrumentID] = byFreq
	}
	if _, ok := byFreq[freq]; !ok {
		byFreq[freq] = model.NewBar(inst, freq, d.Seconds())
	}
	return nil
}

// Untrack drops the bar of freq for the instrument id and reports whether it existed.
func (agg *Aggregator) Untrack(instrumentID, freq string) bool {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	byFreq, ok := agg.bars[instrumentID]
	if !ok {
		return false
	}
	if _, ok := byFreq[freq]; !ok {
		return false
	}
	delete(byFreq, freq)
	if len(byFreq) == 0 {
		delete(agg.bars, instrumentID)
	}
	return true
}

// Tracked returns the frequencies tracked for the instrument id, sorted.
func (agg *Aggregator) Tracked(instrumentID string) []string {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	freqs := make([]string, 0, len(agg.bars[instrumentID]))
	for freq := range agg.bars[instrumentID] {
		freqs = append(freqs, freq)
	}
	sort.Strings(freqs)
	return freqs
}

// Apply feeds a batch of trades of one instrument into every tracked bar of that
// instrument and returns the bar snapshots to publish, in order.
//
// For each bar the result holds one complete snapshot per bucket rollover inside the
// batch, followed by one in-progress snapshot reflecting the batch's last trade.
// Untracked instruments and empty batches produce no snapshots.
func (agg *Aggregator) Apply(instrumentID string, ticks []model.Tick) []model.Bar {
	if len(ticks) == 0 {
		return nil
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	byFreq, ok := agg.bars[instrumentID]
	if !ok {
		return nil
	}

	freqs := make([]string, 0, len(byFreq))
	for freq := range byFreq {
		freqs = append(freqs, freq)
	}
	sort.Strings(freqs)

	var out []model.Bar
	for _, freq := range freqs {
		bar := byFreq[freq]
		for _, tick := range ticks {
			if bar.IsComplete(tick.Timestamp) {
				bar.Complete = true
				out = append(out, bar.Snapshot())
				bar.Reset()
			}
			bar.Update(tick.Timestamp, tick.Price, tick.Size)
		}
		out = append(out, bar.Snapshot())
	}
	return out
}
