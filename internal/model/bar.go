package model

import "math"

// Bar is a rolling OHLCV accumulator over fixed time buckets of Seconds length.
//
// Open, High, Low, Close and Timestamp stay nil until the first trade lands in the
// bucket. Timestamp is the bucket start, floor(t/Seconds)*Seconds. Complete is set on
// snapshots emitted when the bucket rolled over.
type Bar struct {
	Instrument Instrument
	Freq       string  // Frequency label, e.g. "1m"
	Seconds    float64 // Bucket length in seconds
	Timestamp  *float64
	Open       *float64
	High       *float64
	Low        *float64
	Close      *float64
	Volume     float64
	Complete   bool
}

// NewBar returns an empty bar for the instrument and bucket length.
func NewBar(instrument Instrument, freq string, seconds float64) *Bar {
	return &Bar{
		Instrument: instrument,
		Freq:       freq,
		Seconds:    seconds,
	}
}

// Empty reports whether no trade has landed in the current bucket.
func (b *Bar) Empty() bool {
	return b.Timestamp == nil
}

// IsComplete reports whether a trade at ts belongs to a later bucket than the bar's.
func (b *Bar) IsComplete(ts float64) bool {
	if b.Timestamp == nil {
		return false
	}
	return math.Floor(ts/b.Seconds) > math.Floor(*b.Timestamp/b.Seconds)
}

// Update applies one trade to the current bucket.
func (b *Bar) Update(ts, price, size float64) {
	if b.Timestamp == nil {
		start := math.Floor(ts/b.Seconds) * b.Seconds
		b.Timestamp = &start
	}
	if b.Open == nil {
		b.Open = float64Ptr(price)
	}
	if b.High == nil || price > *b.High {
		b.High = float64Ptr(price)
	}
	if b.Low == nil || price < *b.Low {
		b.Low = float64Ptr(price)
	}
	b.Close = float64Ptr(price)
	b.Volume += size
}

// Reset empties the bar for the next bucket.
func (b *Bar) Reset() {
	b.Timestamp = nil
	b.Open = nil
	b.High = nil
	b.Low = nil
	b.Close = nil
	b.Volume = 0
	b.Complete = false
}

// Snapshot returns a deep copy that later updates cannot observe.
func (b *Bar) Snapshot() Bar {
	return Bar{
		Instrument: b.Instrument,
		Freq:       b.Freq,
		Seconds:    b.Seconds,
		Timestamp:  copyFloat(b.Timestamp),
		Open:       copyFloat(b.Open),
		High:       copyFloat(b.High),
		Low:        copyFloat(b.Low),
		Close:      copyFloat(b.Close),
		Volume:     b.Volume,
		Complete:   b.Complete,
	}
}

func float64Ptr(v float64) *float64 {
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return float64Ptr(*p)
}
