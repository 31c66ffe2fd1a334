// Package utils provides common helpers for validating and normalizing exchange data.
//
// This package contains utilities shared by the exchange adapters, the bar aggregator
// and the execution engine: instrument name validation against the static registries,
// timestamp normalization to epoch seconds, bar frequency parsing and lot-size rounding.
package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/model"

	"github.com/shopspring/decimal"
)

// Error definitions for validation functions
var (
	ErrNoInstruments      = errors.New("zero instruments requested")
	ErrTooManyInstruments = errors.New("too many instruments requested")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrInvalidFrequency   = errors.New("invalid bar frequency")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrInvalidSizeUnit    = errors.New("size unit must be positive")
)

// millisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds lies in the year 5138, so anything above is treated as milliseconds.
const millisThreshold = 1e11

// ResolveInstruments validates logical instrument names for an exchange and returns
// the registered instruments in request order.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of names is within acceptable limits
//  2. Registry validation: Every name must exist in the exchange's registry
func ResolveInstruments(ex model.Exchange, names []string, maxAllowed int) ([]model.Instrument, error) {
	if len(names) == 0 {
		return nil, ErrNoInstruments
	}

	if maxAllowed <= 0 {
		return nil, fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyInstruments, maxAllowed)
	}

	if len(names) > maxAllowed {
		return nil, fmt.Errorf("%w: requested %d instruments, maximum allowed %d",
			ErrTooManyInstruments, len(names), maxAllowed)
	}

	out := make([]model.Instrument, 0, len(names))
	for i, name := range names {
		inst, ok := model.InstrumentByName(ex, strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("invalid instrument at index %d (%q): %w (supported: %s)",
				i, name, ErrUnknownInstrument, supportedNames(ex))
		}
		out = append(out, inst)
	}

	return out, nil
}

// supportedNames builds a comma-separated list of registered instrument names for
// user-friendly error messages.
func supportedNames(ex model.Exchange) string {
	instruments := model.Instruments(ex)
	names := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		names = append(names, inst.Name)
	}
	return strings.Join(names, ", ")
}

// NormalizeTimestamp converts the timestamp encodings used by exchanges to epoch
// seconds as float64.
//
// Accepted inputs:
//   - ISO-8601 / RFC 3339 strings (e.g., "2021-07-21T20:49:12.908392+00:00")
//   - numeric strings in epoch seconds or milliseconds (e.g., "1534614057.321597")
//   - float64/int64/int values in epoch seconds or milliseconds
func NormalizeTimestamp(v any) (float64, error) {
	switch ts := v.(type) {
	case float64:
		return normalizeEpoch(ts), nil
	case int64:
		return normalizeEpoch(float64(ts)), nil
	case int:
		return normalizeEpoch(float64(ts)), nil
	case string:
		return ParseTimestampString(ts)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, v)
	}
}

// ParseTimestampString parses an ISO-8601 or numeric epoch string.
func ParseTimestampString(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidTimestamp)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeEpoch(f), nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, s, err)
	}
	return TimeToSeconds(t), nil
}

// TimeToSeconds converts a time.Time to epoch seconds with sub-second precision.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func normalizeEpoch(f float64) float64 {
	if f > millisThreshold {
		return f / 1000
	}
	return f
}

var frequencyPattern = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]+)$`)

// ParseFrequency parses bar frequency labels such as "30s", "1m", "5min", "1h", "1d"
// or "1w" into a duration.
func ParseFrequency(freq string) (time.Duration, error) {
	m := frequencyPattern.FindStringSubmatch(strings.TrimSpace(freq))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, freq)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, freq)
	}

	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "m", "min", "mins", "minute", "minutes", "t":
		unit = time.Minute
	case "h", "hr", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	case "w", "week", "weeks":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidFrequency, freq)
	}

	return time.Duration(n) * unit, nil
}

// RoundSize quantizes size to the instrument's lot size and rounds the result to
// 8 decimal places, both steps using round-half-to-even.
//
// Example: size 0.00036789 with unit 0.0001 gives 0.0004.
func RoundSize(size float64, unit decimal.Decimal) (float64, error) {
	if !unit.IsPositive() {
		return 0, ErrInvalidSizeUnit
	}
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return 0, fmt.Errorf("invalid size %v", size)
	}

	lots := decimal.NewFromFloat(size).Div(unit).RoundBank(0)
	rounded, _ := lots.Mul(unit).RoundBank(8).Float64()
	return rounded, nil
}
