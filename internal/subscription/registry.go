// Package subscription tracks which feed resources are subscribed on the wire and which
// consumers receive events for each of them.
//
// A subscription key identifies one (channel, instrument, frequency) resource. The
// registry reference-counts consumers per key: the wire subscribe is sent when a key
// first becomes active and the wire unsubscribe only once no consumer remains.
package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tradecore/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Key builds the subscription key for a channel, an optional instrument id and an
// optional frequency, joined with "." and skipping empty parts.
//
// Examples: "orders", "trades.BTC-PERP", "bar.BTC-PERP.1m".
func Key(channel, instrumentID, freq string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{channel, instrumentID, freq} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// InstrumentKey builds the key for a channel and an optional instrument.
func InstrumentKey(channel string, inst *model.Instrument) string {
	if inst == nil {
		return Key(channel, "", "")
	}
	return Key(channel, inst.InstrumentID, "")
}

// Wire sends subscription commands for a channel and an optional instrument.
type Wire interface {
	SendSubscribe(ctx context.Context, channel string, inst *model.Instrument) error
	SendUnsubscribe(ctx context.Context, channel string, inst *model.Instrument) error
}

// Entry is one active wire subscription.
type Entry struct {
	Key        string
	Channel    string
	Instrument *model.Instrument
}

// Registry holds the active wire subscriptions and the consumer lists per key.
type Registry struct {
	wire   Wire
	logger zerolog.Logger

	mu        sync.Mutex
	active    map[string]Entry
	order     []string
	consumers map[string][]model.Consumer
}

// NewRegistry returns an empty registry sending wire commands through w.
// A nil logger falls back to the global zerolog logger.
func NewRegistry(w Wire, logger *zerolog.Logger) *Registry {
	if logger == nil {
		logger = &log.Logger
	}
	return &Registry{
		wire:      w,
		logger:    logger.With().Str("component", "subscription").Logger(),
		active:    make(map[string]Entry),
		consumers: make(map[string][]model.Consumer),
	}
}

// Subscribe activates the key for channel and inst and registers consumer for it.
//
// The wire subscribe is sent when the key is not active yet or when force is set.
// A nil consumer only activates the wire resource. A failed wire command leaves the
// key inactive but still registers the consumer, so a later replay or retry restores it.
func (r *Registry) Subscribe(ctx context.Context, channel string, inst *model.Instrument, consumer model.Consumer, force bool) error {
	key := InstrumentKey(channel, inst)

	r.mu.Lock()
	defer r.mu.Unlock()

	if consumer != nil {
		r.addConsumerLocked(key, consumer)
	}

	if _, ok := r.active[key]; ok && !force {
		return nil
	}

	if err := r.wire.SendSubscribe(ctx, channel, inst); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	r.activateLocked(Entry{Key: key, Channel: channel, Instrument: copyInstrument(inst)})
	return nil
}

// Unsubscribe removes consumer from the key and, when the key is active and left
// without consumers, sends the wire unsubscribe and deactivates it.
func (r *Registry) Unsubscribe(ctx context.Context, channel string, inst *model.Instrument, consumer model.Consumer) error {
	key := InstrumentKey(channel, inst)

	r.mu.Lock()
	defer r.mu.Unlock()

	if consumer != nil {
		r.removeConsumerLocked(key, consumer)
	}

	if _, ok := r.active[key]; !ok || len(r.consumers[key]) > 0 {
		return nil
	}

	if err := r.wire.SendUnsubscribe(ctx, channel, inst); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	r.deactivateLocked(key)
	return nil
}

// AddConsumer registers consumer for a key that has no wire resource of its own.
func (r *Registry) AddConsumer(key string, consumer model.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addConsumerLocked(key, consumer)
}

// RemoveConsumer unregisters consumer from key and returns how many consumers remain.
func (r *Registry) RemoveConsumer(key string, consumer model.Consumer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeConsumerLocked(key, consumer)
	return len(r.consumers[key])
}

// Consumers returns a snapshot of the consumers registered for key.
func (r *Registry) Consumers(key string) []model.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Consumer, len(r.consumers[key]))
	copy(out, r.consumers[key])
	return out
}

// IsActive reports whether key is subscribed on the wire.
func (r *Registry) IsActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

// Active returns the active wire subscriptions in activation order.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.active[key])
	}
	return out
}

// Replay reissues the wire subscribe for every active key. Consumer lists are left
// untouched. Failures are logged and the remaining keys are still replayed; the first
// error is returned.
func (r *Registry) Replay(ctx context.Context) error {
	var firstErr error
	for _, entry := range r.Active() {
		if err := r.Subscribe(ctx, entry.Channel, entry.Instrument, nil, true); err != nil {
			r.logger.Error().Err(err).Str("key", entry.Key).Msg("failed to replay subscription")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Dispatch delivers event to every consumer registered for key and returns how many
// consumers received it. Consumers run outside the registry lock so they may
// subscribe or unsubscribe from within HandleEvent.
func (r *Registry) Dispatch(key string, event model.Event) int {
	consumers := r.Consumers(key)
	for _, c := range consumers {
		c.HandleEvent(event)
	}
	return len(consumers)
}

func (r *Registry) addConsumerLocked(key string, consumer model.Consumer) {
	for _, c := range r.consumers[key] {
		if c == consumer {
			return
		}
	}
	r.consumers[key] = append(r.consumers[key], consumer)
	r.logger.Info().Str("key", key).Str("consumer", fmt.Sprintf("%T", consumer)).Msg("subscribed consumer")
}

func (r *Registry) removeConsumerLocked(key string, consumer model.Consumer) {
	list := r.consumers[key]
	for i, c := range list {
		if c == consumer {
			r.consumers[key] = append(list[:i:i], list[i+1:]...)
			if len(r.consumers[key]) == 0 {
				delete(r.consumers, key)
			}
			r.logger.Info().Str("key", key).Str("consumer", fmt.Sprintf("%T", consumer)).Msg("unsubscribed consumer")
			return
		}
	}
	r.logger.Error().Str("key", key).Str("consumer", fmt.Sprintf("%T", consumer)).Msg("consumer not subscribed to key")
}

func (r *Registry) activateLocked(e Entry) {
	if _, ok := r.active[e.Key]; !ok {
		r.order = append(r.order, e.Key)
	}
	r.active[e.Key] = e
}

func (r *Registry) deactivateLocked(key string) {
	delete(r.active, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

func copyInstrument(inst *model.Instrument) *model.Instrument {
	if inst == nil {
		return nil
	}
	c := *inst
	return &c
}
