package service

import (
	"context"
	"testing"
	"time"

	"tradecore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestConfig creates a standard test configuration
func createTestConfig() DispatcherConfig {
	return DispatcherConfig{
		Exchange:              model.FTXExchange,
		MaxInstrumentsAllowed: 2,
	}
}

// createTestBar creates a completed one minute bar for a logical instrument name
func createTestBar(t testing.TB, name string, price float64) model.Bar {
	t.Helper()
	inst, ok := model.InstrumentByName(model.FTXExchange, name)
	require.True(t, ok, "unknown test instrument %s", name)

	ts := 1626900780.0
	open, high, low, closePrice := price, price+1, price-1, price
	return model.Bar{
		Instrument: inst,
		Freq:       "1m",
		Seconds:    60,
		Timestamp:  &ts,
		Open:       &open,
		High:       &high,
		Low:        &low,
		Close:      &closePrice,
		Volume:     100,
		Complete:   true,
	}
}

// startedDispatcher starts a dispatcher stopped at test cleanup
func startedDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, d.StartDispatching(ctx))
	return d
}

// subscribe creates a subscription and waits until the dispatch goroutine owns it
func subscribe(t *testing.T, d *Dispatcher, names ...string) *Subscriber {
	t.Helper()
	sub, err := d.Subscribe(names)
	require.NoError(t, err)
	select {
	case <-sub.registered:
	case <-time.After(time.Second):
		t.Fatal("subscription was not registered")
	}
	return sub
}

func receiveBar(t *testing.T, sub *Subscriber) model.Bar {
	t.Helper()
	select {
	case bar, ok := <-sub.Bars():
		require.True(t, ok, "subscriber channel closed")
		return bar
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bar")
		return model.Bar{}
	}
}

func assertNoBar(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case bar := <-sub.Bars():
		t.Fatalf("unexpected bar for %s", bar.Instrument.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

// Test_NewDispatcher tests the dispatcher constructor
func Test_NewDispatcher(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	assert.NotNil(t, dispatcher.subscribers, "Should initialize subscribers map")
	assert.False(t, dispatcher.started.Load(), "Should start in stopped state")
	assert.Equal(t, 10, cap(dispatcher.subscriptionCh), "Should have buffered subscription channel")
	assert.Equal(t, 10, cap(dispatcher.unsubscriptionCh), "Should have buffered unsubscription channel")
	assert.Equal(t, barQueueSize, cap(dispatcher.barCh), "Should buffer incoming bars")
}

// Test_StartDispatching tests the dispatcher startup functionality
func Test_StartDispatching(t *testing.T) {
	dispatcher := startedDispatcher(t, createTestConfig())
	assert.True(t, dispatcher.started.Load(), "Should set started flag")

	err := dispatcher.StartDispatching(context.Background())
	assert.ErrorIs(t, err, ErrDispatcherStarted, "Should reject starting already started dispatcher")
}

// Test_Subscribe tests subscription functionality
func Test_Subscribe(t *testing.T) {
	tests := []struct {
		name          string
		instruments   []string
		startDispatch bool
		expectError   bool
		errorContains string
		description   string
	}{
		{
			name:          "Valid subscription",
			instruments:   []string{"btc_usd_perp", "eth_usd_perp"},
			startDispatch: true,
			description:   "Should create subscription for registered instruments",
		},
		{
			name:          "Surrounding spaces",
			instruments:   []string{" btc_usd_perp "},
			startDispatch: true,
			description:   "Should trim instrument names",
		},
		{
			name:          "Dispatcher not started",
			instruments:   []string{"btc_usd_perp"},
			expectError:   true,
			errorContains: "not started",
			description:   "Should reject subscription when dispatcher not started",
		},
		{
			name:          "Too many instruments",
			instruments:   []string{"btc_usd_perp", "eth_usd_perp", "btc_usd_perp"},
			startDispatch: true,
			expectError:   true,
			errorContains: "maximum allowed",
			description:   "Should reject subscription with too many instruments",
		},
		{
			name:          "Empty instrument list",
			instruments:   []string{},
			startDispatch: true,
			expectError:   true,
			description:   "Should reject empty instrument list",
		},
		{
			name:          "Unknown instrument",
			instruments:   []string{"doge_usd_perp"},
			startDispatch: true,
			expectError:   true,
			errorContains: "supported",
			description:   "Should reject instruments missing from the registry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dispatcher *Dispatcher
			if tt.startDispatch {
				dispatcher = startedDispatcher(t, createTestConfig())
			} else {
				dispatcher = NewDispatcher(createTestConfig())
			}

			sub, err := dispatcher.Subscribe(tt.instruments)
			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.Nil(t, sub)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, subscriberBufferSize, cap(sub.ch))
			assert.Len(t, sub.instrumentsSubscribed, len(tt.instruments))
		})
	}
}

// Test_Dispatch tests routing of bars to the subscribers of their instrument
func Test_Dispatch(t *testing.T) {
	dispatcher := startedDispatcher(t, createTestConfig())
	btc := subscribe(t, dispatcher, "btc_usd_perp")
	both := subscribe(t, dispatcher, "btc_usd_perp", "eth_usd_perp")

	dispatcher.HandleEvent(model.NewBarEvent(createTestBar(t, "eth_usd_perp", 2000), "ftx"))
	dispatcher.HandleEvent(model.NewBarEvent(createTestBar(t, "btc_usd_perp", 30000), "ftx"))

	got := receiveBar(t, both)
	assert.Equal(t, "eth_usd_perp", got.Instrument.Name, "Bars keep their arrival order")
	got = receiveBar(t, both)
	assert.Equal(t, "btc_usd_perp", got.Instrument.Name)

	got = receiveBar(t, btc)
	assert.Equal(t, "btc_usd_perp", got.Instrument.Name, "Should skip instruments not subscribed")
	assert.Equal(t, 30000.0, *got.Close)
	assertNoBar(t, btc)
}

// Test_HandleEvent_IgnoresOtherEvents tests that only bars are dispatched
func Test_HandleEvent_IgnoresOtherEvents(t *testing.T) {
	dispatcher := startedDispatcher(t, createTestConfig())
	sub := subscribe(t, dispatcher, "btc_usd_perp")

	inst := createTestBar(t, "btc_usd_perp", 1).Instrument
	dispatcher.HandleEvent(model.NewTickEvent(model.Tick{Instrument: inst, Price: 1, Size: 1}, "ftx"))
	dispatcher.HandleEvent(model.Event{Kind: model.EventBar})

	assertNoBar(t, sub)
}

// Test_Unsubscribe tests subscriber removal
func Test_Unsubscribe(t *testing.T) {
	dispatcher := startedDispatcher(t, createTestConfig())
	sub := subscribe(t, dispatcher, "btc_usd_perp")

	require.NoError(t, dispatcher.Unsubscribe(sub))

	select {
	case _, ok := <-sub.Bars():
		assert.False(t, ok, "Should close the subscriber channel")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}
}

// Test_StopClosesSubscribers tests that stopping the dispatcher ends every subscription
func Test_StopClosesSubscribers(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dispatcher.StartDispatching(ctx))
	sub := subscribe(t, dispatcher, "eth_usd_perp")

	cancel()

	select {
	case _, ok := <-sub.Bars():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}
	assert.Eventually(t, func() bool { return !dispatcher.started.Load() }, time.Second, 5*time.Millisecond,
		"Should be restartable after stop")
}

// Test_SlowSubscriber tests that a full subscriber buffer loses its oldest bar
func Test_SlowSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	slow := &Subscriber{
		id:                    1,
		ch:                    make(chan model.Bar, subscriberBufferSize),
		instrumentsSubscribed: map[string]struct{}{"btc_usd_perp": {}},
	}
	dispatcher.subscribers[slow.id] = slow

	total := subscriberBufferSize + 5
	for i := 0; i < total; i++ {
		dispatcher.dispatch(createTestBar(t, "btc_usd_perp", float64(i)))
	}

	require.Len(t, slow.ch, subscriberBufferSize, "Buffer stays full")
	first := <-slow.ch
	assert.Equal(t, 5.0, *first.Close, "Oldest bars are dropped for the slow subscriber")
}

// Benchmark_Dispatch benchmarks bar fan-out to several subscribers
func Benchmark_Dispatch(b *testing.B) {
	dispatcher := NewDispatcher(DispatcherConfig{Exchange: model.FTXExchange, MaxInstrumentsAllowed: 2})
	for i := 0; i < 10; i++ {
		sub := &Subscriber{
			id:                    int64(i),
			ch:                    make(chan model.Bar, subscriberBufferSize),
			instrumentsSubscribed: map[string]struct{}{"btc_usd_perp": {}},
		}
		dispatcher.subscribers[sub.id] = sub
	}
	bar := createTestBar(b, "btc_usd_perp", 30000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dispatcher.dispatch(bar)
	}
}
