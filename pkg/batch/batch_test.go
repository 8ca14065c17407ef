package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

var errRateLimited = errors.New("rate limited")

// scriptedProvider answers q with q*100 after returning the scripted errors
// for q, one per call.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    map[int]int
	script   map[int][]error
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newScripted(script map[int][]error) *scriptedProvider {
	return &scriptedProvider{calls: map[int]int{}, script: script}
}

func (p *scriptedProvider) answer(q int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[q]
	p.calls[q]++
	if errs := p.script[q]; n < len(errs) {
		return 0, errs[n]
	}
	return q * 100, nil
}

func (p *scriptedProvider) Call(ctx context.Context, q int) (int, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.answer(q)
}

func (p *scriptedProvider) callCount(q int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[q]
}

// groupedProvider adds BatchCall on top of scriptedProvider.
type groupedProvider struct {
	*scriptedProvider
	sizes    []int
	batchErr error
}

func (p *groupedProvider) BatchCall(ctx context.Context, qs []int) ([]fn.Result[int], error) {
	p.mu.Lock()
	p.sizes = append(p.sizes, len(qs))
	batchErr := p.batchErr
	p.mu.Unlock()
	if batchErr != nil {
		return nil, batchErr
	}
	out := make([]fn.Result[int], len(qs))
	for i, q := range qs {
		v, err := p.answer(q)
		if err != nil {
			out[i] = fn.Err[int](err)
		} else {
			out[i] = fn.Ok(v)
		}
	}
	return out, nil
}

func requests(n int) []Request[int] {
	reqs := make([]Request[int], n)
	for i := range reqs {
		reqs[i] = Request[int]{ID: fmt.Sprintf("req-%d", i), Payload: i}
	}
	return reqs
}

// advancingClock returns a test clock whose timers fire as soon as they
// are registered, and a func reporting every wait that was requested.
func advancingClock(t *testing.T) (*clock.TestClock, func() []time.Duration) {
	signal := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(testStart, signal)

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case d := <-signal:
				mu.Lock()
				waits = append(waits, d)
				mu.Unlock()
				clk.SetTime(clk.Now().Add(d))
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })

	return clk, func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		out := append([]time.Duration(nil), waits...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
}

func testConfig(clk clock.Clock) Config {
	cfg := DefaultConfig()
	cfg.Clock = clk
	return cfg
}

// TestTransientRetryScenario submits ten balance lookups where item 3 fails
// twice with a transient error before succeeding.
func TestTransientRetryScenario(t *testing.T) {
	clk, waits := advancingClock(t)
	p := newScripted(map[int][]error{
		3: {MarkTransient(errRateLimited), MarkTransient(errRateLimited)},
	})
	c, err := New[int, int](p, testConfig(clk))
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(10))
	require.Len(t, results, 10)

	for i, r := range results {
		v, err := r.Unpack()
		require.NoError(t, err, "item %d", i)
		require.Equal(t, i*100, v)
		if i == 3 {
			require.Equal(t, 3, p.callCount(i))
		} else {
			require.Equal(t, 1, p.callCount(i), "item %d must not be retried", i)
		}
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits())

	s := Summarize(results)
	require.Equal(t, Summary{Total: 10, Succeeded: 10}, s)
	require.Equal(t, 1.0, s.SuccessRate())
	require.NoError(t, s.Err())
}

func TestRetriesExhausted(t *testing.T) {
	clk, waits := advancingClock(t)
	p := newScripted(map[int][]error{
		1: {MarkTransient(errRateLimited), MarkTransient(errRateLimited), MarkTransient(errRateLimited)},
	})
	c, err := New[int, int](p, testConfig(clk))
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(3))
	require.True(t, results[0].IsOk())
	require.True(t, results[2].IsOk())

	_, err = results[1].Unpack()
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "req-1", re.ID)
	require.Equal(t, Transient, re.Kind)
	require.Equal(t, 3, re.Attempts)
	require.ErrorIs(t, err, errRateLimited)
	require.Equal(t, 3, p.callCount(1))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits())

	s := Summarize(results)
	require.InDelta(t, 2.0/3.0, s.SuccessRate(), 1e-9)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	clk, waits := advancingClock(t)
	malformed := errors.New("invalid params")
	p := newScripted(map[int][]error{0: {malformed}})
	c, err := New[int, int](p, testConfig(clk))
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(2))
	_, err = results[0].Unpack()
	require.ErrorIs(t, err, malformed)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, Permanent, re.Kind)
	require.Equal(t, 1, re.Attempts)
	require.Equal(t, 1, p.callCount(0))
	require.Empty(t, waits())
	require.True(t, results[1].IsOk())
}

func TestGroupedCalls(t *testing.T) {
	clk, waits := advancingClock(t)
	p := &groupedProvider{scriptedProvider: newScripted(map[int][]error{
		3: {MarkTransient(errRateLimited), MarkTransient(errRateLimited)},
	})}
	cfg := testConfig(clk)
	cfg.BatchSize = 4
	c, err := New[int, int](p, cfg)
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(10))
	for i, r := range results {
		v, err := r.Unpack()
		require.NoError(t, err)
		require.Equal(t, i*100, v)
	}

	sizes := append([]int(nil), p.sizes...)
	sort.Ints(sizes)
	require.Equal(t, []int{2, 4, 4}, sizes)
	require.Equal(t, 3, p.callCount(3))
	require.Equal(t, 1, p.callCount(0))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits())
}

func TestGroupedRoundTripFailureRetriesIndividually(t *testing.T) {
	clk, _ := advancingClock(t)
	p := &groupedProvider{
		scriptedProvider: newScripted(nil),
		batchErr:         MarkTransient(errors.New("connection reset")),
	}
	c, err := New[int, int](p, testConfig(clk))
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(5))
	for i, r := range results {
		require.True(t, r.IsOk(), "item %d", i)
		require.Equal(t, 1, p.callCount(i))
	}
	require.Equal(t, []int{5}, p.sizes)
}

func TestGroupedPermanentRoundTripFailure(t *testing.T) {
	p := &groupedProvider{
		scriptedProvider: newScripted(nil),
		batchErr:         errors.New("method not found"),
	}
	c, err := New[int, int](p, testConfig(clock.NewTestClock(testStart)))
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(3))
	for _, r := range results {
		require.True(t, r.IsErr())
	}
	require.Equal(t, Summary{Total: 3, Failed: 3}, Summarize(results))
	require.ErrorIs(t, Summarize(results).Err(), ErrAllFailed)
}

func TestSubmitCancelledContext(t *testing.T) {
	p := newScripted(nil)
	c, err := New[int, int](p, testConfig(clock.NewTestClock(testStart)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := c.Submit(ctx, requests(4))
	for _, r := range results {
		_, err := r.Unpack()
		require.ErrorIs(t, err, ErrCancelled)
	}
	require.Equal(t, 0, p.callCount(0))
}

func TestCancelDuringBackoffKeepsReceivedResults(t *testing.T) {
	signal := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(testStart, signal)
	p := newScripted(map[int][]error{2: {MarkTransient(errRateLimited)}})
	c, err := New[int, int](p, testConfig(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-signal
		// let the siblings' responses arrive before cancelling
		for p.callCount(0)+p.callCount(1)+p.callCount(3) < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	results := c.Submit(ctx, requests(4))
	for i, r := range results {
		if i == 2 {
			_, err := r.Unpack()
			require.ErrorIs(t, err, ErrCancelled)
			continue
		}
		require.True(t, r.IsOk(), "item %d already received", i)
	}
	require.Equal(t, 1, p.callCount(2))
}

func TestConcurrencyBound(t *testing.T) {
	p := newScripted(nil)
	p.delay = 5 * time.Millisecond
	cfg := testConfig(clock.NewTestClock(testStart))
	cfg.MaxConcurrent = 3
	c, err := New[int, int](p, cfg)
	require.NoError(t, err)

	results := c.Submit(context.Background(), requests(20))
	require.Equal(t, 20, Summarize(results).Succeeded)
	require.LessOrEqual(t, p.maxSeen, 3)
}

func TestEmptySubmit(t *testing.T) {
	c, err := New[int, int](newScripted(nil), DefaultConfig())
	require.NoError(t, err)
	require.Empty(t, c.Submit(context.Background(), nil))
	require.Zero(t, Summarize[int](nil).SuccessRate())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{64, 8 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 8*time.Second), "attempt %d", tt.attempt)
	}
	require.Zero(t, Backoff(3, 0, time.Second))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	mutations := []func(*Config){
		func(c *Config) { c.MaxConcurrent = 0 },
		func(c *Config) { c.MaxAttempts = 0 },
		func(c *Config) { c.MaxDelay = c.BaseDelay - 1 },
		func(c *Config) { c.RequestTimeout = 0 },
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.RateLimit = -1 },
	}
	for i, m := range mutations {
		cfg := DefaultConfig()
		m(&cfg)
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "mutation %d", i)
		_, err := New[int, int](newScripted(nil), cfg)
		require.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, Transient, Classify(context.DeadlineExceeded))
	require.Equal(t, Transient, Classify(fmt.Errorf("read: %w", context.DeadlineExceeded)))
	require.Equal(t, Transient, Classify(MarkTransient(errors.New("429"))))
	require.Equal(t, Permanent, Classify(MarkPermanent(context.DeadlineExceeded)))
	require.Equal(t, Permanent, Classify(errors.New("bad request")))
	require.Nil(t, MarkTransient(nil))
}
