// Package batch coalesces independent read requests into fewer provider
// round trips.
//
// Submit returns one result per request, in request order. Concurrency is
// bounded by a semaphore; transient failures are retried per request with
// exponential backoff measured on an injected clock, so a failing request
// never delays or re-runs its siblings.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("prefix", "batch")

var (
	batchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_batch_requests_total",
		Help: "Requests resolved by the batch coordinator, by outcome.",
	}, []string{"outcome"})
	batchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletctl_batch_retries_total",
		Help: "Request attempts made after a transient failure.",
	})
	batchRoundTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_batch_round_trips_total",
		Help: "Provider calls made, by call type.",
	}, []string{"type"})
)

// Request is one unit of work.
type Request[Q any] struct {
	ID      string
	Payload Q
}

// Provider executes a single request.
type Provider[Q, R any] interface {
	Call(ctx context.Context, req Q) (R, error)
}

// BatchProvider also executes many requests in one round trip. BatchCall
// returns one result per request in order; an error means the round trip
// itself failed.
type BatchProvider[Q, R any] interface {
	Provider[Q, R]
	BatchCall(ctx context.Context, reqs []Q) ([]fn.Result[R], error)
}

// Config parameterizes a Coordinator.
type Config struct {
	// MaxConcurrent bounds in-flight provider calls.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxAttempts is the total attempts per request, first try included.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
	// RequestTimeout bounds each provider call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// BatchSize is the largest group sent in one BatchCall.
	BatchSize int `yaml:"batch_size"`
	// RateLimit, when positive, caps provider calls per second.
	RateLimit float64 `yaml:"rate_limit"`
	// Burst is the rate limiter burst. Zero means MaxConcurrent.
	Burst int `yaml:"burst"`

	// Clock measures backoff. Defaults to the system clock.
	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       8 * time.Second,
		RequestTimeout: 30 * time.Second,
		BatchSize:      20,
	}
}

// Validate checks cfg for values the coordinator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max_concurrent must be at least 1", ErrInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: need 0 <= base_delay <= max_delay", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be at least 1", ErrInvalidConfig)
	case c.RateLimit < 0 || c.Burst < 0:
		return fmt.Errorf("%w: rate_limit and burst must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Backoff returns the wait before retry number attempt (1-based):
// min(base * 2^(attempt-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// requestState is the retry bookkeeping of one request.
type requestState struct {
	attempts          int
	attemptsRemaining int
	nextBackoff       time.Duration
	lastErr           error
}

// fail records a failed attempt and reports whether another is allowed.
func (s *requestState) fail(err error, cfg *Config) bool {
	s.lastErr = err
	if Classify(err) != Transient || s.attemptsRemaining == 0 {
		return false
	}
	s.nextBackoff = Backoff(s.attempts, cfg.BaseDelay, cfg.MaxDelay)
	return true
}

// Coordinator runs batches against one provider.
type Coordinator[Q, R any] struct {
	cfg      Config
	provider Provider[Q, R]
	batcher  BatchProvider[Q, R]
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
}

// New returns a coordinator for p. Grouped calls are used when p also
// implements BatchProvider.
func New[Q, R any](p Provider[Q, R], cfg Config) (*Coordinator[Q, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	c := &Coordinator[Q, R]{
		cfg:      cfg,
		provider: p,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	if bp, ok := p.(BatchProvider[Q, R]); ok {
		c.batcher = bp
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = cfg.MaxConcurrent
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// Submit resolves every request and returns their outcomes in order. A
// failed request yields a *RequestError; it never affects the others.
// Cancelling ctx fails requests not yet dispatched with ErrCancelled and
// keeps results already received.
func (c *Coordinator[Q, R]) Submit(ctx context.Context, reqs []Request[Q]) []fn.Result[R] {
	results := make([]fn.Result[R], len(reqs))
	if len(reqs) == 0 {
		return results
	}
	states := make([]*requestState, len(reqs))
	for i := range states {
		states[i] = &requestState{attemptsRemaining: c.cfg.MaxAttempts}
	}

	var retry []int
	if c.batcher != nil && len(reqs) > 1 {
		retry = c.grouped(ctx, reqs, states, results)
	} else {
		retry = make([]int, len(reqs))
		for i := range reqs {
			retry[i] = i
		}
	}

	var wg sync.WaitGroup
	for _, i := range retry {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.single(ctx, reqs[i], states[i])
		}(i)
	}
	wg.Wait()

	s := Summarize(results)
	log.WithFields(logrus.Fields{
		"total":     s.Total,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
	}).Debug("batch resolved")
	return results
}

// grouped runs the first attempt of every request through BatchCall. It
// fills results for requests that are finished and returns the indices that
// still need individual attempts.
func (c *Coordinator[Q, R]) grouped(ctx context.Context, reqs []Request[Q], states []*requestState, results []fn.Result[R]) []int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		retry []int
	)
	for start := 0; start < len(reqs); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			pending := c.groupCall(ctx, reqs[start:end], states[start:end], results[start:end])

			mu.Lock()
			for _, i := range pending {
				retry = append(retry, start+i)
			}
			mu.Unlock()
		}(start, end)
	}
	wg.Wait()
	return retry
}

func (c *Coordinator[Q, R]) groupCall(ctx context.Context, reqs []Request[Q], states []*requestState, results []fn.Result[R]) []int {
	if err := c.acquire(ctx); err != nil {
		for i := range reqs {
			results[i] = c.cancelled(reqs[i], states[i], err)
		}
		return nil
	}
	payloads := make([]Q, len(reqs))
	for i, r := range reqs {
		payloads[i] = r.Payload
		states[i].attempts++
		states[i].attemptsRemaining--
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	out, err := c.batcher.BatchCall(callCtx, payloads)
	cancel()
	c.sem.Release(1)
	batchRoundTrips.WithLabelValues("batch").Inc()

	if err == nil && len(out) != len(reqs) {
		err = MarkTransient(fmt.Errorf("batch: provider returned %d results for %d requests", len(out), len(reqs)))
	}

	var pending []int
	for i := range reqs {
		itemErr := err
		if err == nil {
			v, e := out[i].Unpack()
			if e == nil {
				results[i] = fn.Ok(v)
				batchRequests.WithLabelValues("ok").Inc()
				continue
			}
			itemErr = e
		}
		if states[i].fail(itemErr, &c.cfg) {
			pending = append(pending, i)
			continue
		}
		results[i] = c.failed(reqs[i], states[i])
	}
	return pending
}

// single drives one request through its remaining attempts.
func (c *Coordinator[Q, R]) single(ctx context.Context, req Request[Q], st *requestState) fn.Result[R] {
	for {
		if st.nextBackoff > 0 {
			select {
			case <-c.cfg.Clock.TickAfter(st.nextBackoff):
			case <-ctx.Done():
				return c.cancelled(req, st, ctx.Err())
			}
			st.nextBackoff = 0
		}
		if err := c.acquire(ctx); err != nil {
			return c.cancelled(req, st, err)
		}
		if st.attempts > 0 {
			batchRetries.Inc()
		}
		st.attempts++
		st.attemptsRemaining--

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		v, err := c.provider.Call(callCtx, req.Payload)
		cancel()
		c.sem.Release(1)
		batchRoundTrips.WithLabelValues("single").Inc()

		if err == nil {
			batchRequests.WithLabelValues("ok").Inc()
			return fn.Ok(v)
		}
		if !st.fail(err, &c.cfg) {
			return c.failed(req, st)
		}
		log.WithFields(logrus.Fields{
			"request": req.ID,
			"attempt": st.attempts,
			"backoff": st.nextBackoff,
		}).Debug("retrying transient failure")
	}
}

// acquire takes a concurrency slot and, if configured, a rate token.
func (c *Coordinator[Q, R]) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.sem.Release(1)
			return err
		}
	}
	return nil
}

func (c *Coordinator[Q, R]) failed(req Request[Q], st *requestState) fn.Result[R] {
	batchRequests.WithLabelValues("failed").Inc()
	return fn.Err[R](&RequestError{
		ID:       req.ID,
		Kind:     Classify(st.lastErr),
		Attempts: st.attempts,
		Err:      cause(st.lastErr),
	})
}

func (c *Coordinator[Q, R]) cancelled(req Request[Q], st *requestState, err error) fn.Result[R] {
	batchRequests.WithLabelValues("cancelled").Inc()
	return fn.Err[R](&RequestError{
		ID:       req.ID,
		Kind:     Permanent,
		Attempts: st.attempts,
		Err:      fmt.Errorf("%w: %v", ErrCancelled, err),
	})
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize counts results.
func Summarize[R any](results []fn.Result[R]) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.IsOk() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// SuccessRate returns Succeeded / Total, or 0 for an empty batch.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// Err returns ErrAllFailed when a non-empty batch had no success.
func (s Summary) Err() error {
	if s.Total > 0 && s.Succeeded == 0 {
		return ErrAllFailed
	}
	return nil
}
