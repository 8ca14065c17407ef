// Package telemetry records correlated operation spans and events.
//
// Every event passes through the sanitizer before it reaches a sink. There
// is no option to turn sanitizing off; the only switch is Privacy.OptOut,
// which suppresses emission entirely.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forest6511/walletctl/pkg/cache"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "telemetry")

// defaultKnownSpans bounds how many span ids are remembered as valid
// parents.
const defaultKnownSpans = 4096

var (
	// ErrUnknownParent is returned when a child names a parent that was
	// never started by this recorder.
	ErrUnknownParent = errors.New("telemetry: unknown parent span")

	// ErrSpanEnded is returned when an ended span is used again.
	ErrSpanEnded = errors.New("telemetry: span already ended")
)

// CorrelationID identifies one operation across all of its events.
type CorrelationID string

// NewCorrelationID returns a fresh random id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Outcome is how a span finished.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf maps an operation error to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailure
	}
}

// Fields are caller-supplied event attributes. Values are sanitized before
// emission.
type Fields map[string]interface{}

// EventKind distinguishes span boundaries from events inside a span.
type EventKind string

const (
	KindSpanStart EventKind = "span_start"
	KindEvent     EventKind = "event"
	KindSpanEnd   EventKind = "span_end"
)

// Event is the sanitized record handed to sinks.
type Event struct {
	Time          time.Time         `json:"time"`
	Kind          EventKind         `json:"kind"`
	CorrelationID CorrelationID     `json:"correlation_id"`
	ParentID      CorrelationID     `json:"parent_id,omitempty"`
	Span          string            `json:"span"`
	Component     string            `json:"component,omitempty"`
	Level         logrus.Level      `json:"level"`
	Message       string            `json:"message,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Outcome       Outcome           `json:"outcome,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
}

// Sink receives sanitized events.
type Sink interface {
	Emit(e Event) error
}

// Privacy controls whether telemetry leaves the process at all. The zero
// value emits sanitized events.
type Privacy struct {
	// OptOut suppresses all emission.
	OptOut bool
}

type privacyKey struct{}

// WithPrivacy returns a context whose privacy setting overrides the
// recorder default for calls made with it.
func WithPrivacy(ctx context.Context, p Privacy) context.Context {
	return context.WithValue(ctx, privacyKey{}, p)
}

func privacyFrom(ctx context.Context, def Privacy) Privacy {
	if ctx == nil {
		return def
	}
	if p, ok := ctx.Value(privacyKey{}).(Privacy); ok {
		return p
	}
	return def
}

// Span is one traced operation.
type Span struct {
	ID        CorrelationID
	Parent    fn.Option[CorrelationID]
	Name      string
	Component string
	StartedAt time.Time

	mu      sync.Mutex
	ended   bool
	outcome Outcome
}

// Outcome returns the span outcome, empty until ended.
func (s *Span) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Ended reports whether EndSpan was called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Span) parentID() CorrelationID {
	return s.Parent.UnwrapOr("")
}

// Config parameterizes a Recorder.
type Config struct {
	// Privacy is the default for calls whose context carries none.
	Privacy Privacy
	// Component tags every span started by the recorder.
	Component string
	// KnownSpans bounds the set of ids accepted as parents.
	KnownSpans int
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Recorder creates spans and routes sanitized events to sinks.
type Recorder struct {
	cfg   Config
	sinks []Sink
	known *cache.Cache[CorrelationID, struct{}]
}

// NewRecorder returns a recorder writing to sinks.
func NewRecorder(cfg Config, sinks ...Sink) (*Recorder, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.KnownSpans <= 0 {
		cfg.KnownSpans = defaultKnownSpans
	}
	known, err := cache.New[CorrelationID, struct{}]("telemetry_spans", cfg.KnownSpans, 0, cfg.Clock)
	if err != nil {
		return nil, err
	}
	return &Recorder{cfg: cfg, sinks: sinks, known: known}, nil
}

// Nop returns a recorder with no sinks.
func Nop() *Recorder {
	r, _ := NewRecorder(Config{})
	return r
}

// StartSpan begins a span. A parent, when given, must have been started by
// this recorder.
func (r *Recorder) StartSpan(ctx context.Context, name string, parent fn.Option[CorrelationID]) (*Span, error) {
	var unknown bool
	parent.WhenSome(func(id CorrelationID) {
		// Get refreshes the parent so a busy parent is not evicted by its
		// own children.
		_, ok := r.known.Get(id)
		unknown = !ok
	})
	if unknown {
		return nil, ErrUnknownParent
	}

	s := &Span{
		ID:        NewCorrelationID(),
		Parent:    parent,
		Name:      name,
		Component: r.cfg.Component,
		StartedAt: r.cfg.Clock.Now(),
	}
	r.known.Put(s.ID, struct{}{})

	r.emit(ctx, Event{
		Time:          s.StartedAt,
		Kind:          KindSpanStart,
		CorrelationID: s.ID,
		ParentID:      s.parentID(),
		Span:          s.Name,
		Component:     s.Component,
		Level:         logrus.DebugLevel,
	})
	return s, nil
}

// StartChild begins a span under parent.
func (r *Recorder) StartChild(ctx context.Context, parent *Span, name string) (*Span, error) {
	return r.StartSpan(ctx, name, fn.Some(parent.ID))
}

// LogEvent records an event inside span.
func (r *Recorder) LogEvent(ctx context.Context, s *Span, level logrus.Level, msg string, fields Fields) error {
	if s.Ended() {
		return ErrSpanEnded
	}
	r.emit(ctx, Event{
		Time:          r.cfg.Clock.Now(),
		Kind:          KindEvent,
		CorrelationID: s.ID,
		ParentID:      s.parentID(),
		Span:          s.Name,
		Component:     s.Component,
		Level:         level,
		Message:       msg,
		Fields:        sanitizeFields(fields),
	})
	return nil
}

// EndSpan closes span with outcome. When err is non-nil its sanitized
// message is attached.
func (r *Recorder) EndSpan(ctx context.Context, s *Span, outcome Outcome, err error) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSpanEnded
	}
	s.ended = true
	s.outcome = outcome
	s.mu.Unlock()

	now := r.cfg.Clock.Now()
	level := logrus.InfoLevel
	var fields map[string]string
	if err != nil {
		level = logrus.WarnLevel
		fields = map[string]string{"error": SanitizeText(err.Error())}
	}
	r.emit(ctx, Event{
		Time:          now,
		Kind:          KindSpanEnd,
		CorrelationID: s.ID,
		ParentID:      s.parentID(),
		Span:          s.Name,
		Component:     s.Component,
		Level:         level,
		Fields:        fields,
		Outcome:       outcome,
		DurationMS:    now.Sub(s.StartedAt).Milliseconds(),
	})
	return nil
}

// Track runs op inside a span named name and ends it with op's outcome.
func (r *Recorder) Track(ctx context.Context, name string, parent fn.Option[CorrelationID], op func(*Span) error) error {
	s, err := r.StartSpan(ctx, name, parent)
	if err != nil {
		return err
	}
	opErr := op(s)
	_ = r.EndSpan(ctx, s, OutcomeOf(opErr), opErr)
	return opErr
}

func (r *Recorder) emit(ctx context.Context, e Event) {
	if privacyFrom(ctx, r.cfg.Privacy).OptOut {
		return
	}
	e.Message = SanitizeText(e.Message)
	for _, s := range r.sinks {
		if err := s.Emit(e); err != nil {
			log.WithError(err).WithField("sink", fmt.Sprintf("%T", s)).Warn("telemetry sink failed")
		}
	}
}

func sanitizeFields(fields Fields) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = SanitizeField(k, v)
	}
	return out
}
