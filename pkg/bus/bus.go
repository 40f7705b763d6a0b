package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/telemetry"
)

var tracer = otel.Tracer("oddworks/pkg/bus")

var (
	dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "bus_dispatch_count",
		Help:      "The total number of dispatches issued on the bus, by kind, pattern and outcome.",
	}, []string{"kind", "role", "cmd", "type", "outcome"})

	dispatchDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "bus_dispatch_duration_ms",
		Help:                            "The duration (in ms) of a dispatch on the bus.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"kind", "role", "cmd"})
)

var (
	// ErrHandlerNotFound is returned when no handler matches a pattern.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrDuplicateHandler is returned when a handler is already registered for the exact pattern.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrMissingType is returned when a command handler is registered without a type.
	ErrMissingType = errors.New("command pattern requires a type")
	// ErrUnexpectedResult is returned by QueryAs and SendCommandAs when the handler result has the wrong type.
	ErrUnexpectedResult = errors.New("unexpected handler result")
)

const (
	kindQuery     = "query"
	kindCommand   = "command"
	kindBroadcast = "broadcast"
)

// Pattern addresses a handler. An empty Type denotes a broad {Role, Cmd} key.
type Pattern struct {
	Role string
	Cmd  string
	Type string
}

func (p Pattern) String() string {
	if p.Type == "" {
		return fmt.Sprintf("{role:%s, cmd:%s}", p.Role, p.Cmd)
	}
	return fmt.Sprintf("{role:%s, cmd:%s, type:%s}", p.Role, p.Cmd, p.Type)
}

func (p Pattern) broad() Pattern {
	return Pattern{Role: p.Role, Cmd: p.Cmd}
}

type QueryHandler func(ctx context.Context, args any) (any, error)

type CommandHandler func(ctx context.Context, payload any) (any, error)

// Bus is the registry of query and command handlers. These instances may be
// safely shared by multiple go-routines.
type Bus struct {
	logger logger.Logger

	queries  map[Pattern]QueryHandler   // GUARDED_BY(mu).
	commands map[Pattern]CommandHandler // GUARDED_BY(mu).
	mu       sync.RWMutex

	broadcasts conc.WaitGroup
}

type Option func(b *Bus)

// WithLogger sets the logger used to report failed broadcasts.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:   logger.NewNoopLogger(),
		queries:  make(map[Pattern]QueryHandler),
		commands: make(map[Pattern]CommandHandler),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// RegisterQueryHandler registers h for p. Registering a second handler for the
// same exact pattern is a configuration error.
func (b *Bus) RegisterQueryHandler(p Pattern, h QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queries[p]; ok {
		return fmt.Errorf("query %s: %w", p, ErrDuplicateHandler)
	}
	b.queries[p] = h
	return nil
}

// RegisterCommandHandler registers h for p, which must carry a Type.
func (b *Bus) RegisterCommandHandler(p Pattern, h CommandHandler) error {
	if p.Type == "" {
		return fmt.Errorf("command %s: %w", p, ErrMissingType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.commands[p]; ok {
		return fmt.Errorf("command %s: %w", p, ErrDuplicateHandler)
	}
	b.commands[p] = h
	return nil
}

// MustRegisterQueryHandler is like RegisterQueryHandler but panics on error.
// It is meant for startup wiring.
func (b *Bus) MustRegisterQueryHandler(p Pattern, h QueryHandler) {
	if err := b.RegisterQueryHandler(p, h); err != nil {
		panic(err)
	}
}

// MustRegisterCommandHandler is like RegisterCommandHandler but panics on error.
func (b *Bus) MustRegisterCommandHandler(p Pattern, h CommandHandler) {
	if err := b.RegisterCommandHandler(p, h); err != nil {
		panic(err)
	}
}

func (b *Bus) lookupQuery(p Pattern) (QueryHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if h, ok := b.queries[p]; ok {
		return h, true
	}
	h, ok := b.queries[p.broad()]
	return h, ok
}

func (b *Bus) lookupCommand(p Pattern) (CommandHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h, ok := b.commands[p]
	return h, ok
}

// Query resolves p to a handler, the exact pattern first and then the broad
// {role, cmd} pattern, and returns the handler's result.
func (b *Bus) Query(ctx context.Context, p Pattern, args any) (any, error) {
	ctx, span := startSpan(ctx, "bus.Query", p)
	defer span.End()

	h, ok := b.lookupQuery(p)
	if !ok {
		err := fmt.Errorf("query %s: %w", p, ErrHandlerNotFound)
		record(kindQuery, p, time.Now(), err)
		telemetry.TraceError(span, err)
		return nil, err
	}

	start := time.Now()
	res, err := h(ctx, args)
	record(kindQuery, p, start, err)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return res, err
}

// SendCommand dispatches payload to the command handler registered for p.
func (b *Bus) SendCommand(ctx context.Context, p Pattern, payload any) (any, error) {
	ctx, span := startSpan(ctx, "bus.SendCommand", p)
	defer span.End()

	h, ok := b.lookupCommand(p)
	if !ok {
		err := fmt.Errorf("command %s: %w", p, ErrHandlerNotFound)
		record(kindCommand, p, time.Now(), err)
		telemetry.TraceError(span, err)
		return nil, err
	}

	start := time.Now()
	res, err := h(ctx, payload)
	record(kindCommand, p, start, err)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return res, err
}

// Broadcast dispatches payload to the command handler for p without waiting
// for it. The handler runs with a context detached from ctx's cancellation.
// Failures and panics are logged and never returned.
func (b *Bus) Broadcast(ctx context.Context, p Pattern, payload any) {
	h, ok := b.lookupCommand(p)
	if !ok {
		record(kindBroadcast, p, time.Now(), ErrHandlerNotFound)
		b.logger.WarnWithContext(ctx, "broadcast dropped", zap.Stringer("pattern", p), zap.Error(ErrHandlerNotFound))
		return
	}

	detached := context.WithoutCancel(ctx)
	b.broadcasts.Go(func() {
		var catcher panics.Catcher
		var err error
		start := time.Now()
		catcher.Try(func() {
			_, err = h(detached, payload)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			err = recovered.AsError()
		}
		record(kindBroadcast, p, start, err)
		if err != nil {
			b.logger.ErrorWithContext(detached, "broadcast failed", zap.Stringer("pattern", p), zap.Error(err))
		}
	})
}

// Wait blocks until every in-flight broadcast has returned.
func (b *Bus) Wait() {
	b.broadcasts.Wait()
}

// QueryAs is Query with the result asserted to T. A nil result yields the zero T.
func QueryAs[T any](ctx context.Context, b *Bus, p Pattern, args any) (T, error) {
	res, err := b.Query(ctx, p, args)
	return as[T](p, res, err)
}

// SendCommandAs is SendCommand with the result asserted to T.
func SendCommandAs[T any](ctx context.Context, b *Bus, p Pattern, payload any) (T, error) {
	res, err := b.SendCommand(ctx, p, payload)
	return as[T](p, res, err)
}

func as[T any](p Pattern, res any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	t, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s returned %T: %w", p, res, ErrUnexpectedResult)
	}
	return t, nil
}

func startSpan(ctx context.Context, name string, p Pattern) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("role", p.Role),
		attribute.String("cmd", p.Cmd),
		attribute.String("type", p.Type),
	))
}

func record(kind string, p Pattern, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	dispatchCounter.WithLabelValues(kind, p.Role, p.Cmd, p.Type, outcome).Inc()
	dispatchDurationHistogram.WithLabelValues(kind, p.Role, p.Cmd).Observe(float64(time.Since(start).Milliseconds()))
}
