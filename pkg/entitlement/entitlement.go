// Package entitlement marks every entity of a response with meta.entitled.
//
// A channel turns the check on with features.authentication.enabled and
// supplies features.authentication.evaluator, a CEL expression over the
// read-only variables viewer and resource that yields a bool. Expressions run
// under a cost limit and have no access to I/O. When the check is off every
// entity is entitled.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/entitlement")

var evaluationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "entitlement_evaluation_count",
	Help:      "The total number of entitlement decisions, by result.",
}, []string{"result"})

const (
	MetaKey = "entitled"

	DefaultCostLimit = 10000
	DefaultCacheSize = 1000
	DefaultCacheTTL  = time.Hour
)

type Option func(e *Evaluator)

func WithLogger(l logger.Logger) Option {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// WithCostLimit bounds the work a single evaluation may perform.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) {
		e.costLimit = limit
	}
}

func WithCacheSize(size int64) Option {
	return func(e *Evaluator) {
		e.cacheSize = size
	}
}

type compiled struct {
	program cel.Program
	err     error
}

// Evaluator applies channel entitlement policies. Compiled expressions are
// cached by the hash of their source.
type Evaluator struct {
	env       *cel.Env
	programs  storage.InMemoryCache[*compiled]
	costLimit uint64
	cacheSize int64
	logger    logger.Logger
}

func New(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("viewer", cel.DynType),
		cel.Variable("resource", cel.DynType),
		cel.EagerlyValidateDeclarations(true),
	)
	if err != nil {
		return nil, fmt.Errorf("construct entitlement env: %w", err)
	}

	e := &Evaluator{
		env:       env,
		costLimit: DefaultCostLimit,
		cacheSize: DefaultCacheSize,
		logger:    logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.programs = storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[*compiled](e.cacheSize))
	return e, nil
}

// Stop releases the program cache.
func (e *Evaluator) Stop() {
	e.programs.Stop()
}

// Compile returns the program for expr, compiling it on first use.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	key := strconv.FormatUint(xxhash.Sum64String(expr), 36)
	if c, ok := e.programs.Get(key); ok {
		return c.program, c.err
	}

	c := &compiled{}
	c.program, c.err = e.compile(expr)
	e.programs.Set(key, c, DefaultCacheTTL)
	return c.program, c.err
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile evaluator: %w", issues.Err())
	}

	out := ast.OutputType()
	if !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
		return nil, fmt.Errorf("evaluator must produce a bool, got '%s'", out)
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("evaluator program construction: %w", err)
	}
	return prg, nil
}

// Evaluate runs prg for viewer and resource. Anything but a bool result is an
// error.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, viewer, resource map[string]any) (bool, error) {
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"viewer":   viewer,
		"resource": resource,
	})
	if err != nil {
		return false, err
	}
	entitled, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluator produced %T, not a bool", out.Value())
	}
	return entitled, nil
}

type settings struct {
	enabled    bool
	expression string
}

func channelSettings(channel *types.Entity) settings {
	if channel == nil {
		return settings{}
	}
	raw, err := json.Marshal(channel)
	if err != nil {
		return settings{}
	}
	auth := gjson.GetBytes(raw, "features.authentication")
	return settings{
		enabled:    auth.Get("enabled").Bool(),
		expression: auth.Get("evaluator").String(),
	}
}

// Apply sets meta.entitled on every entity of doc for caller. Each entity is
// judged on its own; an expression that fails to compile or evaluate leaves
// the affected entities unentitled.
func (e *Evaluator) Apply(ctx context.Context, caller *identity.Identity, doc *Document) {
	if doc == nil {
		return
	}
	entities := doc.Entities()

	var channel, viewer *types.Entity
	if caller != nil {
		channel, viewer = caller.Channel, caller.Viewer
	}
	s := channelSettings(channel)

	ctx, span := tracer.Start(ctx, "entitlement.Apply")
	defer span.End()
	span.SetAttributes(attribute.Bool("enabled", s.enabled), attribute.Int("entities", len(entities)))

	if !s.enabled {
		for _, r := range entities {
			r.SetMeta(MetaKey, true)
		}
		evaluationCounter.WithLabelValues("disabled").Add(float64(len(entities)))
		return
	}

	prg, err := e.Compile(s.expression)
	if err != nil {
		e.logger.WarnWithContext(ctx, "entitlement evaluator rejected",
			zap.String("channel", channel.ID),
			zap.Error(err),
		)
		for _, r := range entities {
			r.SetMeta(MetaKey, false)
		}
		evaluationCounter.WithLabelValues("error").Add(float64(len(entities)))
		return
	}

	viewerDoc := viewer.AsMap()
	for _, r := range entities {
		entitled, err := e.Evaluate(ctx, prg, viewerDoc, r.AsMap())
		if err != nil {
			e.logger.WarnWithContext(ctx, "entitlement evaluation failed",
				zap.String("channel", channel.ID),
				zap.String("resource", r.Identifier().String()),
				zap.Error(err),
			)
			evaluationCounter.WithLabelValues("error").Inc()
		} else {
			evaluationCounter.WithLabelValues(strconv.FormatBool(entitled)).Inc()
		}
		r.SetMeta(MetaKey, entitled)
	}
}
