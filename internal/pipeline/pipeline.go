// Package pipeline runs a query through Router, Planner, Retriever and
// Answerer. Each stage takes the previous stage's record and returns a new one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/metrics"
)

var tracer trace.Tracer = otel.Tracer("shopvoice/internal/pipeline")

var ErrEmptyQuery = errors.New("query is empty")

type Options struct {
	MaxPasses      int
	Policy         ContinuePolicy
	CatalogResults int
	WebResults     int
}

type Pipeline struct {
	router    *Router
	planner   *Planner
	retriever *Retriever
	answerer  *Answerer
	maxPasses int
	log       *zap.Logger
}

func New(llm LLM, tools ToolCaller, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyTerminate
	}
	log = log.Named("pipeline")
	return &Pipeline{
		router:    NewRouter(llm),
		planner:   NewPlanner(llm, log),
		retriever: NewRetriever(tools, RetrieverOptions{CatalogResults: opts.CatalogResults, WebResults: opts.WebResults}, log),
		answerer:  NewAnswerer(llm, opts.Policy),
		maxPasses: opts.MaxPasses,
		log:       log,
	}
}

// Run executes one query. Model failures and invalid plans abort the run;
// tool failures only reach the answer as evidence gaps.
func (p *Pipeline) Run(ctx context.Context, input string) (res *Result, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyQuery
	}
	q := Query{RunID: uuid.NewString(), Input: input}
	log := p.log.With(zap.String("run_id", q.RunID))

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", q.RunID)))
	defer func() {
		outcome := metrics.OK
		if err != nil {
			outcome = metrics.Error
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("run failed", zap.Error(err))
		}
		metrics.PipelineRun(outcome)
		span.End()
	}()

	var routed Routed
	if err := stage(ctx, "router", func(ctx context.Context) (e error) {
		routed, e = p.router.Route(ctx, q)
		return e
	}); err != nil {
		return nil, err
	}
	log.Info("routed", zap.String("task", routed.Intent.Task), zap.Bool("safety_flag", routed.Intent.SafetyFlag))

	var (
		previous *Plan
		warnings []string
		answered Answered
	)
	for pass := 1; ; pass++ {
		var planned Planned
		if err := stage(ctx, "planner", func(ctx context.Context) (e error) {
			planned, e = p.planner.Plan(ctx, routed, pass, previous)
			return e
		}); err != nil {
			return nil, err
		}
		log.Info("planned",
			zap.Int("pass", pass),
			zap.String("data_source", string(planned.Plan.DataSource)),
			zap.Bool("retrieval_needed", planned.Plan.RetrievalNeeded),
			zap.Int("constraints", len(planned.Plan.Constraints)))

		var retrieved Retrieved
		if err := stage(ctx, "retriever", func(ctx context.Context) (e error) {
			retrieved, e = p.retriever.Retrieve(ctx, planned)
			return e
		}); err != nil {
			return nil, err
		}
		warnings = appendUnique(warnings, retrieved.Warnings...)
		log.Info("retrieved", zap.Int("pass", pass), zap.Strings("tools", retrieved.Evidence.Calls), zap.Int("records", retrieved.Evidence.Records))

		if err := stage(ctx, "answerer", func(ctx context.Context) (e error) {
			answered, e = p.answerer.Answer(ctx, retrieved, p.maxPasses)
			return e
		}); err != nil {
			return nil, err
		}
		if answered.Done {
			break
		}
		log.Info("re-planning", zap.Int("pass", pass))
		plan := planned.Plan
		previous = &plan
	}

	span.SetAttributes(attribute.Int("passes", answered.Pass), attribute.Bool("safety_flag", answered.Answer.SafetyFlag))
	return resultOf(answered, warnings), nil
}

func stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	started := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s stage: %w", name, err)
	}
	return nil
}

func appendUnique(list []string, vals ...string) []string {
	for _, v := range vals {
		if !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
