package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Planner struct {
	llm LLM
	log *zap.Logger
}

func NewPlanner(llm LLM, log *zap.Logger) *Planner { return &Planner{llm: llm, log: log} }

// Plan produces a validated plan for pass. The data source follows the query's
// live-data cues regardless of what the model chose.
func (p *Planner) Plan(ctx context.Context, r Routed, pass int, previous *Plan) (Planned, error) {
	reply, err := p.llm.ChatJSON(ctx, plannerSystemPrompt, plannerUserPrompt(r.Input, r.Intent, previous))
	if err != nil {
		return Planned{}, fmt.Errorf("planner: %w", err)
	}
	plan, err := ParsePlan(reply)
	if err != nil {
		p.log.Warn("plan rejected", zap.String("run_id", r.RunID), zap.String("reply", truncate(reply, 500)), zap.Error(err))
		return Planned{}, err
	}

	want := SourcePrivate
	if HasLiveCue(r.Input) {
		want = SourceBoth
	}
	if plan.DataSource != want {
		p.log.Info("data source overridden",
			zap.String("run_id", r.RunID),
			zap.String("model", string(plan.DataSource)),
			zap.String("used", string(want)))
		plan.DataSource = want
	}
	if plan.SearchQuery == "" {
		plan.SearchQuery = r.Input
	}
	return Planned{Routed: r, Plan: plan, Pass: pass, Previous: previous}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
