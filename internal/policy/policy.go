// Package policy evaluates the OPA reap guard for each reap candidate.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// Query is the rule every reap policy must define.
const Query = "data.overwatch.reap"

//go:embed default.rego
var defaultPolicy string

// Input is what a policy sees for one candidate.
type Input struct {
	Resource resource.Record `json:"resource"`
	Now      time.Time       `json:"now"`
	// OverdueHours is how long past its delete-after time the resource is.
	OverdueHours float64 `json:"overdue_hours"`
}

// Decision is the guard's verdict on one candidate.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Guard evaluates a compiled reap policy.
type Guard struct {
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
}

// Default compiles the built-in policy, which refuses protected resources.
func Default(ctx context.Context) (*Guard, error) {
	return New(ctx, "default.rego", defaultPolicy)
}

// Load compiles the policy in path, or the default when path is empty.
func Load(ctx context.Context, path string) (*Guard, error) {
	if path == "" {
		return Default(ctx)
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return New(ctx, filepath.Base(path), string(content))
}

// New compiles a rego module that defines data.overwatch.reap.allow.
func New(ctx context.Context, name, module string) (*Guard, error) {
	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &Guard{query: prepared, tracer: otel.Tracer("overwatch/policy")}, nil
}

// Evaluate decides whether rec may be reaped at now.
// A policy that does not define allow denies.
func (g *Guard) Evaluate(ctx context.Context, rec resource.Record, now time.Time) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("resource.id", rec.ResourceID)))
	defer span.End()

	input := Input{
		Resource:     rec,
		Now:          now.UTC(),
		OverdueHours: now.Sub(rec.DeleteAfter).Hours(),
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}

	var d Decision
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		d.Reason = "policy produced no decision"
		return d, nil
	}
	// OPA returns arbitrary JSON; only allow and reason are read.
	value, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		d.Reason = "policy produced no decision"
		return d, nil
	}
	d.Allow, _ = value["allow"].(bool)
	d.Reason, _ = value["reason"].(string)
	if !d.Allow && d.Reason == "" {
		d.Reason = "denied by policy"
	}
	return d, nil
}
