package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// JobPredicate evaluates a compiled job filter.
type JobPredicate func(*Job) bool

// CompileJobFilter compiles a CEL expression over a `job` map with keys
// id, name, status, cluster_id, parent_job, request_id, info, context,
// created_ms and updated_ms, plus `now_ms`. An empty expression matches
// everything. Example:
//
//	job.status == "error" && job.name.startsWith("scale")
func CompileJobFilter(expr string) (JobPredicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(*Job) bool { return true }, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("job", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("job filter: %w", iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("job filter: expression must be boolean, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("job filter: %w", err)
	}
	return func(j *Job) bool {
		ctxMap := j.Context
		if ctxMap == nil {
			ctxMap = map[string]interface{}{}
		}
		out, _, err := prog.Eval(map[string]any{
			"job": map[string]any{
				"id":         j.ID,
				"name":       j.Name,
				"status":     string(j.Status),
				"cluster_id": j.ClusterID,
				"parent_job": j.ParentJob,
				"request_id": j.RequestID,
				"info":       j.Info,
				"context":    ctxMap,
				"created_ms": j.CreatedAt.UnixMilli(),
				"updated_ms": j.UpdatedAt.UnixMilli(),
			},
			"now_ms": time.Now().UnixMilli(),
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// matcher combines the structural fields of f with its CEL expression.
func (f JobFilter) matcher() (JobPredicate, error) {
	pred, err := CompileJobFilter(f.Expr)
	if err != nil {
		return nil, err
	}
	return func(j *Job) bool {
		if len(f.Status) > 0 && !jobStatusIn(j.Status, f.Status) {
			return false
		}
		if f.ClusterID != "" && j.ClusterID != f.ClusterID {
			return false
		}
		return pred(j)
	}, nil
}

func (f JobFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
