// Package executors holds the built-in node capabilities: trigger,
// http-request, condition, delay, transform, database, approval and log.
// Each one parses its own parameter shape, interpolates {{path}}
// placeholders against the run scope and honors context cancellation on
// anything that blocks. Retries never live here; a failed node returns
// an error and the engine's retry policy decides what happens next.
package executors

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/expr"
	"github.com/waveflow-go/pkg/logger"
)

// Builtins is the stock capability set. Close releases the pooled
// resources held by the database executor.
type Builtins struct {
	database *DatabaseExecutor
}

// Register wires every built-in capability into the registry under its
// node type.
func Register(registry *dispatch.Registry, log logger.Logger) *Builtins {
	database := NewDatabaseExecutor(log)

	registry.Register(workflow.NodeTypeTrigger, NewTriggerExecutor())
	registry.Register(workflow.NodeTypeHTTPRequest, NewHTTPExecutor(log))
	registry.Register(workflow.NodeTypeCondition, NewConditionExecutor())
	registry.Register(workflow.NodeTypeDelay, NewDelayExecutor())
	registry.Register(workflow.NodeTypeTransform, NewTransformExecutor())
	registry.Register(workflow.NodeTypeDatabase, database)
	registry.Register(workflow.NodeTypeApproval, NewApprovalExecutor())
	registry.Register(workflow.NodeTypeLog, NewLogExecutor(log))

	return &Builtins{database: database}
}

func (b *Builtins) Close() error {
	return b.database.Close()
}

// parseParams decodes node parameters into a typed config through a JSON
// round trip, which tolerates both typed and map-shaped parameter values.
func parseParams(node *workflow.Node, out interface{}) error {
	data, err := json.Marshal(node.Parameters)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// scope builds the variable view templates and expressions evaluate
// against: workflow variables first, then the run input, then the
// upstream node's output, later sources shadowing earlier ones. The full
// maps stay reachable under "variables" and "input".
func scope(execCtx *dispatch.ExecutionContext) map[string]interface{} {
	vars := make(map[string]interface{}, len(execCtx.Variables)+len(execCtx.Input)+len(execCtx.PreviousNodeOutput)+2)
	vars["variables"] = execCtx.Variables
	vars["input"] = execCtx.Input
	for k, v := range execCtx.Variables {
		vars[k] = v
	}
	for k, v := range execCtx.Input {
		vars[k] = v
	}
	for k, v := range execCtx.PreviousNodeOutput {
		vars[k] = v
	}
	return vars
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// interpolate replaces {{path}} placeholders with values from the run
// scope. Placeholders that resolve to nothing are left intact so a bad
// template shows up in the output instead of silently vanishing.
func interpolate(s string, vars map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := expr.Lookup(path, vars)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

// interpolateValue walks maps and slices interpolating every string. A
// string that is exactly one placeholder keeps the resolved value's
// native type, so "{{count}}" stays a number instead of becoming "42".
func interpolateValue(value interface{}, vars map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if match := placeholderPattern.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
			if resolved, ok := expr.Lookup(strings.TrimSpace(match[1]), vars); ok {
				return resolved
			}
		}
		return interpolate(v, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = interpolateValue(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = interpolateValue(item, vars)
		}
		return out
	default:
		return value
	}
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
