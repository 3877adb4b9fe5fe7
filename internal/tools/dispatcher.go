package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
)

const scopeName = "github.com/soyeahso/callrelay/internal/tools"

var tracer = otel.Tracer(scopeName)

// ActionRecorder receives every tool invocation for the session action log.
type ActionRecorder interface {
	RecordAction(domain.ToolCall)
}

// Context is the per-invocation scope.
type Context struct {
	Call    domain.CallContext
	Actions ActionRecorder
}

// Result is what a tool invocation produced. Output is always valid JSON and
// is what gets fed back into the conversation.
type Result struct {
	Tool   string
	Output json.RawMessage
	Failed bool
}

// Dispatcher validates and executes tool calls. Execute never panics and
// never returns an error: failures become {"error": ...} results.
type Dispatcher struct {
	registry *Registry
	log      *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, log *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		log:      log.Sub("tools"),
		metrics:  m,
		now:      time.Now,
	}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Execute runs the named tool and records the invocation.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage, tc Context) Result {
	ctx, span := tracer.Start(ctx, "tool "+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("call.id", tc.Call.CallID),
	)

	log := d.log.ForCall(tc.Call.CallID)
	res := d.run(ctx, name, args, tc.Call)
	if res.Failed {
		span.SetStatus(codes.Error, string(res.Output))
		log.Warn().Str("tool", name).RawJSON("result", res.Output).Msg("tool call failed")
	} else {
		log.Info().Str("tool", name).Msg("tool call completed")
	}
	d.metrics.RecordToolCall(name, res.Failed)

	if tc.Actions != nil {
		recorded := append(json.RawMessage(nil), args...)
		if len(recorded) == 0 {
			recorded = json.RawMessage("{}")
		} else if !json.Valid(recorded) {
			recorded, _ = json.Marshal(string(args))
		}
		tc.Actions.RecordAction(domain.ToolCall{
			Function:  name,
			Args:      recorded,
			Result:    res.Output,
			Failed:    res.Failed,
			Timestamp: d.now(),
		})
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, name string, args json.RawMessage, call domain.CallContext) (res Result) {
	res.Tool = name
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("tool", name).Interface("panic", r).Msg("tool panicked")
			res = errorResult(name, fmt.Errorf("tool %s failed: %v", name, r))
		}
	}()

	t, ok := d.registry.Get(name)
	if !ok {
		return errorResult(name, fmt.Errorf("unknown tool %q", name))
	}
	schema, err := d.registry.argsSchema(name)
	if err != nil {
		return errorResult(name, &domain.ToolExecutionError{Tool: name, Err: err})
	}
	if err := validateArgs(schema, args); err != nil {
		return errorResult(name, &domain.ValidationError{Field: name, Message: err.Error()})
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := t.Execute(ctx, call, args)
	if err != nil {
		if !domain.IsValidation(err) {
			err = &domain.ToolExecutionError{Tool: name, Err: err}
		}
		return errorResult(name, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(name, fmt.Errorf("encoding %s result: %w", name, err))
	}
	res.Output = data
	return res
}

func errorResult(name string, err error) Result {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Tool: name, Output: data, Failed: true}
}
