package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lriva/voxbridge/internal/protocol"
)

// Func runs one tool invocation. The input is the raw JSON payload the
// model supplied; the returned document is sent back verbatim as the tool
// result content.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Spec pairs a tool handler with the metadata advertised to the model.
type Spec struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema for the tool's input, serialized as a
	// string per the wire contract.
	InputSchema string
	Run         Func
}

var ErrUnknownTool = errors.New("unknown tool")

// Registry is the tool-execution backend boundary. It is shared across
// sessions and safe for concurrent invocation.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(spec Spec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if spec.Run == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	spec.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[strings.ToLower(name)] = spec
	return nil
}

// Specs lists registered tools for the promptStart tool configuration.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// WireSpecs converts registered tools to their promptStart wire form.
func (r *Registry) WireSpecs() []protocol.ToolSpec {
	specs := r.Specs()
	out := make([]protocol.ToolSpec, 0, len(specs))
	for _, spec := range specs {
		out = append(out, protocol.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}
	return out
}

// ExecuteTool runs the named tool. Unknown tools and handler failures are
// reported as errors; callers are expected to fold them into a structured
// failure result rather than breaking the session protocol.
func (r *Registry) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	spec, ok := r.specs[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return spec.Run(ctx, input)
}

// DateTimeSpec reports the current date and time; registered by default so
// fresh deployments have a working tool round-trip.
func DateTimeSpec() Spec {
	return Spec{
		Name:        "getDateTool",
		Description: "Returns the current date and time in UTC.",
		InputSchema: `{"type":"object","properties":{},"required":[]}`,
		Run: func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			now := time.Now().UTC()
			return json.Marshal(map[string]any{
				"date":      now.Format("2006-01-02"),
				"time":      now.Format("15:04:05"),
				"dayOfWeek": now.Weekday().String(),
				"timezone":  "UTC",
			})
		},
	}
}

// EchoSpec repeats its input back; useful for wiring checks and tests.
func EchoSpec() Spec {
	return Spec{
		Name:        "echoTool",
		Description: "Echoes the provided payload back to the model.",
		InputSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":[]}`,
		Run: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			return json.Marshal(map[string]any{"echo": input})
		},
	}
}
