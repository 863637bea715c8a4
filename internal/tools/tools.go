// Package tools holds the delegation tools the orchestration loop can
// dispatch: an automated analyst specialist and the human query tool.
// The closed set of registered tools is the upper bound the capability
// gate narrows per request.
package tools

import "context"

// Tool executes one delegation on behalf of the orchestration loop.
// Run returns the observation text fed back into the loop transcript.
// Operational failures are reported in the observation, not as errors;
// an error return means the tool could not run at all.
type Tool interface {
	Name() string
	Run(ctx context.Context, input string) (string, error)
}

// ModelFunc produces a model completion for a prompt. The analyst tool
// takes one so it stays decoupled from the provider wiring.
type ModelFunc func(ctx context.Context, prompt string) (string, error)

// Registry maps tool names to implementations, preserving registration order.
type Registry struct {
	order  []string
	byName map[string]Tool
}

// NewRegistry builds a Registry. Duplicate names keep the first registration.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool)}
	for _, t := range ts {
		if _, dup := r.byName[t.Name()]; dup {
			continue
		}
		r.order = append(r.order, t.Name())
		r.byName[t.Name()] = t
	}
	return r
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
