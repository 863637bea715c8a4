// Package gate restricts which delegation tools the orchestration loop may
// consider for a conversation, based on the connectivity diagram that arrives
// with the chat request.
//
// The gate fails open: an absent diagram, a diagram without an orchestrator
// node, or an orchestrator with no recognized targets all yield the full
// default tool set. Changing that policy needs product sign-off.
package gate

import (
	"log/slog"
)

// Kind is the capability class a tool descriptor maps to.
type Kind string

const (
	// KindAgent tools delegate to an automated specialist.
	KindAgent Kind = "agent"
	// KindHuman tools delegate to a human operator.
	KindHuman Kind = "human"
)

// Node kinds recognized in diagrams. Edges from non-orchestrator nodes are
// ignored for gating purposes.
const (
	NodeOrchestrator = "orchestrator"
	NodeAgent        = "agent"
	NodeHuman        = "human"
)

// Node is a diagram vertex.
type Node struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Edge is a directed diagram edge.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Diagram is the connectivity graph sent with a chat request.
type Diagram struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Descriptor names an invocable delegation tool.
type Descriptor struct {
	// Name is the stable tool name the model must use.
	Name string
	// Kind is the capability class behind the tool.
	Kind Kind
	// Label is the human-readable progress label shown while the tool runs.
	Label string
}

// Registry is the closed set of tool descriptors, built once at startup.
// An agent-kind diagram node may expand to several agent tools when the
// deployment registers a team of specialists behind one node.
type Registry struct {
	all    []Descriptor
	byKind map[Kind][]Descriptor
	byName map[string]Descriptor
}

// NewRegistry builds a Registry from the given descriptors, preserving order.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{
		byKind: make(map[Kind][]Descriptor),
		byName: make(map[string]Descriptor),
	}
	for _, d := range descriptors {
		if _, dup := r.byName[d.Name]; dup {
			continue
		}
		r.all = append(r.all, d)
		r.byKind[d.Kind] = append(r.byKind[d.Kind], d)
		r.byName[d.Name] = d
	}
	return r
}

// Default returns the full tool set in registration order.
func (r *Registry) Default() []Descriptor {
	out := make([]Descriptor, len(r.all))
	copy(out, r.all)
	return out
}

// Lookup finds a descriptor by tool name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// AllowedTools computes the delegation targets reachable from the diagram's
// orchestrator node in one hop, mapped to tool descriptors, deduplicated by
// name in first-seen order.
func AllowedTools(d *Diagram, reg *Registry, logger *slog.Logger) []Descriptor {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		return reg.Default()
	}

	var orchestratorID string
	for _, n := range d.Nodes {
		if n.Type == NodeOrchestrator {
			orchestratorID = n.ID
			break
		}
	}
	if orchestratorID == "" {
		logger.Warn("no orchestrator node in diagram, using all tools")
		return reg.Default()
	}

	connected := make(map[string]struct{})
	for _, e := range d.Edges {
		if e.Source == orchestratorID {
			connected[e.Target] = struct{}{}
		}
	}

	var allowed []Descriptor
	seen := make(map[string]struct{})
	for _, n := range d.Nodes {
		if _, ok := connected[n.ID]; !ok {
			continue
		}
		var kind Kind
		switch n.Type {
		case NodeAgent:
			kind = KindAgent
		case NodeHuman:
			kind = KindHuman
		default:
			continue
		}
		for _, desc := range reg.byKind[kind] {
			if _, dup := seen[desc.Name]; dup {
				continue
			}
			seen[desc.Name] = struct{}{}
			allowed = append(allowed, desc)
		}
	}

	if len(allowed) == 0 {
		logger.Warn("no tools connected in diagram, using all tools as fallback")
		return reg.Default()
	}

	names := make([]string, 0, len(allowed))
	for _, d := range allowed {
		names = append(names, d.Name)
	}
	logger.Info("tools enabled from diagram", "tools", names)
	return allowed
}

// Contains reports whether the descriptor slice includes the given tool name.
func Contains(set []Descriptor, name string) bool {
	for _, d := range set {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Labels returns the human-readable labels of the given descriptors.
func Labels(set []Descriptor) []string {
	out := make([]string, 0, len(set))
	for _, d := range set {
		out = append(out, d.Label)
	}
	return out
}
