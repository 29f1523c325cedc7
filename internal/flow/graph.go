package flow

// Kind is the role a node plays in a compiled stack.
type Kind string

const (
	KindTrigger    Kind = "trigger"
	KindMiddleware Kind = "middleware"
	KindResponse   Kind = "response"
	KindDebug      Kind = "debug"
	KindEmitter    Kind = "emitter"
)

// Valid reports whether k is one of the known node kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTrigger, KindMiddleware, KindResponse, KindDebug, KindEmitter:
		return true
	}
	return false
}

// IsTerminal reports whether a stack ends on a node of this kind.
// Emitters are not stack terminators.
func (k Kind) IsTerminal() bool {
	return k == KindResponse || k == KindDebug
}

// Flow is a named node/edge graph loaded from a flow document.
type Flow struct {
	Name           string              `json:"name"`
	Nodes          []Node              `json:"nodes"`
	Edges          []Edge              `json:"edges"`
	Configurations []NodeConfiguration `json:"configurations"`
}

// Node is one box on the canvas. Module holds the namespaced spec
// reference ("module.node") the registry resolves to a controller.
type Node struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind,omitempty"`
	Module   string `json:"module"`
	Disabled bool   `json:"disabled,omitempty"`

	// Flow is set by the loader and is not part of the document.
	Flow string `json:"-"`
}

// QualifiedID identifies the node across every deployed flow.
func (n Node) QualifiedID() string {
	if n.Flow == "" {
		return n.ID
	}
	return n.Flow + "/" + n.ID
}

// Edge is a wire between two nodes. Inactive edges are editor artifacts.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Active bool   `json:"active"`
}

// NodeConfiguration holds the user supplied parameters of one node.
type NodeConfiguration struct {
	NodeID  string         `json:"node_id"`
	Configs map[string]any `json:"configs"`

	Flow string `json:"-"`
}

// QualifiedID matches Node.QualifiedID for the configured node.
func (c NodeConfiguration) QualifiedID() string {
	if c.Flow == "" {
		return c.NodeID
	}
	return c.Flow + "/" + c.NodeID
}

// Stack is one compiled path from a trigger to a terminal node.
type Stack []Node

// Trigger returns the first node of the stack.
func (s Stack) Trigger() Node {
	return s[0]
}

// Last returns the final node of the stack.
func (s Stack) Last() Node {
	return s[len(s)-1]
}

// IDs returns the node ids along the stack, in order.
func (s Stack) IDs() []string {
	ids := make([]string, len(s))
	for i, n := range s {
		ids[i] = n.ID
	}
	return ids
}

// Contains reports whether a node with the given id is on the stack.
func (s Stack) Contains(id string) bool {
	for _, n := range s {
		if n.ID == id {
			return true
		}
	}
	return false
}
