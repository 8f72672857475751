package batch

import "time"

type NodeKind int

const (
	KindLeaf NodeKind = iota
	KindSequence
	KindConditional
)

func (k NodeKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindSequence:
		return "sequence"
	case KindConditional:
		return "conditional"
	default:
		return "unknown"
	}
}

// NodeID indexes a node in its Tree.
type NodeID int

const NoNode NodeID = -1

// Node is one entry of a Tree. Only the fields for its Kind are set.
type Node struct {
	Kind NodeKind
	// Path addresses the node within the submitted payload, e.g.
	// "query[1].onerror". It is stable for the life of the job.
	Path string

	SQL     string
	Timeout time.Duration

	Items []NodeID

	Query     NodeID
	OnSuccess NodeID
	OnError   NodeID
}

// Tree is an immutable arena of nodes built by Parse.
type Tree struct {
	nodes  []Node
	root   NodeID
	byPath map[string]NodeID
}

func (t *Tree) Root() NodeID {
	return t.root
}

func (t *Tree) Node(id NodeID) Node {
	return t.nodes[id]
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Lookup(path string) (NodeID, bool) {
	id, ok := t.byPath[path]
	return id, ok
}

// Leaves returns the leaf descendants of id in declaration order.
func (t *Tree) Leaves(id NodeID) []NodeID {
	if id == NoNode {
		return nil
	}
	node := t.nodes[id]
	switch node.Kind {
	case KindLeaf:
		return []NodeID{id}
	case KindSequence:
		var out []NodeID
		for _, item := range node.Items {
			out = append(out, t.Leaves(item)...)
		}
		return out
	default:
		out := t.Leaves(node.Query)
		out = append(out, t.Leaves(node.OnSuccess)...)
		return append(out, t.Leaves(node.OnError)...)
	}
}

func (t *Tree) add(node Node) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node)
	t.byPath[node.Path] = id
	return id
}
