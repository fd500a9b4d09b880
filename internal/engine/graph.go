package engine

import (
	"fmt"
	"sort"

	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/token"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes    map[string]*dagNode
	keys     []string // insertion order
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

func newDAG() *DAG {
	return &DAG{nodes: make(map[string]*dagNode)}
}

func (d *DAG) addNode(addr string) *dagNode {
	if n, ok := d.nodes[addr]; ok {
		return n
	}
	n := &dagNode{addr: addr}
	d.nodes[addr] = n
	d.keys = append(d.keys, addr)
	return n
}

func (n *dagNode) addEdge(dep string) {
	for _, e := range n.edges {
		if e == dep {
			return
		}
	}
	n.edges = append(n.edges, dep)
}

// BuildDAG constructs a dependency graph from resources.
// It resolves both explicit DependsOn and implicit ptr:// references.
// Among resources with no ordering constraint, declaration order wins.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := newDAG()
	for _, res := range resources {
		dag.addNode(resourceAddr(res))
	}

	for _, res := range resources {
		addr := resourceAddr(res)
		node := dag.nodes[addr]

		for _, dep := range res.DependsOn {
			if _, ok := dag.nodes[dep]; ok && dep != addr {
				node.addEdge(dep)
			}
		}

		for _, ref := range extractPtrRefs(res.Properties) {
			depAddr := ref.Address()
			if _, ok := dag.nodes[depAddr]; ok && depAddr != addr {
				node.addEdge(depAddr)
			}
		}
	}

	return dag, dag.finish()
}

// BuildDAGFromState constructs a dependency graph from state resources (for destroy).
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := newDAG()
	for _, res := range resources {
		dag.addNode(stateAddr(res))
	}
	for _, res := range resources {
		node := dag.nodes[stateAddr(res)]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok {
				node.addEdge(dep)
			}
		}
	}
	return dag, dag.finish()
}

func (d *DAG) finish() error {
	for _, addr := range d.keys {
		for _, dep := range d.nodes[addr].edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}
	return nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// topoSort performs Kahn's algorithm. Ready nodes are taken in insertion
// order so the result is stable.
func (d *DAG) topoSort() ([]string, error) {
	position := make(map[string]int, len(d.keys))
	inDegree := make(map[string]int, len(d.keys))
	for i, addr := range d.keys {
		position[addr] = i
		inDegree[addr] = len(d.nodes[addr].edges)
	}

	var ready []string
	for _, addr := range d.keys {
		if inDegree[addr] == 0 {
			ready = append(ready, addr)
		}
	}

	sorted := make([]string, 0, len(d.keys))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)

		for _, dependent := range d.nodes[node].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return nil, fmt.Errorf("dependency cycle detected in resource graph")
	}
	return sorted, nil
}

// Dependencies returns the list of dependencies for a given address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return append([]string(nil), node.edges...)
	}
	return nil
}

// TransitiveDeps returns every address addr depends on, directly or not.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.edges {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(addr)
	return out
}

// ResourceAddr returns the address of a resource (type.name).
func ResourceAddr(res *ir.Resource) string {
	return resourceAddr(res)
}

func resourceAddr(res *ir.Resource) string {
	return fmt.Sprintf("%s.%s", res.Type, res.Name)
}

func stateAddr(res *ir.ResourceState) string {
	return fmt.Sprintf("%s.%s", res.Type, res.Name)
}

// References returns every reference held in props, in a stable order.
func References(props map[string]any) []token.Ref {
	return extractPtrRefs(props)
}

// extractPtrRefs extracts all references held anywhere in a property value.
// Malformed references are skipped here and reported at apply time.
func extractPtrRefs(v any) []token.Ref {
	var refs []token.Ref
	switch val := v.(type) {
	case string:
		if !token.ContainsRef(val) {
			return nil
		}
		if parsed, err := token.Parse(val); err == nil {
			refs = append(refs, parsed.Refs()...)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, extractPtrRefs(val[k])...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	case []string:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	case map[string]string:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	}
	return refs
}
