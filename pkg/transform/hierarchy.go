package transform

import (
	"fmt"
	"sort"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// Forest is the class hierarchy of one DApp: the parent/interface graph
// over the deployed classes, rooted at the shadow object class. Metering
// uses it to accumulate object sizes down the parent chain; validation
// uses it to reject broken inheritance.
type Forest struct {
	nodes map[string]*Node
	order []string
}

// Node is one class in the forest.
type Node struct {
	Name       string
	Super      string
	Interfaces []string
	Class      *classfile.Class
}

// BuildForest links the parsed classes into a forest. Every superclass
// must be another deployed class, a host or VM-owned type (shadow types
// and array wrappers included);
// inheritance cycles are rejected.
func BuildForest(classes map[string]*classfile.Class) (*Forest, error) {
	f := &Forest{nodes: make(map[string]*Node, len(classes))}
	for name, c := range classes {
		f.nodes[name] = &Node{Name: name, Super: c.Super, Interfaces: c.Interfaces, Class: c}
		f.order = append(f.order, name)
	}
	// Deterministic class order: this is the load order used for the
	// statics vector and size table iteration.
	sort.Strings(f.order)

	for _, name := range f.order {
		n := f.nodes[name]
		if n.Super == "" && name != avm.ShadowObjectClass {
			return nil, fmt.Errorf("class %s has no superclass", name)
		}
		if _, deployed := f.nodes[n.Super]; !deployed && n.Super != "" && !avm.IsReservedType(n.Super) && !avm.IsHostType(n.Super) {
			return nil, fmt.Errorf("class %s extends unknown class %s", name, n.Super)
		}
	}

	// Reject cycles by walking each parent chain with a visited set.
	for _, name := range f.order {
		seen := map[string]bool{}
		for cur := name; ; {
			if seen[cur] {
				return nil, fmt.Errorf("inheritance cycle through %s", cur)
			}
			seen[cur] = true
			n, ok := f.nodes[cur]
			if !ok {
				break // chain left the deployed set; terminates in the shadow root
			}
			cur = n.Super
		}
	}
	return f, nil
}

// Node returns the node for a deployed class, or nil.
func (f *Forest) Node(name string) *Node {
	return f.nodes[name]
}

// Order returns the deterministic class load order.
func (f *Forest) Order() []string {
	return f.order
}

// SuperChain returns the deployed ancestors of name from the class itself
// up to (excluding) the first non-deployed ancestor.
func (f *Forest) SuperChain(name string) []*Node {
	var chain []*Node
	for cur := name; ; {
		n, ok := f.nodes[cur]
		if !ok {
			break
		}
		chain = append(chain, n)
		cur = n.Super
	}
	return chain
}
