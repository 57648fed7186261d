// Package fdt builds the Flattened Device Tree blob the boot orchestrator
// writes at FDT_OFFSET: a memory node and a chosen node conveying the
// kernel command line, app arguments and host environment to the guest.
package fdt

// Property holds exactly one of its typed fields; haveU64 reports which.
type Property struct {
	Strings []string
	U64Pair [2]uint64
	haveU64 bool
}

func StringProperty(v string) Property        { return Property{Strings: []string{v}} }
func StringListProperty(vs []string) Property { return Property{Strings: vs} }
func U64PairProperty(a, b uint64) Property     { return Property{U64Pair: [2]uint64{a, b}, haveU64: true} }

// Node is one device-tree node: a name, an ordered set of properties, and
// child nodes.
type Node struct {
	Name       string
	Properties []namedProperty
	Children   []Node
}

type namedProperty struct {
	Name  string
	Value Property
}

func (n *Node) AddProperty(name string, p Property) {
	n.Properties = append(n.Properties, namedProperty{Name: name, Value: p})
}

func (n *Node) AddChild(c Node) {
	n.Children = append(n.Children, c)
}
