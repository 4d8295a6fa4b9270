package main

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// ComponentKind tags how a chain component appeared in source.
type ComponentKind int

const (
	KindIdentifier ComponentKind = iota
	KindAttribute
	KindCall
	KindSubscript
)

// Component is one dotted step of an attribute chain.
type Component struct {
	Name string
	Kind ComponentKind
	Node *sitter.Node
}

// Chain is an attribute chain in leading-object-first order, e.g.
// self.order.voucher_id becomes [self, order, voucher_id].
type Chain []Component

// Accessors that never change which entity a chain refers to.
var skipAttrs = map[string]struct{}{
	"select_related":   {},
	"prefetch_related": {},
	"active":           {},
	"__class__":        {},
}

// Identifiers that mark a chain as module noise rather than data access.
var noiseIdentifiers = map[string]struct{}{
	"models": {},
	"os":     {},
}

// ExtractChain unwinds an attribute/call/subscript expression into a chain.
// The walk goes outermost to innermost and reverses once at the end.
func ExtractChain(node *sitter.Node, src []byte) Chain {
	var rev Chain
	kind := KindAttribute
	for node != nil {
		switch node.Type() {
		case "attribute":
			attr := node.ChildByFieldName("attribute")
			if attr != nil {
				name := attr.Content(src)
				if _, skip := skipAttrs[name]; !skip {
					rev = append(rev, Component{Name: name, Kind: kind, Node: node})
				}
			}
			kind = KindAttribute
			node = node.ChildByFieldName("object")
		case "identifier":
			name := node.Content(src)
			if _, noise := noiseIdentifiers[name]; noise {
				node = nil
				break
			}
			if kind == KindAttribute {
				kind = KindIdentifier
			}
			rev = append(rev, Component{Name: name, Kind: kind, Node: node})
			node = nil
		case "call":
			kind = KindCall
			node = node.ChildByFieldName("function")
		case "subscript":
			kind = KindSubscript
			node = node.ChildByFieldName("value")
		default:
			node = nil
		}
	}
	// Reverse into leading-object-first order.
	out := make(Chain, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}

// Names returns the component names in chain order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, comp := range c {
		names[i] = comp.Name
	}
	return names
}

// Display is the dotted rendering used in usage columns.
func (c Chain) Display() string {
	return strings.Join(c.Names(), ".")
}

// Last returns the final component name, or "".
func (c Chain) Last() string {
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1].Name
}

// Interior is the slice between the leading object and the final accessor,
// the part the table hop walks.
func (c Chain) Interior() Chain {
	if len(c) < 2 {
		return nil
	}
	return c[1 : len(c)-1]
}
