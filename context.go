package main

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// nodeKey identifies a syntax node by position and kind. Node pointers are
// not stable across cursor walks, byte ranges are.
type nodeKey struct {
	start, end uint32
	kind       string
}

func keyOf(n *sitter.Node) nodeKey {
	return nodeKey{start: n.StartByte(), end: n.EndByte(), kind: n.Type()}
}

// FileContext holds per-file lookup structures shared by all detectors:
// source bytes and a scope-based definition index for the single-hop
// def-use strategy. The tree itself supplies ancestors via Parent().
type FileContext struct {
	src []byte

	// defs maps scope node -> variable name -> assignment nodes, in
	// source order. Scopes are module, function and class bodies.
	defs map[nodeKey]map[string][]*sitter.Node
}

// NewFileContext builds the definition index for a parsed file. The index
// is best-effort: a file it cannot index simply yields no def-use hits.
func NewFileContext(root *sitter.Node, src []byte) *FileContext {
	fc := &FileContext{
		src:  src,
		defs: make(map[nodeKey]map[string][]*sitter.Node),
	}
	walkTree(root, func(n *sitter.Node) bool {
		if n.Type() != "assignment" {
			return true
		}
		left := n.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			return true
		}
		scope := enclosingScope(n)
		if scope == nil {
			return true
		}
		k := keyOf(scope)
		byName := fc.defs[k]
		if byName == nil {
			byName = make(map[string][]*sitter.Node)
			fc.defs[k] = byName
		}
		name := left.Content(src)
		byName[name] = append(byName[name], n)
		return true
	})
	return fc
}

// DefsOf returns the assignments that may define name at the use site,
// nearest scope first. Flow-insensitive.
func (fc *FileContext) DefsOf(name string, use *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for scope := enclosingScope(use); scope != nil; scope = enclosingScope(scope) {
		out = append(out, fc.defs[keyOf(scope)][name]...)
	}
	// Module scope has no enclosing scope above it; pick it up directly.
	if root := rootOf(use); root != nil {
		out = append(out, fc.defs[keyOf(root)][name]...)
	}
	return out
}

// walkTree visits named nodes in pre-order. The callback returns false to
// prune the subtree.
func walkTree(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walkTree(n.NamedChild(i), fn)
	}
}

func isScopeNode(n *sitter.Node) bool {
	switch n.Type() {
	case "function_definition", "class_definition":
		return true
	}
	return false
}

// enclosingScope returns the nearest function or class definition strictly
// above n, or nil when n sits at module level.
func enclosingScope(n *sitter.Node) *sitter.Node {
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		if isScopeNode(cur) {
			return cur
		}
	}
	return nil
}

func rootOf(n *sitter.Node) *sitter.Node {
	cur := n
	for cur.Parent() != nil {
		cur = cur.Parent()
	}
	return cur
}

// enclosingFunction returns the nearest function definition containing n.
func enclosingFunction(n *sitter.Node) *sitter.Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.Type() == "function_definition" {
			return cur
		}
	}
	return nil
}

// enclosingIf returns the nearest if statement containing n.
func enclosingIf(n *sitter.Node) *sitter.Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.Type() == "if_statement" {
			return cur
		}
	}
	return nil
}

// insideCleanFunction reports whether n sits in a Django clean_ validator,
// which detectors treat as framework noise.
func insideCleanFunction(n *sitter.Node, src []byte) bool {
	fn := enclosingFunction(n)
	if fn == nil {
		return false
	}
	name := fn.ChildByFieldName("name")
	return name != nil && strings.Contains(name.Content(src), "clean_")
}

// functionName returns the name of a function definition node.
func functionName(fn *sitter.Node, src []byte) string {
	if fn == nil {
		return ""
	}
	name := fn.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(src)
}

func lineOf(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}
