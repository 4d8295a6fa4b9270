package main

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Lookup methods that expect at most one row for the given keywords.
var uniqueGetKeywords = map[string]bool{
	"get": true, "get_or_create": true, "update_or_create": true,
}

// m2m mutators whose implicit through-table rows are pairwise unique.
var m2mKeywords = map[string]bool{
	"add": true, "delete": true,
}

// runUnique executes the three uniqueness detectors over one class tree:
// single-row lookups, m2m mutation, and check-then-act blocks.
func runUnique(env *detectorEnv, root *sitter.Node) {
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "call":
			env.safely(n, func() { env.uniqueGetCall(n) })
			env.safely(n, func() { env.uniqueM2MCall(n) })
		case "if_statement":
			env.safely(n, func() { env.uniqueCheckThenAct(n) })
		}
		return true
	})
}

// uniqueGetCall matches Model.objects.get(col=...) and friends: fetching a
// single row by a keyword set implies that set identifies the row.
func (env *detectorEnv) uniqueGetCall(n *sitter.Node) {
	kind := uniqueGetKind(n, env.src)
	if kind == "" {
		return
	}
	// Lookups by the primary key restate the schema, not a hidden rule.
	kws := directKeywords(n)
	if len(kws) > 0 {
		if name := kws[0].ChildByFieldName("name"); name != nil {
			first := name.Content(env.src)
			if first == "pk" || first == "id" {
				return
			}
		}
	}
	if firstPositionalIsSlash(n, env.src) {
		return
	}

	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	chain := ExtractChain(fn, env.src)
	usage := chain.Display()

	kwCols := keywordColumns(n, env.src)
	if len(kwCols) == 0 {
		return
	}

	r := env.resolver(taskUnique)
	var model, table, extra string
	var hopCols []string
	switch kind {
	case "get":
		res, ok := r.Resolve(chain)
		if !ok {
			env.out.AddUnresolved(usage+"."+strings.Join(kwCols, ","), env.file, lineOf(n))
			return
		}
		model, table, extra = res.Model, res.Table, res.ExtraLabel()
		hopCols = res.ExtraColumns
	case "get_obj":
		m, t, ok := r.getObjectOr404Model(n, env.src)
		if !ok {
			env.out.AddUnresolved(usage+"."+strings.Join(kwCols, ","), env.file, lineOf(n))
			return
		}
		model, table = m, t
	}

	env.out.AddUnique(UniqueCandidate{
		Model: model, Table: table,
		Columns: append(kwCols, hopCols...),
		Usage:   usage, Source: "get_type",
		File: env.file, Line: lineOf(n), Extra: extra,
	})
}

func uniqueGetKind(call *sitter.Node, src []byte) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "attribute":
		attr := fn.ChildByFieldName("attribute")
		if attr == nil {
			return ""
		}
		name := attr.Content(src)
		if uniqueGetKeywords[name] && len(directKeywords(call)) > 0 {
			return "get"
		}
		if fkGetObjKeywords[name] {
			return "get_obj"
		}
	case "identifier":
		if fkGetObjKeywords[fn.Content(src)] {
			return "get_obj"
		}
	}
	return ""
}

// uniqueM2MCall matches obj.m2m_field.add(other) / .delete(other): Django's
// implicit through table keeps one row per (obj, other) pair.
func (env *detectorEnv) uniqueM2MCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return
	}
	attr := fn.ChildByFieldName("attribute")
	if attr == nil || !m2mKeywords[attr.Content(env.src)] {
		return
	}
	// The receiver must itself be an attribute and the call must carry the
	// other side as an argument; bare delete() is row removal, not m2m.
	obj := fn.ChildByFieldName("object")
	if obj == nil || obj.Type() != "attribute" {
		return
	}
	args := n.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return
	}

	chain := ExtractChain(fn, env.src)
	usage := chain.Display()

	r := env.resolver(taskUnique)
	r.candidates = nil
	model, relatedModel, table, skip := r.m2mChain(chain)
	if skip || model == "" {
		return
	}
	cols := []string{strings.ToLower(model) + "_id"}
	if table == "" {
		env.out.AddUnresolved(usage+"."+strings.Join(cols, ","), env.file, lineOf(n))
		return
	}
	cols = append(cols, strings.ToLower(relatedModel)+"_id")
	extra := ""
	if len(r.candidates) > 1 {
		extra = string(ProvFieldGuess) + ": " + strings.Join(r.candidates, ", ")
	}
	env.out.AddUnique(UniqueCandidate{
		Model: model, Table: table, Columns: cols,
		Usage: usage, Source: "M2M",
		File: env.file, Line: lineOf(n), Extra: extra,
	})
}

// uniqueCheckThenAct matches the emptiness-check-then-create-or-raise
// shape, e.g.
//
//	wishlists = request.user.wishlists.all()[:1]
//	if not wishlists:
//	    return request.user.wishlists.create()
//
// The code enforces at most one row for the checked filter by hand.
func (env *detectorEnv) uniqueCheckThenAct(n *sitter.Node) {
	cond := n.ChildByFieldName("condition")
	if cond == nil {
		return
	}

	flag := ""
	var varNode *sitter.Node
	switch cond.Type() {
	case "comparison_operator":
		if v, ok := lengthCompareVar(cond, env.src); ok {
			flag, varNode = "check_length", v
		}
	case "call":
		if v, ok := existsReceiver(cond, env.src); ok {
			flag, varNode = "check_exists", v
		}
	case "not_operator":
		if v, ok := notOperandVar(cond, env.src); ok {
			flag, varNode = "check_not", v
		}
	}
	if flag == "" || varNode == nil {
		return
	}

	excWhere, excLine := excInBranches(n, env.src)
	createIn, createLine := createInSubtree(n, env.src)
	act := excWhere != "" || createIn
	// `if not x: create()` pairs the check with the create, not with a
	// raise inside the same body.
	if flag == "check_not" && excWhere == "body" {
		act = false
	}
	// `if qs.exists(): save()` overwrites rather than guards.
	if flag == "check_exists" && createIn {
		act = false
	}
	if !act {
		return
	}

	chain := ExtractChain(varNode, env.src)
	usage := chain.Display()
	r := env.resolver(taskUniqueComplex)

	var model, table, extra string
	var cols []string
	switch varNode.Type() {
	case "call":
		// Model.objects.filter(col=x).exists(): the filter keywords are
		// the candidate columns.
		res, ok := r.Resolve(chain)
		if !ok {
			env.out.AddUnresolved(usage, env.file, lineOf(n))
			return
		}
		model, table, extra = res.Model, res.Table, res.ExtraLabel()
		cols = append(append(cols, res.ExtraColumns...), keywordColumns(varNode, env.src)...)
		if len(cols) == 0 {
			env.out.AddUnresolved(usage, env.file, lineOf(n))
			return
		}
	case "identifier", "attribute":
		// qs came from an assignment; the def-use hop harvests the filter
		// keywords of the defining statement.
		res, ok := r.Resolve(chain)
		if !ok {
			env.out.AddUnresolved(usage, env.file, lineOf(n))
			return
		}
		model, table, extra = res.Model, res.Table, res.ExtraLabel()
		cols = res.ExtraColumns
	default:
		return
	}

	if extra != "" {
		extra += " "
	}
	extra += fmt.Sprintf("exc:%d creat:%d", excLine, createLine)
	env.out.AddUnique(UniqueCandidate{
		Model: model, Table: table, Columns: cols,
		Usage: usage, Source: flag,
		File: env.file, Line: lineOf(n), Extra: extra,
	})
}

// lengthCompareVar matches `len(qs) <op> 0|1` and `qs <op> 0|1` in either
// operand order, returning the queryset side.
func lengthCompareVar(cond *sitter.Node, src []byte) (*sitter.Node, bool) {
	if cond.NamedChildCount() < 2 {
		return nil, false
	}
	varNode := cond.NamedChild(0)
	numNode := cond.NamedChild(1)
	if constantZeroOne(numNode, src) == -1 {
		varNode, numNode = numNode, varNode
		if constantZeroOne(numNode, src) == -1 {
			return nil, false
		}
	}
	if varNode.Type() == "call" && callFunctionName(varNode, src) == "len" {
		args := varNode.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() == 0 {
			return nil, false
		}
		return args.NamedChild(0), true
	}
	return varNode, true
}

func constantZeroOne(n *sitter.Node, src []byte) int {
	if n.Type() != "integer" {
		return -1
	}
	switch n.Content(src) {
	case "0":
		return 0
	case "1":
		return 1
	}
	return -1
}

// existsReceiver matches qs.exists() and returns qs.
func existsReceiver(call *sitter.Node, src []byte) (*sitter.Node, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return nil, false
	}
	attr := fn.ChildByFieldName("attribute")
	if attr == nil || attr.Content(src) != "exists" {
		return nil, false
	}
	return fn.ChildByFieldName("object"), true
}

// notOperandVar matches `not qs`, `not qs.exists()` and `not qs.filter()`.
// Attribute and subscript operands read a value and say nothing about row
// counts.
func notOperandVar(cond *sitter.Node, src []byte) (*sitter.Node, bool) {
	operand := cond.ChildByFieldName("argument")
	if operand == nil {
		return nil, false
	}
	if operand.Type() == "call" {
		if v, ok := existsReceiver(operand, src); ok {
			return v, true
		}
		return operand, true
	}
	if operand.Type() == "identifier" {
		return operand, true
	}
	return nil, false
}

// excInBranches locates a raise or error call paired with the check: a
// direct raise in the body, the else clause, a sibling statement, or any
// error-logging call in the subtree. Returns where and the line.
func excInBranches(ifStmt *sitter.Node, src []byte) (string, int) {
	if body := ifStmt.ChildByFieldName("consequence"); body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			if c := body.NamedChild(i); c.Type() == "raise_statement" {
				return "body", lineOf(c)
			}
		}
	}
	for i := 0; i < int(ifStmt.NamedChildCount()); i++ {
		alt := ifStmt.NamedChild(i)
		if alt.Type() != "else_clause" && alt.Type() != "elif_clause" {
			continue
		}
		body := alt.ChildByFieldName("body")
		if body == nil {
			body = alt.ChildByFieldName("consequence")
		}
		if body == nil {
			continue
		}
		for j := 0; j < int(body.NamedChildCount()); j++ {
			if c := body.NamedChild(j); c.Type() == "raise_statement" {
				return "else", lineOf(c)
			}
		}
	}
	if parent := ifStmt.Parent(); parent != nil {
		for i := 0; i < int(parent.NamedChildCount()); i++ {
			if c := parent.NamedChild(i); c.Type() == "raise_statement" {
				return "sibling", lineOf(c)
			}
		}
	}
	line := -1
	walkTree(ifStmt, func(c *sitter.Node) bool {
		if line >= 0 {
			return false
		}
		if c.Type() == "call" && errorCallNames[callFunctionName(c, src)] {
			line = lineOf(c)
		}
		return true
	})
	if line >= 0 {
		return "call_error", line
	}
	return "", -1
}

// createInSubtree reports whether any call in the if subtree persists a
// row, and its line.
func createInSubtree(ifStmt *sitter.Node, src []byte) (bool, int) {
	found := false
	line := -1
	walkTree(ifStmt, func(c *sitter.Node) bool {
		if found {
			return false
		}
		if c.Type() != "call" {
			return true
		}
		fn := c.ChildByFieldName("function")
		if fn == nil || fn.Type() != "attribute" {
			return true
		}
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			name := attr.Content(src)
			if name == "create" || name == "save" {
				found = true
				line = lineOf(c)
			}
		}
		return true
	})
	return found, line
}
