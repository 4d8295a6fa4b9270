package main

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Built-in callables whose arguments must be non-null to be meaningful:
// the interpreter's builtins namespace minus str and bool, which both
// accept None.
var pythonBuiltins = buildNameSet(
	"abs", "aiter", "all", "anext", "any", "ascii", "bin", "breakpoint",
	"bytearray", "bytes", "callable", "chr", "classmethod", "compile",
	"complex", "delattr", "dict", "dir", "divmod", "enumerate", "eval",
	"exec", "filter", "float", "format", "frozenset", "getattr", "globals",
	"hasattr", "hash", "help", "hex", "id", "input", "int", "isinstance",
	"issubclass", "iter", "len", "list", "locals", "map", "max",
	"memoryview", "min", "next", "object", "oct", "open", "ord", "pow",
	"print", "property", "range", "repr", "reversed", "round", "set",
	"setattr", "slice", "sorted", "staticmethod", "sum", "super", "tuple",
	"type", "vars", "zip", "__import__",

	"ArithmeticError", "AssertionError", "AttributeError", "BaseException",
	"BaseExceptionGroup", "BlockingIOError", "BrokenPipeError",
	"BufferError", "BytesWarning", "ChildProcessError",
	"ConnectionAbortedError", "ConnectionError", "ConnectionRefusedError",
	"ConnectionResetError", "DeprecationWarning", "EOFError",
	"EncodingWarning", "EnvironmentError", "Exception", "ExceptionGroup",
	"FileExistsError", "FileNotFoundError", "FloatingPointError",
	"FutureWarning", "GeneratorExit", "IOError", "ImportError",
	"ImportWarning", "IndentationError", "IndexError", "InterruptedError",
	"IsADirectoryError", "KeyError", "KeyboardInterrupt", "LookupError",
	"MemoryError", "ModuleNotFoundError", "NameError", "NotADirectoryError",
	"NotImplementedError", "OSError", "OverflowError",
	"PendingDeprecationWarning", "PermissionError", "ProcessLookupError",
	"RecursionError", "ReferenceError", "ResourceWarning", "RuntimeError",
	"RuntimeWarning", "StopAsyncIteration", "StopIteration", "SyntaxError",
	"SyntaxWarning", "SystemError", "SystemExit", "TabError",
	"TimeoutError", "TypeError", "UnboundLocalError", "UnicodeDecodeError",
	"UnicodeEncodeError", "UnicodeError", "UnicodeTranslateError",
	"UnicodeWarning", "UserWarning", "ValueError", "Warning",
	"ZeroDivisionError",
)

func buildNameSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Method names that filter querysets rather than dereference a value.
var filterMethodNames = map[string]bool{
	"exist": true, "add": true, "all": true, "using": true, "exclude": true,
}

// Call names that report an error without raising.
var errorCallNames = map[string]bool{
	"warn": true, "warning": true, "error": true, "exception": true, "critical": true,
}

// Comparison operators that imply the operand is non-null.
var nonNullCompareOps = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true,
}

// runNotNull executes the three not-null detectors over one class tree:
// usage patterns, guard idioms, and nullable filters.
func runNotNull(env *detectorEnv, root *sitter.Node) {
	env.findNotNullUsages(root)
	env.findNotNullGuards(root)
	env.findNullablePatterns(root)
}

// findNotNullUsages flags chains whose surrounding expression dereferences
// or arithmetically uses the value: operators, comparisons, augmented
// assignment, builtin calls, method calls and plain field access.
func (env *detectorEnv) findNotNullUsages(root *sitter.Node) {
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "attribute":
			env.safely(n, func() { env.notNullUsageAttr(n) })
		case "call":
			env.safely(n, func() { env.notNullFExpr(n) })
		}
		return true
	})
}

func (env *detectorEnv) notNullUsageAttr(n *sitter.Node) {
	chain := ExtractChain(n, env.src)
	track, source, extraNote := classifyNotNullUsage(n, chain, env.src)
	if len(track) < 2 {
		return
	}
	env.emitNotNullUsage(track, chain, n, source, extraNote)
}

// classifyNotNullUsage decides the pattern family from the parent node.
// Operand and builtin-argument patterns keep the whole chain; method and
// field access drop the final accessor, which is the column under test.
func classifyNotNullUsage(n *sitter.Node, chain Chain, src []byte) (Chain, string, string) {
	parent := n.Parent()
	if parent == nil {
		return nil, "", ""
	}
	switch parent.Type() {
	case "binary_operator":
		if operatorToken(parent) != "%" {
			return chain, "operator", ""
		}
	case "comparison_operator":
		ops := comparisonOperators(parent)
		if len(ops) > 0 && nonNullCompareOps[ops[0]] {
			if ops[0] == "==" {
				return chain, "eq", ""
			}
			return chain, "operator", ""
		}
	case "augmented_assignment":
		return chain, "operator", ""
	case "argument_list":
		call := parent.Parent()
		if call != nil && call.Type() == "call" {
			fn := call.ChildByFieldName("function")
			if fn != nil && fn.Type() == "identifier" && pythonBuiltins[fn.Content(src)] {
				return chain, "funcCall", ""
			}
			// Argument of a non-builtin call still counts as a method
			// style use of the receiver chain.
			return methodTrack(chain, call, src)
		}
	case "call":
		if fn := parent.ChildByFieldName("function"); fn != nil && keyOf(fn) == keyOf(n) {
			return methodTrack(chain, parent, src)
		}
	}
	if len(chain) < 1 {
		return nil, "", ""
	}
	return chain[:len(chain)-1], "field", ""
}

func methodTrack(chain Chain, call *sitter.Node, src []byte) (Chain, string, string) {
	if len(chain) < 1 {
		return nil, "", ""
	}
	track := chain[:len(chain)-1]
	extraNote := ""
	if name := callFunctionName(call, src); filterMethodNames[name] {
		extraNote = "filter"
	}
	return track, "method", extraNote
}

func (env *detectorEnv) emitNotNullUsage(track, full Chain, n *sitter.Node, source, extraNote string) {
	r := env.resolver(taskNotNull)
	res, ok := r.Resolve(track)
	usage := full.Display()
	if !ok {
		env.out.AddUnresolved(usage, env.file, lineOf(n))
		return
	}
	extra := res.ExtraLabel()
	if extraNote == "filter" {
		extra = "filter"
	}
	last := track.Last()
	col, found := env.cat.ConcreteColumn(last, res.Model, res.Table)
	if !found {
		// Reverse and m2m accessors map onto the remote join column.
		if m, t, c, okM2M := m2mRelatedColumn(env.cat, last, res.Model, res.Table); okM2M {
			env.out.AddNotNull(NotNullCandidate{
				Model: m, Table: t, Column: c,
				Usage: usage, Source: "fk", File: env.file, Line: lineOf(n),
				Extra: extra, HasCheck: "0",
			})
			return
		}
		env.out.AddUnresolved(usage, env.file, lineOf(n))
		return
	}
	env.out.AddNotNull(NotNullCandidate{
		Model: res.Model, Table: res.Table, Column: col,
		Usage: usage, Source: source, File: env.file, Line: lineOf(n),
		Extra: extra, HasCheck: env.guardLabel(track, n),
	})
}

// notNullFExpr handles F("col") expressions used inside arithmetic, e.g.
// update(total=F("total") + amount): the named column must be non-null.
func (env *detectorEnv) notNullFExpr(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || fn.Content(env.src) != "F" {
		return
	}
	parent := n.Parent()
	if parent == nil || parent.Type() != "binary_operator" || operatorToken(parent) == "%" {
		return
	}
	args := n.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return
	}
	arg0 := args.NamedChild(0)
	if arg0.Type() != "string" {
		return
	}
	colName := stringLiteral(arg0, env.src)
	if colName == "" {
		return
	}

	r := env.resolver(taskNotNull)
	var model, table string
	var extra string
	// First try the receiver of the enclosing update-style call.
	if recv := enclosingCallReceiver(n); recv != nil {
		chain := append(ExtractChain(recv, env.src), Component{Name: colName, Kind: KindAttribute, Node: arg0})
		if res, ok := r.Resolve(chain); ok {
			model, table, extra = res.Model, res.Table, res.ExtraLabel()
		}
	}
	if model == "" {
		r.candidates = nil
		model, table = r.tableFromField(colName, "")
		extra = string(ProvFieldGuess)
	}
	if model == "" || table == "" {
		return
	}
	env.out.AddNotNull(NotNullCandidate{
		Model: model, Table: table, Column: colName,
		Usage: "F(" + colName + ")", Source: "operator",
		File: env.file, Line: lineOf(n), Extra: extra, HasCheck: "0",
	})
}

// enclosingCallReceiver finds the receiver object of the nearest enclosing
// method call, e.g. the queryset in qs.update(total=F("total") + x).
func enclosingCallReceiver(n *sitter.Node) *sitter.Node {
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		if cur.Type() != "call" {
			continue
		}
		fn := cur.ChildByFieldName("function")
		if fn != nil && fn.Type() == "attribute" {
			return fn.ChildByFieldName("object")
		}
		return nil
	}
	return nil
}

// guardedAttr is one chain that appears in a null guard inside a function.
type guardedAttr struct {
	name string
	key  nodeKey
}

// guardLabel classifies whether the enclosing function already guards the
// chain against None: "-1" when the usage is itself the guard, the
// function's line when guarded elsewhere, "0" when unguarded.
func (env *detectorEnv) guardLabel(track Chain, n *sitter.Node) string {
	fn := enclosingFunction(n)
	if fn == nil {
		return "0"
	}
	guards := env.guardedChains(fn)
	attr := track.Display()
	self := keyOf(n)
	for _, g := range guards {
		if g.name == attr && g.key == self {
			return "-1"
		}
	}
	funcLine := strconv.Itoa(lineOf(fn))
	for _, g := range guards {
		if g.name == attr && g.key != self {
			return funcLine
		}
	}
	sub := strings.TrimSuffix(track.Last(), "_id")
	for _, g := range guards {
		if g.name == sub && g.key != self {
			return funcLine
		}
	}
	return "0"
}

// guardedChains collects, per function, the attribute chains checked
// against None or used as bare truthiness conditions. Cached per function.
func (env *detectorEnv) guardedChains(fn *sitter.Node) []guardedAttr {
	k := keyOf(fn)
	if cached, ok := env.guardCache[k]; ok {
		return cached
	}
	var out []guardedAttr
	add := func(varNode *sitter.Node) {
		if varNode == nil || varNode.Type() != "attribute" {
			return
		}
		chain := ExtractChain(varNode, env.src)
		out = append(out, guardedAttr{name: chain.Display(), key: keyOf(varNode)})
	}
	walkTree(fn, func(n *sitter.Node) bool {
		switch n.Type() {
		case "comparison_operator":
			if _, varNode, ok := compareWithNone(n, env.src); ok {
				add(varNode)
			}
		case "if_statement":
			cond := n.ChildByFieldName("condition")
			if cond != nil && cond.Type() != "comparison_operator" {
				walkTree(cond, func(a *sitter.Node) bool {
					if a.Type() == "attribute" && (a.Parent() == nil || a.Parent().Type() != "comparison_operator") {
						add(a)
					}
					return true
				})
			}
		case "conditional_expression":
			if cond := conditionalTest(n); cond != nil && cond.Type() != "comparison_operator" {
				walkTree(cond, func(a *sitter.Node) bool {
					if a.Type() == "attribute" {
						add(a)
					}
					return true
				})
			}
		}
		return true
	})
	env.guardCache[k] = out
	return out
}

// findNotNullGuards flags chains the code explicitly guards: raise/log on
// None, assign-on-None, and assert-not-None. A guard is a statement of
// intent that the column should never be null.
func (env *detectorEnv) findNotNullGuards(root *sitter.Node) {
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "if_statement", "conditional_expression":
			env.safely(n, func() { env.guardIdiom(n) })
		case "assert_statement":
			env.safely(n, func() { env.assertGuard(n) })
		}
		return true
	})
}

func (env *detectorEnv) guardIdiom(n *sitter.Node) {
	// Nested ifs belong to the outermost guard.
	if enclosingIf(n.Parent()) != nil {
		return
	}
	if insideCleanFunction(n, env.src) {
		return
	}
	if hasErrorPath(n, env.src) {
		checks, _ := collectNoneChecks(n, "if_raise", env.src)
		for _, varNode := range checks {
			env.emitGuard(varNode, n, "if_raise")
		}
		return
	}
	assigns := collectAttrAssigns(n)
	if len(assigns) == 0 {
		return
	}
	checks, _ := collectNoneChecks(n, "if_raise", env.src)
	assignName := ExtractChain(assigns[0], env.src).Display()
	for _, varNode := range checks {
		if ExtractChain(varNode, env.src).Display() == assignName {
			env.emitGuard(varNode, n, "if_assign")
		}
	}
}

func (env *detectorEnv) assertGuard(n *sitter.Node) {
	if enclosingIf(n) != nil {
		return
	}
	if insideCleanFunction(n, env.src) {
		return
	}
	checks, opType := collectNoneChecks(n, "if_raise", env.src)
	if opType != "isnot" && opType != "noteq" {
		return
	}
	for _, varNode := range checks {
		env.emitGuard(varNode, n, "assert")
	}
}

func (env *detectorEnv) emitGuard(varNode, stmt *sitter.Node, errType string) {
	track := ExtractChain(varNode, env.src)
	if len(track) == 0 {
		return
	}
	usage := track.Display()
	r := env.resolver(taskNotNull)
	res, ok := r.Resolve(track)
	if !ok {
		env.out.AddUnresolved(usage, env.file, lineOf(stmt))
		return
	}
	col, found := env.cat.ConcreteColumn(track.Last(), res.Model, res.Table)
	if !found {
		env.out.AddUnresolved(usage, env.file, lineOf(stmt))
		return
	}
	env.out.AddNotNull(NotNullCandidate{
		Model: res.Model, Table: res.Table, Column: col,
		Usage: usage, Source: errType, File: env.file, Line: lineOf(stmt),
		Extra: errType, HasCheck: "0",
	})
}

// hasErrorPath reports whether the subtree raises or logs an error.
func hasErrorPath(n *sitter.Node, src []byte) bool {
	found := false
	walkTree(n, func(c *sitter.Node) bool {
		if found {
			return false
		}
		switch c.Type() {
		case "raise_statement":
			found = true
		case "call":
			if errorCallNames[callFunctionName(c, src)] {
				found = true
			}
		}
		return true
	})
	return found
}

// collectAttrAssigns returns the attribute targets of assignments in the
// subtree, in source order.
func collectAttrAssigns(n *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	walkTree(n, func(c *sitter.Node) bool {
		if c.Type() != "assignment" {
			return true
		}
		if left := c.ChildByFieldName("left"); left != nil && left.Type() == "attribute" {
			out = append(out, left)
		}
		return true
	})
	return out
}

// collectNoneChecks gathers the variable nodes compared against None plus
// bare-truthiness attributes under not/or/if conditions. Inside guard
// labelling ("if_check") compare-with-None always counts; in the guard
// idiom ("if_raise") checks conjoined with "and" are skipped because the
// other conjunct may be the real condition.
func collectNoneChecks(root *sitter.Node, usedPlace string, src []byte) ([]*sitter.Node, string) {
	var nodes []*sitter.Node
	opType := ""
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "comparison_operator":
			op, varNode, ok := compareWithNone(n, src)
			if ok && (usedPlace == "if_check" || !underBoolAnd(n)) {
				opType = op
				nodes = append(nodes, varNode)
			}
		case "attribute", "identifier":
			parent := n.Parent()
			if parent == nil {
				return true
			}
			switch parent.Type() {
			case "not_operator":
				if underBoolAnd(parent) || (parent.Parent() != nil && underBoolAnd(parent.Parent())) {
					return true
				}
				nodes = append(nodes, n)
			case "if_statement":
				if cond := parent.ChildByFieldName("condition"); cond != nil && keyOf(cond) == keyOf(n) {
					if !firstConsequenceIsRaise(parent) {
						nodes = append(nodes, n)
					}
				}
			case "boolean_operator":
				if operatorToken(parent) == "or" {
					nodes = append(nodes, n)
				}
			}
		}
		return true
	})
	return nodes, opType
}

func underBoolAnd(n *sitter.Node) bool {
	p := n.Parent()
	return p != nil && p.Type() == "boolean_operator" && operatorToken(p) == "and"
}

func firstConsequenceIsRaise(ifStmt *sitter.Node) bool {
	body := ifStmt.ChildByFieldName("consequence")
	if body == nil || body.NamedChildCount() == 0 {
		return false
	}
	return body.NamedChild(0).Type() == "raise_statement"
}

// compareWithNone matches `x <op> None` and reports the variable side and
// a normalized operator label ("isnot", "eq", "noteq"; "" otherwise).
func compareWithNone(n *sitter.Node, src []byte) (string, *sitter.Node, bool) {
	if n.NamedChildCount() < 2 {
		return "", nil, false
	}
	left := n.NamedChild(0)
	right := n.NamedChild(1)
	if right.Type() != "none" {
		return "", nil, false
	}
	op := ""
	ops := comparisonOperators(n)
	if len(ops) > 0 {
		switch ops[0] {
		case "is not":
			op = "isnot"
		case "==":
			op = "eq"
		case "!=":
			op = "noteq"
		}
	}
	return op, left, true
}

// findNullablePatterns flags the opposite signal: code that explicitly
// stores None, which suppresses not-null candidates in the report.
func (env *detectorEnv) findNullablePatterns(root *sitter.Node) {
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "assignment":
			env.safely(n, func() { env.nullableAssign(n) })
		case "keyword_argument":
			env.safely(n, func() { env.nullableKeyword(n) })
		}
		return true
	})
}

func (env *detectorEnv) nullableAssign(n *sitter.Node) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "attribute" || right.Type() != "none" {
		return
	}
	track := ExtractChain(left, env.src)
	if len(track) < 2 {
		return
	}
	usage := track.Display()
	r := env.resolver(taskNotNull)
	res, ok := r.Resolve(track)
	if !ok {
		env.out.AddUnresolved(usage, env.file, lineOf(n))
		return
	}
	col, found := env.cat.ConcreteColumn(track.Last(), res.Model, res.Table)
	if !found {
		env.out.AddUnresolved(usage, env.file, lineOf(n))
		return
	}
	env.out.AddNotNull(NotNullCandidate{
		Model: res.Model, Table: res.Table, Column: col,
		Usage: usage, Source: "filter", File: env.file, Line: lineOf(n),
		Extra: res.ExtraLabel(), HasCheck: "0",
	})
}

func (env *detectorEnv) nullableKeyword(n *sitter.Node) {
	val := n.ChildByFieldName("value")
	name := n.ChildByFieldName("name")
	if val == nil || name == nil || val.Type() != "none" {
		return
	}
	field := name.Content(env.src)
	r := env.resolver(taskNotNull)
	r.candidates = nil
	r.cols = nil
	model, table := r.tableFromField(field, "")
	if model == "" || table == "" {
		return
	}
	col, found := env.cat.ConcreteColumn(field, model, table)
	if !found {
		return
	}
	env.out.AddNotNull(NotNullCandidate{
		Model: model, Table: table, Column: col,
		Usage: field, Source: "filter_default", File: env.file, Line: lineOf(n),
		Extra: string(ProvFieldGuess), HasCheck: "0",
	})
}

// m2mRelatedColumn maps a reverse or m2m accessor to the concrete join
// column on the remote side, following the relation kind on the row.
func m2mRelatedColumn(cat *Catalog, field, model, table string) (string, string, string, bool) {
	var sub []*CatalogRow
	for _, row := range cat.RowsByTable(table) {
		if row.Field == field && row.Model == model {
			sub = append(sub, row)
		}
	}
	for _, row := range sub {
		if row.FieldType != fieldTypeManyToOneRel {
			continue
		}
		for _, rr := range cat.RowsByTable(row.RelatedModel) {
			if rr.RelatedNames == field && rr.RelatedModel == row.Table {
				return rr.Model, rr.Table, rr.Field, true
			}
		}
	}
	for _, row := range sub {
		if row.FieldType != fieldTypeManyToManyRel {
			continue
		}
		for _, rr := range cat.RowsByModel(row.RelatedModel) {
			if rr.RelatedNames != field || rr.ThroughModel == "" {
				continue
			}
			for _, mr := range cat.RowsByModel(rr.ThroughModel) {
				if mr.IsM2MField {
					return mr.Model, mr.Table, mr.Field, true
				}
			}
		}
	}
	for _, row := range sub {
		if row.FieldType != fieldTypeManyToManyField || row.ThroughModel == "" {
			continue
		}
		for _, mr := range cat.RowsByModel(row.ThroughModel) {
			if mr.IsM2MField {
				return mr.Model, mr.Table, mr.Field, true
			}
		}
	}
	return "", "", "", false
}

// operatorToken returns the anonymous operator child of a binary or
// boolean operator node.
func operatorToken(n *sitter.Node) string {
	if op := n.ChildByFieldName("operator"); op != nil {
		return op.Type()
	}
	return ""
}

// comparisonOperators lists the operator tokens of a comparison, in order.
func comparisonOperators(n *sitter.Node) []string {
	var ops []string
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if !c.IsNamed() {
			ops = append(ops, c.Type())
		}
	}
	return ops
}

// callFunctionName returns the trailing name of a call's function, for
// both identifier and attribute callees.
func callFunctionName(call *sitter.Node, src []byte) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return fn.Content(src)
	case "attribute":
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(src)
		}
	}
	return ""
}

// stringLiteral strips the quoting from a string node.
func stringLiteral(n *sitter.Node, src []byte) string {
	return strings.Trim(n.Content(src), "\"'")
}

// conditionalTest returns the condition of `a if cond else b`.
func conditionalTest(n *sitter.Node) *sitter.Node {
	// Children are: body, "if", condition, "else", alternative.
	if n.NamedChildCount() >= 2 {
		return n.NamedChild(1)
	}
	return nil
}
