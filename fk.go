package main

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Lookup methods whose keyword arguments name columns of the receiver.
var fkGetKeywords = map[string]bool{
	"get": true, "get_or_create": true, "update_or_create": true, "filter": true,
}

// Shortcut helpers that take the model as their first positional argument.
var fkGetObjKeywords = map[string]bool{
	"get_object_or_404": true, "get_object_for_this_type": true,
}

// runForeignKeys executes the three foreign-key detectors over one class
// tree: get-by-pk calls, pk assignment, and pk keyword values.
func runForeignKeys(env *detectorEnv, root *sitter.Node) {
	walkTree(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "call":
			env.safely(n, func() { env.fkGetCall(n) })
			env.safely(n, func() { env.fkKeywordValuePK(n) })
		case "assignment":
			env.safely(n, func() { env.fkAssignPK(n) })
		}
		return true
	})
}

// fkGetCall matches Parent.objects.get(pk_col=child.col): looking a row up
// by its primary key with a value taken from another model implies the
// value column references that key.
func (env *detectorEnv) fkGetCall(n *sitter.Node) {
	kind := fkGetKind(n, env.src)
	if kind == "" {
		return
	}
	if len(directKeywords(n)) == 0 {
		return
	}
	// URL lookups like self.get("/...") are request plumbing, not data.
	if firstPositionalIsSlash(n, env.src) {
		return
	}

	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	chain := ExtractChain(fn, env.src)
	parentUsage := chain.Display()

	r := env.resolver(taskForeignKey)
	var parentModel, parentTable, parentExtra string
	switch kind {
	case "get":
		res, ok := r.Resolve(chain)
		if !ok {
			return
		}
		parentModel, parentTable, parentExtra = res.Model, res.Table, res.ExtraLabel()
	case "get_obj":
		m, t, ok := r.getObjectOr404Model(n, env.src)
		if !ok {
			return
		}
		parentModel, parentTable = m, t
	}

	pkName, ok := env.cat.PrimaryKeyField(parentTable)
	if !ok {
		return
	}
	valNode := keywordValueFor(n, env.src, pkName)
	if valNode == nil {
		return
	}

	childChain := ExtractChain(valNode, env.src)
	if len(childChain) == 0 {
		env.out.AddUnresolved(parentUsage+"."+pkName, env.file, lineOf(n))
		return
	}
	childCol := childChain.Last()
	childUsage := childChain.Display()

	childRes, childOK := env.resolver(taskForeignKey).Resolve(childChain)
	if !childOK {
		// The child side stays unplaced; record the edge but mark it so
		// the report can exclude it.
		env.out.AddForeignKey(ForeignKeyCandidate{
			Referenced: EntityRef{Model: parentModel, Table: parentTable, Column: pkName, Usage: parentUsage},
			Dependent:  EntityRef{Model: childUsage, Column: childCol, Usage: childUsage},
			Source:     "get_type", File: env.file, Line: lineOf(n),
			Extra: parentExtra, Filtered: true,
		})
		return
	}
	// The child column must exist on the child table and must not itself
	// be the primary key.
	row := childColumnRow(env.cat, childRes.Table, childCol)
	if row == nil || row.PrimaryKey {
		env.out.AddUnresolved(parentUsage+"."+pkName, env.file, lineOf(n))
		return
	}
	env.out.AddForeignKey(ForeignKeyCandidate{
		Referenced: EntityRef{Model: parentModel, Table: parentTable, Column: pkName, Usage: parentUsage},
		Dependent:  EntityRef{Model: childRes.Model, Table: childRes.Table, Column: childCol, Usage: childUsage},
		Source:     "get_type", File: env.file, Line: lineOf(n),
		Extra: parentExtra,
	})
}

// fkGetKind classifies the callee: a lookup method with keywords, or a
// get_object_or_404 style helper.
func fkGetKind(call *sitter.Node, src []byte) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	name := ""
	switch fn.Type() {
	case "attribute":
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			name = attr.Content(src)
		}
	case "identifier":
		name = fn.Content(src)
	}
	if fn.Type() == "attribute" && fkGetKeywords[name] {
		return "get"
	}
	if fkGetObjKeywords[name] {
		return "get_obj"
	}
	return ""
}

func firstPositionalIsSlash(call *sitter.Node, src []byte) bool {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		if c.Type() == "keyword_argument" {
			continue
		}
		return c.Type() == "string" && stringLiteral(c, src) == "/"
	}
	return false
}

// directKeywords returns the keyword arguments of the call itself, not of
// nested calls.
func directKeywords(call *sitter.Node) []*sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		if c := args.NamedChild(i); c.Type() == "keyword_argument" {
			out = append(out, c)
		}
	}
	return out
}

// childColumnRow finds the row describing col on table, accepting the name
// with a trailing "_id" stripped.
func childColumnRow(cat *Catalog, table, col string) *CatalogRow {
	if table == "" || col == "" {
		return nil
	}
	if row := cat.Row(table, col); row != nil {
		return row
	}
	if noid := strings.TrimSuffix(col, "_id"); noid != col {
		return cat.Row(table, noid)
	}
	return nil
}

// fkAssignPK matches child.col = parent.pk assignments, e.g.
// order_discount.voucher_id = voucher.id.
func (env *detectorEnv) fkAssignPK(n *sitter.Node) {
	left := n.ChildByFieldName("left")
	value := n.ChildByFieldName("right")
	if left == nil || value == nil {
		return
	}

	parentChain, parentPK, ok := env.assignPKSource(value)
	if !ok {
		return
	}
	parentUsage := parentChain.Display()

	r := env.resolver(taskForeignKey)
	parentRes, ok := r.Resolve(parentChain)
	if !ok {
		return
	}
	parentModel, parentTable := parentRes.Model, parentRes.Table
	extra := parentRes.ExtraLabel()
	if parentPK != "id" && parentPK != "pk" {
		modelsWithPK := env.cat.ModelsWithPKField(parentPK)
		var matched []string
		parentModel, parentTable, matched = checkPKInDetectModel(parentModel, parentTable, parentRes.Candidates, modelsWithPK)
		if parentModel == "" {
			return
		}
		if len(matched) > 0 {
			extra = strings.Join(matched, ", ")
		}
	}

	childChain := ExtractChain(left, env.src)
	if len(childChain) == 0 {
		return
	}
	childCol := childChain.Last()
	childUsage := childChain.Display()
	childRes, childOK := env.resolver(taskForeignKey).Resolve(childChain)
	if !childOK {
		env.out.AddUnresolved(childUsage, env.file, lineOf(n))
		return
	}
	if childCol == "id" || childCol == "pk" {
		return
	}
	env.out.AddForeignKey(ForeignKeyCandidate{
		Referenced: EntityRef{Model: parentModel, Table: parentTable, Column: parentPK, Usage: parentUsage},
		Dependent:  EntityRef{Model: childRes.Model, Table: childRes.Table, Column: childCol, Usage: childUsage},
		Source:     "AssignPK", File: env.file, Line: lineOf(n),
		Extra: extra,
	})
}

// assignPKSource decides whether the right-hand side reads a primary key:
// an attribute whose final name is some model's pk field, the self object,
// or a variable whose definition constructs or fetches a model.
func (env *detectorEnv) assignPKSource(value *sitter.Node) (Chain, string, bool) {
	switch value.Type() {
	case "attribute":
		attr := value.ChildByFieldName("attribute")
		if attr == nil {
			return nil, "", false
		}
		name := attr.Content(env.src)
		if !env.cat.IsPKFieldName(name) {
			return nil, "", false
		}
		return ExtractChain(value, env.src), name, true
	case "identifier":
		name := value.Content(env.src)
		single := Chain{{Name: name, Kind: KindIdentifier, Node: value}}
		if name == "self" {
			return single, "id", true
		}
		// A bare variable counts when its definition builds a model
		// instance, directly or via a create call.
		for _, def := range env.fctx.DefsOf(name, value) {
			rhs := def.ChildByFieldName("right")
			if rhs == nil || rhs.Type() != "call" {
				continue
			}
			fn := rhs.ChildByFieldName("function")
			if fn == nil || fn.Type() != "attribute" {
				continue
			}
			trailing := ""
			if attr := fn.ChildByFieldName("attribute"); attr != nil {
				trailing = attr.Content(env.src)
			}
			if trailing == "create" || env.cat.HasModel(trailing) {
				return single, "id", true
			}
		}
	}
	return nil, "", false
}

// fkKeywordValuePK matches constructor and filter keywords whose value is
// a primary key read, e.g. OrderDiscount(offer_id=offer.id).
func (env *detectorEnv) fkKeywordValuePK(n *sitter.Node) {
	childModel, childTable, childUsage := env.fkCalleeModel(n)

	for _, kw := range directKeywords(n) {
		nameNode := kw.ChildByFieldName("name")
		valNode := kw.ChildByFieldName("value")
		if nameNode == nil || valNode == nil {
			continue
		}
		childCol := strings.ReplaceAll(nameNode.Content(env.src), "__in", "")
		if !env.fkDependentColumnOK(childModel, childCol) {
			continue
		}
		if valNode.Type() != "attribute" && valNode.Type() != "identifier" {
			continue
		}
		lastNode := trailingName(valNode, env.src)
		modelsWithPK := env.cat.ModelsWithPKField(lastNode)
		if len(modelsWithPK) == 0 {
			continue
		}
		chain := ExtractChain(valNode, env.src)
		if len(chain) == 0 {
			continue
		}
		parentUsage := chain.Display()

		r := env.resolver(taskForeignKey)
		parentModel, parentTable, extra := "", "", ""
		var candidates []string
		if res, ok := r.Resolve(chain); ok {
			parentModel, parentTable, extra = res.Model, res.Table, res.ExtraLabel()
			candidates = res.Candidates
			if lastNode != "id" && lastNode != "pk" {
				var matched []string
				parentModel, parentTable, matched = checkPKInDetectModel(parentModel, parentTable, candidates, modelsWithPK)
				if len(matched) > 0 {
					extra = strings.Join(matched, ", ")
				}
			}
		}
		if (lastNode == "id" || lastNode == "pk") && len(candidates) > maxPlausibleParentModels {
			parentModel, parentTable = "?", "?"
			extra = "Too many"
		}

		env.out.AddForeignKey(ForeignKeyCandidate{
			Referenced: EntityRef{Model: parentModel, Table: parentTable, Column: lastNode, Usage: parentUsage},
			Dependent:  EntityRef{Model: childModel, Table: childTable, Column: childCol, Usage: childUsage},
			Source:     "KeyValuePK", File: env.file, Line: lineOf(n),
			Extra: extra, Filtered: parentModel == "",
		})
	}
}

// fkCalleeModel resolves the dependent side from the callee: a bare model
// constructor, or a manager chain.
func (env *detectorEnv) fkCalleeModel(call *sitter.Node) (string, string, string) {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return "", "", ""
	}
	switch fn.Type() {
	case "identifier":
		name := fn.Content(env.src)
		if rows := env.cat.RowsByModel(name); len(rows) > 0 {
			return name, rows[0].Table, name
		}
	case "attribute":
		chain := ExtractChain(fn, env.src)
		if len(chain) == 0 {
			return "", "", ""
		}
		if res, ok := env.resolver(taskForeignKey).Resolve(chain); ok {
			return res.Model, res.Table, chain.Display()
		}
		return "", "", chain.Display()
	}
	return "", "", ""
}

// fkDependentColumnOK rejects keywords that cannot name a plain dependent
// column: missing child model, pk columns, lookup paths, columns already
// declared as foreign keys, and names absent from the whole catalog.
func (env *detectorEnv) fkDependentColumnOK(childModel, childCol string) bool {
	if childCol == "" || childModel == "" {
		return false
	}
	if childCol == "id" || childCol == "pk" || strings.Contains(childCol, "__") {
		return false
	}
	for _, row := range env.cat.RowsByModel(childModel) {
		if row.Field == childCol && row.FieldType == fieldTypeForeignKey {
			return false
		}
	}
	return len(env.cat.RowsByField(childCol)) > 0
}

// trailingName returns the final name of an attribute or identifier node.
func trailingName(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "attribute":
		if attr := n.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(src)
		}
	case "identifier":
		return n.Content(src)
	}
	return ""
}
