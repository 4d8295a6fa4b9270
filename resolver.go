package main

import (
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Provenance records which strategy produced a resolution.
type Provenance string

const (
	ProvDirectModel Provenance = "direct-model"
	ProvSelfChain   Provenance = "self-chain"
	ProvDefUse      Provenance = "def-use"
	ProvFieldGuess  Provenance = "field-guess"
)

// taskKind selects the per-family quirks of the resolver: not-null and
// foreign-key runs take the first field guess as final, the check-then-act
// unique run harvests filter keyword columns along the def-use hop.
type taskKind int

const (
	taskNotNull taskKind = iota
	taskForeignKey
	taskUnique
	taskUniqueComplex
)

// Resolution is the outcome of mapping an attribute chain to the schema.
type Resolution struct {
	Model        string
	Table        string
	ExtraColumns []string
	Provenance   Provenance
	Ambiguous    bool
	Candidates   []string
}

// ExtraLabel renders the provenance and any surviving ambiguity for the
// extra column of the artifact.
func (r Resolution) ExtraLabel() string {
	if len(r.Candidates) > 0 {
		return string(r.Provenance) + ": " + strings.Join(r.Candidates, ", ")
	}
	return string(r.Provenance)
}

// Resolver maps attribute chains to (model, table) using a fixed strategy
// cascade: direct model reference, self chain under the class context, a
// single def-use hop, then the field-name guess. One Resolver serves one
// class tree; per-chain state resets on every Resolve call.
type Resolver struct {
	cat   *Catalog
	fctx  *FileContext
	class string // "app.Model", or "" outside class bodies
	task  taskKind

	hops       int
	visited    map[nodeKey]bool
	cols       []string
	candidates []string
}

// NewResolver creates a resolver bound to a class context.
func NewResolver(cat *Catalog, fctx *FileContext, class string, task taskKind) *Resolver {
	return &Resolver{cat: cat, fctx: fctx, class: class, task: task}
}

// Resolve maps a chain to the schema. State from previous calls never
// leaks: the def-use hop budget and collected columns reset here.
func (r *Resolver) Resolve(chain Chain) (Resolution, bool) {
	r.hops = 0
	r.visited = make(map[nodeKey]bool)
	r.cols = nil
	r.candidates = nil
	res, ok := r.resolveChain(chain)
	if ok {
		res.ExtraColumns = append([]string(nil), r.cols...)
	}
	return res, ok
}

// Cols returns the join/filter columns collected during the last Resolve,
// available even when resolution failed.
func (r *Resolver) Cols() []string { return r.cols }

func (r *Resolver) resolveChain(chain Chain) (Resolution, bool) {
	if len(chain) == 0 {
		return Resolution{}, false
	}

	// Strategy 1: explicit model reference, e.g. Voucher.objects.get.
	if chain[0].Name != "self" {
		if model, table, ok := r.directModel(chain); ok {
			return Resolution{Model: model, Table: table, Provenance: ProvDirectModel}, true
		}
	}

	// Strategy 2: self chain under a known class context.
	if chain[0].Name == "self" && r.class != "" {
		if model, table, ok := r.selfChain(chain); ok {
			return Resolution{Model: model, Table: table, Provenance: ProvSelfChain}, true
		}
	}

	// Inside a def-use hop only the final field guess remains; a miss here
	// is a miss for the whole hop.
	if r.hops >= 1 {
		return r.fieldGuess(chain, true)
	}

	// Strategy 3: one def-use hop from the leading variable.
	if res, ok := r.defUse(chain); ok {
		return res, true
	}

	// Strategy 4: guess from field names, scanning the tail backwards.
	guess := chain
	if guess[0].Name == "self" && r.task == taskNotNull {
		guess = guess[1:]
	}
	if len(guess) > 0 && guess[len(guess)-1].Name == "get" {
		guess = guess[:len(guess)-1]
	}
	return r.fieldGuess(guess, false)
}

// directModel scans for Model.objects / Model._default_manager shapes and
// falls back to treating the leading component as a model name.
func (r *Resolver) directModel(chain Chain) (string, string, bool) {
	for idx, comp := range chain {
		model := ""
		if comp.Name == "self" && r.class != "" {
			_, model = splitClass(r.class)
		}
		if comp.Kind != KindIdentifier && (comp.Name == "objects" || comp.Name == "_default_manager") && idx > 0 {
			model = chain[idx-1].Name
		}
		if model != "" {
			if rows := r.cat.RowsByModel(model); len(rows) > 0 {
				return model, rows[0].Table, true
			}
		}
	}
	if rows := r.cat.RowsByModel(chain[0].Name); len(rows) > 0 {
		return chain[0].Name, rows[0].Table, true
	}
	return "", "", false
}

// selfChain starts at the enclosing class's own table and hops the interior
// components across catalog relations.
func (r *Resolver) selfChain(chain Chain) (string, string, bool) {
	app, model := splitClass(r.class)
	row, ok := r.cat.ModelRow(model, app)
	if !ok {
		return "", "", false
	}
	m, t := r.tableHop(row.Model, row.Table, chain.Interior())
	return m, t, m != "" && t != ""
}

// tableHop advances (model, table) across relation fields. Reverse and m2m
// relations contribute their remote join column to the collected columns.
// An absent field stops the hop at what resolved so far.
func (r *Resolver) tableHop(model, table string, comps Chain) (string, string) {
	for _, comp := range comps {
		row := r.cat.Row(table, comp.Name)
		if row == nil {
			break
		}
		if row.RelatedModel == "" {
			continue
		}
		nextTable := row.RelatedModel
		nextModel := r.cat.ModelOfTable(nextTable)
		if nextModel == "" {
			break
		}
		if row.FieldType == fieldTypeManyToOneRel || row.FieldType == fieldTypeManyToManyField {
			for _, rr := range r.cat.RowsByTable(nextTable) {
				if rr.RelatedNames == comp.Name {
					r.cols = append(r.cols, rr.Field+"_id")
					break
				}
			}
		}
		model, table = nextModel, nextTable
	}
	return model, table
}

// defUse hops once from the leading variable to its defining assignment and
// resolves the callee chain of the right-hand side. The hop counter and the
// visited set bound the recursion.
func (r *Resolver) defUse(chain Chain) (Resolution, bool) {
	if r.fctx == nil {
		return Resolution{}, false
	}
	lead := chain[0]
	if lead.Kind != KindIdentifier || lead.Node == nil {
		return Resolution{}, false
	}
	if r.hops >= 1 {
		return Resolution{}, false
	}
	r.hops++
	k := keyOf(lead.Node)
	if r.visited[k] {
		return Resolution{}, false
	}
	r.visited[k] = true

	for _, def := range r.fctx.DefsOf(lead.Name, lead.Node) {
		rhs := def.ChildByFieldName("right")
		if rhs == nil || rhs.Type() != "call" {
			continue
		}
		fn := rhs.ChildByFieldName("function")
		if fn == nil {
			continue
		}
		res, ok := r.resolveChain(ExtractChain(fn, r.fctx.src))
		// The defining statement's filter keywords become candidate
		// columns for the check-then-act pattern.
		if r.task == taskUniqueComplex {
			r.cols = append(r.cols, keywordColumns(rhs, r.fctx.src)...)
		}
		if !ok {
			continue
		}
		model, table := r.tableHop(res.Model, res.Table, chain.Interior())
		if model != "" && table != "" {
			return Resolution{Model: model, Table: table, Provenance: ProvDefUse}, true
		}
	}
	return Resolution{}, false
}

// fieldGuess scans the chain tail backwards for a field name unique enough
// to pin a table. For not-null and foreign-key runs the first guess is
// final unless we are already inside a def-use hop.
func (r *Resolver) fieldGuess(chain Chain, final bool) (Resolution, bool) {
	if len(chain) == 0 {
		return Resolution{}, false
	}
	starter := ""
	if len(chain) > 1 {
		starter = chain[len(chain)-2].Name
	}
	for idx := len(chain) - 1; idx >= 1; idx-- {
		name := chain[idx].Name
		if name == "lower" {
			continue
		}
		model, table := r.tableFromField(name, starter)
		starter = name

		if !final && (r.task == taskForeignKey || r.task == taskNotNull) {
			if model == "" || table == "" {
				return Resolution{}, false
			}
			return r.guessResult(model, table), true
		}
		if model != "" {
			m, t := r.tableHop(model, table, chain[idx:])
			if m != "" && t != "" {
				return r.guessResult(m, t), true
			}
		}
	}
	return Resolution{}, false
}

func (r *Resolver) guessResult(model, table string) Resolution {
	return Resolution{
		Model:      model,
		Table:      table,
		Provenance: ProvFieldGuess,
		Ambiguous:  len(r.candidates) > 1,
		Candidates: append([]string(nil), r.candidates...),
	}
}

// tableFromField finds the owning (model, table) of a field name, trying
// the name itself and the name with a trailing "_id" stripped. Ties break
// by normalized substring containment against the adjacent component, then
// by the class context's app; surviving ties are recorded as candidates.
func (r *Resolver) tableFromField(fieldName, starter string) (string, string) {
	rows := append([]*CatalogRow(nil), r.cat.RowsByField(fieldName)...)
	if noid := strings.TrimSuffix(fieldName, "_id"); noid != fieldName {
		rows = append(rows, r.cat.RowsByField(noid)...)
	}
	if len(rows) == 0 {
		return "", ""
	}
	if len(rows) > 1 {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Model != rows[j].Model {
				return rows[i].Model < rows[j].Model
			}
			return rows[i].Table < rows[j].Table
		})
		if starter != "" {
			if filtered := filterByNameAffinity(rows, starter); len(filtered) > 0 {
				rows = filtered
			}
		}
		if len(rows) > 1 {
			r.candidates = modelSet(rows)
		}
	}
	if r.class != "" {
		app, _ := splitClass(r.class)
		var sameApp []*CatalogRow
		for _, row := range rows {
			if row.App == app {
				sameApp = append(sameApp, row)
			}
		}
		if len(sameApp) > 0 {
			rows = sameApp
		}
	}

	first := rows[0]
	// An m2m/fk field contributes the remote join column.
	if first.ForeignType != "" {
		for _, rr := range r.cat.RowsByTable(first.RelatedModel) {
			if rr.RelatedModel == first.Table {
				r.cols = append(r.cols, rr.Field)
				break
			}
		}
	}
	// Prefer rows describing a concrete column over relation rows.
	for _, row := range rows {
		if !isRelationType(row.FieldType) {
			return row.Model, row.Table
		}
	}
	return first.Model, first.Table
}

// tableFromForeignField is the m2m variant of tableFromField: it only
// considers ManyToManyField rows and also reports the related side's model.
func (r *Resolver) tableFromForeignField(fieldName, starter string) (model, relatedModel, table string) {
	var rows []*CatalogRow
	for _, row := range r.cat.RowsByField(fieldName) {
		if row.ForeignType == fieldTypeManyToManyField {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return "", "", ""
	}
	if len(rows) > 1 {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Model != rows[j].Model {
				return rows[i].Model < rows[j].Model
			}
			return rows[i].Table < rows[j].Table
		})
		if starter != "" {
			if filtered := filterByNameAffinity(rows, starter); len(filtered) > 0 {
				rows = filtered
			}
		}
		if len(rows) > 1 {
			r.candidates = modelSet(rows)
		}
	}
	first := rows[0]
	relTable := first.RelatedModel
	relatedModel = r.cat.ModelOfTable(relTable)
	if relatedModel == "" {
		if parts := strings.SplitN(relTable, "_", 2); len(parts) == 2 {
			relatedModel = parts[1]
		} else {
			relatedModel = relTable
		}
	}
	return first.Model, relatedModel, first.Table
}

// m2mChain resolves the receiver of a .add/.delete call. The penultimate
// accessor must be an m2m field; all/filter receivers are query chains,
// not relations, and are skipped outright.
func (r *Resolver) m2mChain(chain Chain) (model, relatedModel, table string, skip bool) {
	if len(chain) < 3 {
		return "", "", "", false
	}
	name := chain[len(chain)-2].Name
	if name == "all" || name == "filter" {
		return "", "", "", true
	}
	starter := chain[len(chain)-3].Name
	model, relatedModel, table = r.tableFromForeignField(name, starter)
	return model, relatedModel, table, false
}

// getObjectOr404Model resolves the model argument of get_object_or_404
// style calls: a direct model name, or a variable traced over def-use.
func (r *Resolver) getObjectOr404Model(call *sitter.Node, src []byte) (string, string, bool) {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return "", "", false
	}
	var arg0 *sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		if c.Type() != "keyword_argument" {
			arg0 = c
			break
		}
	}
	if arg0 == nil || arg0.Type() != "identifier" {
		return "", "", false
	}
	name := arg0.Content(src)
	if rows := r.cat.RowsByModel(name); len(rows) > 0 {
		if len(rows) == 1 {
			return name, rows[0].Table, true
		}
		if r.class != "" {
			app, _ := splitClass(r.class)
			for _, row := range rows {
				if row.App == app {
					return name, row.Table, true
				}
			}
		}
		return name, rows[0].Table, true
	}
	res, ok := r.defUse(Chain{{Name: name, Kind: KindIdentifier, Node: arg0}})
	if !ok {
		return "", "", false
	}
	return res.Model, res.Table, true
}

// maxPlausibleParentModels caps how many models may plausibly own an id/pk
// value before the parent side is reported as undecidable.
const maxPlausibleParentModels = 7

// checkPKInDetectModel reconciles a resolved parent with the set of models
// whose primary key carries the referenced name. When the resolved model is
// not among them but ambiguity candidates are, the parent degrades to "?".
func checkPKInDetectModel(parentModel, parentTable string, candidates, modelsWithPK []string) (string, string, []string) {
	for _, m := range modelsWithPK {
		if m == parentModel {
			return parentModel, parentTable, nil
		}
	}
	var matched []string
	for _, m := range modelsWithPK {
		for _, c := range candidates {
			if m == c {
				matched = append(matched, m)
				break
			}
		}
	}
	if len(matched) > 0 {
		return "?", "?", matched
	}
	return "", "", nil
}

func splitClass(class string) (app, model string) {
	i := strings.Index(class, ".")
	if i < 0 {
		return "", class
	}
	return class[:i], class[i+1:]
}

func filterByNameAffinity(rows []*CatalogRow, starter string) []*CatalogRow {
	nameb := normalizeName(starter)
	if nameb == "" {
		return nil
	}
	var out []*CatalogRow
	for _, row := range rows {
		namea := normalizeName(row.Model)
		if namea == nameb || strings.Contains(namea, nameb) || strings.Contains(nameb, namea) {
			out = append(out, row)
		}
	}
	return out
}

func normalizeName(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.ToLower(s), "_", ""))
}

func modelSet(rows []*CatalogRow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		if seen[row.Model] {
			continue
		}
		seen[row.Model] = true
		out = append(out, row.Model)
	}
	sort.Strings(out)
	return out
}

// keywordColumns collects keyword-argument names in a call subtree, in
// source order, excluding the defaults bucket of get_or_create.
func keywordColumns(node *sitter.Node, src []byte) []string {
	var out []string
	walkTree(node, func(n *sitter.Node) bool {
		if n.Type() != "keyword_argument" {
			return true
		}
		name := n.ChildByFieldName("name")
		if name == nil {
			return true
		}
		arg := name.Content(src)
		if arg != "" && arg != "defaults" {
			out = append(out, arg)
		}
		return true
	})
	return out
}

// keywordValueFor returns the value node of the keyword argument named key
// in a call subtree, or nil.
func keywordValueFor(node *sitter.Node, src []byte, key string) *sitter.Node {
	var val *sitter.Node
	walkTree(node, func(n *sitter.Node) bool {
		if val != nil {
			return false
		}
		if n.Type() != "keyword_argument" {
			return true
		}
		name := n.ChildByFieldName("name")
		if name != nil && name.Content(src) == key && key != "defaults" {
			val = n.ChildByFieldName("value")
			return false
		}
		return true
	})
	return val
}
