package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveSnippet(t *testing.T, src, exprType, expr, class string, task taskKind) (Resolution, bool) {
	t.Helper()
	root, b := parseSource(t, src)
	node := findByContent(root, b, exprType, expr)
	require.NotNil(t, node, "expression %q not found", expr)
	r := NewResolver(testCatalog(), NewFileContext(root, b), class, task)
	return r.Resolve(ExtractChain(node, b))
}

func TestResolveDirectModel(t *testing.T) {
	res, ok := resolveSnippet(t, "Voucher.objects.get(code=c)\n",
		"attribute", "Voucher.objects.get", "", taskUnique)
	require.True(t, ok)
	assert.Equal(t, "Voucher", res.Model)
	assert.Equal(t, "voucher_voucher", res.Table)
	assert.Equal(t, ProvDirectModel, res.Provenance)
}

func TestResolveDefaultManager(t *testing.T) {
	res, ok := resolveSnippet(t, "Wishlist._default_manager.filter(name=n)\n",
		"attribute", "Wishlist._default_manager.filter", "", taskUnique)
	require.True(t, ok)
	assert.Equal(t, "Wishlist", res.Model)
	assert.Equal(t, ProvDirectModel, res.Provenance)
}

func TestResolveSelfOwnTable(t *testing.T) {
	res, ok := resolveSnippet(t, "self.message\n",
		"attribute", "self.message", "order.OrderDiscount", taskNotNull)
	require.True(t, ok)
	assert.Equal(t, "OrderDiscount", res.Model)
	assert.Equal(t, "order_orderdiscount", res.Table)
	assert.Equal(t, ProvSelfChain, res.Provenance)
}

func TestResolveSelfChainHopsRelations(t *testing.T) {
	res, ok := resolveSnippet(t, "self.voucher.code\n",
		"attribute", "self.voucher.code", "order.Order", taskNotNull)
	require.True(t, ok)
	assert.Equal(t, "Voucher", res.Model)
	assert.Equal(t, "voucher_voucher", res.Table)
	assert.Equal(t, ProvSelfChain, res.Provenance)
}

func TestResolveReverseRelationCollectsJoinColumn(t *testing.T) {
	// owner hops to auth_user, wishlists hops back across the reverse
	// relation and contributes the remote join column.
	res, ok := resolveSnippet(t, "self.owner.wishlists.name\n",
		"attribute", "self.owner.wishlists.name", "wishlists.Wishlist", taskUnique)
	require.True(t, ok)
	assert.Equal(t, "Wishlist", res.Model)
	assert.Equal(t, "wishlists_wishlist", res.Table)
	assert.Equal(t, []string{"owner_id"}, res.ExtraColumns)
}

func TestResolveDefUseHop(t *testing.T) {
	src := `def handler(request):
    voucher = Voucher.objects.create(code="x")
    return voucher.code
`
	res, ok := resolveSnippet(t, src, "attribute", "voucher.code", "", taskUnique)
	require.True(t, ok)
	assert.Equal(t, "Voucher", res.Model)
	assert.Equal(t, ProvDefUse, res.Provenance)
}

func TestResolveDefUseModuleScope(t *testing.T) {
	src := `default_voucher = Voucher.objects.create(code="x")

def describe():
    return default_voucher.code
`
	res, ok := resolveSnippet(t, src, "attribute", "default_voucher.code", "", taskUnique)
	require.True(t, ok)
	assert.Equal(t, "Voucher", res.Model)
	assert.Equal(t, ProvDefUse, res.Provenance)
}

func TestResolveDefUseCycleTerminates(t *testing.T) {
	src := `def grow(qs):
    qs = qs.filter(code="x")
    return qs.first()
`
	_, ok := resolveSnippet(t, src, "attribute", "qs.first", "", taskUnique)
	assert.False(t, ok)
}

func TestResolveFieldGuessUnambiguous(t *testing.T) {
	src := `def link(discount, voucher):
    discount.voucher_id = voucher.id
`
	// The adjacent component name narrows voucher_id onto OrderDiscount.
	res, ok := resolveSnippet(t, src, "attribute", "discount.voucher_id", "", taskForeignKey)
	require.True(t, ok)
	assert.Equal(t, "OrderDiscount", res.Model)
	assert.Equal(t, ProvFieldGuess, res.Provenance)
	assert.False(t, res.Ambiguous)
}

func TestResolveFieldGuessAmbiguity(t *testing.T) {
	// voucher_id exists on OrderDiscount and, with _id stripped, on Order;
	// the leading name gives no affinity so both survive as candidates.
	res, ok := resolveSnippet(t, "obj.voucher_id\n",
		"attribute", "obj.voucher_id", "", taskForeignKey)
	require.True(t, ok)
	assert.Equal(t, "Order", res.Model)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, []string{"Order", "OrderDiscount"}, res.Candidates)
}

func TestResolveFieldGuessPrefersClassApp(t *testing.T) {
	// Both Voucher.name and Wishlist.name exist; the class context's app
	// breaks the tie.
	res, ok := resolveSnippet(t, "obj.name\n",
		"attribute", "obj.name", "wishlists.Basket", taskNotNull)
	require.True(t, ok)
	assert.Equal(t, "Wishlist", res.Model)
}

func TestCheckPKInDetectModel(t *testing.T) {
	m, tb, matched := checkPKInDetectModel("Voucher", "voucher_voucher", nil, []string{"Order", "Voucher"})
	assert.Equal(t, "Voucher", m)
	assert.Equal(t, "voucher_voucher", tb)
	assert.Nil(t, matched)

	m, tb, matched = checkPKInDetectModel("Category", "catalogue_category",
		[]string{"Order", "Voucher"}, []string{"Voucher"})
	assert.Equal(t, "?", m)
	assert.Equal(t, "?", tb)
	assert.Equal(t, []string{"Voucher"}, matched)

	m, tb, _ = checkPKInDetectModel("Category", "catalogue_category", nil, []string{"Voucher"})
	assert.Empty(t, m)
	assert.Empty(t, tb)
}

func TestM2MChain(t *testing.T) {
	root, b := parseSource(t, "product.categories.add(category)\n")
	attr := findByContent(root, b, "attribute", "product.categories.add")
	require.NotNil(t, attr)
	r := NewResolver(testCatalog(), NewFileContext(root, b), "", taskUnique)

	model, related, table, skip := r.m2mChain(ExtractChain(attr, b))
	assert.False(t, skip)
	assert.Equal(t, "Product", model)
	assert.Equal(t, "Category", related)
	assert.Equal(t, "catalogue_product", table)
}

func TestM2MChainSkipsQuerysetReceivers(t *testing.T) {
	root, b := parseSource(t, "product.categories.all.delete(x)\n")
	attr := findByContent(root, b, "attribute", "product.categories.all.delete")
	require.NotNil(t, attr)
	r := NewResolver(testCatalog(), NewFileContext(root, b), "", taskUnique)

	_, _, _, skip := r.m2mChain(ExtractChain(attr, b))
	assert.True(t, skip)
}
