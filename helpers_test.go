package main

import (
	"context"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/stretchr/testify/require"
)

// parseSource parses an inline Python snippet and returns the module root.
func parseSource(t *testing.T, src string) (*sitter.Node, []byte) {
	t.Helper()
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, []byte(src))
	require.NoError(t, err)
	t.Cleanup(tree.Close)
	return tree.RootNode(), []byte(src)
}

// findFirst returns the first node of the given type in pre-order, which is
// the outermost one for nested expressions.
func findFirst(root *sitter.Node, nodeType string) *sitter.Node {
	var out *sitter.Node
	walkTree(root, func(n *sitter.Node) bool {
		if out != nil {
			return false
		}
		if n.Type() == nodeType {
			out = n
			return false
		}
		return true
	})
	return out
}

// findByContent returns the first node of the given type whose source text
// matches exactly.
func findByContent(root *sitter.Node, src []byte, nodeType, text string) *sitter.Node {
	var out *sitter.Node
	walkTree(root, func(n *sitter.Node) bool {
		if out != nil {
			return false
		}
		if n.Type() == nodeType && n.Content(src) == text {
			out = n
			return false
		}
		return true
	})
	return out
}

// testCatalog builds a small shop-like schema: vouchers, orders, discounts,
// offers, a product/category m2m pair and a user/wishlist reverse relation.
func testCatalog() *Catalog {
	return NewCatalog([]CatalogRow{
		{Model: "Voucher", App: "voucher", Table: "voucher_voucher", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Voucher", App: "voucher", Table: "voucher_voucher", Field: "code", FieldType: "CharField"},
		{Model: "Voucher", App: "voucher", Table: "voucher_voucher", Field: "name", FieldType: "CharField"},

		{Model: "Order", App: "order", Table: "order_order", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Order", App: "order", Table: "order_order", Field: "voucher", FieldType: "ForeignKey", RelatedModel: "voucher_voucher", RelatedNames: "orders", ForeignType: "ForeignKey"},
		{Model: "Order", App: "order", Table: "order_order", Field: "total", FieldType: "DecimalField"},

		{Model: "OrderDiscount", App: "order", Table: "order_orderdiscount", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "OrderDiscount", App: "order", Table: "order_orderdiscount", Field: "voucher_id", FieldType: "IntegerField"},
		{Model: "OrderDiscount", App: "order", Table: "order_orderdiscount", Field: "offer_id", FieldType: "IntegerField"},
		{Model: "OrderDiscount", App: "order", Table: "order_orderdiscount", Field: "message", FieldType: "CharField"},

		{Model: "ConditionalOffer", App: "offer", Table: "offer_conditionaloffer", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "ConditionalOffer", App: "offer", Table: "offer_conditionaloffer", Field: "name", FieldType: "CharField"},

		{Model: "Product", App: "catalogue", Table: "catalogue_product", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Product", App: "catalogue", Table: "catalogue_product", Field: "title", FieldType: "CharField"},
		{Model: "Product", App: "catalogue", Table: "catalogue_product", Field: "categories", FieldType: "ManyToManyField", RelatedModel: "catalogue_category", ForeignType: "ManyToManyField", ThroughModel: "ProductCategory"},

		{Model: "Category", App: "catalogue", Table: "catalogue_category", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Category", App: "catalogue", Table: "catalogue_category", Field: "name", FieldType: "CharField"},

		{Model: "ProductCategory", App: "catalogue", Table: "catalogue_product_categories", Field: "product", FieldType: "ForeignKey", RelatedModel: "catalogue_product", IsM2MField: true},
		{Model: "ProductCategory", App: "catalogue", Table: "catalogue_product_categories", Field: "category", FieldType: "ForeignKey", RelatedModel: "catalogue_category"},

		{Model: "User", App: "auth", Table: "auth_user", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "User", App: "auth", Table: "auth_user", Field: "email", FieldType: "CharField"},
		{Model: "User", App: "auth", Table: "auth_user", Field: "wishlists", FieldType: "ManyToOneRel", RelatedModel: "wishlists_wishlist"},

		{Model: "Wishlist", App: "wishlists", Table: "wishlists_wishlist", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Wishlist", App: "wishlists", Table: "wishlists_wishlist", Field: "owner", FieldType: "ForeignKey", RelatedModel: "auth_user", RelatedNames: "wishlists", ForeignType: "ForeignKey"},
		{Model: "Wishlist", App: "wishlists", Table: "wishlists_wishlist", Field: "owner_id", FieldType: "IntegerField"},
		{Model: "Wishlist", App: "wishlists", Table: "wishlists_wishlist", Field: "name", FieldType: "CharField"},

		{Model: "Line", App: "wishlists", Table: "wishlists_line", Field: "id", FieldType: "AutoField", PrimaryKey: true},
		{Model: "Line", App: "wishlists", Table: "wishlists_line", Field: "wishlist_id", FieldType: "IntegerField"},
	})
}

// detectOn parses a snippet and runs one detector family over the module
// under the given class context.
func detectOn(t *testing.T, src, class string, run func(*detectorEnv, *sitter.Node)) *Findings {
	t.Helper()
	root, b := parseSource(t, src)
	fctx := NewFileContext(root, b)
	out := NewFindings()
	env := newDetectorEnv(testCatalog(), fctx, out, "models.py", b, class)
	run(env, root)
	return out
}
