package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeTempCSV(t, `model,app,table,field,field_type,related_model,related_names,through_model,is_m2m_field,primary_key,foreign_type
Voucher,voucher,voucher_voucher,id,AutoField,,,,no,True,
Voucher,voucher,voucher_voucher,code,CharField,,,,no,False,
Order,order,order_order,voucher,ForeignKey,voucher_voucher,orders,,no,False,ForeignKey
`)
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Len())

	row := cat.Row("voucher_voucher", "id")
	require.NotNil(t, row)
	assert.True(t, row.PrimaryKey)
	assert.Equal(t, "Voucher", row.Model)

	fk := cat.Row("order_order", "voucher")
	require.NotNil(t, fk)
	assert.Equal(t, "voucher_voucher", fk.RelatedModel)
	assert.Equal(t, "ForeignKey", fk.ForeignType)

	pk, ok := cat.PrimaryKeyField("voucher_voucher")
	require.True(t, ok)
	assert.Equal(t, "id", pk)
	assert.True(t, cat.IsPKFieldName("id"))
	assert.False(t, cat.IsPKFieldName("code"))
}

func TestLoadCatalogHeaderOrderIndependent(t *testing.T) {
	path := writeTempCSV(t, `field,table,model,primary_key
id,voucher_voucher,Voucher,True
`)
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Len())
	assert.True(t, cat.IsPKFieldName("id"))
}

func TestLoadCatalogMissingColumn(t *testing.T) {
	path := writeTempCSV(t, "model,app,field\nVoucher,voucher,id\n")
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "table"`)
}

func TestLoadCatalogEmpty(t *testing.T) {
	path := writeTempCSV(t, "model,table,field\n")
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rows")
}

func TestModelsWithPKField(t *testing.T) {
	cat := testCatalog()
	models := cat.ModelsWithPKField("id")
	assert.Contains(t, models, "Voucher")
	assert.Contains(t, models, "Order")
	assert.IsIncreasing(t, models)
	assert.Empty(t, cat.ModelsWithPKField("code"))
}

func TestModelRowPrefersApp(t *testing.T) {
	cat := NewCatalog([]CatalogRow{
		{Model: "Line", App: "basket", Table: "basket_line", Field: "id", PrimaryKey: true},
		{Model: "Line", App: "order", Table: "order_line", Field: "id", PrimaryKey: true},
	})
	row, ok := cat.ModelRow("Line", "order")
	require.True(t, ok)
	assert.Equal(t, "order_line", row.Table)

	// Unknown app falls back to file order.
	row, ok = cat.ModelRow("Line", "shipping")
	require.True(t, ok)
	assert.Equal(t, "basket_line", row.Table)
}

func TestConcreteColumn(t *testing.T) {
	cat := testCatalog()

	col, ok := cat.ConcreteColumn("code", "Voucher", "voucher_voucher")
	require.True(t, ok)
	assert.Equal(t, "code", col)

	// Trailing _id strips onto the declared field.
	col, ok = cat.ConcreteColumn("total_id", "Order", "order_order")
	require.True(t, ok)
	assert.Equal(t, "total", col)

	// Reverse relation rows are not concrete columns.
	_, ok = cat.ConcreteColumn("wishlists", "User", "auth_user")
	assert.False(t, ok)

	_, ok = cat.ConcreteColumn("nope", "Voucher", "voucher_voucher")
	assert.False(t, ok)
}

func TestM2MRelatedField(t *testing.T) {
	cat := testCatalog()
	field, ok := cat.M2MRelatedField("product", "catalogue_product_categories")
	require.True(t, ok)
	assert.Equal(t, "product", field)

	_, ok = cat.M2MRelatedField("category", "catalogue_product_categories")
	assert.False(t, ok)
}
