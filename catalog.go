package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Django field types the resolver cares about. Relation rows describe an
// edge to another table; concrete rows describe a real column.
const (
	fieldTypeForeignKey      = "ForeignKey"
	fieldTypeOneToOne        = "OneToOneField"
	fieldTypeManyToOneRel    = "ManyToOneRel"
	fieldTypeManyToManyRel   = "ManyToManyRel"
	fieldTypeManyToManyField = "ManyToManyField"
	fieldTypeOneToOneRel     = "OneToOneRel"
)

// CatalogRow is one schema-catalog record. RelatedModel holds the TABLE
// name of the related side, not a model name.
type CatalogRow struct {
	Model        string
	App          string
	Table        string
	Field        string
	FieldType    string
	RelatedModel string
	RelatedNames string
	ThroughModel string
	IsM2MField   bool
	PrimaryKey   bool
	ForeignType  string
}

func isRelationType(ft string) bool {
	switch ft {
	case fieldTypeManyToOneRel, fieldTypeManyToManyRel, fieldTypeManyToManyField, fieldTypeOneToOneRel:
		return true
	}
	return false
}

// Catalog is the immutable schema catalog with lookup indexes built once
// after load. Slices returned by lookups preserve file order.
type Catalog struct {
	rows []CatalogRow

	byTableField map[string][]*CatalogRow // key: table "\x00" field
	byModel      map[string][]*CatalogRow
	byField      map[string][]*CatalogRow
	byTable      map[string][]*CatalogRow
	pkFields     map[string]struct{}
}

// NewCatalog builds a catalog from rows already in memory.
func NewCatalog(rows []CatalogRow) *Catalog {
	c := &Catalog{rows: rows}
	c.buildIndexes()
	return c
}

// LoadCatalog reads the schema-catalog CSV. Header order is not assumed;
// model, table and field columns are required.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"model", "table", "field"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("catalog %s: missing column %q", path, required)
		}
	}
	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []CatalogRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read catalog row: %w", err)
		}
		rows = append(rows, CatalogRow{
			Model:        get(rec, "model"),
			App:          get(rec, "app"),
			Table:        get(rec, "table"),
			Field:        get(rec, "field"),
			FieldType:    get(rec, "field_type"),
			RelatedModel: get(rec, "related_model"),
			RelatedNames: get(rec, "related_names"),
			ThroughModel: get(rec, "through_model"),
			IsM2MField:   strings.EqualFold(get(rec, "is_m2m_field"), "yes"),
			PrimaryKey:   strings.EqualFold(get(rec, "primary_key"), "true"),
			ForeignType:  get(rec, "foreign_type"),
		})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("catalog %s: no rows", path)
	}
	return NewCatalog(rows), nil
}

func tableFieldKey(table, field string) string {
	return table + "\x00" + field
}

func (c *Catalog) buildIndexes() {
	c.byTableField = make(map[string][]*CatalogRow)
	c.byModel = make(map[string][]*CatalogRow)
	c.byField = make(map[string][]*CatalogRow)
	c.byTable = make(map[string][]*CatalogRow)
	c.pkFields = make(map[string]struct{})
	for i := range c.rows {
		row := &c.rows[i]
		k := tableFieldKey(row.Table, row.Field)
		c.byTableField[k] = append(c.byTableField[k], row)
		c.byModel[row.Model] = append(c.byModel[row.Model], row)
		c.byField[row.Field] = append(c.byField[row.Field], row)
		c.byTable[row.Table] = append(c.byTable[row.Table], row)
		if row.PrimaryKey {
			c.pkFields[row.Field] = struct{}{}
		}
	}
}

// Len reports the number of catalog rows.
func (c *Catalog) Len() int { return len(c.rows) }

// Row returns the first row for (table, field), or nil.
func (c *Catalog) Row(table, field string) *CatalogRow {
	rows := c.byTableField[tableFieldKey(table, field)]
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// RowsByModel returns all rows of a model, in file order.
func (c *Catalog) RowsByModel(model string) []*CatalogRow { return c.byModel[model] }

// RowsByField returns all rows carrying a field name, in file order.
func (c *Catalog) RowsByField(field string) []*CatalogRow { return c.byField[field] }

// RowsByTable returns all rows of a table, in file order.
func (c *Catalog) RowsByTable(table string) []*CatalogRow { return c.byTable[table] }

// HasModel reports whether any row belongs to the model.
func (c *Catalog) HasModel(model string) bool { return len(c.byModel[model]) > 0 }

// ModelRow picks the representative row for a model, preferring the given
// app when the model name is reused across apps.
func (c *Catalog) ModelRow(model, app string) (*CatalogRow, bool) {
	rows := c.byModel[model]
	if len(rows) == 0 {
		return nil, false
	}
	if app != "" {
		for _, r := range rows {
			if r.App == app {
				return r, true
			}
		}
	}
	return rows[0], true
}

// ModelOfTable returns the model name owning a table, or "".
func (c *Catalog) ModelOfTable(table string) string {
	rows := c.byTable[table]
	if len(rows) == 0 {
		return ""
	}
	return rows[0].Model
}

// PrimaryKeyField returns the primary-key field name of a table.
func (c *Catalog) PrimaryKeyField(table string) (string, bool) {
	for _, r := range c.byTable[table] {
		if r.PrimaryKey {
			return r.Field, true
		}
	}
	return "", false
}

// IsPKFieldName reports whether any model uses this field name as its
// primary key.
func (c *Catalog) IsPKFieldName(field string) bool {
	_, ok := c.pkFields[field]
	return ok
}

// ModelsWithPKField lists the models whose primary key is named field,
// sorted for deterministic output.
func (c *Catalog) ModelsWithPKField(field string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range c.byField[field] {
		if !r.PrimaryKey {
			continue
		}
		if _, dup := seen[r.Model]; dup {
			continue
		}
		seen[r.Model] = struct{}{}
		out = append(out, r.Model)
	}
	sort.Strings(out)
	return out
}

// ConcreteColumn maps a chain tail to a real column of (model, table):
// the name itself, or the name with a trailing "_id" stripped. Relation
// rows do not count.
func (c *Catalog) ConcreteColumn(name, model, table string) (string, bool) {
	try := func(field string) bool {
		for _, r := range c.byTableField[tableFieldKey(table, field)] {
			if r.Model == model && !isRelationType(r.FieldType) {
				return true
			}
		}
		return false
	}
	if try(name) {
		return name, true
	}
	if noid := strings.TrimSuffix(name, "_id"); noid != name && try(noid) {
		return noid, true
	}
	return "", false
}

// M2MRelatedField finds the m2m join field on table whose related side
// matches name, used when a chain tail names a reverse accessor.
func (c *Catalog) M2MRelatedField(name, table string) (string, bool) {
	for _, r := range c.byTable[table] {
		if !r.IsM2MField {
			continue
		}
		if r.Field == name || r.RelatedNames == name {
			return r.Field, true
		}
	}
	return "", false
}
