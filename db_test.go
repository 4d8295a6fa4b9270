package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func sampleFindings() *Findings {
	f := NewFindings()
	f.AddUnique(UniqueCandidate{
		Model: "Voucher", Table: "voucher_voucher", Columns: []string{"code"},
		Usage: "Voucher.objects.get", Source: "get_type",
		File: "voucher/models.py", Line: 12, Extra: "direct-model",
	})
	f.AddUnique(UniqueCandidate{
		Model: "Wishlist", Table: "wishlists_wishlist", Columns: []string{"owner_id", "name"},
		Usage: "qs", Source: "check_not",
		File: "wishlists/views.py", Line: 44, Extra: "def-use exc:-1 creat:46",
	})
	f.AddForeignKey(ForeignKeyCandidate{
		Referenced: EntityRef{Model: "Voucher", Table: "voucher_voucher", Column: "id", Usage: "voucher.id"},
		Dependent:  EntityRef{Model: "OrderDiscount", Table: "order_orderdiscount", Column: "voucher_id", Usage: "discount.voucher_id"},
		Source:     "AssignPK", File: "order/utils.py", Line: 30,
	})
	f.AddForeignKey(ForeignKeyCandidate{
		Referenced: EntityRef{Model: "Voucher", Table: "voucher_voucher", Column: "id", Usage: "get_object_or_404"},
		Dependent:  EntityRef{Model: "voucher_id", Column: "voucher_id", Usage: "voucher_id"},
		Source:     "get_type", File: "voucher/views.py", Line: 31, Filtered: true,
	})
	f.AddNotNull(NotNullCandidate{
		Model: "Order", Table: "order_order", Column: "total",
		Usage: "self.total", Source: "operator",
		File: "order/models.py", Line: 40, Extra: "self-chain", HasCheck: "38",
	})
	f.AddUnresolved("thing.widget", "order/views.py", 9)
	f.AddDiagnostic("broken.py", 0, "parse: %s", "unexpected token")
	return f
}

func openArtifact(t *testing.T, path string) *sqlite.Conn {
	t.Helper()
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int64 {
	t.Helper()
	var out int64
	require.NoError(t, sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = stmt.ColumnInt64(0)
			return nil
		},
	}))
	return out
}

func queryText(t *testing.T, conn *sqlite.Conn, query string) string {
	t.Helper()
	var out string
	require.NoError(t, sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = stmt.ColumnText(0)
			return nil
		},
	}))
	return out
}

func TestWriteDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.db")
	info := RunInfo{
		App: "shop", SourceDir: "/src/shop", CatalogPath: "catalog.csv",
		Families: "all", CatalogRows: 26, FilesParsed: 3, FilesFailed: 1,
		StartedAt: "2026-08-23T10:00:00Z", Duration: "125ms",
	}
	require.NoError(t, WriteDB(path, sampleFindings(), info, nil, true, NewProgress(false)))

	conn := openArtifact(t, path)

	assert.EqualValues(t, 2, queryInt(t, conn, "SELECT COUNT(*) FROM unique_candidates"))
	assert.EqualValues(t, 2, queryInt(t, conn, "SELECT COUNT(*) FROM fk_candidates"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT COUNT(*) FROM fk_candidates WHERE filtered = 1"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT COUNT(*) FROM notnull_candidates"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT COUNT(*) FROM unresolved_usages"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT COUNT(*) FROM diagnostics"))

	// Column sets serialize comma separated.
	cols := queryText(t, conn, "SELECT columns FROM unique_candidates WHERE source = 'check_not'")
	assert.Equal(t, "owner_id,name", cols)

	// The filtered fk row keeps its dependent column without a table.
	assert.EqualValues(t, 1, queryInt(t, conn,
		"SELECT COUNT(*) FROM fk_candidates WHERE filtered = 1 AND dependent_table IS NULL"))

	assert.Equal(t, "shop", queryText(t, conn, "SELECT value FROM run_info WHERE key = 'app'"))
	assert.Equal(t, "3", queryText(t, conn, "SELECT value FROM run_info WHERE key = 'files_parsed'"))

	// Summary stats are materialized at write time.
	assert.EqualValues(t, 2, queryInt(t, conn, "SELECT total_unique FROM stats_overview"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT total_fk_kept FROM stats_overview"))
	assert.EqualValues(t, 1, queryInt(t, conn,
		"SELECT count FROM stats_unique_sources WHERE source = 'get_type'"))
}

func TestWriteDBOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.db")
	require.NoError(t, WriteDB(path, sampleFindings(), RunInfo{App: "shop"}, nil, false, NewProgress(false)))
	// A second run replaces the artifact instead of appending.
	require.NoError(t, WriteDB(path, sampleFindings(), RunInfo{App: "shop"}, nil, false, NewProgress(false)))

	conn := openArtifact(t, path)
	assert.EqualValues(t, 2, queryInt(t, conn, "SELECT COUNT(*) FROM unique_candidates"))
}

func TestWriteDBWithReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.db")
	f := sampleFindings()
	rep, err := BuildReport(f, writeTruthDir(t), "shop")
	require.NoError(t, err)
	require.NoError(t, WriteDB(path, f, RunInfo{App: "shop"}, rep, false, NewProgress(false)))

	conn := openArtifact(t, path)
	assert.EqualValues(t, 3, queryInt(t, conn, "SELECT COUNT(*) FROM report_totals"))
	assert.EqualValues(t, 1, queryInt(t, conn,
		"SELECT detected FROM report_totals WHERE family = 'unique'"))
	assert.EqualValues(t, 2, queryInt(t, conn, "SELECT COUNT(*) FROM truth_unique"))
	assert.EqualValues(t, 1, queryInt(t, conn, "SELECT COUNT(*) FROM truth_fk WHERE detected = 1"))
}

func TestFindingsDeduplicate(t *testing.T) {
	f := NewFindings()
	c := UniqueCandidate{Model: "Voucher", Table: "voucher_voucher", Columns: []string{"code"},
		Source: "get_type", File: "a.py", Line: 3}
	f.AddUnique(c)
	f.AddUnique(c)
	assert.Len(t, f.Unique, 1)

	fk := ForeignKeyCandidate{
		Referenced: EntityRef{Table: "voucher_voucher", Column: "id"},
		Dependent:  EntityRef{Table: "order_orderdiscount", Column: "voucher_id"},
		Source:     "AssignPK", File: "a.py", Line: 4,
	}
	f.AddForeignKey(fk)
	f.AddForeignKey(fk)
	assert.Len(t, f.ForeignKeys, 1)

	nn := NotNullCandidate{Model: "Order", Table: "order_order", Column: "total",
		Source: "operator", File: "a.py", Line: 5, HasCheck: "0"}
	f.AddNotNull(nn)
	f.AddNotNull(nn)
	assert.Len(t, f.NotNull, 1)
}
