package main

import (
	"fmt"
	"os"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const batchSize = 50000

// RunInfo is the metadata written to the run_info table.
type RunInfo struct {
	App         string
	SourceDir   string
	CatalogPath string
	Families    string
	CatalogRows int
	FilesParsed int
	FilesFailed int
	StartedAt   string
	Duration    string
}

// WriteDB writes the findings to a SQLite artifact file. rep may be nil
// when no ground truth was supplied.
func WriteDB(path string, f *Findings, info RunInfo, rep *Report, validate bool, prog *Progress) error {
	prog.Log("Writing SQLite to %s ...", path)

	_ = os.Remove(path) // ignore if doesn't exist

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Performance pragmas
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA synchronous = NORMAL", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA temp_store = MEMORY", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA cache_size = -64000", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = WAL", nil); err != nil {
		return err
	}

	// Create tables without indexes (deferred creation for speed)
	if err := createTables(conn); err != nil {
		return err
	}

	// Bulk insert in a transaction
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := insertUnique(conn, f.Unique, prog); err != nil {
		endFn(&err)
		return err
	}
	if err := insertForeignKeys(conn, f.ForeignKeys, prog); err != nil {
		endFn(&err)
		return err
	}
	if err := insertNotNull(conn, f.NotNull, prog); err != nil {
		endFn(&err)
		return err
	}
	if err := insertUnresolved(conn, f.Unresolved, prog); err != nil {
		endFn(&err)
		return err
	}
	if err := insertDiagnostics(conn, f.Diagnostics, prog); err != nil {
		endFn(&err)
		return err
	}
	if err := insertRunInfo(conn, info); err != nil {
		endFn(&err)
		return err
	}

	endFn(&err)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// Create indexes after all inserts
	prog.Log("Creating indexes...")
	if err := createIndexes(conn); err != nil {
		return err
	}

	// Pre-computed summary statistics
	prog.Log("Computing summary statistics...")
	if err := createSummaryStats(conn); err != nil {
		return err
	}

	if rep != nil {
		prog.Log("Writing ground-truth comparison...")
		if err := WriteReportTables(conn, rep, prog); err != nil {
			return err
		}
	}

	if validate {
		if err := runValidation(conn, prog); err != nil {
			return err
		}
	}

	// Report file size
	if st, _ := os.Stat(path); st != nil {
		prog.Log("Wrote %s (%d KB)", path, st.Size()/1024)
	}

	return nil
}

func createTables(conn *sqlite.Conn) error {
	ddl := `
CREATE TABLE unique_candidates (
    model TEXT NOT NULL,
    table_name TEXT NOT NULL,
    columns TEXT NOT NULL,
    usage TEXT,
    source TEXT NOT NULL,
    file TEXT,
    line INTEGER,
    extra TEXT,
    filtered INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE fk_candidates (
    referenced_model TEXT,
    referenced_table TEXT,
    referenced_col TEXT,
    referenced_usage TEXT,
    dependent_model TEXT,
    dependent_table TEXT,
    dependent_col TEXT,
    dependent_usage TEXT,
    source TEXT NOT NULL,
    file TEXT,
    line INTEGER,
    extra TEXT,
    filtered INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE notnull_candidates (
    model TEXT NOT NULL,
    table_name TEXT NOT NULL,
    column TEXT NOT NULL,
    usage TEXT,
    source TEXT NOT NULL,
    file TEXT,
    line INTEGER,
    extra TEXT,
    has_check TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE unresolved_usages (
    chain TEXT NOT NULL,
    file TEXT,
    line INTEGER
);

CREATE TABLE diagnostics (
    file TEXT,
    line INTEGER,
    message TEXT NOT NULL
);

CREATE TABLE run_info (
    key TEXT PRIMARY KEY,
    value TEXT
);
`
	return sqlitex.ExecuteScript(conn, ddl, nil)
}

func createIndexes(conn *sqlite.Conn) error {
	indexes := `
CREATE INDEX idx_unique_table ON unique_candidates(table_name);
CREATE INDEX idx_unique_source ON unique_candidates(source);
CREATE INDEX idx_fk_referenced ON fk_candidates(referenced_table);
CREATE INDEX idx_fk_dependent ON fk_candidates(dependent_table);
CREATE INDEX idx_fk_source ON fk_candidates(source);
CREATE INDEX idx_notnull_table ON notnull_candidates(table_name, column);
CREATE INDEX idx_notnull_source ON notnull_candidates(source);
`
	return sqlitex.ExecuteScript(conn, indexes, nil)
}

func insertUnique(conn *sqlite.Conn, rows []UniqueCandidate, prog *Progress) error {
	stmt, err := conn.Prepare(`INSERT INTO unique_candidates (model, table_name, columns, usage, source, file, line, extra, filtered) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare unique insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i, c := range rows {
		stmt.BindText(1, c.Model)
		stmt.BindText(2, c.Table)
		stmt.BindText(3, strings.Join(c.Columns, ","))
		bindTextOrNull(stmt, 4, c.Usage)
		stmt.BindText(5, c.Source)
		bindTextOrNull(stmt, 6, c.File)
		bindIntOrNull(stmt, 7, c.Line)
		bindTextOrNull(stmt, 8, c.Extra)
		stmt.BindBool(9, c.Filtered)

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert unique %s.%s: %w", c.Table, strings.Join(c.Columns, ","), err)
		}
		_ = stmt.Reset()

		if (i+1)%batchSize == 0 {
			prog.Verbose("  inserted %d/%d unique candidates", i+1, len(rows))
		}
	}

	prog.Log("Inserted %d unique candidates", len(rows))
	return nil
}

func insertForeignKeys(conn *sqlite.Conn, rows []ForeignKeyCandidate, prog *Progress) error {
	stmt, err := conn.Prepare(`INSERT INTO fk_candidates (referenced_model, referenced_table, referenced_col, referenced_usage, dependent_model, dependent_table, dependent_col, dependent_usage, source, file, line, extra, filtered) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fk insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i, c := range rows {
		bindTextOrNull(stmt, 1, c.Referenced.Model)
		bindTextOrNull(stmt, 2, c.Referenced.Table)
		bindTextOrNull(stmt, 3, c.Referenced.Column)
		bindTextOrNull(stmt, 4, c.Referenced.Usage)
		bindTextOrNull(stmt, 5, c.Dependent.Model)
		bindTextOrNull(stmt, 6, c.Dependent.Table)
		bindTextOrNull(stmt, 7, c.Dependent.Column)
		bindTextOrNull(stmt, 8, c.Dependent.Usage)
		stmt.BindText(9, c.Source)
		bindTextOrNull(stmt, 10, c.File)
		bindIntOrNull(stmt, 11, c.Line)
		bindTextOrNull(stmt, 12, c.Extra)
		stmt.BindBool(13, c.Filtered)

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert fk %s->%s: %w", c.Dependent.Table, c.Referenced.Table, err)
		}
		_ = stmt.Reset()

		if (i+1)%batchSize == 0 {
			prog.Verbose("  inserted %d/%d fk candidates", i+1, len(rows))
		}
	}

	prog.Log("Inserted %d fk candidates", len(rows))
	return nil
}

func insertNotNull(conn *sqlite.Conn, rows []NotNullCandidate, prog *Progress) error {
	stmt, err := conn.Prepare(`INSERT INTO notnull_candidates (model, table_name, column, usage, source, file, line, extra, has_check) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare notnull insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i, c := range rows {
		stmt.BindText(1, c.Model)
		stmt.BindText(2, c.Table)
		stmt.BindText(3, c.Column)
		bindTextOrNull(stmt, 4, c.Usage)
		stmt.BindText(5, c.Source)
		bindTextOrNull(stmt, 6, c.File)
		bindIntOrNull(stmt, 7, c.Line)
		bindTextOrNull(stmt, 8, c.Extra)
		stmt.BindText(9, c.HasCheck)

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert notnull %s.%s: %w", c.Table, c.Column, err)
		}
		_ = stmt.Reset()

		if (i+1)%batchSize == 0 {
			prog.Verbose("  inserted %d/%d notnull candidates", i+1, len(rows))
		}
	}

	prog.Log("Inserted %d notnull candidates", len(rows))
	return nil
}

func insertUnresolved(conn *sqlite.Conn, rows []UnresolvedUsage, prog *Progress) error {
	stmt, err := conn.Prepare(`INSERT INTO unresolved_usages (chain, file, line) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare unresolved insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for _, u := range rows {
		stmt.BindText(1, u.Chain)
		bindTextOrNull(stmt, 2, u.File)
		bindIntOrNull(stmt, 3, u.Line)

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert unresolved %s: %w", u.Chain, err)
		}
		_ = stmt.Reset()
	}

	prog.Log("Inserted %d unresolved usages", len(rows))
	return nil
}

func insertDiagnostics(conn *sqlite.Conn, rows []Diagnostic, prog *Progress) error {
	stmt, err := conn.Prepare(`INSERT INTO diagnostics (file, line, message) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare diagnostics insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for _, d := range rows {
		bindTextOrNull(stmt, 1, d.File)
		bindIntOrNull(stmt, 2, d.Line)
		stmt.BindText(3, d.Message)

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert diagnostic: %w", err)
		}
		_ = stmt.Reset()
	}

	prog.Log("Inserted %d diagnostics", len(rows))
	return nil
}

func insertRunInfo(conn *sqlite.Conn, info RunInfo) error {
	stmt, err := conn.Prepare(`INSERT INTO run_info (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare run_info insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	pairs := [][2]string{
		{"app", info.App},
		{"source_dir", info.SourceDir},
		{"catalog_path", info.CatalogPath},
		{"families", info.Families},
		{"catalog_rows", fmt.Sprintf("%d", info.CatalogRows)},
		{"files_parsed", fmt.Sprintf("%d", info.FilesParsed)},
		{"files_failed", fmt.Sprintf("%d", info.FilesFailed)},
		{"started_at", info.StartedAt},
		{"duration", info.Duration},
	}
	for _, p := range pairs {
		stmt.BindText(1, p[0])
		bindTextOrNull(stmt, 2, p[1])
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert run_info %s: %w", p[0], err)
		}
		_ = stmt.Reset()
	}
	return nil
}

// createSummaryStats builds pre-computed summary tables over the candidates.
func createSummaryStats(conn *sqlite.Conn) error {
	ddl := `
CREATE TABLE stats_unique_sources AS
  SELECT source, COUNT(*) as count FROM unique_candidates GROUP BY source ORDER BY count DESC;

CREATE TABLE stats_fk_sources AS
  SELECT source, COUNT(*) as count FROM fk_candidates GROUP BY source ORDER BY count DESC;

CREATE TABLE stats_notnull_sources AS
  SELECT source, COUNT(*) as count FROM notnull_candidates GROUP BY source ORDER BY count DESC;

CREATE TABLE stats_tables AS
  SELECT table_name,
         (SELECT COUNT(*) FROM unique_candidates u WHERE u.table_name = t.table_name) as unique_count,
         (SELECT COUNT(*) FROM notnull_candidates n WHERE n.table_name = t.table_name) as notnull_count,
         (SELECT COUNT(*) FROM fk_candidates f WHERE f.dependent_table = t.table_name) as fk_out_count,
         (SELECT COUNT(*) FROM fk_candidates f WHERE f.referenced_table = t.table_name) as fk_in_count
  FROM (
    SELECT table_name FROM unique_candidates
    UNION SELECT table_name FROM notnull_candidates
    UNION SELECT dependent_table FROM fk_candidates WHERE dependent_table IS NOT NULL
    UNION SELECT referenced_table FROM fk_candidates WHERE referenced_table IS NOT NULL
  ) t
  ORDER BY table_name;

CREATE TABLE stats_overview AS
  SELECT
    (SELECT COUNT(*) FROM unique_candidates) as total_unique,
    (SELECT COUNT(*) FROM fk_candidates) as total_fk,
    (SELECT COUNT(*) FROM fk_candidates WHERE filtered = 0) as total_fk_kept,
    (SELECT COUNT(*) FROM notnull_candidates) as total_notnull,
    (SELECT COUNT(*) FROM unresolved_usages) as total_unresolved,
    (SELECT COUNT(*) FROM diagnostics) as total_diagnostics,
    (SELECT COUNT(DISTINCT file) FROM unique_candidates) as files_with_unique,
    (SELECT COUNT(DISTINCT file) FROM notnull_candidates) as files_with_notnull;
`
	return sqlitex.ExecuteScript(conn, ddl, nil)
}

func runValidation(conn *sqlite.Conn, prog *Progress) error {
	prog.Log("Running validation queries...")

	// Candidates must name a table; fk rows may not, but only when filtered.
	var badFK int64
	if err := sqlitex.ExecuteTransient(conn,
		`SELECT COUNT(*) FROM fk_candidates WHERE filtered = 0 AND (referenced_table IS NULL OR referenced_table = '' OR dependent_table IS NULL OR dependent_table = '')`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				badFK = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
		return err
	}
	if badFK > 0 {
		prog.Log("  WARNING: %d unfiltered fk candidates missing a table", badFK)
	} else {
		prog.Log("  OK: all unfiltered fk candidates carry both tables")
	}

	var emptyCols int64
	if err := sqlitex.ExecuteTransient(conn,
		`SELECT COUNT(*) FROM unique_candidates WHERE columns = ''`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				emptyCols = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
		return err
	}
	if emptyCols > 0 {
		prog.Log("  WARNING: %d unique candidates with empty column set", emptyCols)
	} else {
		prog.Log("  OK: zero unique candidates with empty column set")
	}

	for _, table := range []string{"unique_candidates", "fk_candidates", "notnull_candidates"} {
		if err := sqlitex.ExecuteTransient(conn,
			fmt.Sprintf(`SELECT source, COUNT(*) FROM %s GROUP BY source ORDER BY COUNT(*) DESC`, table),
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					prog.Log("  %s: %s = %d", table, stmt.ColumnText(0), stmt.ColumnInt64(1))
					return nil
				},
			}); err != nil {
			return err
		}
	}

	return nil
}

// Helper functions for nullable bindings.

func bindTextOrNull(stmt *sqlite.Stmt, param int, val string) {
	if val == "" {
		stmt.BindNull(param)
	} else {
		stmt.BindText(param, val)
	}
}

func bindIntOrNull(stmt *sqlite.Stmt, param, val int) {
	if val == 0 {
		stmt.BindNull(param)
	} else {
		stmt.BindInt64(param, int64(val))
	}
}
