package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// TruthRow is one ground-truth constraint with its detection outcome.
type TruthRow struct {
	Table    string
	Columns  string // raw, comma separated
	Detected bool
	Sources  string // sources of the matching candidates
}

// FamilyReport is the ground-truth comparison for one constraint family.
type FamilyReport struct {
	Family    string
	Truth     []TruthRow
	Detected  int
	Recall    float64
	NewGroups int
	// Pattern buckets: which detector shapes contributed detections.
	Pattern1 int
	Pattern2 int
	Pattern3 int
}

// Report bundles the per-family comparisons.
type Report struct {
	Unique  *FamilyReport
	FK      *FamilyReport
	NotNull *FamilyReport
}

// normalizeColumns canonicalizes a comma-separated column set: strip "_id"
// suffix noise, cut lookup paths at "__", dedupe, sort, drop underscores.
// Two column sets describing the same constraint compare equal afterwards.
func normalizeColumns(s string) string {
	s = strings.ReplaceAll(s, "_id", "")
	s = strings.ReplaceAll(s, " ", "")
	seen := make(map[string]bool)
	var parts []string
	for _, item := range strings.Split(s, ",") {
		if i := strings.Index(item, "__"); i >= 0 {
			item = item[:i]
		}
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		parts = append(parts, item)
	}
	sort.Strings(parts)
	return strings.ReplaceAll(strings.Join(parts, ","), "_", "")
}

// aIncludesB reports whether every column of b appears in a, either as an
// element or as a substring of a's first element (composite names).
func aIncludesB(a, b string) bool {
	listA := strings.Split(a, ",")
	listB := strings.Split(b, ",")
	for _, i := range listB {
		found := false
		for _, j := range listA {
			if i == j {
				found = true
				break
			}
		}
		if !found && !strings.Contains(listA[0], i) {
			return false
		}
	}
	return true
}

func isAllTestFiles(files []string) bool {
	for _, f := range files {
		if !strings.Contains(f, "test") && !strings.Contains(f, "random_data") && !strings.Contains(f, "migrations") {
			return false
		}
	}
	return len(files) > 0
}

func hasIDPKColumn(cols string) bool {
	if cols == "" {
		return true
	}
	for _, item := range strings.Split(cols, ",") {
		if item == "id" || item == "pk" {
			return true
		}
	}
	return false
}

// candidateGroup is one (table, normalized columns) bucket of candidates.
type candidateGroup struct {
	table   string
	cols    string
	sources map[string]bool
	files   []string
}

func groupKey(table, cols string) string { return table + "\x00" + cols }

func addToGroup(groups map[string]*candidateGroup, table, cols, source, file string) {
	k := groupKey(table, cols)
	g := groups[k]
	if g == nil {
		g = &candidateGroup{table: table, cols: cols, sources: make(map[string]bool)}
		groups[k] = g
	}
	g.sources[source] = true
	g.files = append(g.files, file)
}

func (g *candidateGroup) sourceList() []string {
	out := make([]string, 0, len(g.sources))
	for s := range g.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LoadTruthCSV reads one ground-truth file: a header plus rows with table
// and column(s) in the first two columns. A missing file yields nil.
func LoadTruthCSV(path string) ([]TruthRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open truth: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read truth header: %w", err)
	}
	var rows []TruthRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read truth row: %w", err)
		}
		if len(rec) < 2 {
			continue
		}
		rows = append(rows, TruthRow{
			Table:   strings.TrimSpace(rec[0]),
			Columns: strings.TrimSpace(rec[1]),
		})
	}
	return rows, nil
}

// BuildReport compares the findings against the ground-truth CSVs under
// truthDir: <app>_unique.csv, <app>_fk.csv, <app>_null.csv. Families whose
// file is absent are skipped.
func BuildReport(f *Findings, truthDir, app string) (*Report, error) {
	rep := &Report{}

	uniqueTruth, err := LoadTruthCSV(filepath.Join(truthDir, app+"_unique.csv"))
	if err != nil {
		return nil, err
	}
	if uniqueTruth != nil {
		rep.Unique = reportUnique(f, uniqueTruth)
	}

	fkTruth, err := LoadTruthCSV(filepath.Join(truthDir, app+"_fk.csv"))
	if err != nil {
		return nil, err
	}
	if fkTruth != nil {
		rep.FK = reportFK(f, fkTruth)
	}

	nullTruth, err := LoadTruthCSV(filepath.Join(truthDir, app+"_null.csv"))
	if err != nil {
		return nil, err
	}
	if nullTruth != nil {
		rep.NotNull = reportNotNull(f, nullTruth)
	}

	return rep, nil
}

func reportUnique(f *Findings, truth []TruthRow) *FamilyReport {
	groups := make(map[string]*candidateGroup)
	for _, c := range f.Unique {
		if c.Filtered {
			continue
		}
		addToGroup(groups, c.Table, normalizeColumns(strings.Join(c.Columns, ",")), c.Source, c.File)
	}
	rep := &FamilyReport{Family: "unique", Truth: truth}
	matchedKeys := make(map[string]bool)
	for i := range rep.Truth {
		t := &rep.Truth[i]
		want := normalizeColumns(t.Columns)
		var sources []string
		for _, g := range groups {
			if g.table != t.Table {
				continue
			}
			if aIncludesB(g.cols, want) || aIncludesB(want, g.cols) {
				t.Detected = true
				matchedKeys[groupKey(g.table, g.cols)] = true
				sources = append(sources, g.sourceList()...)
			}
		}
		if t.Detected {
			rep.Detected++
			sort.Strings(sources)
			t.Sources = strings.Join(dedupe(sources), ",")
			b1, b2, _ := uniqueBuckets(sources)
			if b1 {
				rep.Pattern1++
			}
			if b2 {
				rep.Pattern2++
			}
		}
	}
	rep.NewGroups = countNewGroups(groups, matchedKeys)
	if len(rep.Truth) > 0 {
		rep.Recall = float64(rep.Detected) / float64(len(rep.Truth))
	}
	return rep
}

func uniqueBuckets(sources []string) (getOrM2M, checkThenAct, _ bool) {
	for _, s := range sources {
		switch {
		case s == "get_type" || s == "M2M":
			getOrM2M = true
		case strings.HasPrefix(s, "check"):
			checkThenAct = true
		}
	}
	return
}

func reportFK(f *Findings, truth []TruthRow) *FamilyReport {
	groups := make(map[string]*candidateGroup)
	for _, c := range f.ForeignKeys {
		if c.Filtered {
			continue
		}
		addToGroup(groups, c.Dependent.Table, normalizeColumns(c.Dependent.Column), c.Source, c.File)
	}
	rep := &FamilyReport{Family: "fk", Truth: truth}
	matchedKeys := make(map[string]bool)
	for i := range rep.Truth {
		t := &rep.Truth[i]
		want := normalizeColumns(t.Columns)
		var sources []string
		for _, g := range groups {
			if g.table != t.Table || g.cols != want {
				continue
			}
			t.Detected = true
			matchedKeys[groupKey(g.table, g.cols)] = true
			sources = append(sources, g.sourceList()...)
		}
		if t.Detected {
			rep.Detected++
			sort.Strings(sources)
			t.Sources = strings.Join(dedupe(sources), ",")
			for _, s := range sources {
				switch s {
				case "get_type":
					rep.Pattern1++
				case "AssignPK", "KeyValuePK":
					rep.Pattern2++
				}
			}
		}
	}
	rep.NewGroups = countNewGroups(groups, matchedKeys)
	if len(rep.Truth) > 0 {
		rep.Recall = float64(rep.Detected) / float64(len(rep.Truth))
	}
	return rep
}

func reportNotNull(f *Findings, truth []TruthRow) *FamilyReport {
	groups := make(map[string]*candidateGroup)
	for _, c := range f.NotNull {
		// filter/filter_default rows assert nullability; they never detect
		// a not-null truth row.
		if c.Source == "filter" || c.Source == "filter_default" {
			continue
		}
		addToGroup(groups, c.Table, normalizeColumns(c.Column), c.Source, c.File)
	}
	rep := &FamilyReport{Family: "null", Truth: truth}
	matchedKeys := make(map[string]bool)
	for i := range rep.Truth {
		t := &rep.Truth[i]
		want := normalizeColumns(t.Columns)
		var sources []string
		for _, g := range groups {
			if g.table != t.Table || g.cols != want {
				continue
			}
			t.Detected = true
			matchedKeys[groupKey(g.table, g.cols)] = true
			sources = append(sources, g.sourceList()...)
		}
		if t.Detected {
			rep.Detected++
			sort.Strings(sources)
			t.Sources = strings.Join(dedupe(sources), ",")
			usage, guard, rest := notNullBuckets(sources)
			if usage {
				rep.Pattern1++
			}
			if guard {
				rep.Pattern2++
			}
			if rest {
				rep.Pattern3++
			}
		}
	}
	rep.NewGroups = countNewGroups(groups, matchedKeys)
	if len(rep.Truth) > 0 {
		rep.Recall = float64(rep.Detected) / float64(len(rep.Truth))
	}
	return rep
}

func notNullBuckets(sources []string) (usage, guard, rest bool) {
	for _, s := range sources {
		switch s {
		case "operator", "eq", "funcCall", "method", "field", "fk":
			usage = true
		case "if_raise", "if_assign", "assert":
			guard = true
		default:
			rest = true
		}
	}
	return
}

// countNewGroups counts candidate groups that match no ground-truth row
// and are not explained away: all-test-file groups and id/pk-only column
// sets restate the schema rather than reveal a constraint.
func countNewGroups(groups map[string]*candidateGroup, matched map[string]bool) int {
	n := 0
	for k, g := range groups {
		if matched[k] {
			continue
		}
		if isAllTestFiles(g.files) {
			continue
		}
		if hasIDPKColumn(g.cols) {
			continue
		}
		n++
	}
	return n
}

func dedupe(sorted []string) []string {
	var out []string
	for _, s := range sorted {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// WriteReportTables persists the comparison into truth_* tables plus
// report_totals.
func WriteReportTables(conn *sqlite.Conn, rep *Report, prog *Progress) error {
	ddl := `
CREATE TABLE IF NOT EXISTS report_totals (
    family TEXT PRIMARY KEY,
    truth_total INTEGER NOT NULL,
    detected INTEGER NOT NULL,
    recall REAL NOT NULL,
    new_groups INTEGER NOT NULL,
    pattern1 INTEGER NOT NULL,
    pattern2 INTEGER NOT NULL,
    pattern3 INTEGER NOT NULL
);
`
	if err := sqlitex.ExecuteScript(conn, ddl, nil); err != nil {
		return err
	}

	for _, fam := range []*FamilyReport{rep.Unique, rep.FK, rep.NotNull} {
		if fam == nil {
			continue
		}
		if err := writeTruthTable(conn, fam); err != nil {
			return err
		}
		if err := sqlitex.ExecuteTransient(conn,
			`INSERT INTO report_totals (family, truth_total, detected, recall, new_groups, pattern1, pattern2, pattern3) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				fam.Family, len(fam.Truth), fam.Detected, fam.Recall,
				fam.NewGroups, fam.Pattern1, fam.Pattern2, fam.Pattern3,
			}}); err != nil {
			return fmt.Errorf("insert report totals %s: %w", fam.Family, err)
		}
		prog.Log("Report %s: %d/%d detected (recall %.2f), %d new groups",
			fam.Family, fam.Detected, len(fam.Truth), fam.Recall, fam.NewGroups)
	}
	return nil
}

func writeTruthTable(conn *sqlite.Conn, fam *FamilyReport) error {
	table := "truth_" + fam.Family
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    table_name TEXT NOT NULL,
    columns TEXT NOT NULL,
    detected INTEGER NOT NULL,
    sources TEXT
);
`, table)
	if err := sqlitex.ExecuteScript(conn, ddl, nil); err != nil {
		return err
	}
	stmt, err := conn.Prepare(fmt.Sprintf(`INSERT INTO %s (table_name, columns, detected, sources) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("prepare %s insert: %w", table, err)
	}
	defer func() { _ = stmt.Finalize() }()

	for _, t := range fam.Truth {
		stmt.BindText(1, t.Table)
		stmt.BindText(2, t.Columns)
		stmt.BindBool(3, t.Detected)
		bindTextOrNull(stmt, 4, t.Sources)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert %s row: %w", table, err)
		}
		_ = stmt.Reset()
	}
	return nil
}
