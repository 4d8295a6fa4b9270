package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Using a separate function ensures all defers
// (including the SQLite connection close) execute even on error paths,
// unlike os.Exit which skips deferred calls.
func run() error {
	constraints := flag.String("constraints", "", "Comma-separated constraint families: unique,fk,null or all")
	app := flag.String("app", "", "Application name, used for ground-truth file names and app-scoped resolution")
	envFile := flag.String("env", "", "Env file to load (default: .env if present)")
	truthDir := flag.String("truth", "", "Directory with ground-truth CSVs (<app>_unique.csv, <app>_fk.csv, <app>_null.csv)")
	skipTests := flag.Bool("skip-tests", true, "Skip test paths for the not-null and foreign-key families")
	verbose := flag.Bool("verbose", false, "Print detailed progress")
	validate := flag.Bool("validate", false, "Run validation queries after write")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cfinder [flags] <source-dir> <catalog.csv> <output.db>\n\n")
		fmt.Fprintf(os.Stderr, "Infers implicit database constraints (unique, foreign-key, not-null)\n")
		fmt.Fprintf(os.Stderr, "from a Django-style ORM codebase into a SQLite database.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := &Config{
		App:         *app,
		Constraints: *constraints,
		SkipTests:   *skipTests,
		Verbose:     *verbose,
		Validate:    *validate,
		TruthDir:    *truthDir,
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		return err
	}
	families, err := ParseFamilies(cfg.Constraints)
	if err != nil {
		return err
	}
	cfg.Families = families

	var sourceDir, catalogPath, outputPath string
	switch flag.NArg() {
	case 3:
		sourceDir, catalogPath, outputPath = flag.Arg(0), flag.Arg(1), flag.Arg(2)
	case 2:
		// Source dir from <APP>_PROJECT_DIR when only catalog and output
		// are given.
		sourceDir = cfg.ProjectDirFromEnv()
		catalogPath, outputPath = flag.Arg(0), flag.Arg(1)
		if sourceDir == "" {
			flag.Usage()
			return fmt.Errorf("no source dir argument and no project dir in env")
		}
	default:
		flag.Usage()
		return fmt.Errorf("expected 3 arguments, got %d", flag.NArg())
	}
	sourceDir, err = filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("invalid source dir: %w", err)
	}

	prog := NewProgress(cfg.Verbose)
	started := time.Now()
	ctx := context.Background()

	// Phase 1: Load the schema catalog
	cat, err := LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	prog.Log("Loaded catalog: %d rows from %s", cat.Len(), catalogPath)

	// Phase 2: Parse and analyze the source tree
	eng := NewEngine(cat, cfg, prog)
	if err := eng.Run(ctx, sourceDir); err != nil {
		return err
	}
	if eng.FilesParsed == 0 {
		return fmt.Errorf("no parseable Python files under %s", sourceDir)
	}

	// Phase 3: Ground-truth comparison, when requested
	var rep *Report
	if cfg.TruthDir != "" {
		if cfg.App == "" {
			return fmt.Errorf("-truth requires -app (or APP in env)")
		}
		rep, err = BuildReport(eng.Findings, cfg.TruthDir, cfg.App)
		if err != nil {
			return err
		}
	}

	// Phase 4: Write SQLite
	info := RunInfo{
		App:         cfg.App,
		SourceDir:   sourceDir,
		CatalogPath: catalogPath,
		Families:    cfg.Constraints,
		CatalogRows: cat.Len(),
		FilesParsed: eng.FilesParsed,
		FilesFailed: eng.FilesFailed,
		StartedAt:   started.UTC().Format(time.RFC3339),
		Duration:    time.Since(started).Round(time.Millisecond).String(),
	}
	if err := WriteDB(outputPath, eng.Findings, info, rep, cfg.Validate, prog); err != nil {
		return err
	}

	f := eng.Findings
	prog.Log("Done. %d unique, %d fk, %d notnull candidates; %d unresolved.",
		len(f.Unique), len(f.ForeignKeys), len(f.NotNull), len(f.Unresolved))
	return nil
}
