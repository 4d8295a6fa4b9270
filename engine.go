package main

import (
	"context"
	"path/filepath"

	sitter "github.com/smacker/go-tree-sitter"
)

// detectorEnv is the per-class-tree state shared by all detectors: catalog,
// def-use index, output sink and the class context.
type detectorEnv struct {
	cat   *Catalog
	fctx  *FileContext
	out   *Findings
	file  string
	src   []byte
	class string

	guardCache map[nodeKey][]guardedAttr
}

func newDetectorEnv(cat *Catalog, fctx *FileContext, out *Findings, file string, src []byte, class string) *detectorEnv {
	return &detectorEnv{
		cat: cat, fctx: fctx, out: out, file: file, src: src, class: class,
		guardCache: make(map[nodeKey][]guardedAttr),
	}
}

// resolver creates a fresh resolver for one detector invocation.
func (env *detectorEnv) resolver(task taskKind) *Resolver {
	return NewResolver(env.cat, env.fctx, env.class, task)
}

// safely runs one detector on one node, converting a panic on malformed
// trees into a diagnostic instead of aborting the run.
func (env *detectorEnv) safely(n *sitter.Node, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			env.out.AddDiagnostic(env.file, lineOf(n), "detector failure on %s: %v", n.Type(), r)
		}
	}()
	fn()
}

// Engine drives the analysis: walk the source tree, parse each file, split
// it into class trees and run the enabled constraint families on each.
type Engine struct {
	cat  *Catalog
	cfg  *Config
	prog *Progress

	Findings    *Findings
	FilesParsed int
	FilesFailed int
}

// NewEngine creates an engine over a loaded catalog.
func NewEngine(cat *Catalog, cfg *Config, prog *Progress) *Engine {
	return &Engine{cat: cat, cfg: cfg, prog: prog, Findings: NewFindings()}
}

// Run analyzes every Python file under sourceDir. Per-file failures become
// diagnostics; the run only fails when the tree itself is unreadable.
func (e *Engine) Run(ctx context.Context, sourceDir string) error {
	paths, err := CollectSourceFiles(sourceDir)
	if err != nil {
		return err
	}
	e.prog.Log("analyzing %d files under %s", len(paths), sourceDir)

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			rel = path
		}
		e.analyzeFile(ctx, path, rel)
		if (i+1)%200 == 0 {
			e.prog.Verbose("  %d/%d files", i+1, len(paths))
		}
	}
	e.prog.Log("parsed %d files, %d failed", e.FilesParsed, e.FilesFailed)
	return nil
}

func (e *Engine) analyzeFile(ctx context.Context, absPath, relPath string) {
	f, err := ParsePythonFile(ctx, absPath, relPath)
	if err != nil {
		e.FilesFailed++
		e.prog.Warn("skipping %s: %v", relPath, err)
		e.Findings.AddDiagnostic(relPath, 0, "parse: %v", err)
		return
	}
	defer f.Close()
	e.FilesParsed++

	fctx := NewFileContext(f.Root, f.Source)
	dir := filepath.Base(filepath.Dir(absPath))
	testFile := isTestPath(relPath)

	for _, tree := range CollectClassTrees(f.Root, f.Source) {
		class := ""
		if tree.IsClass {
			class = GenClassName(tree.Name, dir)
		}
		env := newDetectorEnv(e.cat, fctx, e.Findings, relPath, f.Source, class)

		if e.cfg.Families.Unique {
			runUnique(env, tree.Node)
		}
		// Test code fabricates rows and guards freely; only the unique
		// family survives it.
		if testFile && e.cfg.SkipTests {
			continue
		}
		if e.cfg.Families.NotNull {
			runNotNull(env, tree.Node)
		}
		if e.cfg.Families.ForeignKey {
			runForeignKeys(env, tree.Node)
		}
	}
}
