package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// maxSourceFileSize bounds what we hand to the parser; generated fixtures
// above this are skipped with a diagnostic.
const maxSourceFileSize = 10 * 1024 * 1024

// SourceFile is one parsed Python file.
type SourceFile struct {
	Path   string // path relative to the analysis root
	Source []byte
	Tree   *sitter.Tree
	Root   *sitter.Node
}

// Close releases the parse tree.
func (f *SourceFile) Close() {
	if f.Tree != nil {
		f.Tree.Close()
	}
}

// ParsePythonFile reads and parses one file. tree-sitter is error-tolerant:
// a tree with syntax errors is still returned and analyzed partially.
func ParsePythonFile(ctx context.Context, absPath, relPath string) (*SourceFile, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.Size() > maxSourceFileSize {
		return nil, fmt.Errorf("%s: file too large (%d bytes)", relPath, info.Size())
	}
	src, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%s: not valid UTF-8", relPath)
	}

	// A parser is cheap and not safe for concurrent reuse, so make one per
	// file.
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", relPath, err)
	}
	root := tree.RootNode()
	if root.HasError() {
		slog.Warn("syntax errors in file, analyzing partial tree", "file", relPath)
	}
	return &SourceFile{Path: relPath, Source: src, Tree: tree, Root: root}, nil
}

// CollectSourceFiles walks the source tree for .py files, sorted for
// deterministic output.
func CollectSourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipSourcePath(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".py") || skipSourcePath(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// skipSourcePath filters vendored and notebook noise.
func skipSourcePath(path string) bool {
	return strings.Contains(path, "node_modules") ||
		strings.Contains(path, "ipynb_checkpoints") ||
		strings.Contains(path, "lib/python")
}

// isTestPath reports whether a path belongs to test code. The not-null and
// foreign-key families skip these.
func isTestPath(path string) bool {
	return strings.Contains(path, "test")
}

// ClassTree is one top-level class or function subtree. Detectors run per
// class tree so the class context stays local.
type ClassTree struct {
	Node    *sitter.Node
	Name    string
	IsClass bool
	Line    int
}

// CollectClassTrees splits a module into its top-level class and function
// definitions, unwrapping decorators.
func CollectClassTrees(root *sitter.Node, src []byte) []ClassTree {
	var trees []ClassTree
	add := func(n *sitter.Node) {
		if n.Type() != "class_definition" && n.Type() != "function_definition" {
			return
		}
		trees = append(trees, ClassTree{
			Node:    n,
			Name:    functionName(n, src),
			IsClass: n.Type() == "class_definition",
			Line:    lineOf(n),
		})
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "decorated_definition" {
			if def := child.ChildByFieldName("definition"); def != nil {
				add(def)
			}
			continue
		}
		add(child)
	}
	return trees
}

// GenClassName builds the class context "dir.Name". Abstract base prefixes
// collapse onto the concrete model name.
func GenClassName(name, dir string) string {
	return dir + "." + strings.ReplaceAll(name, "Abstract", "")
}
