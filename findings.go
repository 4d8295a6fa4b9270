package main

import (
	"fmt"
	"strings"
)

// UniqueCandidate is an inferred uniqueness constraint over one or more
// columns of a table.
type UniqueCandidate struct {
	Model    string
	Table    string
	Columns  []string
	Usage    string
	Source   string
	File     string
	Line     int
	Extra    string
	Filtered bool
}

// EntityRef names one side of a foreign-key candidate.
type EntityRef struct {
	Model  string
	Table  string
	Column string
	Usage  string
}

// ForeignKeyCandidate is an inferred referential constraint: the dependent
// column stores values of the referenced column.
type ForeignKeyCandidate struct {
	Referenced EntityRef
	Dependent  EntityRef
	Source     string
	File       string
	Line       int
	Extra      string
	Filtered   bool
}

// NotNullCandidate is an inferred not-null constraint on a single column.
// HasCheck is "0" (no guard), "-1" (the usage is itself the guard), or the
// line of the guarding function.
type NotNullCandidate struct {
	Model    string
	Table    string
	Column   string
	Usage    string
	Source   string
	File     string
	Line     int
	Extra    string
	HasCheck string
}

// UnresolvedUsage records a chain the resolver could not map to the schema.
type UnresolvedUsage struct {
	Chain string
	File  string
	Line  int
}

// Diagnostic records a non-fatal per-file failure (parse error, skipped
// node) that should surface in the artifact.
type Diagnostic struct {
	File    string
	Line    int
	Message string
}

// Findings accumulates all detector output for a run. Append-only, with
// exact-duplicate suppression per kind.
type Findings struct {
	Unique      []UniqueCandidate
	ForeignKeys []ForeignKeyCandidate
	NotNull     []NotNullCandidate
	Unresolved  []UnresolvedUsage
	Diagnostics []Diagnostic

	uniqueSeen  map[string]bool
	fkSeen      map[string]bool
	notNullSeen map[string]bool
}

// NewFindings creates an empty accumulator.
func NewFindings() *Findings {
	return &Findings{
		uniqueSeen:  make(map[string]bool),
		fkSeen:      make(map[string]bool),
		notNullSeen: make(map[string]bool),
	}
}

// AddUnique appends a unique candidate unless an identical record exists.
func (f *Findings) AddUnique(c UniqueCandidate) {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%d", c.Model, c.Table, strings.Join(c.Columns, ","), c.Source, c.File, c.Line)
	if f.uniqueSeen[key] {
		return
	}
	f.uniqueSeen[key] = true
	f.Unique = append(f.Unique, c)
}

// AddForeignKey appends a foreign-key candidate unless an identical record
// exists.
func (f *Findings) AddForeignKey(c ForeignKeyCandidate) {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%d",
		c.Referenced.Table, c.Referenced.Column, c.Dependent.Table, c.Dependent.Column,
		c.Referenced.Model, c.Dependent.Model, c.Source, c.File, c.Line)
	if f.fkSeen[key] {
		return
	}
	f.fkSeen[key] = true
	f.ForeignKeys = append(f.ForeignKeys, c)
}

// AddNotNull appends a not-null candidate unless an identical record exists.
func (f *Findings) AddNotNull(c NotNullCandidate) {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", c.Model, c.Table, c.Column, c.Source, c.File, c.Line, c.HasCheck)
	if f.notNullSeen[key] {
		return
	}
	f.notNullSeen[key] = true
	f.NotNull = append(f.NotNull, c)
}

// AddUnresolved records a chain that did not map to any catalog entity.
func (f *Findings) AddUnresolved(chain, file string, line int) {
	f.Unresolved = append(f.Unresolved, UnresolvedUsage{Chain: chain, File: file, Line: line})
}

// AddDiagnostic records a non-fatal failure.
func (f *Findings) AddDiagnostic(file string, line int, format string, args ...any) {
	f.Diagnostics = append(f.Diagnostics, Diagnostic{File: file, Line: line, Message: fmt.Sprintf(format, args...)})
}
