package code

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSource = `// Package sample montre la structure analysée.
package sample

import (
	"fmt"
	"strings"
)

// Greeter assemble des salutations.
type Greeter struct {
	formatter *Formatter
	count     int
}

type Formatter struct{}

// Render applique le format.
func (f *Formatter) Render(s string) string {
	return strings.ToUpper(s)
}

// Greet salue par le formatter.
func (g *Greeter) Greet(name string) string {
	g.count++
	return g.formatter.Render(name)
}

// Hello est le point d'entrée.
func Hello(name string) string {
	fmt.Println(name)
	return localHelper(name)
}

func localHelper(s string) string { return s }
`

func writeSample(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestScanExtractsStructure(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "sample.go", sampleSource)

	arch := NewAnalyzer([]string{dir}).Scan()
	require.Len(t, arch, 1)

	var mod = arch[moduleName(filepath.Join(dir, "sample.go"))]
	require.NotNil(t, mod)
	assert.Contains(t, mod.Docstring, "structure analysée")
	assert.Contains(t, mod.Imports, "fmt")
	assert.Contains(t, mod.OutgoingEdges, "strings")

	require.Contains(t, mod.Classes, "Greeter")
	greeter := mod.Classes["Greeter"]
	assert.Equal(t, "*Formatter", greeter.Attributes["formatter"])
	require.Contains(t, greeter.Methods, "Greet")

	require.Contains(t, mod.Functions, "Hello")
	hello := mod.Functions["Hello"]
	assert.Equal(t, "func Hello(name string) string", hello.Signature)
	assert.Equal(t, "string", hello.ReturnType)
}

func TestCallResolution(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "sample.go", sampleSource)
	arch := NewAnalyzer([]string{dir}).Scan()
	mod := arch[moduleName(filepath.Join(dir, "sample.go"))]

	greet := mod.Classes["Greeter"].Methods["Greet"]
	var resolved bool
	for _, c := range greet.Calls {
		if c.Function == "Render" {
			resolved = true
			assert.Equal(t, "Formatter", c.Module)
			assert.Equal(t, "g.formatter", c.ResolvedFrom)
		}
	}
	assert.True(t, resolved, "receiver-field call should resolve to the field type")

	hello := mod.Functions["Hello"]
	var global, pkg bool
	for _, c := range hello.Calls {
		if c.Function == "localHelper" {
			global = true
			assert.Equal(t, "global", c.ResolvedFrom)
		}
		if c.Function == "Println" {
			pkg = true
			assert.Equal(t, "fmt", c.Module)
		}
	}
	assert.True(t, global)
	assert.True(t, pkg)
}

func TestReceiverFieldUsage(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "sample.go", sampleSource)
	arch := NewAnalyzer([]string{dir}).Scan()
	mod := arch[moduleName(filepath.Join(dir, "sample.go"))]

	greet := mod.Classes["Greeter"].Methods["Greet"]
	assert.Contains(t, greet.VariablesUsed, "count")
	assert.Contains(t, greet.VariablesUsed, "formatter")
}

func TestParseErrorEmitsStub(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "broken.go", "package broken\nfunc {")

	arch := NewAnalyzer([]string{dir}).Scan()
	require.Len(t, arch, 1)
	mod := arch[moduleName(filepath.Join(dir, "broken.go"))]
	assert.Contains(t, mod.Docstring, "PARSE ERROR")
	assert.Empty(t, mod.Functions)
}

func TestBlacklists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vendor"), 0o755))
	writeSample(t, dir, filepath.Join("vendor", "dep.go"), "package dep")
	writeSample(t, dir, "keep.go", "package keep")
	writeSample(t, dir, "keep.bak.go", "package keep")
	writeSample(t, dir, "keep_test.go", "package keep")

	arch := NewAnalyzer([]string{dir}).Scan()
	require.Len(t, arch, 1)
	assert.Contains(t, arch, moduleName(filepath.Join(dir, "keep.go")))
}

func TestIncomingEdgesDerived(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "util"), 0o755))
	writeSample(t, dir, filepath.Join("util", "util.go"), "package util\nfunc Do() {}\n")
	writeSample(t, dir, "main.go", "package main\nimport \"example.com/proj/util\"\nfunc main() { util.Do() }\n")

	arch := NewAnalyzer([]string{dir}).Scan()
	utilMod := arch[moduleName(filepath.Join(dir, "util", "util.go"))]
	require.NotNil(t, utilMod)
	assert.Contains(t, utilMod.IncomingEdges, moduleName(filepath.Join(dir, "main.go")))
}

func TestSkeleton(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "sample.go", sampleSource)
	arch := NewAnalyzer([]string{dir}).Scan()

	sk := Skeleton(arch)
	assert.Contains(t, sk, "type Greeter")
	assert.Contains(t, sk, "func Hello(name string) string")
	assert.Contains(t, sk, "# Greet salue par le formatter.")
}

func TestBuildChunks(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "sample.go", sampleSource)
	arch := NewAnalyzer([]string{dir}).Scan()

	chunks := BuildChunks(arch)
	byName := map[string]Chunk{}
	for _, c := range chunks {
		byName[c.Name] = c
	}

	require.Contains(t, byName, "Hello")
	assert.Equal(t, "function", byName["Hello"].Kind)
	assert.Contains(t, byName["Hello"].Summary, "Println")

	require.Contains(t, byName, "Greeter")
	assert.Equal(t, "class", byName["Greeter"].Kind)

	require.Contains(t, byName, "Greeter.Greet")
	assert.Equal(t, "method", byName["Greeter.Greet"].Kind)
	assert.NotEmpty(t, byName["Greeter.Greet"].EmbedText)
}
