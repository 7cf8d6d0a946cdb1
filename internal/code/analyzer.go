// Package code builds and serves the static view of a Go project: a module
// graph extracted from the AST, a chunk index for semantic code retrieval and
// a compact skeleton for LLM context. A file watcher keeps everything warm.
package code

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Walk exclusions. Exact directory names are skipped wholesale; fragment and
// suffix matches skip individual paths.
var (
	dirBlacklist = map[string]struct{}{
		"backups": {}, "logs": {}, "__pycache__": {}, "venv": {},
		"node_modules": {}, "dist": {}, "build": {}, ".git": {},
		"vendor": {}, "testdata": {},
	}
	fragmentBlacklist = []string{"backup", "archive"}
	suffixBlacklist   = []string{".bak", ".tmp", ".old", "copy"}
)

// Analyzer turns source trees into a ProjectArchitecture.
type Analyzer struct {
	roots []string
}

// NewAnalyzer analyses the given include roots.
func NewAnalyzer(roots []string) *Analyzer {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	return &Analyzer{roots: roots}
}

// Scan walks the roots and parses every Go file. Files that fail to parse
// contribute a stub entry carrying the error so the architecture stays
// complete.
func (a *Analyzer) Scan() types.ProjectArchitecture {
	log := logging.Get(logging.CategoryCode)
	arch := types.ProjectArchitecture{}

	for _, root := range a.roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if _, skip := dirBlacklist[d.Name()]; skip {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			if blacklistedPath(path) {
				return nil
			}

			mod, err := a.parseFile(path)
			if err != nil {
				log.Warnw("parse failed, stub emitted", "path", path, "err", err)
				mod = &types.ModuleInfo{
					Path:      path,
					Docstring: fmt.Sprintf("PARSE ERROR: %v", err),
					Classes:   map[string]types.ClassInfo{},
					Functions: map[string]types.FunctionInfo{},
				}
			}
			arch[moduleName(path)] = mod
			return nil
		})
	}

	deriveIncomingEdges(arch)
	return arch
}

func blacklistedPath(path string) bool {
	low := strings.ToLower(path)
	for _, frag := range fragmentBlacklist {
		if strings.Contains(low, frag) {
			return true
		}
	}
	base := strings.TrimSuffix(filepath.Base(low), ".go")
	for _, suf := range suffixBlacklist {
		if strings.HasSuffix(base, suf) {
			return true
		}
	}
	return false
}

// moduleName keys the architecture by the file path minus extension.
func moduleName(path string) string {
	return strings.TrimSuffix(filepath.ToSlash(path), ".go")
}

// parseFile extracts structs, functions, methods, the call graph and imports
// from one file.
func (a *Analyzer) parseFile(path string) (*types.ModuleInfo, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	mod := &types.ModuleInfo{
		Path:      path,
		Classes:   map[string]types.ClassInfo{},
		Functions: map[string]types.FunctionInfo{},
	}
	if file.Doc != nil {
		mod.Docstring = strings.TrimSpace(file.Doc.Text())
	}

	// Imports and outgoing edges (first dotted segment of the import path).
	outgoing := map[string]struct{}{}
	for _, imp := range file.Imports {
		p := strings.Trim(imp.Path.Value, `"`)
		mod.Imports = append(mod.Imports, p)
		if seg := lastSegment(p); seg != "" {
			outgoing[seg] = struct{}{}
		}
	}

	// First pass: struct declarations with their field types. Field types are
	// the receiver-attribute map used to resolve method calls.
	structFields := map[string]map[string]string{}
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			st, ok := ts.Type.(*ast.StructType)
			if !ok {
				continue
			}
			fields := map[string]string{}
			var bases []string
			for _, f := range st.Fields.List {
				typeName := exprString(f.Type)
				if len(f.Names) == 0 {
					// Embedded type acts as a base.
					bases = append(bases, typeName)
					continue
				}
				for _, n := range f.Names {
					fields[n.Name] = typeName
				}
			}
			structFields[ts.Name.Name] = fields

			doc := ""
			if gd.Doc != nil {
				doc = strings.TrimSpace(gd.Doc.Text())
			}
			mod.Classes[ts.Name.Name] = types.ClassInfo{
				Bases:      bases,
				Methods:    map[string]types.FunctionInfo{},
				Attributes: fields,
				Doc:        doc,
			}
		}
	}

	// Second pass: functions and methods with call graphs.
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		recvType, recvName := receiverOf(fd)
		var attrTypes map[string]string
		if recvType != "" {
			attrTypes = structFields[recvType]
		}
		info := a.functionInfo(fset, fd, recvName, attrTypes)

		if recvType != "" {
			cls, ok := mod.Classes[recvType]
			if !ok {
				cls = types.ClassInfo{
					Methods:    map[string]types.FunctionInfo{},
					Attributes: map[string]string{},
				}
			}
			cls.Methods[fd.Name.Name] = info
			mod.Classes[recvType] = cls
		} else {
			mod.Functions[fd.Name.Name] = info
		}
	}

	for seg := range outgoing {
		mod.OutgoingEdges = append(mod.OutgoingEdges, seg)
	}
	sort.Strings(mod.OutgoingEdges)
	return mod, nil
}

func receiverOf(fd *ast.FuncDecl) (typeName, varName string) {
	if fd.Recv == nil || len(fd.Recv.List) == 0 {
		return "", ""
	}
	r := fd.Recv.List[0]
	t := r.Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	if id, ok := t.(*ast.Ident); ok {
		typeName = id.Name
	}
	if len(r.Names) > 0 {
		varName = r.Names[0].Name
	}
	return typeName, varName
}

// functionInfo extracts signature, doc, args, calls and receiver-field usage.
func (a *Analyzer) functionInfo(fset *token.FileSet, fd *ast.FuncDecl, recvName string, attrTypes map[string]string) types.FunctionInfo {
	info := types.FunctionInfo{
		Types: map[string]string{},
	}
	if fd.Doc != nil {
		info.Doc = strings.TrimSpace(fd.Doc.Text())
	}
	info.Signature = signatureOf(fd)

	if fd.Type.Params != nil {
		for _, p := range fd.Type.Params.List {
			t := exprString(p.Type)
			for _, n := range p.Names {
				info.Args = append(info.Args, n.Name)
				info.Types[n.Name] = t
			}
		}
	}
	if fd.Type.Results != nil && len(fd.Type.Results.List) > 0 {
		var rets []string
		for _, r := range fd.Type.Results.List {
			rets = append(rets, exprString(r.Type))
		}
		info.ReturnType = strings.Join(rets, ", ")
	}

	if fd.Body == nil {
		return info
	}

	usedFields := map[string]struct{}{}
	ast.Inspect(fd.Body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.SelectorExpr:
			if id, ok := node.X.(*ast.Ident); ok && recvName != "" && id.Name == recvName {
				usedFields[node.Sel.Name] = struct{}{}
			}
		case *ast.CallExpr:
			info.Calls = append(info.Calls, resolveCall(fset, node, recvName, attrTypes))
		}
		return true
	})
	for f := range usedFields {
		info.VariablesUsed = append(info.VariablesUsed, f)
	}
	sort.Strings(info.VariablesUsed)
	return info
}

// resolveCall classifies one call site. Calls through a receiver field are
// resolved to the field's declared type; bare selector calls keep their
// package or variable name as the module; plain identifiers are global.
func resolveCall(fset *token.FileSet, call *ast.CallExpr, recvName string, attrTypes map[string]string) types.CallSite {
	line := fset.Position(call.Pos()).Line

	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return types.CallSite{Function: fn.Name, Line: line, ResolvedFrom: "global"}
	case *ast.SelectorExpr:
		switch x := fn.X.(type) {
		case *ast.Ident:
			if recvName != "" && x.Name == recvName {
				// m.field.Method() needs one more selector level; m.Method()
				// resolves to the receiver itself.
				return types.CallSite{Module: "", Function: fn.Sel.Name, Line: line, ResolvedFrom: recvName}
			}
			return types.CallSite{Module: x.Name, Function: fn.Sel.Name, Line: line}
		case *ast.SelectorExpr:
			// recv.attr.Method(): resolve attr through the struct field types.
			if base, ok := x.X.(*ast.Ident); ok && recvName != "" && base.Name == recvName {
				attr := x.Sel.Name
				module := attrTypes[attr]
				return types.CallSite{
					Module:       cleanTypeName(module),
					Function:     fn.Sel.Name,
					Line:         line,
					ResolvedFrom: recvName + "." + attr,
				}
			}
			return types.CallSite{Module: exprString(x), Function: fn.Sel.Name, Line: line}
		}
	}
	return types.CallSite{Function: exprString(call.Fun), Line: line}
}

func cleanTypeName(t string) string {
	t = strings.TrimPrefix(t, "*")
	t = strings.TrimPrefix(t, "[]")
	return t
}

func signatureOf(fd *ast.FuncDecl) string {
	var sb strings.Builder
	sb.WriteString("func ")
	if fd.Recv != nil && len(fd.Recv.List) > 0 {
		sb.WriteString("(" + fieldString(fd.Recv.List[0]) + ") ")
	}
	sb.WriteString(fd.Name.Name + "(")
	if fd.Type.Params != nil {
		var parts []string
		for _, p := range fd.Type.Params.List {
			parts = append(parts, fieldString(p))
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	sb.WriteString(")")
	if fd.Type.Results != nil && len(fd.Type.Results.List) > 0 {
		var rets []string
		for _, r := range fd.Type.Results.List {
			rets = append(rets, exprString(r.Type))
		}
		if len(rets) == 1 && len(fd.Type.Results.List[0].Names) == 0 {
			sb.WriteString(" " + rets[0])
		} else {
			sb.WriteString(" (" + strings.Join(rets, ", ") + ")")
		}
	}
	return sb.String()
}

func fieldString(f *ast.Field) string {
	t := exprString(f.Type)
	if len(f.Names) == 0 {
		return t
	}
	var names []string
	for _, n := range f.Names {
		names = append(names, n.Name)
	}
	return strings.Join(names, ", ") + " " + t
}

// exprString renders a type expression compactly.
func exprString(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return "map[" + exprString(t.Key) + "]" + exprString(t.Value)
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	}
	return "?"
}

func lastSegment(importPath string) string {
	if i := strings.LastIndexByte(importPath, '/'); i >= 0 {
		return importPath[i+1:]
	}
	return importPath
}

// deriveIncomingEdges inverts outgoing edges across the architecture.
// Incoming edges are always derived, never authored.
func deriveIncomingEdges(arch types.ProjectArchitecture) {
	byShortName := map[string][]string{}
	for name := range arch {
		short := filepath.Base(name)
		byShortName[short] = append(byShortName[short], name)
	}
	// Also index by package directory name.
	byPkg := map[string][]string{}
	for name := range arch {
		pkg := filepath.Base(filepath.Dir(name))
		byPkg[pkg] = append(byPkg[pkg], name)
	}

	for name, mod := range arch {
		for _, edge := range mod.OutgoingEdges {
			for _, target := range append(byShortName[edge], byPkg[edge]...) {
				if target == name {
					continue
				}
				t := arch[target]
				if !contains(t.IncomingEdges, name) {
					t.IncomingEdges = append(t.IncomingEdges, name)
				}
			}
		}
	}
	for _, mod := range arch {
		sort.Strings(mod.IncomingEdges)
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
