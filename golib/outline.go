// Command outline prints the structural outline of one Go source file as a
// CIX <file> element. It is compiled on demand by the gocodeintel outline
// driver and must only depend on the standard library.
//
// Usage:
//
//	outline [-stdin] path
package main

import (
	"encoding/xml"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type cixImport struct {
	XMLName xml.Name `xml:"import"`
	Module  string   `xml:"module,attr"`
	Name    string   `xml:"name,attr,omitempty"`
	Line    int      `xml:"line,attr,omitempty"`
}

type cixVariable struct {
	XMLName    xml.Name `xml:"variable"`
	Name       string   `xml:"name,attr"`
	Citdl      string   `xml:"citdl,attr,omitempty"`
	Attributes string   `xml:"attributes,attr,omitempty"`
	Line       int      `xml:"line,attr,omitempty"`
}

type cixScope struct {
	XMLName   xml.Name `xml:"scope"`
	Ilk       string   `xml:"ilk,attr"`
	Name      string   `xml:"name,attr"`
	Lang      string   `xml:"lang,attr,omitempty"`
	Signature string   `xml:"signature,attr,omitempty"`
	Classrefs string   `xml:"classrefs,attr,omitempty"`
	Line      int      `xml:"line,attr,omitempty"`
	LineEnd   int      `xml:"lineend,attr,omitempty"`
	Imports   []cixImport
	Variables []cixVariable
	Scopes    []*cixScope
}

type cixFile struct {
	XMLName xml.Name `xml:"file"`
	Lang    string   `xml:"lang,attr"`
	Path    string   `xml:"path,attr"`
	Mtime   int64    `xml:"mtime,attr"`
	Error   string   `xml:"error,attr,omitempty"`
	ErrLine int      `xml:"errorline,attr,omitempty"`
	ErrCol  int      `xml:"errorcol,attr,omitempty"`
	Blob    *cixScope
}

type outliner struct {
	fset    *token.FileSet
	blob    *cixScope
	classes map[string]*cixScope
}

func (o *outliner) line(p token.Pos) int { return o.fset.Position(p).Line }

func buildOutline(path string, src any) cixFile {
	out := cixFile{Lang: "Go", Path: path, Mtime: time.Now().Unix()}
	o := &outliner{
		fset:    token.NewFileSet(),
		blob:    &cixScope{Ilk: "blob", Lang: "Go", Name: filepath.Base(path)},
		classes: make(map[string]*cixScope),
	}
	out.Blob = o.blob

	// A partial AST is still worth outlining.
	f, err := parser.ParseFile(o.fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		out.Error = err.Error()
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			out.Error = list[0].Msg
			out.ErrLine, out.ErrCol = list[0].Pos.Line, list[0].Pos.Column
		}
	}
	if f == nil {
		return out
	}

	var methods []*ast.FuncDecl
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			o.genDecl(d)
		case *ast.FuncDecl:
			if d.Recv != nil && len(d.Recv.List) > 0 {
				methods = append(methods, d)
				continue
			}
			o.blob.Scopes = append(o.blob.Scopes, o.funcScope(d))
		}
	}
	for _, m := range methods {
		scope := o.funcScope(m)
		if class := o.classes[receiverTypeName(m.Recv.List[0].Type)]; class != nil {
			class.Scopes = append(class.Scopes, scope)
		} else {
			o.blob.Scopes = append(o.blob.Scopes, scope)
		}
	}
	return out
}

func (o *outliner) genDecl(d *ast.GenDecl) {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.ImportSpec:
			imp := cixImport{Module: strings.Trim(s.Path.Value, "\"`"), Line: o.line(s.Pos())}
			if s.Name != nil {
				imp.Name = s.Name.Name
			}
			o.blob.Imports = append(o.blob.Imports, imp)
		case *ast.TypeSpec:
			class := o.typeScope(s)
			o.classes[s.Name.Name] = class
			o.blob.Scopes = append(o.blob.Scopes, class)
		case *ast.ValueSpec:
			attrs := ""
			if d.Tok == token.CONST {
				attrs = "const"
			}
			citdl := ""
			if s.Type != nil {
				citdl = types.ExprString(s.Type)
			}
			for _, name := range s.Names {
				if name.Name == "_" {
					continue
				}
				o.blob.Variables = append(o.blob.Variables, cixVariable{Name: name.Name, Citdl: citdl, Attributes: attrs, Line: o.line(name.Pos())})
			}
		}
	}
}

func (o *outliner) typeScope(s *ast.TypeSpec) *cixScope {
	class := &cixScope{Ilk: "class", Name: s.Name.Name, Line: o.line(s.Pos()), LineEnd: o.line(s.End())}
	var refs []string
	switch t := s.Type.(type) {
	case *ast.StructType:
		for _, field := range t.Fields.List {
			citdl := types.ExprString(field.Type)
			if len(field.Names) == 0 {
				refs = append(refs, strings.TrimPrefix(citdl, "*"))
				continue
			}
			for _, name := range field.Names {
				class.Variables = append(class.Variables, cixVariable{Name: name.Name, Citdl: citdl, Line: o.line(name.Pos())})
			}
		}
	case *ast.InterfaceType:
		for _, m := range t.Methods.List {
			ft, ok := m.Type.(*ast.FuncType)
			if !ok || len(m.Names) == 0 {
				refs = append(refs, types.ExprString(m.Type))
				continue
			}
			for _, name := range m.Names {
				class.Scopes = append(class.Scopes, &cixScope{
					Ilk:       "function",
					Name:      name.Name,
					Signature: name.Name + strings.TrimPrefix(types.ExprString(ft), "func"),
					Line:      o.line(m.Pos()),
					LineEnd:   o.line(m.End()),
				})
			}
		}
	default:
		class.Signature = "type " + s.Name.Name + " " + types.ExprString(s.Type)
	}
	class.Classrefs = strings.Join(refs, " ")
	return class
}

func (o *outliner) funcScope(d *ast.FuncDecl) *cixScope {
	sig := "func "
	if d.Recv != nil && len(d.Recv.List) > 0 {
		sig += "(" + fieldListString(d.Recv) + ") "
	}
	sig += d.Name.Name + strings.TrimPrefix(types.ExprString(d.Type), "func")
	return &cixScope{
		Ilk:       "function",
		Name:      d.Name.Name,
		Signature: sig,
		Line:      o.line(d.Pos()),
		LineEnd:   o.line(d.End()),
	}
}

func fieldListString(fl *ast.FieldList) string {
	parts := make([]string, 0, len(fl.List))
	for _, field := range fl.List {
		typ := types.ExprString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typ)
			continue
		}
		names := make([]string, len(field.Names))
		for i, n := range field.Names {
			names[i] = n.Name
		}
		parts = append(parts, strings.Join(names, ", ")+" "+typ)
	}
	return strings.Join(parts, ", ")
}

// receiverTypeName strips pointers and type arguments from a receiver type.
func receiverTypeName(expr ast.Expr) string {
	for {
		switch t := expr.(type) {
		case *ast.StarExpr:
			expr = t.X
		case *ast.IndexExpr:
			expr = t.X
		case *ast.IndexListExpr:
			expr = t.X
		case *ast.ParenExpr:
			expr = t.X
		case *ast.Ident:
			return t.Name
		default:
			return ""
		}
	}
}

func main() {
	fromStdin := flag.Bool("stdin", false, "read the source from standard input instead of path")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: outline [-stdin] path")
		os.Exit(2)
	}
	path := flag.Arg(0)

	var src any
	if *fromStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading stdin:", err)
			os.Exit(1)
		}
		src = data
	}

	output, err := xml.MarshalIndent(buildOutline(path, src), "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encoding outline:", err)
		os.Exit(1)
	}
	os.Stdout.Write(output)
	fmt.Println()
}
