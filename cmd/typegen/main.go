// Command typegen parses the Go wire types and generates the TypeScript
// declarations used by the web client. Run from the project root:
//
//	go run ./cmd/typegen -out web/src/types/generated.ts
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
)

// structInfo stores parsed information about a Go struct.
type structInfo struct {
	name   string
	fields []fieldInfo
	// embeds are embedded struct types whose fields are promoted in JSON.
	embeds []string
}

// fieldInfo stores parsed information about a struct field.
type fieldInfo struct {
	jsonName string
	goType   string
	optional bool
}

// typeMapping maps Go type strings to TypeScript type strings.
var typeMapping = map[string]string{
	"string":                 "string",
	"int":                    "number",
	"int64":                  "number",
	"float32":                "number",
	"float64":                "number",
	"bool":                   "boolean",
	"any":                    "unknown",
	"interface{}":            "unknown",
	"json.RawMessage":        "unknown",
	"time.Time":              "string",
	"map[string]any":         "Record<string, unknown>",
	"map[string]interface{}": "Record<string, unknown>",
}

// structsToGenerate lists the Go structs of the wire protocol and the REST
// API, in output order.
var structsToGenerate = []string{
	"Word",
	"Mistake",
	"SavedMistake",
	"TranscriptionData",
	"AnswerData",
	"MistakesData",
	"InputData",
	"createMistakesRequest",
}

var tsRenames = map[string]string{
	"createMistakesRequest": "CreateMistakesRequest",
}

// messages pairs each message type with the TS type of its data field.
// An empty data type means the message carries no data.
var messages = []struct {
	name     string
	typ      string
	dataType string
}{
	{"ServerMessage", "transcription", "TranscriptionData"},
	{"ServerMessage", "answer", "AnswerData"},
	{"ServerMessage", "audio", "string"},
	{"ServerMessage", "mistakes", "MistakesData"},
	{"ServerMessage", "result", ""},
	{"ClientMessage", "audio", "string"},
	{"ClientMessage", "input", "InputData"},
	{"ClientMessage", "finish", ""},
}

// constValues maps a Go named type to its declared const string values.
var constValues = map[string][]string{}

func main() {
	outPath := flag.String("out", "web/src/types/generated.ts", "output TypeScript file path")
	flag.Parse()

	root, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}
	out, err := generate(root)
	if err != nil {
		fatal("%v", err)
	}

	absOut := *outPath
	if !filepath.IsAbs(absOut) {
		absOut = filepath.Join(root, absOut)
	}
	if err := os.MkdirAll(filepath.Dir(absOut), 0o755); err != nil {
		fatal("mkdir: %v", err)
	}
	if err := os.WriteFile(absOut, out, 0o644); err != nil {
		fatal("write: %v", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", absOut, len(out))
}

// generate parses every package under root and renders the TS file.
func generate(root string) ([]byte, error) {
	dirs, err := discoverGoDirs(root)
	if err != nil {
		return nil, fmt.Errorf("discover dirs: %w", err)
	}

	allStructs := map[string]*structInfo{}
	for _, dir := range dirs {
		structs, err := parseDir(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", dir, err)
			continue
		}
		for name, si := range structs {
			if _, exists := allStructs[name]; !exists {
				allStructs[name] = si
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString("// Code generated by cmd/typegen; DO NOT EDIT.\n")
	buf.WriteString("// Source: Go structs from core/, protocol/, storage/, runner/\n\n")

	for _, goName := range structsToGenerate {
		si, ok := allStructs[goName]
		if !ok {
			return nil, fmt.Errorf("struct %q not found", goName)
		}
		writeInterface(&buf, tsName(goName), si)
	}
	writeMessages(&buf)
	return buf.Bytes(), nil
}

// discoverGoDirs returns all directories under root containing non-test .go
// files. Directories the go tool ignores are skipped too.
func discoverGoDirs(root string) ([]string, error) {
	skipDirs := map[string]bool{
		"vendor":       true,
		"node_modules": true,
		"typegen":      true,
		"testdata":     true,
	}

	seen := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			name := info.Name()
			if path != root && (skipDirs[name] || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(info.Name(), ".go") && !strings.HasSuffix(info.Name(), "_test.go") {
			seen[filepath.Dir(path)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// parseDir parses all .go files in a directory and extracts struct definitions.
func parseDir(dir string) (map[string]*structInfo, error) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, dir, func(fi os.FileInfo) bool {
		return !strings.HasSuffix(fi.Name(), "_test.go")
	}, 0)
	if err != nil {
		return nil, err
	}

	result := map[string]*structInfo{}
	for _, pkg := range pkgs {
		for _, file := range pkg.Files {
			for _, decl := range file.Decls {
				genDecl, ok := decl.(*ast.GenDecl)
				if !ok {
					continue
				}

				switch genDecl.Tok {
				case token.TYPE:
					for _, spec := range genDecl.Specs {
						ts, ok := spec.(*ast.TypeSpec)
						if !ok {
							continue
						}
						if st, ok := ts.Type.(*ast.StructType); ok {
							result[ts.Name.Name] = parseStruct(ts.Name.Name, st)
						}
					}

				case token.CONST:
					for _, spec := range genDecl.Specs {
						vs, ok := spec.(*ast.ValueSpec)
						if !ok || vs.Type == nil {
							continue
						}
						typeName := typeExprToString(vs.Type)
						for _, val := range vs.Values {
							lit, ok := val.(*ast.BasicLit)
							if !ok || lit.Kind != token.STRING {
								continue
							}
							constValues[typeName] = append(constValues[typeName], strings.Trim(lit.Value, "\""))
						}
					}
				}
			}
		}
	}
	return result, nil
}

// parseStruct extracts field info from an AST struct type.
func parseStruct(name string, st *ast.StructType) *structInfo {
	si := &structInfo{name: name}
	for _, field := range st.Fields.List {
		if len(field.Names) == 0 && field.Tag == nil {
			// embedded without a tag: fields are promoted
			goType := strings.TrimPrefix(typeExprToString(field.Type), "*")
			if idx := strings.LastIndex(goType, "."); idx >= 0 {
				goType = goType[idx+1:]
			}
			si.embeds = append(si.embeds, goType)
			continue
		}
		if field.Tag == nil {
			continue
		}
		tag := reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
		parts := strings.Split(tag.Get("json"), ",")
		jsonName := parts[0]
		if jsonName == "" || jsonName == "-" {
			continue
		}

		goType := typeExprToString(field.Type)
		optional := strings.HasPrefix(goType, "*")
		for _, p := range parts[1:] {
			if p == "omitempty" {
				optional = true
			}
		}
		si.fields = append(si.fields, fieldInfo{jsonName: jsonName, goType: goType, optional: optional})
	}
	return si
}

// typeExprToString converts an AST type expression to a string representation.
func typeExprToString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeExprToString(t.X)
	case *ast.ArrayType:
		return "[]" + typeExprToString(t.Elt)
	case *ast.MapType:
		return "map[" + typeExprToString(t.Key) + "]" + typeExprToString(t.Value)
	case *ast.SelectorExpr:
		return typeExprToString(t.X) + "." + t.Sel.Name
	case *ast.InterfaceType:
		return "interface{}"
	default:
		return "unknown"
	}
}

func tsName(goName string) string {
	if rename, ok := tsRenames[goName]; ok {
		return rename
	}
	return goName
}

// resolveType converts a Go type string to a TypeScript type string.
func resolveType(goType string) string {
	clean := strings.TrimPrefix(goType, "*")

	if ts, ok := typeMapping[clean]; ok {
		return ts
	}
	if strings.HasPrefix(clean, "[]") {
		return resolveType(clean[2:]) + "[]"
	}
	if strings.HasPrefix(clean, "map[") {
		return "Record<string, unknown>"
	}

	short := clean
	if idx := strings.LastIndex(clean, "."); idx >= 0 {
		short = clean[idx+1:]
	}
	for _, name := range structsToGenerate {
		if name == short {
			return tsName(name)
		}
	}
	if vals, ok := constValues[short]; ok && len(vals) > 0 {
		return buildUnionLiteral(vals)
	}
	return "unknown"
}

// buildUnionLiteral returns a TS inline union type from string values.
// e.g. ["user", "assistant"] -> "'user' | 'assistant'"
func buildUnionLiteral(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, " | ")
}

// writeInterface writes a single TypeScript interface to the buffer.
func writeInterface(buf *bytes.Buffer, name string, si *structInfo) {
	fmt.Fprintf(buf, "/** Generated from Go struct: %s */\n", si.name)
	fmt.Fprintf(buf, "export interface %s", name)
	if len(si.embeds) > 0 {
		parents := make([]string, len(si.embeds))
		for i, e := range si.embeds {
			parents[i] = tsName(e)
		}
		fmt.Fprintf(buf, " extends %s", strings.Join(parents, ", "))
	}
	buf.WriteString(" {\n")
	for _, f := range si.fields {
		opt := ""
		if f.optional {
			opt = "?"
		}
		fmt.Fprintf(buf, "  %s%s: %s\n", f.jsonName, opt, resolveType(f.goType))
	}
	buf.WriteString("}\n\n")
}

// writeMessages writes the discriminated unions of websocket messages.
func writeMessages(buf *bytes.Buffer) {
	if vals := constValues["MessageType"]; len(vals) > 0 {
		fmt.Fprintf(buf, "export type MessageType = %s\n\n", buildUnionLiteral(vals))
	}
	var current string
	for _, m := range messages {
		if m.name != current {
			if current != "" {
				buf.WriteString("\n\n")
			}
			fmt.Fprintf(buf, "export type %s =", m.name)
			current = m.name
		}
		if m.dataType == "" {
			fmt.Fprintf(buf, "\n  | { type: '%s' }", m.typ)
		} else {
			fmt.Fprintf(buf, "\n  | { type: '%s'; data: %s }", m.typ, m.dataType)
		}
	}
	buf.WriteString("\n")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "typegen: "+format+"\n", args...)
	os.Exit(1)
}
