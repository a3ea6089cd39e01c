// Package callgraph implements an optional call-graph extractor:
// extract(content, file) -> record, which may fail — a failure here is
// always non-fatal to the indexing pipeline. It uses tree-sitter to find
// function/method definitions and the calls made from their bodies,
// producing a small per-file caller -> callees map.
package callgraph

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// Record is the extracted call data for one file: a map from a defined
// function/method name to the names it calls.
type Record struct {
	File  string              `json:"file"`
	Calls map[string][]string `json:"calls"`
}

// funcNodeTypes and callNodeTypes are the tree-sitter grammar node types
// that mark a function/method definition and a call expression,
// respectively, per language.
var funcNodeTypes = map[string]map[string]bool{
	"go":         {"function_declaration": true, "method_declaration": true},
	"python":     {"function_definition": true},
	"javascript": {"function_declaration": true, "method_definition": true},
	"typescript": {"function_declaration": true, "method_definition": true},
}

var callNodeTypes = map[string]string{
	"go":         "call_expression",
	"python":     "call",
	"javascript": "call_expression",
	"typescript": "call_expression",
}

// Extractor extracts call-graph records from source files. Safe for
// concurrent use: each Extract call creates its own tree-sitter parser.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract parses content and returns its call-graph record. Unsupported
// languages and parse failures return an error; callers must treat this as
// non-fatal and continue indexing the file without call-graph data.
func (e *Extractor) Extract(content []byte, file string) (*Record, error) {
	lang := languageFor(file)
	if lang == "" {
		return nil, fmt.Errorf("callgraph: unsupported language for %s", file)
	}

	tsLang := grammarFor(lang)
	if tsLang == nil {
		return nil, fmt.Errorf("callgraph: no grammar registered for %s", lang)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(tsLang)
	defer parser.Close()

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("callgraph: parse %s: %w", file, err)
	}
	defer tree.Close()

	rec := &Record{File: file, Calls: make(map[string][]string)}
	collectCalls(tree.RootNode(), content, lang, rec)
	return rec, nil
}

func languageFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	default:
		return ""
	}
}

func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript", "typescript":
		return javascript.GetLanguage()
	default:
		return nil
	}
}

// collectCalls walks the AST, recording every call expression found inside
// a function/method definition (at any depth) under the name of the
// innermost enclosing definition.
func collectCalls(root *sitter.Node, src []byte, lang string, rec *Record) {
	funcTypes := funcNodeTypes[lang]
	callType := callNodeTypes[lang]

	var walk func(n *sitter.Node, currentFunc string)
	walk = func(n *sitter.Node, currentFunc string) {
		if n == nil {
			return
		}

		nodeType := n.Type()
		if funcTypes[nodeType] {
			if name := funcName(n, src); name != "" {
				currentFunc = name
				if _, ok := rec.Calls[currentFunc]; !ok {
					rec.Calls[currentFunc] = nil
				}
			}
		} else if nodeType == callType && currentFunc != "" {
			if callee := calleeName(n, src); callee != "" {
				rec.Calls[currentFunc] = append(rec.Calls[currentFunc], callee)
			}
		}

		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), currentFunc)
		}
	}
	walk(root, "")
}

// funcName returns the identifier child of a function/method definition
// node, if any.
func funcName(n *sitter.Node, src []byte) string {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == "identifier" || c.Type() == "field_identifier" || c.Type() == "property_identifier" {
			return c.Content(src)
		}
	}
	return ""
}

// calleeName returns the function being invoked at a call expression node.
func calleeName(n *sitter.Node, src []byte) string {
	if n.ChildCount() == 0 {
		return ""
	}
	callee := n.Child(0)
	// For a member/selector expression (pkg.Func, obj.method(...)), use the
	// trailing identifier so "fmt.Println" records as "Println".
	if callee.ChildCount() > 0 {
		last := callee.Child(int(callee.ChildCount()) - 1)
		if last.Type() == "identifier" || last.Type() == "field_identifier" || last.Type() == "property_identifier" {
			return last.Content(src)
		}
	}
	if callee.Type() == "identifier" {
		return callee.Content(src)
	}
	return ""
}
