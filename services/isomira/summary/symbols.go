// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package summary

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// pythonSymbols collects every function and class definition in the tree,
// nested ones included, plus imported module names.
func pythonSymbols(root *sitter.Node, src []byte) ([]string, []string) {
	var sigs, imports []string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		switch n.Type() {
		case "function_definition":
			name := fieldContent(n, "name", src)
			params := fieldContent(n, "parameters", src)
			sig := "def " + name + params
			if ret := fieldContent(n, "return_type", src); ret != "" {
				sig += " -> " + ret
			}
			sigs = append(sigs, sig)
		case "class_definition":
			sigs = append(sigs, "class "+fieldContent(n, "name", src))
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				switch child.Type() {
				case "dotted_name":
					imports = append(imports, child.Content(src))
				case "aliased_import":
					imports = append(imports, fieldContent(child, "name", src))
				}
			}
			return
		case "import_from_statement":
			imports = append(imports, fieldContent(n, "module_name", src))
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(root)
	return sigs, imports
}

// goSymbols collects top-level functions, methods and types, plus import
// paths.
func goSymbols(root *sitter.Node, src []byte) ([]string, []string) {
	var sigs, imports []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "function_declaration":
			sig := "func " + fieldContent(n, "name", src) + fieldContent(n, "parameters", src)
			if res := fieldContent(n, "result", src); res != "" {
				sig += " " + res
			}
			sigs = append(sigs, sig)
		case "method_declaration":
			sig := "func " + fieldContent(n, "receiver", src) + " " +
				fieldContent(n, "name", src) + fieldContent(n, "parameters", src)
			if res := fieldContent(n, "result", src); res != "" {
				sig += " " + res
			}
			sigs = append(sigs, sig)
		case "type_declaration":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				spec := n.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				sigs = append(sigs, "type "+fieldContent(spec, "name", src)+" "+typeKind(spec.ChildByFieldName("type"), src))
			}
		case "import_declaration":
			collectGoImports(n, src, &imports)
		}
	}
	return sigs, imports
}

func collectGoImports(n *sitter.Node, src []byte, imports *[]string) {
	if n.Type() == "import_spec" {
		*imports = append(*imports, strings.Trim(fieldContent(n, "path", src), "\"`"))
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		collectGoImports(n.NamedChild(i), src, imports)
	}
}

func typeKind(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "struct_type":
		return "struct"
	case "interface_type":
		return "interface"
	default:
		return n.Content(src)
	}
}

func fieldContent(n *sitter.Node, field string, src []byte) string {
	child := n.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return child.Content(src)
}
