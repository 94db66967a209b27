// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summary produces the compressed codebase view given to the
// planner in place of full file contents.
//
// No model is involved. Python and Go sources are parsed with tree-sitter
// for signatures and imports; every other file is listed with its line
// count. The output is bounded.
package summary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
)

const (
	// EmptyWorkspace is returned when there is nothing to summarize.
	EmptyWorkspace = "(empty workspace)"

	// DefaultMaxBytes bounds the summary length.
	DefaultMaxBytes = 12000

	// MaxParseBytes skips signature extraction for larger files.
	MaxParseBytes = 512 * 1024

	truncatedMarker = "\n[...summary truncated...]"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"__pycache__":   true,
	".pytest_cache": true,
	".git":          true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	".mypy_cache":   true,
}

// Provider summarizes a workspace.
type Provider interface {
	Summarize(ctx context.Context, root string) (string, error)
}

// TreeSitterProvider is the Provider backed by tree-sitter grammars.
//
// Thread Safety: Safe for concurrent use; a parser is created per file.
type TreeSitterProvider struct {
	maxBytes int
	logger   *slog.Logger
}

// NewProvider creates a provider. maxBytes <= 0 means DefaultMaxBytes and
// a nil logger means slog.Default().
func NewProvider(maxBytes int, logger *slog.Logger) *TreeSitterProvider {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeSitterProvider{maxBytes: maxBytes, logger: logger}
}

type sourceFile struct {
	rel   string
	lines int

	// content is nil for files over MaxParseBytes.
	content []byte
}

// Summarize walks root and renders the summary.
//
// Outputs:
//
//	string - The summary, or EmptyWorkspace.
//	error - Context cancellation or a walk failure other than a missing root.
func (p *TreeSitterProvider) Summarize(ctx context.Context, root string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		return EmptyWorkspace, nil
	}

	var files []sourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, readErr := readSource(path)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		f.rel = filepath.ToSlash(rel)
		files = append(files, f)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk workspace: %w", err)
	}
	if len(files) == 0 {
		return EmptyWorkspace, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	var sb strings.Builder
	sb.WriteString("# Codebase Summary\n\n## File Tree\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "  %s (%d lines)\n", f.rel, f.lines)
	}

	for _, f := range files {
		if f.rel == "go.mod" {
			if mod, err := modfile.Parse("go.mod", f.content, nil); err == nil && mod.Module != nil {
				sb.WriteString("\n## Go Module\n")
				fmt.Fprintf(&sb, "  %s", mod.Module.Mod.Path)
				if mod.Go != nil {
					fmt.Fprintf(&sb, " (go %s)", mod.Go.Version)
				}
				sb.WriteString("\n")
			}
		}
	}

	parsed, err := p.parseAll(ctx, files)
	if err != nil {
		return "", err
	}
	var signatures, imports []string
	for _, r := range parsed {
		if r.block == "" {
			continue
		}
		signatures = append(signatures, r.block)
		if r.imports != "" {
			imports = append(imports, r.imports)
		}
	}
	if len(signatures) > 0 {
		sb.WriteString("\n## Signatures")
		for _, s := range signatures {
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	if len(imports) > 0 {
		sb.WriteString("\n## Imports\n")
		sb.WriteString(strings.Join(imports, "\n"))
		sb.WriteString("\n")
	}

	out := strings.TrimRight(sb.String(), "\n")
	if len(out) > p.maxBytes {
		cut := p.maxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + truncatedMarker
	}
	return out, nil
}

// readSource loads a file for summarizing. Files over MaxParseBytes are
// only streamed to count lines.
func readSource(path string) (sourceFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return sourceFile{}, err
	}
	defer fh.Close()

	content, err := io.ReadAll(io.LimitReader(fh, MaxParseBytes+1))
	if err != nil {
		return sourceFile{}, err
	}
	if len(content) <= MaxParseBytes {
		return sourceFile{lines: countLines(content), content: content}, nil
	}

	lines := bytes.Count(content, []byte("\n"))
	last := content[len(content)-1]
	buf := make([]byte, 32*1024)
	for {
		n, readErr := fh.Read(buf)
		if n > 0 {
			lines += bytes.Count(buf[:n], []byte("\n"))
			last = buf[n-1]
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return sourceFile{}, readErr
		}
	}
	if last != '\n' {
		lines++
	}
	return sourceFile{lines: lines}, nil
}

// parsed is the rendered signature block and import line of one file.
type parsed struct {
	block   string
	imports string
}

// parseAll extracts symbols from every supported file in parallel. Results
// keep the order of files.
func (p *TreeSitterProvider) parseAll(ctx context.Context, files []sourceFile) ([]parsed, error) {
	results := make([]parsed, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, f := range files {
		lang := languageFor(f.rel)
		if lang == nil || f.content == nil {
			continue
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			sigs, imps, err := p.extract(gCtx, lang, f.content)
			if err != nil {
				if ctxErr := gCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				p.logger.Debug("summary parse failed", slog.String("file", f.rel), slog.String("error", err.Error()))
				results[i].block = "\n### " + f.rel + "\n  (could not parse)"
				return nil
			}
			block := "\n### " + f.rel
			for _, s := range sigs {
				block += "\n  " + s
			}
			results[i].block = block
			if len(imps) > 0 {
				results[i].imports = fmt.Sprintf("  %s: %s", f.rel, strings.Join(imps, ", "))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte("\n"))
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

type language struct {
	name    string
	grammar *sitter.Language
	walk    func(root *sitter.Node, src []byte) (sigs, imports []string)
}

func languageFor(path string) *language {
	switch filepath.Ext(path) {
	case ".py", ".pyi":
		return &language{name: "python", grammar: python.GetLanguage(), walk: pythonSymbols}
	case ".go":
		return &language{name: "go", grammar: golang.GetLanguage(), walk: goSymbols}
	}
	return nil
}

func (p *TreeSitterProvider) extract(ctx context.Context, lang *language, content []byte) ([]string, []string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang.grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, nil, fmt.Errorf("tree-sitter returned nil root node")
	}
	sigs, imports := lang.walk(root, content)
	if root.HasError() {
		sigs = append(sigs, "(syntax errors: signatures may be incomplete)")
	}
	return sigs, imports, nil
}
