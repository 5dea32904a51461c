package processor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Annotation marks a class declaration for generation.
const Annotation = "@Dataforge"

// generatedInfix is inserted between a source's base name and extension to
// form its output name: user.dart -> user.data.dart.
const generatedInfix = ".data"

var classDecl = regexp.MustCompile(`^\s*(?:(?:abstract|final|sealed|base)\s+)*class\s+([A-Za-z_]\w*)`)

// Document is the representation Annotated produces for one source file.
type Document struct {
	Source string
	Types  []string
}

// Annotated is a FileProcessor that emits one companion file per source,
// holding a mixin stub for every class annotated with Annotation.
type Annotated struct{}

var _ FileProcessor = Annotated{}

// Parse scans item for annotated class declarations. Sources without any
// yield a nil Document.
func (Annotated) Parse(ctx context.Context, item string) (any, error) {
	data, err := os.ReadFile(item)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	var types []string
	pending := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, Annotation):
			pending = true
		case pending && line == "", pending && strings.HasPrefix(line, "@"), pending && strings.HasPrefix(line, "//"):
			// Annotations may be stacked or commented between marker and class.
		case pending:
			if m := classDecl.FindStringSubmatch(line); m != nil {
				types = append(types, m[1])
			}
			pending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}

	if len(types) == 0 {
		return nil, nil
	}
	return &Document{Source: item, Types: types}, nil
}

// Write emits the companion file for a Document and returns its path. With
// AutoModify set it also adds the matching part directive to the source.
func (Annotated) Write(_ context.Context, ir any, opts WriteOptions) (string, error) {
	doc, ok := ir.(*Document)
	if !ok {
		return "", fmt.Errorf("unexpected representation %T", ir)
	}
	if len(doc.Types) == 0 {
		return "", nil
	}

	source := doc.Source
	out := OutputPath(source)

	var b strings.Builder
	b.WriteString("// GENERATED CODE - DO NOT MODIFY BY HAND\n")
	fmt.Fprintf(&b, "// Generated by dataforge from %s\n\n", displayName(source, opts.ProjectRoot))
	fmt.Fprintf(&b, "part of '%s';\n", filepath.Base(source))
	for _, name := range doc.Types {
		fmt.Fprintf(&b, "\nmixin _$%s {\n}\n", name)
	}

	if err := os.WriteFile(out, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}

	if opts.AutoModify {
		if err := ensurePartDirective(source, filepath.Base(out)); err != nil {
			return "", err
		}
	}
	return out, nil
}

// OutputPath returns the companion file path for source.
func OutputPath(source string) string {
	ext := filepath.Ext(source)
	return strings.TrimSuffix(source, ext) + generatedInfix + ext
}

// displayName shows source relative to root when it lies inside it.
func displayName(source, root string) string {
	if root == "" {
		return filepath.Base(source)
	}
	rel, err := filepath.Rel(root, source)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(source)
	}
	return filepath.ToSlash(rel)
}

// ensurePartDirective inserts `part '<name>';` after the last import of
// source, unless the directive is already present.
func ensurePartDirective(source, name string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("read source for part directive: %w", err)
	}
	directive := fmt.Sprintf("part '%s';", name)
	if bytes.Contains(data, []byte(directive)) {
		return nil
	}

	lines := strings.Split(string(data), "\n")
	insertAt := 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "import ") {
			insertAt = i + 1
		}
	}

	updated := make([]string, 0, len(lines)+2)
	updated = append(updated, lines[:insertAt]...)
	updated = append(updated, directive)
	if insertAt == 0 {
		updated = append(updated, "")
	}
	updated = append(updated, lines[insertAt:]...)

	if err := os.WriteFile(source, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
		return fmt.Errorf("write part directive: %w", err)
	}
	return nil
}
