package autofix

import (
	"context"
	"path/filepath"
	"strings"

	forestgo "github.com/alexaandru/go-sitter-forest/go"
	"github.com/alexaandru/go-sitter-forest/javascript"
	"github.com/alexaandru/go-sitter-forest/python"
	"github.com/alexaandru/go-sitter-forest/tsx"
	"github.com/alexaandru/go-sitter-forest/typescript"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// grammars maps extensions to their tree-sitter grammar.
var grammars = map[string]*sitter.Language{
	".js":  sitter.NewLanguage(javascript.GetLanguage()),
	".jsx": sitter.NewLanguage(javascript.GetLanguage()),
	".mjs": sitter.NewLanguage(javascript.GetLanguage()),
	".cjs": sitter.NewLanguage(javascript.GetLanguage()),
	".ts":  sitter.NewLanguage(typescript.GetLanguage()),
	".tsx": sitter.NewLanguage(tsx.GetLanguage()),
	".py":  sitter.NewLanguage(python.GetLanguage()),
	".go":  sitter.NewLanguage(forestgo.GetLanguage()),
}

// ValidateSyntax reports whether content parses cleanly for the file's
// language. Languages without an in-process grammar are accepted; the gate
// is best-effort, not a compiler.
func ValidateSyntax(ctx context.Context, path, content string) bool {
	ext := strings.ToLower(filepath.Ext(path))

	lang, ok := grammars[ext]
	if !ok {
		return true
	}

	return parseClean(ctx, lang, content)
}

// parseClean parses content and rejects trees whose root contains errors.
func parseClean(ctx context.Context, lang *sitter.Language, content string) bool {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseString(ctx, nil, []byte(content))
	if err != nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return false
	}

	return !root.HasError()
}
