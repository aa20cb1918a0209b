package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/analyzers"
)

// Tool name constants.
const (
	ToolNameAnalyze     = "peer_analyze"
	ToolNameAnalyzePath = "peer_analyze_path"
)

// Input size limits.
const (
	// MaxCodeInputBytes is the maximum allowed size for inline code input (1 MB).
	MaxCodeInputBytes = 1 << 20

	// maxPathFiles caps the files analyzed for a path call.
	maxPathFiles = 500
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptyCode indicates the code parameter is empty.
	ErrEmptyCode = errors.New("code parameter is required and must not be empty")
	// ErrEmptyFilename indicates the filename parameter is empty.
	ErrEmptyFilename = errors.New("filename parameter is required and must not be empty")
	// ErrCodeTooLarge indicates the code input exceeds the size limit.
	ErrCodeTooLarge = errors.New("code input exceeds maximum size")
	// ErrEmptyPath indicates the path parameter is empty.
	ErrEmptyPath = errors.New("path parameter is required and must not be empty")
	// ErrPathNotAbsolute indicates the path is not an absolute path.
	ErrPathNotAbsolute = errors.New("path must be an absolute path")
	// ErrPathNotFound indicates the path does not exist.
	ErrPathNotFound = errors.New("path does not exist")
)

// AnalyzeInput is the input schema for the peer_analyze tool.
type AnalyzeInput struct {
	Code     string `json:"code"     jsonschema:"source code to analyze"`
	Filename string `json:"filename" jsonschema:"file name whose extension selects the analyzers (e.g. app.js)"`
}

// AnalyzePathInput is the input schema for the peer_analyze_path tool.
type AnalyzePathInput struct {
	Path       string   `json:"path"                 jsonschema:"absolute path to a directory or file to analyze"`
	Severities []string `json:"severities,omitempty" jsonschema:"optional severity filter (critical high medium low)"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// defaultRegistry is the analyzer set used when none is injected.
func defaultRegistry() *analysis.Registry {
	return analyzers.WithTools(analyzers.DefaultRegistry())
}

// handleAnalyze processes peer_analyze tool calls: the snippet is written
// into a scratch directory and run through the orchestrator.
func (s *Server) handleAnalyze(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input AnalyzeInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if err := validateAnalyzeInput(input); err != nil {
		return errorResult(err)
	}

	dir, err := os.MkdirTemp("", "peer-mcp-*")
	if err != nil {
		return errorResult(fmt.Errorf("scratch dir: %w", err))
	}

	defer func() { _ = os.RemoveAll(dir) }()

	name := filepath.Base(input.Filename)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(input.Code), 0o600); err != nil {
		return errorResult(fmt.Errorf("write snippet: %w", err))
	}

	result, err := s.orchestrator.Run(ctx, dir, []string{name})
	if err != nil {
		return errorResult(fmt.Errorf("analyze: %w", err))
	}

	return jsonResult(result)
}

// handleAnalyzePath processes peer_analyze_path tool calls.
func (s *Server) handleAnalyzePath(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input AnalyzePathInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if err := validatePathInput(input.Path); err != nil {
		return errorResult(err)
	}

	workdir, files, err := collectFiles(input.Path)
	if err != nil {
		return errorResult(fmt.Errorf("scan path: %w", err))
	}

	result, err := s.orchestrator.Run(ctx, workdir, files)
	if err != nil {
		return errorResult(fmt.Errorf("analyze: %w", err))
	}

	result.Findings = analysis.FilterSeverities(result.Findings, input.Severities)
	result.Summary = analysis.Summarize(result.Findings)

	return jsonResult(result)
}

func validateAnalyzeInput(input AnalyzeInput) error {
	if input.Code == "" {
		return ErrEmptyCode
	}

	if len(input.Code) > MaxCodeInputBytes {
		return ErrCodeTooLarge
	}

	if input.Filename == "" {
		return ErrEmptyFilename
	}

	return nil
}

func validatePathInput(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}

	return nil
}

// skippedDirs are never descended into when scanning a path.
var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
}

// collectFiles resolves the analysis workdir and its relative candidate
// files for root, capped at maxPathFiles. A file root analyzes just that
// file inside its parent directory.
func collectFiles(root string) (string, []string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return filepath.Dir(root), []string{filepath.Base(root)}, nil
	}

	var files []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}

		if d.IsDir() {
			if _, ok := skippedDirs[d.Name()]; ok {
				return fs.SkipDir
			}

			return nil
		}

		if len(files) >= maxPathFiles {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil //nolint:nilerr
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return root, files, nil
}

// Result helpers.

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}
