// Package workspace implements the shared run-workspace tools agents use
// to produce and inspect real files during a run: workspace_list_files,
// workspace_read_file, workspace_write_file, and workspace_exec. Every
// path is resolved below one run's workspace root; absolute paths, dot
// segments, and symlink escapes are rejected. Files written here outlive
// the node that wrote them, which is how downstream agents continue work.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/ninthseat/engine"
	"github.com/ninthseat/engine/sandbox"
)

// Bounds for the read and list tools. Write and exec reuse the sandbox
// package limits so both execution paths accept the same requests.
const (
	DefaultReadChars = 20_000
	MinReadChars     = 200
	MaxReadChars     = 200_000
	DefaultListFiles = 200
	MaxListFiles     = 500
	MaxBatchFiles    = 20
	MaxExecArtifacts = 40

	// DefaultExecTimeoutSeconds is higher than the sandbox default because
	// workspace scripts tend to do real work (builds, data passes).
	DefaultExecTimeoutSeconds = 10.0

	scriptsDirName = "agent_scripts"
)

// Tool exposes the four workspace operations for a single run. One value
// is built per run, bound to that run's workspace root.
type Tool struct {
	root      string
	logger    *slog.Logger
	scriptSeq atomic.Int64
}

var _ engine.Tool = (*Tool)(nil)

// New creates the workspace toolset rooted at root.
func New(root string, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{root: filepath.Clean(root), logger: logger}
}

func (t *Tool) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{
		{
			Name:        "workspace_list_files",
			Description: "List files under a directory of the shared run workspace.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string","description":"Directory relative to the workspace root (default: the root itself)"},` +
				`"max_files":{"type":"integer","description":"Maximum entries to return (1-500, default 200)"}},` +
				`"required":[]}`),
			Limitations: []string{
				"Lists regular files below the shared run workspace only; directories themselves are omitted.",
			},
		},
		{
			Name:        "workspace_read_file",
			Description: "Read a text or PDF file from the shared run workspace.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string","description":"File path relative to the workspace root"},` +
				`"max_chars":{"type":"integer","description":"Content cap in characters (200-200000, default 20000)"}},` +
				`"required":["path"]}`),
			Limitations: []string{
				"Reads UTF-8 text and PDF files only; other binary content is rejected.",
				"Content is truncated to max_chars before it reaches the model.",
			},
		},
		{
			Name:        "workspace_write_file",
			Description: "Write one file (path + content) or a batch (files array) into the shared run workspace.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string","description":"File path relative to the workspace root (single write)"},` +
				`"content":{"type":"string","description":"File content (single write)"},` +
				`"files":{"type":"array","description":"Batch write: list of {path, content} objects, max 20"}},` +
				`"required":[]}`),
			Limitations: []string{
				"Writes are confined to the shared run workspace; parent directories are created as needed.",
			},
		},
		{
			Name:        "workspace_exec",
			Description: "Run a Python or Bash script inside the shared run workspace. The script is saved under agent_scripts/ and files it creates persist for downstream agents.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"language":{"type":"string","description":"Interpreter to use (default python)","enum":["python","bash"]},` +
				`"code":{"type":"string","description":"Script source, persisted under agent_scripts/"},` +
				`"cwd":{"type":"string","description":"Working directory relative to the workspace root (default: the root)"},` +
				`"stdin":{"type":"string","description":"Text piped to the script's standard input"},` +
				`"timeout_seconds":{"type":"number","description":"Wall-clock limit in seconds (default 10, max 30)"},` +
				`"memory_limit_mb":{"type":"integer","description":"Address-space limit in MiB (32-1024, default 256)"},` +
				`"max_output_chars":{"type":"integer","description":"Per-stream output cap (200-200000, default 20000)"}},` +
				`"required":["code"]}`),
			Limitations: []string{
				"Scripts run inside the persistent run workspace with subprocess resource limits; this is not a hardened sandbox.",
				"Artifacts report files created or modified during the script on a best-effort basis.",
			},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "workspace_list_files":
		var params listArgs
		if err := engine.DecodeToolArgs(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.listFiles(params)
	case "workspace_read_file":
		var params readArgs
		if err := engine.DecodeToolArgs(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.readFile(params)
	case "workspace_write_file":
		var params writeArgs
		if err := engine.DecodeToolArgs(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.writeFiles(params)
	case "workspace_exec":
		var params execArgs
		if err := engine.DecodeToolArgs(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.execScript(ctx, params)
	default:
		return nil, fmt.Errorf("unknown workspace tool: %s", name)
	}
}

// --- path resolution ---

// resolve maps a tool-supplied relative path to an absolute path below the
// workspace root, rejecting everything that would land outside it.
func (t *Tool) resolve(raw string) (abs, rel string, err error) {
	rel, err = sandbox.SafeRelPath(strings.TrimSpace(raw))
	if err != nil {
		return "", "", err
	}
	abs = filepath.Join(t.root, filepath.FromSlash(rel))
	if err := t.ensureInside(abs, raw); err != nil {
		return "", "", err
	}
	return abs, rel, nil
}

// resolveDir is resolve for directory arguments, where empty and "." mean
// the workspace root.
func (t *Tool) resolveDir(raw string) (abs, rel string, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "." {
		return t.root, ".", nil
	}
	return t.resolve(trimmed)
}

// ensureInside walks up from abs to its deepest existing ancestor and
// checks that the symlink-resolved location is still below the workspace
// root. SafeRelPath already blocks lexical escapes; this blocks symlinked
// ones.
func (t *Tool) ensureInside(abs, raw string) error {
	rootReal, err := filepath.EvalSymlinks(t.root)
	if err != nil {
		return err
	}
	probe := abs
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
				return fmt.Errorf("Path escapes the workspace: %s", raw)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("Path escapes the workspace: %s", raw)
		}
		probe = parent
	}
}

// --- workspace_list_files ---

type listArgs struct {
	Path     string `json:"path"`
	MaxFiles *int   `json:"max_files"`
}

func (t *Tool) listFiles(args listArgs) (map[string]any, error) {
	maxFiles := DefaultListFiles
	if args.MaxFiles != nil {
		maxFiles = *args.MaxFiles
	}
	if maxFiles < 1 || maxFiles > MaxListFiles {
		return nil, fmt.Errorf("max_files must be between 1 and %d", MaxListFiles)
	}

	dirAbs, dirRel, err := t.resolveDir(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dirAbs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Directory not found: %s", dirRel)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("Path is not a directory: %s", dirRel)
	}

	type entry struct {
		path string
		size int64
	}
	entries := make([]entry, 0, 32)
	walkErr := filepath.WalkDir(dirAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return nil
		}
		entries = append(entries, entry{path: filepath.ToSlash(rel), size: fi.Size()})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	truncated := len(entries) > maxFiles
	if truncated {
		entries = entries[:maxFiles]
	}
	files := make([]any, 0, len(entries))
	for _, e := range entries {
		files = append(files, map[string]any{"path": e.path, "size_bytes": e.size})
	}
	return map[string]any{
		"path":      dirRel,
		"count":     len(files),
		"files":     files,
		"truncated": truncated,
	}, nil
}

// --- workspace_read_file ---

type readArgs struct {
	Path     string `json:"path"`
	MaxChars *int   `json:"max_chars"`
}

func (t *Tool) readFile(args readArgs) (map[string]any, error) {
	maxChars := DefaultReadChars
	if args.MaxChars != nil {
		maxChars = *args.MaxChars
	}
	if maxChars < MinReadChars || maxChars > MaxReadChars {
		return nil, fmt.Errorf("max_chars must be between %d and %d", MinReadChars, MaxReadChars)
	}

	abs, rel, err := t.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("File not found: %s", rel)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("Path is a directory: %s (use workspace_list_files)", rel)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	kind := "text"
	var content string
	switch {
	case strings.EqualFold(filepath.Ext(abs), ".pdf"):
		text, err := extractPDFText(data)
		if err != nil {
			return nil, fmt.Errorf("Could not extract PDF text from %s: %w", rel, err)
		}
		content, kind = text, "pdf_text"
	case !utf8.Valid(data):
		return nil, fmt.Errorf("File is not UTF-8 text: %s (use workspace_exec to inspect binary files)", rel)
	default:
		content = string(data)
	}

	clipped, truncated := clipText(content, maxChars)
	return map[string]any{
		"path":       rel,
		"size_bytes": info.Size(),
		"kind":       kind,
		"content":    clipped,
		"truncated":  truncated,
	}, nil
}

// extractPDFText pulls plain text from every readable page, skipping pages
// the parser cannot decode.
func extractPDFText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// --- workspace_write_file ---

type writeArgs struct {
	Path    string      `json:"path"`
	Content *string     `json:"content"`
	Files   []writeFile `json:"files"`
}

type writeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *Tool) writeFiles(args writeArgs) (map[string]any, error) {
	batch := len(args.Files) > 0
	single := strings.TrimSpace(args.Path) != "" || args.Content != nil
	if batch && single {
		return nil, fmt.Errorf("Provide either path and content or a files array, not both")
	}

	if !batch {
		if strings.TrimSpace(args.Path) == "" || args.Content == nil {
			return nil, fmt.Errorf("path and content are required (or provide a files array)")
		}
		rel, size, err := t.writeOne(args.Path, *args.Content)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": rel, "size_bytes": size}, nil
	}

	if len(args.Files) > MaxBatchFiles {
		return nil, fmt.Errorf("Too many files. Maximum is %d.", MaxBatchFiles)
	}
	written := make([]any, 0, len(args.Files))
	for _, f := range args.Files {
		rel, size, err := t.writeOne(f.Path, f.Content)
		if err != nil {
			return nil, err
		}
		written = append(written, map[string]any{"path": rel, "size_bytes": size})
	}
	return map[string]any{"mode": "batch", "written_files": written, "count": len(written)}, nil
}

func (t *Tool) writeOne(p, content string) (string, int64, error) {
	if len(p) > sandbox.MaxFilePathLen {
		return "", 0, fmt.Errorf("File path is too long: %s", p)
	}
	if len(content) > sandbox.MaxFileChars {
		return "", 0, fmt.Errorf("File content too large for: %s", p)
	}
	abs, rel, err := t.resolve(p)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", 0, err
	}
	return rel, int64(len(content)), nil
}

// --- workspace_exec ---

type execArgs struct {
	Language       string   `json:"language"`
	Code           string   `json:"code"`
	Cwd            string   `json:"cwd"`
	Stdin          string   `json:"stdin"`
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	MemoryLimitMB  *int     `json:"memory_limit_mb"`
	MaxOutputChars *int     `json:"max_output_chars"`
}

func (t *Tool) execScript(ctx context.Context, args execArgs) (map[string]any, error) {
	language := args.Language
	if language == "" {
		language = sandbox.LangPython
	}
	if language != sandbox.LangPython && language != sandbox.LangBash {
		return nil, fmt.Errorf("language must be python or bash")
	}
	if strings.TrimSpace(args.Code) == "" {
		return nil, fmt.Errorf("code is required")
	}
	if len(args.Code) > sandbox.MaxCodeChars {
		return nil, fmt.Errorf("code is too large. Maximum is %d characters", sandbox.MaxCodeChars)
	}
	if len(args.Stdin) > sandbox.MaxStdinChars {
		return nil, fmt.Errorf("stdin is too large. Maximum is %d characters", sandbox.MaxStdinChars)
	}
	timeout := DefaultExecTimeoutSeconds
	if args.TimeoutSeconds != nil {
		timeout = *args.TimeoutSeconds
	}
	if timeout <= sandbox.MinTimeoutSeconds || timeout > sandbox.MaxTimeoutSeconds {
		return nil, fmt.Errorf("timeout_seconds must be greater than %g and at most %g",
			sandbox.MinTimeoutSeconds, sandbox.MaxTimeoutSeconds)
	}
	memMB := sandbox.DefaultMemoryMB
	if args.MemoryLimitMB != nil {
		memMB = *args.MemoryLimitMB
	}
	if memMB < sandbox.MinMemoryMB || memMB > sandbox.MaxMemoryMB {
		return nil, fmt.Errorf("memory_limit_mb must be between %d and %d",
			sandbox.MinMemoryMB, sandbox.MaxMemoryMB)
	}
	maxOutput := sandbox.DefaultMaxOutput
	if args.MaxOutputChars != nil {
		maxOutput = *args.MaxOutputChars
	}
	if maxOutput < sandbox.MinMaxOutput || maxOutput > sandbox.MaxMaxOutput {
		return nil, fmt.Errorf("max_output_chars must be between %d and %d",
			sandbox.MinMaxOutput, sandbox.MaxMaxOutput)
	}

	cwdAbs, cwdRel, err := t.resolveDir(args.Cwd)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(cwdAbs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("cwd is not a workspace directory: %s", cwdRel)
	}

	scriptRel, scriptAbs, err := t.persistScript(language, args.Code)
	if err != nil {
		return nil, err
	}
	argvPath, err := filepath.Rel(cwdAbs, scriptAbs)
	if err != nil {
		return nil, err
	}
	command := scriptCommand(language, filepath.ToSlash(argvPath))

	before := snapshotFiles(t.root)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = cwdAbs
	cmd.Env = execEnv(t.root)
	if args.Stdin != "" {
		cmd.Stdin = strings.NewReader(args.Stdin)
	}
	stdout := sandbox.NewCapWriter(maxOutput)
	stderr := sandbox.NewCapWriter(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	sandbox.ApplyProcessLimits(cmd.Process.Pid, timeout, memMB)

	waitErr := cmd.Wait()
	durationMs := math.Round(float64(time.Since(start).Microseconds())/10) / 100

	timedOut := false
	var returnCode *int
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		timedOut = true
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			returnCode = &code
		} else {
			return nil, waitErr
		}
	default:
		code := cmd.ProcessState.ExitCode()
		returnCode = &code
	}

	artifacts := diffArtifacts(before, snapshotFiles(t.root), scriptRel)
	t.logger.Debug("workspace_exec finished",
		"script", scriptRel, "timed_out", timedOut, "duration_ms", durationMs,
		"artifacts", len(artifacts))

	var rc any
	if returnCode != nil {
		rc = *returnCode
	}
	return map[string]any{
		"language":         language,
		"script_path":      scriptRel,
		"cwd":              cwdRel,
		"command":          command,
		"timeout_seconds":  timeout,
		"memory_limit_mb":  memMB,
		"timed_out":        timedOut,
		"return_code":      rc,
		"stdout":           stdout.String(),
		"stderr":           stderr.String(),
		"stdout_truncated": stdout.Truncated(),
		"stderr_truncated": stderr.Truncated(),
		"duration_ms":      durationMs,
		"artifacts":        artifacts,
	}, nil
}

// persistScript writes the script under agent_scripts/ with a per-run
// sequence number and returns its workspace-relative and absolute paths.
func (t *Tool) persistScript(language, code string) (string, string, error) {
	dir := filepath.Join(t.root, scriptsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	ext := ".py"
	if language == sandbox.LangBash {
		ext = ".sh"
	}
	name := fmt.Sprintf("script_%04d%s", t.scriptSeq.Add(1), ext)
	abs := filepath.Join(dir, name)
	if err := os.WriteFile(abs, []byte(code), 0o644); err != nil {
		return "", "", err
	}
	return path.Join(scriptsDirName, name), abs, nil
}

func scriptCommand(language, scriptPath string) []string {
	if language == sandbox.LangBash {
		return []string{"bash", scriptPath}
	}
	return []string{"python3", "-I", scriptPath}
}

// execEnv keeps script environments minimal. HOME points at the workspace
// so stray "~" writes stay inside it; temp files go to the real TMPDIR so
// they do not show up as artifacts.
func execEnv(root string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + root,
		"TMPDIR=" + os.TempDir(),
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PYTHONNOUSERSITE=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

// --- artifact detection ---

type fileStamp struct {
	size    int64
	modTime time.Time
}

// snapshotFiles records size and mtime for every regular file below root.
func snapshotFiles(root string) map[string]fileStamp {
	stamps := map[string]fileStamp{}
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		stamps[filepath.ToSlash(rel)] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return stamps
}

// diffArtifacts lists files that appeared or changed between two snapshots,
// excluding the script that ran.
func diffArtifacts(before, after map[string]fileStamp, excludeRel string) []any {
	changed := make([]string, 0)
	for rel, stamp := range after {
		if rel == excludeRel {
			continue
		}
		if prev, ok := before[rel]; ok && prev == stamp {
			continue
		}
		changed = append(changed, rel)
	}
	sort.Strings(changed)
	if len(changed) > MaxExecArtifacts {
		changed = changed[:MaxExecArtifacts]
	}
	artifacts := make([]any, 0, len(changed))
	for _, rel := range changed {
		artifacts = append(artifacts, map[string]any{"path": rel, "size_bytes": after[rel].size})
	}
	return artifacts
}

// clipText truncates on rune boundaries so clipped content stays valid
// UTF-8.
func clipText(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	return string([]rune(s)[:max]), true
}
