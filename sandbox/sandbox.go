// Package sandbox executes small untrusted programs on behalf of workflow
// agents. A Runner takes a Request (language, code, optional seed files and
// stdin) and returns a Result describing what happened: captured output,
// exit code, artifacts left in the working directory, and the isolation
// caveats of the backend that ran it.
//
// Three backends are provided: subprocess (temporary directory plus kernel
// resource limits), docker (disposable container per execution), and remote
// (an HTTP sandbox service, see cmd/sandbox).
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Supported language identifiers.
const (
	LangPython = "python"
	LangBash   = "bash"
)

// Request limits. Requests outside these bounds are rejected before any
// process is started.
const (
	MaxCodeChars    = 100_000
	MaxStdinChars   = 100_000
	MaxFiles        = 20
	MaxFilePathLen  = 200
	MaxFileChars    = 200_000
	MaxArtifacts    = 20
	artifactPreview = 2000
	previewableSize = 8192
)

// Default and boundary values applied by ApplyDefaults / Validate.
const (
	DefaultTimeoutSeconds = 5.0
	MinTimeoutSeconds     = 0.25
	MaxTimeoutSeconds     = 30.0
	DefaultMemoryMB       = 256
	MinMemoryMB           = 32
	MaxMemoryMB           = 1024
	DefaultMaxOutput      = 20_000
	MinMaxOutput          = 200
	MaxMaxOutput          = 200_000
)

// Request describes one code execution.
type Request struct {
	Language       string            `json:"language"`
	Code           string            `json:"code"`
	Stdin          string            `json:"stdin,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	MemoryLimitMB  int               `json:"memory_limit_mb"`
	MaxOutputChars int               `json:"max_output_chars"`
	Files          map[string]string `json:"files,omitempty"`
}

// Artifact is a file left behind in the working directory after execution.
type Artifact struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	TextPreview string `json:"text_preview,omitempty"`
}

// Result is the outcome of one execution. A timeout is reported as
// TimedOut=true with a nil ReturnCode; it is not an error.
type Result struct {
	Language        string     `json:"language"`
	Command         []string   `json:"command"`
	TimeoutSeconds  float64    `json:"timeout_seconds"`
	MemoryLimitMB   int        `json:"memory_limit_mb"`
	TimedOut        bool       `json:"timed_out"`
	ReturnCode      *int       `json:"return_code"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	StdoutTruncated bool       `json:"stdout_truncated"`
	StderrTruncated bool       `json:"stderr_truncated"`
	DurationMs      float64    `json:"duration_ms"`
	Artifacts       []Artifact `json:"artifacts"`
	Limitations     []string   `json:"limitations"`
}

// Runner executes one Request and reports the outcome. Implementations must
// honor ctx cancellation and must return timeouts inside the Result rather
// than as an error.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Backend identifiers accepted by New.
const (
	BackendSubprocess = "subprocess"
	BackendDocker     = "docker"
	BackendHTTP       = "http"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend string // subprocess (default), docker, or http
	URL     string // http backend: base URL of the sandbox service
	Image   string // docker backend: container image to run
}

// New builds the Runner selected by cfg.
func New(cfg Config, logger *slog.Logger) (Runner, error) {
	switch cfg.Backend {
	case "", BackendSubprocess:
		return NewSubprocess(logger), nil
	case BackendDocker:
		return NewDocker(cfg.Image, logger)
	case BackendHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sandbox: http backend requires a service URL")
		}
		return NewRemote(cfg.URL, logger), nil
	default:
		return nil, fmt.Errorf("sandbox: unknown backend %q", cfg.Backend)
	}
}

// --- request normalization ---

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (r *Request) ApplyDefaults() {
	if r.Language == "" {
		r.Language = LangPython
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if r.MemoryLimitMB == 0 {
		r.MemoryLimitMB = DefaultMemoryMB
	}
	if r.MaxOutputChars == 0 {
		r.MaxOutputChars = DefaultMaxOutput
	}
}

// Validate rejects requests outside the documented bounds. Call after
// ApplyDefaults.
func (r *Request) Validate() error {
	if r.Language != LangPython && r.Language != LangBash {
		return fmt.Errorf("language must be python or bash")
	}
	if r.Code == "" {
		return fmt.Errorf("code is required")
	}
	if len(r.Code) > MaxCodeChars {
		return fmt.Errorf("code is too large. Maximum is %d characters", MaxCodeChars)
	}
	if len(r.Stdin) > MaxStdinChars {
		return fmt.Errorf("stdin is too large. Maximum is %d characters", MaxStdinChars)
	}
	if r.TimeoutSeconds <= MinTimeoutSeconds || r.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds must be greater than %g and at most %g", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if r.MemoryLimitMB < MinMemoryMB || r.MemoryLimitMB > MaxMemoryMB {
		return fmt.Errorf("memory_limit_mb must be between %d and %d", MinMemoryMB, MaxMemoryMB)
	}
	if r.MaxOutputChars < MinMaxOutput || r.MaxOutputChars > MaxMaxOutput {
		return fmt.Errorf("max_output_chars must be between %d and %d", MinMaxOutput, MaxMaxOutput)
	}
	if len(r.Files) > MaxFiles {
		return fmt.Errorf("Too many files. Maximum is %d.", MaxFiles)
	}
	for p, content := range r.Files {
		if len(p) > MaxFilePathLen {
			return fmt.Errorf("File path is too long: %s", p)
		}
		if _, err := SafeRelPath(p); err != nil {
			return err
		}
		if len(content) > MaxFileChars {
			return fmt.Errorf("File content too large for: %s", p)
		}
	}
	return nil
}

// SafeRelPath normalizes p to a slash-separated relative path and rejects
// anything that could escape the working directory.
func SafeRelPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("File path cannot be empty")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", fmt.Errorf("Absolute paths are not allowed: %s", p)
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(normalized, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("Unsafe relative path: %s", p)
		}
	}
	return strings.Join(parts, "/"), nil
}

// --- execution scaffolding shared by the backends ---

// entrypointFor returns the script file name the backend writes and runs.
func entrypointFor(language string) string {
	if language == LangBash {
		return "main.sh"
	}
	return "main.py"
}

// commandFor returns the command line used to run the entrypoint.
func commandFor(language string) []string {
	if language == LangBash {
		return []string{"bash", "main.sh"}
	}
	// -I: isolated mode, ignores user site-packages and PYTHON* env vars.
	return []string{"python3", "-I", "main.py"}
}

// materialize writes the request's seed files and entrypoint under dir.
// Paths must already have passed Validate.
func materialize(dir string, req Request) error {
	names := make([]string, 0, len(req.Files))
	for p := range req.Files {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		rel, err := SafeRelPath(p)
		if err != nil {
			return err
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create file dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, []byte(req.Files[p]), 0o644); err != nil {
			return fmt.Errorf("write file %s: %w", rel, err)
		}
	}
	entry := entrypointFor(req.Language)
	if err := os.WriteFile(filepath.Join(dir, entry), []byte(req.Code), 0o644); err != nil {
		return fmt.Errorf("write entrypoint %s: %w", entry, err)
	}
	return nil
}

// runEnv returns the restricted environment the sandboxed process sees.
func runEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PYTHONNOUSERSITE=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

// collectArtifacts walks root and reports up to MaxArtifacts files that the
// execution left behind, skipping the entrypoint itself. Small UTF-8 files
// carry a short text preview.
func collectArtifacts(root, entrypoint string) []Artifact {
	out := []Artifact{}
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == entrypoint {
			return nil
		}
		if len(out) >= MaxArtifacts {
			return filepath.SkipAll
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		a := Artifact{Path: rel, SizeBytes: info.Size()}
		if info.Size() <= previewableSize {
			if data, readErr := os.ReadFile(path); readErr == nil && utf8.Valid(data) {
				preview := string(data)
				if len(preview) > artifactPreview {
					preview = preview[:artifactPreview]
				}
				a.TextPreview = preview
			}
		}
		out = append(out, a)
		return nil
	})
	return out
}

// clipOutput truncates s to max characters and reports whether it did.
func clipOutput(s string, max int) (string, bool) {
	if max > 0 && len(s) > max {
		return s[:max], true
	}
	return s, false
}

// CapWriter captures up to limit bytes and discards (but counts) the rest,
// so runaway output cannot exhaust memory before truncation.
type CapWriter struct {
	buf      strings.Builder
	limit    int
	overflow bool
}

// NewCapWriter returns a writer that keeps the first limit bytes and counts
// the rest as overflow. Used for stdout/stderr capture by the backends and
// by the workspace exec tool.
func NewCapWriter(limit int) *CapWriter {
	return &CapWriter{limit: limit}
}

func (w *CapWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			w.overflow = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.overflow = true
	}
	return len(p), nil
}

func (w *CapWriter) String() string  { return w.buf.String() }
func (w *CapWriter) Truncated() bool { return w.overflow }

func roundMs(d float64) float64 { return math.Round(d*100) / 100 }

var nopLogger = slog.New(slog.DiscardHandler)
