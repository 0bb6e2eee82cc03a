package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- path validation ---

func TestSafeRelPath(t *testing.T) {
	ok := []struct{ in, want string }{
		{"out.txt", "out.txt"},
		{"data/report.csv", "data/report.csv"},
		{"nested\\win\\path.txt", "nested/win/path.txt"},
	}
	for _, tc := range ok {
		got, err := SafeRelPath(tc.in)
		if err != nil {
			t.Errorf("SafeRelPath(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SafeRelPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	bad := []string{"", "/etc/passwd", "\\windows", "a/../b", "./a", "a//b", ".."}
	for _, in := range bad {
		if _, err := SafeRelPath(in); err == nil {
			t.Errorf("SafeRelPath(%q) should fail", in)
		}
	}
}

// --- request defaults and validation ---

func TestApplyDefaults(t *testing.T) {
	var req Request
	req.Code = "print(1)"
	req.ApplyDefaults()
	if req.Language != LangPython {
		t.Errorf("language = %q", req.Language)
	}
	if req.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("timeout = %v", req.TimeoutSeconds)
	}
	if req.MemoryLimitMB != DefaultMemoryMB {
		t.Errorf("memory = %d", req.MemoryLimitMB)
	}
	if req.MaxOutputChars != DefaultMaxOutput {
		t.Errorf("max output = %d", req.MaxOutputChars)
	}
}

func TestValidateBounds(t *testing.T) {
	base := func() Request {
		r := Request{Code: "true"}
		r.ApplyDefaults()
		return r
	}

	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Request)
		errSub string
	}{
		{"bad language", func(r *Request) { r.Language = "ruby" }, "language"},
		{"empty code", func(r *Request) { r.Code = "" }, "code is required"},
		{"huge code", func(r *Request) { r.Code = strings.Repeat("x", MaxCodeChars+1) }, "code is too large"},
		{"huge stdin", func(r *Request) { r.Stdin = strings.Repeat("x", MaxStdinChars+1) }, "stdin"},
		{"timeout too small", func(r *Request) { r.TimeoutSeconds = 0.2 }, "timeout_seconds"},
		{"timeout too large", func(r *Request) { r.TimeoutSeconds = 31 }, "timeout_seconds"},
		{"memory too small", func(r *Request) { r.MemoryLimitMB = 16 }, "memory_limit_mb"},
		{"memory too large", func(r *Request) { r.MemoryLimitMB = 2048 }, "memory_limit_mb"},
		{"output too small", func(r *Request) { r.MaxOutputChars = 100 }, "max_output_chars"},
		{"unsafe file path", func(r *Request) { r.Files = map[string]string{"../x": "y"} }, "Unsafe relative path"},
		{"long file path", func(r *Request) {
			r.Files = map[string]string{strings.Repeat("a", MaxFilePathLen+1): "y"}
		}, "File path is too long"},
		{"huge file", func(r *Request) {
			r.Files = map[string]string{"big.txt": strings.Repeat("x", MaxFileChars+1)}
		}, "File content too large"},
	}
	for _, tc := range cases {
		req := base()
		tc.mutate(&req)
		err := req.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.errSub) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.errSub)
		}
	}
}

func TestValidateTooManyFiles(t *testing.T) {
	req := Request{Code: "true", Files: map[string]string{}}
	req.ApplyDefaults()
	for i := 0; i <= MaxFiles; i++ {
		req.Files["f"+strings.Repeat("i", i)+".txt"] = "x"
	}
	err := req.Validate()
	if err == nil || !strings.Contains(err.Error(), "Too many files") {
		t.Fatalf("err = %v", err)
	}
}

// --- scaffolding ---

func TestCommandAndEntrypoint(t *testing.T) {
	if got := entrypointFor(LangPython); got != "main.py" {
		t.Errorf("python entrypoint = %q", got)
	}
	if got := entrypointFor(LangBash); got != "main.sh" {
		t.Errorf("bash entrypoint = %q", got)
	}
	py := commandFor(LangPython)
	if len(py) != 3 || py[0] != "python3" || py[1] != "-I" {
		t.Errorf("python command = %v", py)
	}
	sh := commandFor(LangBash)
	if len(sh) != 2 || sh[0] != "bash" {
		t.Errorf("bash command = %v", sh)
	}
}

func TestMaterializeWritesFilesAndEntrypoint(t *testing.T) {
	dir := t.TempDir()
	req := Request{
		Language: LangPython,
		Code:     "print('hi')",
		Files: map[string]string{
			"data/answers.txt": "42",
			"notes.md":         "# notes",
		},
	}
	if err := materialize(dir, req); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for rel, want := range map[string]string{
		"main.py":          "print('hi')",
		"data/answers.txt": "42",
		"notes.md":         "# notes",
	} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", rel, data, want)
		}
	}
}

func TestCollectArtifacts(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("code"), 0o644)
	os.WriteFile(filepath.Join(dir, "out.txt"), []byte("hello world"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "data.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644)

	arts := collectArtifacts(dir, "main.py")
	if len(arts) != 2 {
		t.Fatalf("artifacts = %+v", arts)
	}
	byPath := map[string]Artifact{}
	for _, a := range arts {
		byPath[a.Path] = a
	}
	txt, ok := byPath["out.txt"]
	if !ok || txt.SizeBytes != 11 || txt.TextPreview != "hello world" {
		t.Errorf("out.txt artifact = %+v", txt)
	}
	bin, ok := byPath["sub/data.bin"]
	if !ok || bin.TextPreview != "" {
		t.Errorf("binary artifact should have no preview: %+v", bin)
	}
}

func TestCollectArtifactsLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < MaxArtifacts+5; i++ {
		name := filepath.Join(dir, "f"+strings.Repeat("x", i%10)+string(rune('a'+i%26))+".txt")
		os.WriteFile(name, []byte("x"), 0o644)
	}
	arts := collectArtifacts(dir, "main.py")
	if len(arts) > MaxArtifacts {
		t.Fatalf("artifact count = %d, want <= %d", len(arts), MaxArtifacts)
	}
}

// --- output capture ---

func TestCapWriter(t *testing.T) {
	w := NewCapWriter(5)
	n, err := w.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if w.String() != "abcde" {
		t.Errorf("captured = %q", w.String())
	}
	if !w.Truncated() {
		t.Error("expected truncation")
	}

	w = NewCapWriter(10)
	w.Write([]byte("short"))
	if w.Truncated() {
		t.Error("unexpected truncation")
	}
	if w.String() != "short" {
		t.Errorf("captured = %q", w.String())
	}
}

// --- backend selection ---

func TestNewSelectsBackend(t *testing.T) {
	r, err := New(Config{}, nil)
	if err != nil || r.Name() != BackendSubprocess {
		t.Fatalf("default backend = %v, %v", r, err)
	}
	r, err = New(Config{Backend: BackendHTTP, URL: "http://127.0.0.1:1"}, nil)
	if err != nil || r.Name() != BackendHTTP {
		t.Fatalf("http backend = %v, %v", r, err)
	}
	if _, err := New(Config{Backend: BackendHTTP}, nil); err == nil {
		t.Error("http backend without URL should fail")
	}
	if _, err := New(Config{Backend: "vm"}, nil); err == nil {
		t.Error("unknown backend should fail")
	}
}
