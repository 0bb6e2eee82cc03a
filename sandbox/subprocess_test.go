package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// --- subprocess runner ---

func TestSubprocessEcho(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language: LangBash,
		Code:     "echo hello",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ReturnCode == nil || *res.ReturnCode != 0 {
		t.Errorf("return code = %v", res.ReturnCode)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
	if len(res.Command) != 2 || res.Command[0] != "bash" {
		t.Errorf("command = %v", res.Command)
	}
	if len(res.Limitations) != 2 {
		t.Errorf("limitations = %v", res.Limitations)
	}
}

func TestSubprocessExitCode(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language: LangBash,
		Code:     "echo oops >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ReturnCode == nil || *res.ReturnCode != 3 {
		t.Errorf("return code = %v", res.ReturnCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestSubprocessStdin(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language: LangBash,
		Code:     "cat",
		Stdin:    "pass-through",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "pass-through" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestSubprocessTimeout(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language:       LangBash,
		Code:           "sleep 10",
		TimeoutSeconds: 0.3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected timed_out")
	}
	if res.ReturnCode != nil {
		t.Errorf("return code should be nil on timeout, got %v", res.ReturnCode)
	}
}

func TestSubprocessArtifactsAndSeedFiles(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language: LangBash,
		Code:     "cat seed.txt > copy.txt",
		Files:    map[string]string{"seed.txt": "seed-content"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var found bool
	for _, a := range res.Artifacts {
		if a.Path == "copy.txt" {
			found = true
			if a.TextPreview != "seed-content" {
				t.Errorf("preview = %q", a.TextPreview)
			}
		}
	}
	if !found {
		t.Fatalf("copy.txt not in artifacts: %+v", res.Artifacts)
	}
}

func TestSubprocessOutputTruncation(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	res, err := r.Run(context.Background(), Request{
		Language:       LangBash,
		Code:           "printf 'a%.0s' {1..1000}",
		MaxOutputChars: MinMaxOutput,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Stdout) != MinMaxOutput {
		t.Errorf("stdout len = %d", len(res.Stdout))
	}
	if !res.StdoutTruncated {
		t.Error("expected stdout_truncated")
	}
}

func TestSubprocessRejectsInvalidRequest(t *testing.T) {
	r := NewSubprocess(nil)
	if _, err := r.Run(context.Background(), Request{Language: LangBash}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSubprocessCancelledContext(t *testing.T) {
	requireBash(t)
	r := NewSubprocess(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, Request{Language: LangBash, Code: "echo hi"}); err == nil {
		t.Fatal("expected context error")
	}
}
