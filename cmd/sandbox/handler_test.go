package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ninthseat/engine/sandbox"
)

type fakeRunner struct {
	result sandbox.Result
	err    error
	last   sandbox.Request
}

func (f *fakeRunner) Run(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.last = req
	return f.result, f.err
}

func (f *fakeRunner) Name() string { return "fake" }

func postRun(t *testing.T, sem chan struct{}, runner sandbox.Runner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	w := httptest.NewRecorder()
	handleRun(sem, runner, w, req)
	return w
}

func TestHandleRun(t *testing.T) {
	code := 0
	runner := &fakeRunner{result: sandbox.Result{
		Language:   sandbox.LangPython,
		Stdout:     "hi\n",
		ReturnCode: &code,
	}}
	sem := make(chan struct{}, 1)

	w := postRun(t, sem, runner, `{"language":"python","code":"print('hi')"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var res sandbox.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.ReturnCode == nil || *res.ReturnCode != 0 {
		t.Errorf("ReturnCode = %v, want 0", res.ReturnCode)
	}

	// Defaults were applied before the runner saw the request.
	if runner.last.TimeoutSeconds != sandbox.DefaultTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %v, want %v", runner.last.TimeoutSeconds, sandbox.DefaultTimeoutSeconds)
	}
}

func TestHandleRunInvalidJSON(t *testing.T) {
	w := postRun(t, make(chan struct{}, 1), &fakeRunner{}, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid JSON") {
		t.Errorf("body = %s, want invalid JSON error", w.Body.String())
	}
}

func TestHandleRunValidation(t *testing.T) {
	w := postRun(t, make(chan struct{}, 1), &fakeRunner{}, `{"language":"python"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "code is required") {
		t.Errorf("body = %s, want code required error", w.Body.String())
	}
}

func TestHandleRunCapacity(t *testing.T) {
	sem := make(chan struct{}, 1)
	sem <- struct{}{} // saturate

	w := postRun(t, sem, &fakeRunner{}, `{"language":"python","code":"print(1)"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handleHealth(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ready") {
		t.Errorf("body = %s, want ready", w.Body.String())
	}
}
