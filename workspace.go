package engine

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// WorkspaceDirectories names the fixed layout inside a run workspace.
type WorkspaceDirectories struct {
	AgentScripts string `json:"agentScripts"`
	UserUploads  string `json:"userUploads"`
	Inputs       string `json:"inputs"`
	Deliverables string `json:"deliverables"`
}

// WorkspaceInfo describes the shared on-disk workspace of a run. All
// agents of the run read and write below Root; uploads and inputs are
// materialized before the first node starts.
type WorkspaceInfo struct {
	Root        string               `json:"root"`
	Directories WorkspaceDirectories `json:"directories"`
	UserUploads any                  `json:"userUploads"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func (w WorkspaceInfo) clone() WorkspaceInfo {
	clone := w
	clone.UserUploads = Clone(w.UserUploads)
	return clone
}

var unsafeFSChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFSName reduces an arbitrary label to a filesystem-safe name.
func safeFSName(value, fallback string) string {
	cleaned := unsafeFSChars.ReplaceAllString(strings.TrimSpace(value), "_")
	cleaned = strings.Trim(cleaned, "._")
	if len(cleaned) > 120 {
		cleaned = cleaned[:120]
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

// runArtifactDir is the per-run directory under the artifacts root that
// holds the workspace and the persisted deliverables.
func runArtifactDir(artifactsRoot, runID string) string {
	if runID == "" {
		runID = "run"
	}
	return filepath.Join(artifactsRoot, safeFSName(runID, "run"))
}

// writeJSONFile writes indented UTF-8 JSON, creating parent directories.
func writeJSONFile(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// prepareRunWorkspace creates the workspace tree for a queued run, writes
// the run inputs and context files, materializes user uploads, and
// records the resulting WorkspaceInfo on the run.
func prepareRunWorkspace(artifactsRoot string, run *Run) error {
	runDir := runArtifactDir(artifactsRoot, run.ID)
	root := filepath.Join(runDir, "workspace")
	dirs := WorkspaceDirectories{
		AgentScripts: filepath.Join(root, "agent_scripts"),
		UserUploads:  filepath.Join(root, "user_uploads"),
		Inputs:       filepath.Join(root, "inputs"),
		Deliverables: filepath.Join(root, "deliverables"),
	}
	for _, dir := range []string{root, dirs.AgentScripts, dirs.UserUploads, dirs.Inputs, dirs.Deliverables} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	inputs := run.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := writeJSONFile(filepath.Join(dirs.Inputs, "run_inputs.json"), inputs); err != nil {
		return err
	}
	context := map[string]any{
		"runId":                 run.ID,
		"workflowId":            run.WorkflowID,
		"workflowName":          run.WorkflowName,
		"requestedDeliverables": run.RequestedDeliverables,
		"createdAt":             run.CreatedAt,
	}
	if err := writeJSONFile(filepath.Join(dirs.Inputs, "run_context.json"), context); err != nil {
		return err
	}

	manifest, err := saveUploadedFiles(dirs.UserUploads, root, inputs)
	if err != nil {
		return err
	}
	if len(manifest) > 0 {
		if err := writeJSONFile(filepath.Join(dirs.Inputs, "uploaded_files_manifest.json"), manifest); err != nil {
			return err
		}
	}
	if manifest == nil {
		manifest = []uploadRecord{}
	}

	info := &WorkspaceInfo{
		Root:        root,
		Directories: dirs,
		UserUploads: Sanitize(manifest, limits(5, 100, 2000)),
		CreatedAt:   nowUTC(),
	}
	run.Workspace = info
	run.WorkspaceDirectory = root
	dirsCopy := dirs
	run.WorkspaceDirectories = &dirsCopy
	return nil
}
