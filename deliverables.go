package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// isCodeDeliverableName reports whether a requested deliverable name
// implies runnable code, which sink nodes must satisfy with a real
// code bundle.
func isCodeDeliverableName(name string) bool {
	lowered := strings.ToLower(strings.TrimSpace(name))
	for _, token := range []string{"code", "app", "bundle", "source", "repo"} {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// safeBundleRelPath normalizes one bundle file path to a safe relative
// POSIX path: backslashes become slashes, empty and dot segments drop
// out, and each segment is reduced to filesystem-safe characters. An
// empty result means the path is unusable.
func safeBundleRelPath(raw string) string {
	path := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, safeFSName(part, "file"))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "/")
}

// extractCodeBundleFiles accepts {kind:'code_bundle', files:{path:
// content}} payloads and returns relative path to content, or nil when
// the payload carries no usable files. Non-string contents are rendered
// as JSON.
func extractCodeBundleFiles(payload any) map[string]string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	rawFiles, ok := obj["files"].(map[string]any)
	if !ok {
		return nil
	}
	files := map[string]string{}
	for rawPath, rawContent := range rawFiles {
		rel := safeBundleRelPath(rawPath)
		if rel == "" {
			continue
		}
		switch v := rawContent.(type) {
		case string:
			files[rel] = v
		case nil:
			files[rel] = ""
		default:
			files[rel] = Preview(v, 50000)
		}
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

func sortedBundlePaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// extractTextCandidate walks each path into the output and returns the
// first non-empty string it finds, trimmed.
func extractTextCandidate(output map[string]any, paths ...[]string) string {
	for _, path := range paths {
		var current any = output
		found := true
		for _, part := range path {
			m, isMap := current.(map[string]any)
			if !isMap {
				found = false
				break
			}
			v, present := m[part]
			if !present {
				found = false
				break
			}
			current = v
		}
		if !found {
			continue
		}
		if s, isStr := current.(string); isStr && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// finalizeRunSuccess settles a run whose nodes all completed: it derives
// the final summary and markdown from the sink outputs, builds the
// canonical and requested deliverables, persists everything to disk,
// and records the workflow outputs. Must be called under the registry
// lock.
func (reg *Registry) finalizeRunSuccess(run *Run) error {
	now := nowUTC()
	run.Status = StatusSuccess
	run.FinishedAt = &now
	run.ActiveNodeID = ""
	run.DurationMs = computeDurationMs(run.StartedAt, run.FinishedAt)

	meta := run.meta
	sinkNodes := []string{}
	for _, nodeID := range meta.order {
		if len(meta.outgoing[nodeID]) == 0 {
			sinkNodes = append(sinkNodes, nodeID)
		}
	}
	var summaries []string
	var sinkOutputs []map[string]any
	for _, nodeID := range sinkNodes {
		output, ok := meta.nodeOutputs[nodeID]
		if !ok {
			continue
		}
		if s, isStr := output["summary"].(string); isStr {
			summaries = append(summaries, s)
		}
		sinkOutputs = append(sinkOutputs, output)
	}
	finalSummary := strings.TrimSpace(strings.Join(summaries, " "))
	if finalSummary == "" {
		finalSummary = "Workflow completed successfully."
	}

	finalMarkdown := ""
	for _, output := range sinkOutputs {
		finalMarkdown = extractTextCandidate(output,
			[]string{"data", "final_markdown"},
			[]string{"data", "finalMarkdown"},
			[]string{"details", "agentDetails", "final_markdown"},
		)
		if finalMarkdown != "" {
			break
		}
	}
	if finalMarkdown == "" {
		finalMarkdown = fmt.Sprintf("# %s\n\n%s\n", run.WorkflowName, finalSummary)
	}

	producer := ""
	if len(sinkNodes) > 0 {
		producer = sinkNodes[0]
	}
	deliverables := []Deliverable{{
		ID:             newDeliverableID(),
		Name:           "final-output.md",
		Type:           "file",
		MimeType:       "text/markdown",
		ProducerNodeID: producer,
		Status:         "final",
		Preview:        Truncate(finalSummary, 500),
		Content:        finalMarkdown,
		Metadata:       map[string]any{"kind": "final_summary"},
	}}

	// First sink to publish a deliverable name wins.
	sinkMap := map[string]any{}
	for _, output := range sinkOutputs {
		data, ok := output["data"].(map[string]any)
		if !ok {
			continue
		}
		rawMap, ok := data["deliverables"].(map[string]any)
		if !ok {
			continue
		}
		for key, value := range rawMap {
			if key == "" {
				continue
			}
			if _, seen := sinkMap[key]; !seen {
				sinkMap[key] = value
			}
		}
	}

	for _, requested := range run.RequestedDeliverables {
		name := strings.TrimSpace(requested)
		if name == "" {
			continue
		}
		requestedContent := sinkMap[name]
		bundleFiles := extractCodeBundleFiles(requestedContent)
		deliverableType := "text"
		metadata := map[string]any{"requested": true}
		var content, mimeType string
		if bundleFiles != nil {
			paths := sortedBundlePaths(bundleFiles)
			content = Preview(map[string]any{
				"kind":      "code_bundle",
				"fileCount": len(bundleFiles),
				"files":     paths,
			}, 20000)
			mimeType = "application/x-directory"
			deliverableType = "code_bundle"
			metadata["kind"] = "code_bundle"
			metadata["fileCount"] = len(bundleFiles)
			filePaths := paths
			if len(filePaths) > 40 {
				filePaths = filePaths[:40]
			}
			metadata["filePaths"] = filePaths
		} else {
			switch v := requestedContent.(type) {
			case map[string]any:
				content = Preview(v, 20000)
				mimeType = "application/json"
			case []any:
				content = Preview(v, 20000)
				mimeType = "application/json"
			case string:
				if strings.TrimSpace(v) != "" {
					content = v
				} else {
					content = fmt.Sprintf("%s\n\n%s\n", name, finalSummary)
				}
				mimeType = "text/plain"
			default:
				content = fmt.Sprintf("%s\n\n%s\n", name, finalSummary)
				mimeType = "text/plain"
			}
		}
		deliverables = append(deliverables, Deliverable{
			ID:             newDeliverableID(),
			Name:           name,
			Type:           deliverableType,
			MimeType:       mimeType,
			ProducerNodeID: producer,
			Status:         "final",
			Preview:        Truncate(fmt.Sprintf("%s: %s", name, finalSummary), 500),
			Content:        content,
			Metadata:       metadata,
		})
	}

	manifest, err := persistRunDeliverables(run, reg.artifactsRoot, deliverables, sinkMap)
	if err != nil {
		return err
	}
	run.Deliverables = deliverables
	run.ArtifactDirectory = manifest.DeliverablesDirectory
	run.Outputs = map[string]any{
		"summary":              finalSummary,
		"finalMarkdown":        finalMarkdown,
		"sinkNodeIds":          sinkNodes,
		"nodeOutputCount":      len(meta.nodeOutputs),
		"artifactDirectory":    manifest.DeliverablesDirectory,
		"artifactManifestPath": manifest.ManifestPath,
		"workspaceDirectory":   run.WorkspaceDirectory,
		"workspaceDirectories": Clone(run.WorkspaceDirectories),
	}
	run.appendLog(LogOutput, "Workflow outputs finalized",
		fmt.Sprintf("Prepared %d deliverable(s) and finalized workflow outputs.", len(deliverables)),
		"", map[string]any{
			"deliverableCount":   len(deliverables),
			"summary":            finalSummary,
			"artifactDirectory":  manifest.DeliverablesDirectory,
			"manifestPath":       manifest.ManifestPath,
			"workspaceDirectory": run.WorkspaceDirectory,
		})
	return nil
}

// artifactManifest summarizes what persistRunDeliverables wrote.
type artifactManifest struct {
	RunDirectory          string
	DeliverablesDirectory string
	ManifestPath          string
	Items                 []map[string]any
}

// persistRunDeliverables writes every deliverable into the workspace
// deliverables directory (falling back to the run directory when the
// workspace is missing), expands code bundles into real files with a
// per-bundle _manifest.json, and writes the run-level manifest.json
// enumerating all artifacts. Deliverable entries are updated in place
// with artifact metadata.
func persistRunDeliverables(run *Run, artifactsRoot string, deliverables []Deliverable, sinkMap map[string]any) (artifactManifest, error) {
	runDir := runArtifactDir(artifactsRoot, run.ID)
	deliverablesDir := ""
	if run.Workspace != nil && strings.TrimSpace(run.Workspace.Directories.Deliverables) != "" {
		deliverablesDir = run.Workspace.Directories.Deliverables
	}
	if deliverablesDir == "" {
		deliverablesDir = filepath.Join(runDir, "deliverables")
	}
	if err := os.MkdirAll(deliverablesDir, 0o755); err != nil {
		return artifactManifest{}, err
	}

	items := []map[string]any{}
	used := map[string]bool{}

	for i := range deliverables {
		d := &deliverables[i]
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = fmt.Sprintf("deliverable_%d", i+1)
		}
		candidate := safeFSName(name, fmt.Sprintf("deliverable_%d", i+1))
		uniqueName := candidate
		for suffix := 2; used[uniqueName]; suffix++ {
			stem, ext, hasExt := strings.Cut(candidate, ".")
			if hasExt {
				uniqueName = fmt.Sprintf("%s_%d.%s", stem, suffix, ext)
			} else {
				uniqueName = fmt.Sprintf("%s_%d", stem, suffix)
			}
		}
		used[uniqueName] = true

		if bundleFiles := extractCodeBundleFiles(sinkMap[name]); bundleFiles != nil {
			bundleDir := filepath.Join(deliverablesDir, uniqueName)
			paths := sortedBundlePaths(bundleFiles)
			for _, rel := range paths {
				dest := filepath.Join(bundleDir, filepath.FromSlash(rel))
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					return artifactManifest{}, err
				}
				if err := os.WriteFile(dest, []byte(bundleFiles[rel]), 0o644); err != nil {
					return artifactManifest{}, err
				}
			}
			bundleManifest := map[string]any{
				"name":       name,
				"kind":       "code_bundle",
				"file_count": len(paths),
				"files":      paths,
			}
			if err := writeJSONFile(filepath.Join(bundleDir, "_manifest.json"), bundleManifest); err != nil {
				return artifactManifest{}, err
			}

			if d.Metadata == nil {
				d.Metadata = map[string]any{}
			}
			d.Metadata["artifactKind"] = "directory"
			d.Metadata["artifactPath"] = bundleDir
			d.Metadata["artifactFileCount"] = len(paths)
			d.Type = "code_bundle"
			d.MimeType = "application/x-directory"
			preview := paths
			if len(preview) > 6 {
				preview = preview[:6]
			}
			d.Preview = Truncate(fmt.Sprintf("%s: code bundle with %d file(s): %s",
				name, len(paths), strings.Join(preview, ", ")), 500)
			d.Content = Preview(map[string]any{"kind": "code_bundle", "files": paths}, 20000)

			items = append(items, map[string]any{
				"name":         name,
				"artifactKind": "directory",
				"path":         bundleDir,
				"fileCount":    len(paths),
			})
			continue
		}

		targetPath := filepath.Join(deliverablesDir, uniqueName)
		if err := os.WriteFile(targetPath, []byte(d.Content), 0o644); err != nil {
			return artifactManifest{}, err
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		d.Metadata["artifactKind"] = "file"
		d.Metadata["artifactPath"] = targetPath
		d.Metadata["artifactSizeBytes"] = len(d.Content)
		items = append(items, map[string]any{
			"name":         name,
			"artifactKind": "file",
			"path":         targetPath,
			"sizeBytes":    len(d.Content),
		})
	}

	manifestPath := filepath.Join(runDir, "manifest.json")
	if err := writeJSONFile(manifestPath, map[string]any{
		"runId":        run.ID,
		"workflowId":   run.WorkflowID,
		"workflowName": run.WorkflowName,
		"createdAt":    run.CreatedAt,
		"deliverables": items,
	}); err != nil {
		return artifactManifest{}, err
	}

	return artifactManifest{
		RunDirectory:          runDir,
		DeliverablesDirectory: deliverablesDir,
		ManifestPath:          manifestPath,
		Items:                 items,
	}, nil
}
