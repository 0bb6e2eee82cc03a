package engine

import (
	"encoding/base64"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// uploadRecord is one manifest entry for a materialized user upload.
type uploadRecord struct {
	InputKey     string `json:"inputKey"`
	Name         string `json:"name"`
	SavedPath    string `json:"savedPath"`
	RelativePath string `json:"relativePath"`
	MimeType     any    `json:"mimeType"`
	SizeBytes    any    `json:"sizeBytes"`
	Kind         any    `json:"kind"`
	Truncated    bool   `json:"truncated"`
	WriteMode    string `json:"writeMode"`
	DecodeStatus string `json:"decodeStatus"`
	MetadataPath any    `json:"metadataPath"`
}

// looksLikeUploadedFile recognizes the browser upload payload shape: a
// named object carrying content, a mime type, or a kind marker.
func looksLikeUploadedFile(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m["name"].(string); !ok {
		return false
	}
	_, hasMime := m["mimeType"]
	_, hasKind := m["kind"]
	_, hasContent := m["content"]
	return hasMime || hasKind || hasContent
}

type uploadItem struct {
	key     string
	payload map[string]any
}

// collectUploadedFiles finds upload payloads among the run inputs, either
// as direct values or inside lists. Keys are visited in sorted order so
// collision suffixes are deterministic.
func collectUploadedFiles(inputs map[string]any) []uploadItem {
	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var collected []uploadItem
	for _, key := range keys {
		value := inputs[key]
		if looksLikeUploadedFile(value) {
			collected = append(collected, uploadItem{key: key, payload: value.(map[string]any)})
			continue
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if looksLikeUploadedFile(item) {
					collected = append(collected, uploadItem{key: key, payload: item.(map[string]any)})
				}
			}
		}
	}
	return collected
}

// decodeUploadDataURL decodes a data: URL payload and reports which
// encoding was used ("base64" or "urlencoded").
func decodeUploadDataURL(dataURL string) ([]byte, string, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return nil, "", errors.New("Not a data URL")
	}
	header, payload, found := strings.Cut(dataURL, ",")
	if !found {
		return nil, "", errors.New("Malformed data URL")
	}
	if strings.Contains(strings.ToLower(header), ";base64") {
		compact := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(compact)
		}
		if err != nil {
			return nil, "", errors.New("Invalid base64 data URL payload")
		}
		return decoded, "base64", nil
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		// Keep malformed percent escapes verbatim rather than failing the upload.
		unescaped = payload
	}
	return []byte(unescaped), "urlencoded", nil
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		return typed != ""
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case nil:
		return false
	}
	return value != nil
}

// saveUploadedFiles materializes every upload found in the run inputs
// under uploadsDir, grouped by input key. Returns the manifest entries;
// paths in the manifest are relative to workspaceRoot where possible.
func saveUploadedFiles(uploadsDir, workspaceRoot string, inputs map[string]any) ([]uploadRecord, error) {
	var manifest []uploadRecord
	nameCounters := map[string]int{}

	for _, item := range collectUploadedFiles(inputs) {
		group := safeFSName(item.key, "uploads")
		groupDir := filepath.Join(uploadsDir, group)
		if err := os.MkdirAll(groupDir, 0o755); err != nil {
			return nil, err
		}

		originalName := "upload"
		if raw, ok := item.payload["name"].(string); ok {
			if trimmed := strings.TrimSpace(raw); trimmed != "" {
				originalName = trimmed
			}
		}
		safeName := safeFSName(originalName, "upload")
		if !strings.Contains(safeName, ".") && strings.Contains(originalName, ".") {
			var suffix strings.Builder
			for _, ch := range filepath.Ext(originalName) {
				if ch == '.' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
					suffix.WriteRune(ch)
				}
			}
			if ext := clipRunes(suffix.String(), 12); ext != "" {
				safeName += ext
			}
		}

		counterKey := group + "/" + safeName
		nameCounters[counterKey]++
		if occurrence := nameCounters[counterKey]; occurrence > 1 {
			stem, ext, hasDot := strings.Cut(safeName, ".")
			safeName = stem + "_" + strconv.Itoa(occurrence)
			if hasDot {
				safeName += "." + ext
			}
		}

		destination := filepath.Join(groupDir, safeName)
		kind := ""
		if raw, ok := item.payload["kind"].(string); ok {
			kind = strings.ToLower(strings.TrimSpace(raw))
		}
		content, contentIsString := item.payload["content"].(string)
		truncated := truthy(item.payload["truncated"])
		writeMode := "text"
		decodeStatus := "not_attempted"

		switch {
		case kind == "text" && contentIsString:
			if err := os.WriteFile(destination, []byte(content), 0o644); err != nil {
				return nil, err
			}
			decodeStatus = "ok"
		case kind == "data_url" && contentIsString:
			decoded, status, err := decodeUploadDataURL(content)
			if err == nil {
				if err := os.WriteFile(destination, decoded, 0o644); err != nil {
					return nil, err
				}
				writeMode = "binary"
				decodeStatus = status
			} else {
				destination += ".data-url.txt"
				if err := os.WriteFile(destination, []byte(content), 0o644); err != nil {
					return nil, err
				}
				decodeStatus = "failed_saved_raw_data_url"
			}
		case contentIsString:
			if err := os.WriteFile(destination, []byte(content), 0o644); err != nil {
				return nil, err
			}
			decodeStatus = "ok"
		default:
			placeholder := map[string]any{
				"warning":      "Upload payload did not include decodable content.",
				"originalName": originalName,
				"mimeType":     item.payload["mimeType"],
				"sizeBytes":    item.payload["sizeBytes"],
				"kind":         item.payload["kind"],
			}
			destination += ".json"
			if err := writeJSONFile(destination, placeholder); err != nil {
				return nil, err
			}
			decodeStatus = "placeholder_written"
		}

		var metadataPath any
		decoded := decodeStatus == "ok" || decodeStatus == "base64" || decodeStatus == "urlencoded"
		if truncated || !decoded {
			sidecar := destination + ".upload_meta.json"
			meta := map[string]any{
				"inputKey":     item.key,
				"originalName": originalName,
				"savedPath":    destination,
				"mimeType":     item.payload["mimeType"],
				"sizeBytes":    item.payload["sizeBytes"],
				"kind":         item.payload["kind"],
				"truncated":    truncated,
				"decodeStatus": decodeStatus,
			}
			if err := writeJSONFile(sidecar, meta); err != nil {
				return nil, err
			}
			metadataPath = relativeToWorkspace(sidecar, workspaceRoot)
		}

		manifest = append(manifest, uploadRecord{
			InputKey:     item.key,
			Name:         originalName,
			SavedPath:    destination,
			RelativePath: relativeToWorkspace(destination, workspaceRoot),
			MimeType:     item.payload["mimeType"],
			SizeBytes:    item.payload["sizeBytes"],
			Kind:         item.payload["kind"],
			Truncated:    truncated,
			WriteMode:    writeMode,
			DecodeStatus: decodeStatus,
			MetadataPath: metadataPath,
		})
	}
	return manifest, nil
}

// relativeToWorkspace renders a path relative to the workspace root with
// forward slashes, falling back to the absolute path.
func relativeToWorkspace(path, workspaceRoot string) string {
	rel, err := filepath.Rel(workspaceRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}
