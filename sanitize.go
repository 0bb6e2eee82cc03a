package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// SanitizeLimits bounds the depth, container width, and string length that
// survive Sanitize. Values destined for log payloads, model prompts, or
// handoff packets all pass through these limits first.
type SanitizeLimits struct {
	MaxDepth int
	MaxItems int
	MaxText  int
}

// DefaultSanitizeLimits are the limits applied when callers have no reason
// to pick their own: depth 5, 12 items per container, 4000 chars per string.
func DefaultSanitizeLimits() SanitizeLimits {
	return SanitizeLimits{MaxDepth: 5, MaxItems: 12, MaxText: 4000}
}

func limits(depth, items, text int) SanitizeLimits {
	return SanitizeLimits{MaxDepth: depth, MaxItems: items, MaxText: text}
}

// Truncate shortens text to max characters, trimming trailing whitespace and
// appending a single ellipsis rune when a cut was made.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	keep := max - 1
	if keep < 0 {
		keep = 0
	}
	return strings.TrimRightFunc(string(runes[:keep]), unicode.IsSpace) + "…"
}

// Sanitize deep-copies value while enforcing limits: containers at the depth
// limit collapse to a {_truncated, _type} marker, long strings are cut, lists
// beyond MaxItems gain a {_truncated_items: N} tail entry, and maps beyond
// MaxItems gain a _truncated_keys count. The result is always JSON-safe.
func Sanitize(value any, lim SanitizeLimits) any {
	return sanitizeValue(value, 0, lim, false)
}

func sanitizeValue(value any, depth int, lim SanitizeLimits, converted bool) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return Truncate(v, lim.MaxText)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return v
	case map[string]any:
		if depth >= lim.MaxDepth {
			return map[string]any{"_truncated": true, "_type": "object"}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for i, k := range keys {
			if i >= lim.MaxItems {
				out["_truncated_keys"] = len(v) - lim.MaxItems
				break
			}
			out[k] = sanitizeValue(v[k], depth+1, lim, false)
		}
		return out
	case []any:
		if depth >= lim.MaxDepth {
			return map[string]any{"_truncated": true, "_type": "array"}
		}
		n := len(v)
		if n > lim.MaxItems {
			n = lim.MaxItems
		}
		out := make([]any, 0, n+1)
		for _, item := range v[:n] {
			out = append(out, sanitizeValue(item, depth+1, lim, false))
		}
		if len(v) > lim.MaxItems {
			out = append(out, map[string]any{"_truncated_items": len(v) - lim.MaxItems})
		}
		return out
	default:
		// Typed values (structs, typed slices/maps) normalize through one
		// JSON round trip, then take the same path as plain values.
		if converted {
			return Truncate(fmt.Sprint(value), lim.MaxText)
		}
		plain, err := jsonRoundTrip(value)
		if err != nil {
			return Truncate(fmt.Sprint(value), lim.MaxText)
		}
		return sanitizeValue(plain, depth, lim, true)
	}
}

// Preview renders value as stable, human-readable JSON: two-space indent,
// sorted keys, no HTML escaping, truncated to maxChars. Unserializable
// values degrade to fmt.Sprint.
func Preview(value any, maxChars int) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return Truncate(fmt.Sprint(value), maxChars)
	}
	return Truncate(strings.TrimRight(buf.String(), "\n"), maxChars)
}

// Clone deep-copies a JSON-shaped value. Typed values come back as plain
// maps, slices, and scalars. Unserializable input is returned unchanged.
func Clone(value any) any {
	if value == nil {
		return nil
	}
	plain, err := jsonRoundTrip(value)
	if err != nil {
		return value
	}
	return plain
}

func jsonRoundTrip(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
