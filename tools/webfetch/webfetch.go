// Package webfetch implements the web_fetch tool: it downloads a page and
// reduces it to readable text for the agent. Extraction prefers
// go-readability's article view and falls back to stripping markup when a
// page has no recognizable article body.
package webfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/ninthseat/engine"
)

const (
	DefaultMaxChars = 8000
	MinMaxChars     = 500
	MaxMaxChars     = 20_000

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "Mozilla/5.0 (compatible; NinthSeat/0.1; +https://example.invalid)"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
	logger *slog.Logger
}

var _ engine.Tool = (*Tool)(nil)

// New creates the web_fetch tool with a 15-second request timeout.
func New(logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

func (t *Tool) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading articles, documentation, and search results.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"url":{"type":"string","description":"HTTP or HTTPS URL to fetch"},` +
			`"max_chars":{"type":"integer","description":"Content cap in characters (500-20000, default 8000)"}},` +
			`"required":["url"]}`),
		Limitations: []string{
			"JavaScript-rendered content is not executed; only server-delivered HTML is read.",
			"Responses are capped at 1 MiB before extraction.",
		},
	}}
}

type fetchArgs struct {
	URL      string `json:"url"`
	MaxChars *int   `json:"max_chars"`
}

func (a *fetchArgs) validate() (int, error) {
	if strings.TrimSpace(a.URL) == "" {
		return 0, fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return 0, fmt.Errorf("url must start with http:// or https://")
	}
	maxChars := DefaultMaxChars
	if a.MaxChars != nil {
		maxChars = *a.MaxChars
	}
	if maxChars < MinMaxChars || maxChars > MaxMaxChars {
		return 0, fmt.Errorf("max_chars must be between %d and %d", MinMaxChars, MaxMaxChars)
	}
	return maxChars, nil
}

func (t *Tool) Execute(ctx context.Context, _ string, args map[string]any) (map[string]any, error) {
	var params fetchArgs
	if err := engine.DecodeToolArgs(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	maxChars, err := params.validate()
	if err != nil {
		return nil, err
	}
	rawURL := strings.TrimSpace(params.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &engine.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(snippet),
			RetryAfter: engine.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	content, title, extractor := extractReadable(body, resp.Request.URL)
	clipped, truncated := clipText(content, maxChars)

	t.logger.Debug("web_fetch finished",
		"url", rawURL, "status", resp.StatusCode,
		"extractor", extractor, "content_chars", utf8.RuneCountInString(clipped))

	out := map[string]any{
		"url":           rawURL,
		"final_url":     finalURL,
		"status":        resp.StatusCode,
		"title":         title,
		"extractor":     extractor,
		"content":       clipped,
		"content_chars": utf8.RuneCountInString(clipped),
		"truncated":     truncated,
	}
	if clipped == "" {
		out["warnings"] = []any{"No readable text could be extracted from the page."}
	}
	return out, nil
}

// extractReadable tries the readability article view first and falls back
// to a plain markup strip when the page has no extractable body.
func extractReadable(body []byte, pageURL *url.URL) (content, title, extractor string) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		content = strings.TrimSpace(article.TextContent)
		title = strings.TrimSpace(article.Title)
	}
	if content != "" {
		return content, title, "readability"
	}

	text, docTitle := stripMarkup(body)
	if title == "" {
		title = docTitle
	}
	return text, title, "html_strip"
}

// stripMarkup walks the parsed document and collects visible text, skipping
// script/style subtrees and collapsing whitespace.
func stripMarkup(body []byte) (string, string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	var title string
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if title == "" {
					var sb strings.Builder
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.TextNode {
							sb.WriteString(c.Data)
						}
					}
					title = strings.TrimSpace(sb.String())
				}
				return
			}
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(text.String()), " "), title
}

// clipText truncates on rune boundaries so clipped content stays valid
// UTF-8.
func clipText(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	return string([]rune(s)[:max]), true
}
