// Package websearch implements the web_search tool on top of the DuckDuckGo
// Lite HTML endpoint. No API key is needed; the trade-off is a dependency on
// the Lite page markup staying recognizable.
package websearch

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

	"golang.org/x/net/html"

	"github.com/ninthseat/engine"
)

const (
	defaultEndpoint = "https://lite.duckduckgo.com/lite/"
	userAgent       = "Mozilla/5.0 (compatible; NinthSeat/0.1; +https://example.invalid)"

	maxQueryChars = 500
	maxSiteChars  = 255
	maxBodyBytes  = 2 << 20
)

// Tool performs web searches by scraping DuckDuckGo Lite result pages.
type Tool struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ engine.Tool = (*Tool)(nil)

// New creates the search tool.
func New(logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{
		endpoint: defaultEndpoint,
		client:   &http.Client{},
		logger:   logger,
	}
}

func (t *Tool) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the public web and return top links/snippets (DuckDuckGo Lite parser).",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"query":{"type":"string","description":"Search query"},` +
			`"max_results":{"type":"integer","description":"Number of results to return (1-10, default 5)"},` +
			`"site":{"type":"string","description":"Optional domain to restrict the search to (adds a site: prefix)"},` +
			`"timeout_seconds":{"type":"number","description":"Request timeout in seconds (default 10, max 30)"}},` +
			`"required":["query"]}`),
		Limitations: []string{
			"No API key required, but relies on DuckDuckGo Lite HTML markup remaining stable.",
			"Results are best-effort and may omit snippets when the provider response changes.",
		},
	}}
}

type searchArgs struct {
	Query          string   `json:"query"`
	MaxResults     *int     `json:"max_results"`
	Site           string   `json:"site"`
	TimeoutSeconds *float64 `json:"timeout_seconds"`
}

func (a *searchArgs) validate() (maxResults int, timeout time.Duration, err error) {
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return 0, 0, fmt.Errorf("query is required")
	}
	if len(a.Query) > maxQueryChars {
		return 0, 0, fmt.Errorf("query is too long. Maximum is %d characters", maxQueryChars)
	}
	maxResults = 5
	if a.MaxResults != nil {
		maxResults = *a.MaxResults
		if maxResults < 1 || maxResults > 10 {
			return 0, 0, fmt.Errorf("max_results must be between 1 and 10")
		}
	}
	if len(a.Site) > maxSiteChars {
		return 0, 0, fmt.Errorf("site is too long. Maximum is %d characters", maxSiteChars)
	}
	seconds := 10.0
	if a.TimeoutSeconds != nil {
		seconds = *a.TimeoutSeconds
		if seconds <= 0.25 || seconds > 30 {
			return 0, 0, fmt.Errorf("timeout_seconds must be greater than 0.25 and at most 30")
		}
	}
	return maxResults, time.Duration(seconds * float64(time.Second)), nil
}

func (t *Tool) Execute(ctx context.Context, _ string, args map[string]any) (map[string]any, error) {
	var params searchArgs
	if err := engine.DecodeToolArgs(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	maxResults, timeout, err := params.validate()
	if err != nil {
		return nil, err
	}

	effectiveQuery := params.Query
	if site := strings.TrimSpace(params.Site); site != "" {
		effectiveQuery = "site:" + site + " " + effectiveQuery
	}

	body, err := t.fetch(ctx, effectiveQuery, timeout)
	if err != nil {
		return nil, err
	}

	results := parseLiteResults(body)
	results = dedupeResults(results)
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	out := map[string]any{
		"provider":        "duckduckgo_lite",
		"query":           params.Query,
		"effective_query": effectiveQuery,
		"result_count":    len(results),
		"results":         resultMaps(results),
	}
	if len(results) == 0 {
		out["warnings"] = []any{
			"No results parsed from DuckDuckGo Lite response. The page markup may have changed.",
		}
	}
	t.logger.Debug("web search finished", "query", params.Query, "results", len(results))
	return out, nil
}

func (t *Tool) fetch(ctx context.Context, query string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &engine.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// --- lite page parsing ---

type liteResult struct {
	Title      string
	URL        string
	Snippet    string
	DisplayURL string
}

// parseLiteResults walks the DOM emitted by DuckDuckGo Lite. Each result is
// an anchor with class result-link; the snippet and display URL follow it in
// document order.
func parseLiteResults(body []byte) []liteResult {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var results []liteResult
	var current *liteResult
	flush := func() {
		if current != nil && current.Title != "" && current.URL != "" {
			results = append(results, *current)
		}
		current = nil
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result-link"):
				flush()
				current = &liteResult{
					Title: textContent(n),
					URL:   normalizeResultURL(attrValue(n, "href")),
				}
				return
			case n.Data == "td" && hasClass(n, "result-snippet") && current != nil:
				current.Snippet = textContent(n)
				return
			case n.Data == "span" && hasClass(n, "link-text") && current != nil:
				current.DisplayURL = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()
	return results
}

// normalizeResultURL turns lite redirect links into their targets and makes
// scheme-relative links absolute.
func normalizeResultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func dedupeResults(results []liteResult) []liteResult {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out
}

func resultMaps(results []liteResult) []any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		m := map[string]any{"title": r.Title, "url": r.URL}
		if r.Snippet != "" {
			m["snippet"] = r.Snippet
		}
		if r.DisplayURL != "" {
			m["display_url"] = r.DisplayURL
		}
		out = append(out, m)
	}
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attrValue(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent returns the node's text with whitespace collapsed.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
