package connector

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/becomeliminal/grove/core"
)

const (
	defaultSearchEndpoint = "https://html.duckduckgo.com/html/"
	searchHost            = "html.duckduckgo.com"
	defaultMaxResults     = 10
)

// SearchConfig configures the search connector.
type SearchConfig struct {
	// Client is the HTTP client to use. Default: 60s-timeout client.
	Client *http.Client

	// Endpoint is the HTML search endpoint. Default: DuckDuckGo.
	Endpoint string

	// MaxResults caps parsed results per query. Default: 10.
	MaxResults int
}

// Search queries the DuckDuckGo HTML endpoint, which needs no API key,
// and parses the result list out of the returned page.
type Search struct {
	client     *http.Client
	endpoint   string
	maxResults int
}

// NewSearch creates a search connector. A nil config uses defaults.
func NewSearch(cfg *SearchConfig) *Search {
	if cfg == nil {
		cfg = &SearchConfig{}
	}
	s := &Search{
		client:     cfg.Client,
		endpoint:   cfg.Endpoint,
		maxResults: cfg.MaxResults,
	}
	if s.client == nil {
		s.client = defaultClient()
	}
	if s.endpoint == "" {
		s.endpoint = defaultSearchEndpoint
	}
	if s.maxResults <= 0 {
		s.maxResults = defaultMaxResults
	}
	return s
}

func (s *Search) Name() string { return "search" }

// Execute runs the query and returns the parsed results plus a readable
// rendering of them for storage.
func (s *Search) Execute(ctx context.Context, action core.Action) (*core.Observation, error) {
	query := strings.TrimSpace(action.Query)
	if query == "" {
		return nil, invalidActionError("search requires a query")
	}
	target := Target(action)

	searchURL := fmt.Sprintf("%s?q=%s", s.endpoint, url.QueryEscape(query))
	req, err := newRequest(ctx, searchURL)
	if err != nil {
		return nil, invalidActionError(fmt.Sprintf("build search request: %v", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(err, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, resp.Status, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err, target)
	}

	results, err := parseResults(string(body), s.maxResults)
	if err != nil {
		return nil, &core.ConnectorError{Kind: core.ErrKindHTTP, Message: "parse search results", Target: target, Err: err}
	}

	log.Printf("[SEARCH] %d results for %q", len(results), query)
	return &core.Observation{
		Content: renderResults(query, results),
		Results: results,
	}, nil
}

// parseResults extracts result entries from the DuckDuckGo HTML page.
// Results live in divs whose class carries both "result" and
// "results_links"; the link and title sit in an anchor classed
// "result__a" and the snippet in one classed "result__snippet".
func parseResults(page string, max int) ([]core.SearchResult, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	var results []core.SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attrValue(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				if r, ok := extractResult(n); ok {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractResult(n *html.Node) (core.SearchResult, bool) {
	var r core.SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attrValue(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				r.URL = cleanRedirect(attrValue(n, "href"))
				r.Title = textContent(n)
			case strings.Contains(class, "result__snippet"):
				r.Description = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return r, r.URL != "" && r.Title != ""
}

// cleanRedirect unwraps DuckDuckGo's /l/?uddg= redirect links to the
// destination URL.
func cleanRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if dest := u.Query().Get("uddg"); dest != "" {
		return dest
	}
	return href
}

func renderResults(query string, results []core.SearchResult) string {
	if len(results) == 0 {
		return "No results found for: " + query
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. %s\n%s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "%s\n", r.Description)
		}
	}
	return sb.String()
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
