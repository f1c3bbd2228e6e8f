package connector

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/becomeliminal/grove/core"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// VisitConfig configures the visit connector.
type VisitConfig struct {
	// Client is the HTTP client to use. Default: 60s-timeout client.
	Client *http.Client

	// MaxBody caps the bytes read per page. Default: 2MB.
	MaxBody int64
}

// Visit fetches a page and reduces it to readable text plus the outgoing
// links. Content is unbounded here: any character or link limit is the
// consumer's concern, applied at the LLM boundary rather than at fetch
// or storage time.
type Visit struct {
	client  *http.Client
	maxBody int64
}

// NewVisit creates a visit connector. A nil config uses defaults.
func NewVisit(cfg *VisitConfig) *Visit {
	if cfg == nil {
		cfg = &VisitConfig{}
	}
	v := &Visit{
		client:  cfg.Client,
		maxBody: cfg.MaxBody,
	}
	if v.client == nil {
		v.client = defaultClient()
	}
	if v.maxBody <= 0 {
		v.maxBody = maxBodyBytes
	}
	return v
}

func (v *Visit) Name() string { return "visit" }

// Execute fetches the page at action.URL.
func (v *Visit) Execute(ctx context.Context, action core.Action) (*core.Observation, error) {
	target := Target(action)
	parsed, err := url.Parse(strings.TrimSpace(action.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, invalidActionError("visit requires an http(s) url")
	}

	req, err := newRequest(ctx, parsed.String())
	if err != nil {
		return nil, invalidActionError("build visit request: " + err.Error())
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, transportError(err, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, resp.Status, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.maxBody))
	if err != nil {
		return nil, transportError(err, target)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		log.Printf("[VISIT] Fetched %s (%d chars, plain)", parsed, len(body))
		return &core.Observation{Content: string(body)}, nil
	}

	text, links := pageText(string(body), parsed)
	log.Printf("[VISIT] Fetched %s (%d chars, %d links)", parsed, len(text), len(links))
	return &core.Observation{Content: text, Links: links}, nil
}

// pageText reduces HTML to readable text with lightweight structure
// markers and harvests the absolute outgoing links. Parse errors fall
// back to the raw body: evidence beats nothing.
func pageText(page string, base *url.URL) (string, []string) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return page, nil
	}

	var sb strings.Builder
	h := &harvester{base: base, seen: make(map[string]bool)}
	h.walk(doc, &sb, 0)

	return tidyText(sb.String()), h.links
}

type harvester struct {
	base  *url.URL
	seen  map[string]bool
	links []string
}

func (h *harvester) walk(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 50 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header":
			return
		case "title", "h1":
			sb.WriteString("\n\n# ")
		case "h2":
			sb.WriteString("\n\n## ")
		case "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n### ")
		case "p", "div", "tr", "section", "article":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "pre":
			sb.WriteString("\n\n")
		case "a":
			h.collect(attrValue(n, "href"))
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		h.walk(c, sb, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "title", "h1", "h2", "h3", "h4", "h5", "h6", "pre":
			sb.WriteString("\n\n")
		}
	}
}

// collect resolves href against the page URL and records it once.
// Fragments and non-http schemes are dropped.
func (h *harvester) collect(href string) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return
	}
	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	abs := h.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return
	}
	abs.Fragment = ""
	link := abs.String()
	if h.seen[link] {
		return
	}
	h.seen[link] = true
	h.links = append(h.links, link)
}

func tidyText(s string) string {
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
