package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"quill/internal/httpkit"
)

const (
	defaultSearchBaseURL = "https://html.duckduckgo.com"

	// maxSearchResults caps how many results are returned to the model.
	maxSearchResults = 2
)

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query."
		}
	},
	"required": ["query"]
}`)

// SearchClient queries the DuckDuckGo HTML endpoint and scrapes result
// titles and snippets. Requests are rate limited; DuckDuckGo throttles
// aggressive clients with a CAPTCHA page.
type SearchClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSearchClient creates a search client. baseURL is optional and
// exists so tests can point the client at a local server.
func NewSearchClient(baseURL string) *SearchClient {
	if baseURL == "" {
		baseURL = defaultSearchBaseURL
	}
	return &SearchClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// RegisterSearch adds the web search capability to the registry.
func RegisterSearch(r *Registry, client *SearchClient) error {
	return r.Register(&Capability{
		Name:        "duckduckgo_search",
		Description: "Search the web for current information, news, and facts about people, places, and events.",
		Schema:      searchSchema,
	}, client.handle)
}

// searchResult is one scraped result.
type searchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

func (c *SearchClient) handle(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %v", err)
	}

	endpoint := c.baseURL + "/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	results, err := parseSearchResults(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse results: %v", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no results found for %q", query)
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}

	return successJSON(map[string]any{
		"query":   query,
		"results": results,
	})
}

// parseSearchResults walks the DuckDuckGo HTML result page. Result
// titles are anchors with class "result__a"; snippets carry class
// "result__snippet". Titles and snippets are paired in document order.
func parseSearchResults(body io.Reader) ([]searchResult, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, err
	}

	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				results = append(results, searchResult{Title: nodeText(n)})
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = nodeText(n)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return results, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
