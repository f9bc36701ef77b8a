package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"syscall"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	maxFetchChars  = 50000
	maxBodyChars   = 10000
	fetchTimeout   = 30 * time.Second
	fetchUserAgent = "Mozilla/5.0 (compatible; AgentDesk/1.0)"
)

var errPrivateAddress = errors.New("private address blocked")

// webClient returns an HTTP client whose dialer refuses loopback, private
// and link-local addresses unless allowPrivate is set. The check runs on
// the resolved address, so DNS names pointing inward are caught too.
func webClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
				ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
				return fmt.Errorf("%w: %s", errPrivateAddress, host)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: fetchTimeout, Transport: transport}
}

func requestError(ctx context.Context, err error) string {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "Error: request timed out"
	}
	return "Error: request failed: " + err.Error()
}

var httpMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD"}

// Response headers worth showing to a model.
var shownHeaders = []string{"Content-Type", "Content-Length", "Location", "Retry-After", "Etag", "Last-Modified"}

// HTTPRequestTool sends an arbitrary HTTP request.
type HTTPRequestTool struct {
	AllowPrivate bool
	client       *http.Client
}

func (t *HTTPRequestTool) Name() string { return "http_request" }
func (t *HTTPRequestTool) Description() string {
	return "Send an HTTP request and return the status, key headers and body"
}
func (t *HTTPRequestTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "description": "Request URL"},
			"method":  map[string]any{"type": "string", "description": "GET, POST, PUT, DELETE, PATCH or HEAD (default GET)"},
			"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":    map[string]any{"type": "string", "description": "Raw request body"},
			"json":    map[string]any{"type": "object", "description": "JSON request body; sets Content-Type"},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPRequestTool) Execute(ctx context.Context, _ Execution, params map[string]any) (string, error) {
	rawURL := getString(params, "url")
	if rawURL == "" {
		return "Error: 'url' parameter is required", nil
	}
	method := strings.ToUpper(getString(params, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if !slices.Contains(httpMethods, method) {
		return "Error: unsupported method " + method, nil
	}

	var body io.Reader
	contentType := ""
	if doc, ok := params["json"]; ok && doc != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			return "Error: cannot encode json body: " + err.Error(), nil
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	} else if s := getString(params, "body"); s != "" {
		body = strings.NewReader(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := t.client
	if client == nil {
		client = webClient(t.AllowPrivate)
	}
	resp, err := client.Do(req)
	if err != nil {
		return requestError(ctx, err), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxBodyChars))
	if err != nil {
		return requestError(ctx, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %s\n", resp.Status)
	for _, h := range shownHeaders {
		if v := resp.Header.Get(h); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", h, v)
		}
	}
	b.WriteString("\n")

	text := string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			text = pretty.String()
		}
	}
	b.WriteString(truncate(text, maxBodyChars, "\n... (truncated)"))
	return b.String(), nil
}

// WebSearchTool queries the Brave Search API.
type WebSearchTool struct {
	APIKey  string
	BaseURL string
	client  *http.Client
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return the top results" }
func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"count": map[string]any{"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default 5)"},
		},
		"required": []string{"query"},
	}
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, _ Execution, params map[string]any) (string, error) {
	query := strings.TrimSpace(getString(params, "query"))
	if query == "" {
		return "Error: 'query' parameter is required", nil
	}
	if t.APIKey == "" {
		return "web search is not available (no API key configured)", nil
	}
	count := getInt(params, "count")
	if count <= 0 {
		count = 5
	}
	count = min(count, 20)

	base := t.BaseURL
	if base == "" {
		base = "https://api.search.brave.com"
	}
	q := url.Values{"q": {query}, "count": {fmt.Sprint(count)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/res/v1/web/search?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.APIKey)

	client := t.client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("web_search: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("web_search: decode: %w", err)
	}
	if len(out.Web.Results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range out.Web.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// FetchWebpageTool downloads a page and extracts its readable text.
type FetchWebpageTool struct {
	AllowPrivate bool
	client       *http.Client
}

func (t *FetchWebpageTool) Name() string { return "fetch_webpage" }
func (t *FetchWebpageTool) Description() string {
	return "Fetch a web page and return its title and readable text"
}
func (t *FetchWebpageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":       map[string]any{"type": "string", "description": "URL to fetch"},
			"max_chars": map[string]any{"type": "integer", "description": "Truncate the text to this many characters (default 50000)"},
		},
		"required": []string{"url"},
	}
}

func (t *FetchWebpageTool) Execute(ctx context.Context, _ Execution, params map[string]any) (string, error) {
	rawURL := getString(params, "url")
	if rawURL == "" {
		return "Error: 'url' parameter is required", nil
	}
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "Error: not an http(s) URL: " + rawURL, nil
	}
	limit := getInt(params, "max_chars")
	if limit <= 0 || limit > maxFetchChars {
		limit = maxFetchChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	client := t.client
	if client == nil {
		client = webClient(t.AllowPrivate)
	}
	resp, err := client.Do(req)
	if err != nil {
		return requestError(ctx, err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: HTTP %d", resp.StatusCode), nil
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
		return truncate(strings.TrimSpace(string(data)), limit, "\n... (truncated)"), nil
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "Error: cannot parse page: " + err.Error(), nil
	}
	var text bytes.Buffer
	if err := article.RenderText(&text); err != nil {
		return "", fmt.Errorf("fetch_webpage: render: %w", err)
	}

	out := strings.Join(strings.Fields(text.String()), " ")
	if title := article.Title(); title != "" {
		out = title + "\n\n" + out
	}
	return truncate(out, limit, "\n... (truncated)"), nil
}
