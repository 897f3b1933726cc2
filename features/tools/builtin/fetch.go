package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"goa.design/verity/runtime/agent/retry"
	"goa.design/verity/runtime/agent/toolerrors"
	"goa.design/verity/runtime/agent/tools"
)

const (
	defaultFetchBytes = 2 << 20
	defaultFetchRunes = 20000
	truncatedSuffix   = "\n\n[truncated]"
)

var fetchSchema = []byte(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "max_chars": {"type": "integer", "minimum": 200, "maximum": 50000}
  },
  "required": ["url"],
  "additionalProperties": false
}`)

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

type (
	// FetchOption configures the web.fetch tool.
	FetchOption func(*fetcher)

	fetcher struct {
		client    *http.Client
		maxBytes  int64
		maxRunes  int
		userAgent string
		allow     func(*url.URL) bool
	}

	fetchArgs struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) FetchOption {
	return func(f *fetcher) { f.client = c }
}

// WithMaxBytes caps the bytes read from a response body.
func WithMaxBytes(n int64) FetchOption {
	return func(f *fetcher) { f.maxBytes = n }
}

// WithAllow restricts fetches to URLs for which allow returns true.
func WithAllow(allow func(*url.URL) bool) FetchOption {
	return func(f *fetcher) { f.allow = allow }
}

// Fetch returns the web.fetch spec. Pages are fetched with GET, HTML is
// reduced to readable text and the result is trimmed to max_chars. Non-2xx
// responses fail with retry.HTTPStatusError so 4xx are not retried and 5xx
// are.
func Fetch(opts ...FetchOption) tools.Spec {
	f := &fetcher{
		client:    http.DefaultClient,
		maxBytes:  defaultFetchBytes,
		maxRunes:  defaultFetchRunes,
		userAgent: "verity/1.0 (+https://goa.design)",
	}
	for _, o := range opts {
		o(f)
	}
	return tools.Spec{
		Name:        WebFetch,
		Description: "Fetch a web page over HTTP(S) and return its readable text.",
		InputSchema: fetchSchema,
		Idempotent:  true,
		Hint:        "Reading {{.url}}…",
		Handler:     tools.HandlerFunc(f.call),
	}
}

func (f *fetcher) call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args fetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs(err)
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, retry.Permanent(toolerrors.Errorf(toolerrors.CodeInvalidArguments, "url must be an absolute http(s) URL: %q", args.URL))
	}
	if f.allow != nil && !f.allow(u) {
		return nil, retry.Permanent(toolerrors.Errorf(toolerrors.CodeClientError, "fetching %s is not allowed", u.Host))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain,text/markdown;q=0.9,*/*;q=0.5")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Host, err)
	}
	text := string(body)
	if isHTML(resp.Header.Get("Content-Type"), body) {
		if text, err = htmlText(text); err != nil {
			return nil, retry.Permanent(fmt.Errorf("parse html: %w", err))
		}
	}
	limit := f.maxRunes
	if args.MaxChars > 0 {
		limit = args.MaxChars
	}
	return trimRunes(cleanText(text), limit), nil
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt == "text/html" || mt == "application/xhtml+xml"
	}
	return strings.Contains(http.DetectContentType(body), "text/html")
}

// htmlText extracts readable text, dropping scripts, styles and page chrome.
func htmlText(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if depth > 64 {
			return
		}
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "form":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "section", "article", "tr":
				b.WriteString("\n\n")
			case "br":
				b.WriteString("\n")
			case "li":
				b.WriteString("\n- ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)
	return b.String(), nil
}

func cleanText(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func trimRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + truncatedSuffix
}
