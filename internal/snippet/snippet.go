// Package snippet collects a short text sample of a page to give the remote
// classifier more context than the title alone.
package snippet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultTimeout = 800 * time.Millisecond
	MaxLen         = 800
	maxHeadings    = 8
	maxBodyBytes   = 4 << 20
)

var authWords = []string{"login", "signin", "signup"}

// Collector fetches pages and extracts their snippet.
type Collector struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewCollector creates a collector bounded by timeout (DefaultTimeout when <= 0).
func NewCollector(timeout time.Duration, logger *slog.Logger) *Collector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger,
	}
}

// Collect returns the snippet for rawURL. Any failure, including the timeout,
// degrades to an empty snippet.
func (c *Collector) Collect(ctx context.Context, rawURL string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.collect(ctx, rawURL)
	if err != nil {
		c.logger.Debug("snippet unavailable", "url", rawURL, "error", err)
		return ""
	}
	return s
}

func (c *Collector) collect(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if sensitivePath(u.Path) {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/pdf;q=0.9,*/*;q=0.5")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading page: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/pdf" {
		return FromPDF(body)
	}
	return FromHTML(bytes.NewReader(body), u.Path)
}

// FromHTML extracts the snippet from an HTML document served at path: the
// text of the first h1/h2 headings joined by " | ". Sensitive pages yield "".
func FromHTML(r io.Reader, path string) (string, error) {
	if sensitivePath(path) {
		return "", nil
	}

	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	if sensitiveDocument(doc) {
		return "", nil
	}

	var headings []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(headings) >= maxHeadings {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.H1, atom.H2:
				if text := textOf(n); text != "" {
					headings = append(headings, text)
				}
				return
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)

	return clip(collapse(strings.Join(headings, " | "))), nil
}

// FromPDF extracts the plain text of the first page of a PDF document.
func FromPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	if r.NumPage() < 1 {
		return "", nil
	}
	p := r.Page(1)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return clip(collapse(text)), nil
}

func sensitivePath(path string) bool {
	return containsAny(strings.ToLower(path), authWords)
}

// sensitiveDocument reports whether the page has a password field or a form
// posting to an authentication endpoint.
func sensitiveDocument(n *html.Node) bool {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Input:
			if strings.EqualFold(attr(n, "type"), "password") {
				return true
			}
		case atom.Form:
			if containsAny(attr(n, "action"), authWords) {
				return true
			}
		}
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if sensitiveDocument(ch) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return collapse(sb.String())
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip truncates s to MaxLen runes.
func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxLen {
		return s
	}
	return string(runes[:MaxLen])
}
