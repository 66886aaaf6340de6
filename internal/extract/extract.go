// Package extract turns fetched documents into title, text, links and images.
package extract

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

// minMainContent is the shortest main-region text accepted before falling back to the body.
const minMainContent = 200

// Page is the extracted view of one document.
type Page struct {
	URL         string
	Title       string
	Description string
	Text        string
	Links       []string
	Images      []string
}

var (
	noiseSelectors   = "script, style, noscript, template, svg, iframe, canvas"
	chromeSelectors  = "nav, header, footer, aside, form, [role=navigation], [role=banner], [role=contentinfo]"
	contentSelectors = []string{"main", "article", "[role=main]", "#content", ".content", "#main"}
)

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "dd": true,
	"div": true, "dl": true, "dt": true, "figcaption": true, "figure": true,
	"footer": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true, "tr": true,
	"td": true, "th": true, "ul": true,
}

// HTML parses body as an HTML document served from pageURL.
// With fullPage false only the main content region is kept.
func HTML(pageURL string, body []byte, fullPage bool) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	page := Page{
		URL:         pageURL,
		Title:       title(doc),
		Description: metaContent(doc, "description"),
		Links:       collectURLs(doc, base, "a[href]", "href"),
		Images:      collectURLs(doc, base, "img[src]", "src"),
	}

	doc.Find(noiseSelectors).Remove()
	if fullPage {
		page.Text = nodeText(doc.Find("body"))
	} else {
		page.Text = mainText(doc)
	}
	if page.Text == "" {
		page.Text = nodeText(doc.Selection)
	}
	return page, nil
}

// Document extracts text from an uploaded file according to its content type.
func Document(filename, contentType string, body []byte) (Page, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	lowerName := strings.ToLower(filename)
	switch {
	case mediaType == "text/html" || strings.HasSuffix(lowerName, ".html") || strings.HasSuffix(lowerName, ".htm"):
		page, err := HTML("file:///"+url.PathEscape(filename), body, true)
		if err != nil {
			return Page{}, err
		}
		page.Links, page.Images = nil, nil
		return page, nil
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		strings.HasSuffix(lowerName, ".md"),
		strings.HasSuffix(lowerName, ".txt"):
		if !utf8.Valid(body) {
			return Page{}, fmt.Errorf("file %q is not valid utf-8 text", filename)
		}
		return Page{Title: filename, Text: normalizeText(string(body))}, nil
	default:
		return Page{}, fmt.Errorf("unsupported content type %q", contentType)
	}
}

func title(doc *goquery.Document) string {
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && collapse(og) != "" {
		return collapse(og)
	}
	return collapse(doc.Find("h1").First().Text())
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).Attr("content")
	return collapse(content)
}

func mainText(doc *goquery.Document) string {
	for _, selector := range contentSelectors {
		region := doc.Find(selector).First()
		if region.Length() == 0 {
			continue
		}
		if text := nodeText(region); len(text) >= minMainContent {
			return text
		}
	}
	body := doc.Find("body")
	body.Find(chromeSelectors).Remove()
	return nodeText(body)
}

func collectURLs(doc *goquery.Document, base *url.URL, selector, attr string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr(attr)
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		ref, err := base.Parse(raw)
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return
		}
		normalized, err := weburl.Normalize(ref.String())
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	})
	return out
}

// nodeText renders a selection as paragraphs separated by blank lines.
func nodeText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		writeText(n, &b)
	}
	return normalizeText(b.String())
}

func writeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		if n.Data == "br" {
			b.WriteString("\n")
			return
		}
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

// normalizeText collapses whitespace inside lines and joins non-empty lines as paragraphs.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		if collapsed := collapse(line); collapsed != "" {
			paragraphs = append(paragraphs, collapsed)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
