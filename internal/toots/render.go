package toots

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"mvdan.cc/xurls/v2"
)

// HTMLRenderer converts a status body into its stored text form.
type HTMLRenderer interface {
	Render(body string) (string, error)
}

// LinkExtractor finds the URLs embedded in a status body.
type LinkExtractor interface {
	Extract(body string) ([]string, error)
}

// adjacentLinks matches a markdown link immediately followed by another.
var adjacentLinks = regexp.MustCompile(`(\]\([^)\s]*\))\[`)

// MarkdownRenderer sanitizes HTML with the UGC policy and converts it to markdown.
type MarkdownRenderer struct {
	policy *bluemonday.Policy
}

// NewMarkdownRenderer constructs the default renderer.
func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{policy: bluemonday.UGCPolicy()}
}

func (r *MarkdownRenderer) Render(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	sanitized := r.policy.Sanitize(body)
	converter := md.NewConverter("", true, nil)
	converter.After(separateAdjacentLinks)
	text, err := converter.ConvertString(sanitized)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// separateAdjacentLinks restores the space the converter drops between
// neighbouring anchors, as in Mastodon's "#tag @mention" runs.
func separateAdjacentLinks(markdown string) string {
	return adjacentLinks.ReplaceAllString(markdown, "$1 [")
}

// HTMLLinkExtractor collects anchor targets and bare URLs in document order.
type HTMLLinkExtractor struct{}

// NewLinkExtractor constructs the default extractor.
func NewLinkExtractor() HTMLLinkExtractor {
	return HTMLLinkExtractor{}
}

func (HTMLLinkExtractor) Extract(body string) ([]string, error) {
	links := make([]string, 0)
	if strings.TrimSpace(body) == "" {
		return links, nil
	}

	document, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	pattern := xurls.Strict()
	seen := make(map[string]struct{})
	add := func(link string) {
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}

	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.ElementNode:
			if node.Data == "a" {
				if href := attribute(node, "href"); isWebURL(href) {
					add(href)
					return
				}
			}
		case html.TextNode:
			for _, match := range pattern.FindAllString(node.Data, -1) {
				if isWebURL(match) {
					add(match)
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, node := range document.Nodes {
		walk(node)
	}

	return links, nil
}

func attribute(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if attr.Key == name {
			return strings.TrimSpace(attr.Val)
		}
	}
	return ""
}

func isWebURL(raw string) bool {
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}
