package search

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skippedElements never contribute visible text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"template": true,
	"svg":      true,
	"iframe":   true,
	"nav":      true,
	"footer":   true,
}

// extractText parses HTML and returns its visible text with whitespace
// collapsed to single spaces.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(b.String()), " "), nil
}
