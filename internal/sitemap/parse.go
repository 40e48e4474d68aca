package sitemap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Kind is the parsed shape of a sitemap document.
type Kind string

// Sitemap document kinds.
const (
	KindIndex  Kind = "index"
	KindURLSet Kind = "urlset"
)

// Node is one parsed sitemap document. It only lives for the duration of a discovery run.
type Node struct {
	URL  string
	Kind Kind
	// Locs holds child sitemap URLs for an index, page URLs for a urlset.
	Locs []string
}

// Parse reads a sitemap document. Tags are matched by local name so documents with or
// without the sitemaps.org namespace parse the same way. Anything whose root element is
// not sitemapindex is treated as a urlset.
func Parse(sourceURL string, body []byte) (Node, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return Node{}, fmt.Errorf("parse sitemap xml: %w", err)
	}
	root := rootElement(doc)
	if root == nil {
		return Node{}, fmt.Errorf("sitemap %s has no root element", sourceURL)
	}

	node := Node{URL: sourceURL, Kind: KindURLSet}
	expr := "//*[local-name()='url']/*[local-name()='loc']"
	if strings.EqualFold(root.Data, "sitemapindex") {
		node.Kind = KindIndex
		expr = "//*[local-name()='sitemap']/*[local-name()='loc']"
	}
	nodes, err := xmlquery.QueryAll(doc, expr)
	if err != nil {
		return Node{}, fmt.Errorf("query sitemap locs: %w", err)
	}
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			node.Locs = append(node.Locs, loc)
		}
	}
	return node, nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// LooksLikeXML reports whether a probe response plausibly carries a sitemap.
func LooksLikeXML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "xml") {
		return true
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<sitemapindex"))
}

// stripGz maps a compressed sitemap reference to its uncompressed alias.
func stripGz(raw string) string {
	return strings.TrimSuffix(raw, ".gz")
}
