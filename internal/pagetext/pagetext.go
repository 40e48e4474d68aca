// Package pagetext reduces fetched HTML to the text handed to a page classifier.
package pagetext

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Mode selects how HTML is reduced.
type Mode string

// Supported reduction modes.
const (
	ModePlain    Mode = "plain"
	ModeMarkdown Mode = "markdown"
)

const defaultMaxChars = 20000

var noiseSelectors = "script, style, noscript, template, svg, iframe"

// Extractor turns HTML documents into classifier input.
type Extractor struct {
	mode     Mode
	maxChars int
}

// New builds an Extractor. maxChars <= 0 uses the default limit.
func New(mode Mode, maxChars int) (*Extractor, error) {
	switch mode {
	case "":
		mode = ModePlain
	case ModePlain, ModeMarkdown:
	default:
		return nil, fmt.Errorf("unsupported text mode %q", mode)
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Extractor{mode: mode, maxChars: maxChars}, nil
}

// Extract returns the visible text of body, truncated to the configured rune limit.
func (e *Extractor) Extract(body []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noiseSelectors).Remove()

	var text string
	if e.mode == ModeMarkdown {
		html, err := doc.Find("body").Html()
		if err != nil {
			return "", fmt.Errorf("render body: %w", err)
		}
		converter := md.NewConverter(pageURL, true, nil)
		text, err = converter.ConvertString(html)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	} else {
		text = plainText(doc)
	}
	return truncate(strings.TrimSpace(text), e.maxChars), nil
}

// plainText joins the document's non-empty text lines with newlines.
func plainText(doc *goquery.Document) string {
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	root.Find("br, p, div, li, h1, h2, h3, h4, h5, h6, tr, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	lines := strings.Split(root.Text(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// SiteName picks a display name for a retailer home page: og:site_name, then <title>,
// then the fallback (usually the host).
func SiteName(body []byte, fallback string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	if name, ok := doc.Find(`meta[property="og:site_name"]`).Attr("content"); ok {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	if title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " "); title != "" {
		return title
	}
	return fallback
}
