// Package classifier holds the product-page classification contract shared by the rule-based
// and LLM backends: the prompt, the reply schema and reply parsing.
package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// SystemPrompt instructs an LLM backend to classify one retailer page.
const SystemPrompt = `You classify pages from online grocery and retail stores.
Decide whether the page describes exactly one purchasable product.
Reply with a single JSON object and nothing else:
{"is_product": bool, "product": {"name": string, "current_price": string, "original_price": string,
"unit_size": string, "category": string, "image_url": string, "dietary_tags": [string]} | null,
"description": string}
Use null for product when the page is not a product page or the details cannot be read.
Copy prices exactly as shown, including currency symbols. Leave unknown fields empty.`

// UserPrompt renders the per-page request.
func UserPrompt(pageText, sourceURL string) string {
	var b strings.Builder
	b.WriteString("URL: ")
	b.WriteString(sourceURL)
	b.WriteString("\n\nPage content:\n")
	b.WriteString(pageText)
	return b.String()
}

// Reply is the JSON object every LLM backend must return.
type Reply struct {
	IsProduct   bool             `json:"is_product"`
	Product     *crawler.Product `json:"product"`
	Description string           `json:"description"`
}

// ParseReply decodes a model reply into a Classification. Markdown code fences around the
// JSON are tolerated.
func ParseReply(raw, sourceURL string) (crawler.Classification, error) {
	cleaned := cleanMarkdownFences(raw)
	if cleaned == "" {
		return crawler.Classification{}, fmt.Errorf("empty classifier reply")
	}
	var reply Reply
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		return crawler.Classification{}, fmt.Errorf("decode classifier reply: %w", err)
	}
	out := crawler.Classification{Relevant: reply.IsProduct, Description: reply.Description}
	if reply.IsProduct && reply.Product != nil && !emptyProduct(*reply.Product) {
		product := *reply.Product
		if product.URL == "" {
			product.URL = sourceURL
		}
		out.Product = &product
	}
	return out, nil
}

func emptyProduct(p crawler.Product) bool {
	return strings.TrimSpace(p.Name) == "" && strings.TrimSpace(p.CurrentPrice) == ""
}

// cleanMarkdownFences strips a surrounding ```json fence and anything outside the outermost
// braces.
func cleanMarkdownFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// Wrap reports err as a *crawler.ClassificationError for sourceURL.
func Wrap(sourceURL string, err error) error {
	if err == nil {
		return nil
	}
	return &crawler.ClassificationError{URL: sourceURL, Err: err}
}
