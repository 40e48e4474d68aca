package classifier

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var (
	pricePattern    = regexp.MustCompile(`[$£€]\s?\d{1,5}(?:[.,]\d{2})?`)
	wasPricePattern = regexp.MustCompile(`(?i)\b(?:was|reg(?:ular)?\.?|list price|rrp)[:\s]*([$£€]\s?\d{1,5}(?:[.,]\d{2})?)`)
	unitPattern     = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:fl\.? oz|kg|g|lbs?|oz|ml|l|ct|count|pack|pk)\b`)
)

var purchaseCues = []string{"add to cart", "add to basket", "add to trolley", "add to bag", "buy now", "in stock"}

var dietaryKeywords = []string{
	"vegan", "vegetarian", "gluten free", "gluten-free", "organic", "dairy free", "dairy-free",
	"nut free", "kosher", "halal", "keto", "non-gmo",
}

// Rules is a deterministic classifier for offline runs and tests. A page is a product when
// its text carries a price and a purchase cue.
type Rules struct{}

// NewRules returns the rule-based classifier.
func NewRules() *Rules { return &Rules{} }

// Classify implements crawler.PageClassifier.
func (r *Rules) Classify(ctx context.Context, pageText, sourceURL string) (crawler.Classification, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Classification{}, Wrap(sourceURL, err)
	}
	lower := strings.ToLower(pageText)
	prices := pricePattern.FindAllString(pageText, -1)
	if len(prices) == 0 || !containsAny(lower, purchaseCues) {
		return crawler.Classification{Description: "no price or purchase cue"}, nil
	}

	product := crawler.Product{
		URL:      sourceURL,
		Name:     firstLine(pageText),
		UnitSize: unitPattern.FindString(pageText),
		Category: categoryFromURL(sourceURL),
	}
	if m := wasPricePattern.FindStringSubmatch(pageText); m != nil {
		product.OriginalPrice = normalizePrice(m[1])
	}
	for _, p := range prices {
		if p = normalizePrice(p); p != product.OriginalPrice {
			product.CurrentPrice = p
			break
		}
	}
	seen := map[string]struct{}{}
	for _, kw := range dietaryKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		tag := strings.ReplaceAll(kw, "-", " ")
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		product.DietaryTags = append(product.DietaryTags, tag)
	}

	if product.Name == "" || product.CurrentPrice == "" {
		return crawler.Classification{Relevant: true, Description: "product page without readable details"}, nil
	}
	return crawler.Classification{Relevant: true, Product: &product, Description: "product page"}, nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" && !pricePattern.MatchString(line) && !containsAny(strings.ToLower(line), purchaseCues) {
			return line
		}
	}
	return ""
}

func normalizePrice(p string) string {
	return strings.Join(strings.Fields(p), "")
}

// categoryFromURL takes the path segment above the product slug, e.g. /groceries/fruit/bananas.
func categoryFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) < 3 {
		return ""
	}
	return strings.ReplaceAll(segments[len(segments)-2], "-", " ")
}
