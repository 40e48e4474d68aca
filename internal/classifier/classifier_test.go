package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestParseReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		raw         string
		relevant    bool
		wantProduct bool
		wantErr     bool
	}{
		{
			name:        "plain json",
			raw:         `{"is_product":true,"product":{"name":"Eggs","current_price":"$4"},"description":"eggs"}`,
			relevant:    true,
			wantProduct: true,
		},
		{
			name:        "fenced",
			raw:         "```json\n{\"is_product\":true,\"product\":{\"name\":\"Eggs\"},\"description\":\"\"}\n```",
			relevant:    true,
			wantProduct: true,
		},
		{
			name:     "relevant without details",
			raw:      `{"is_product":true,"product":{"name":"  "},"description":"category grid"}`,
			relevant: true,
		},
		{
			name: "not a product keeps product nil",
			raw:  `Sure! {"is_product":false,"product":{"name":"Eggs"},"description":"blog"}`,
		},
		{name: "garbage", raw: "I cannot help with that", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out, err := ParseReply(tc.raw, "https://shop.example/product/eggs")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.relevant, out.Relevant)
			if !tc.wantProduct {
				require.Nil(t, out.Product)
				return
			}
			require.NotNil(t, out.Product)
			require.Equal(t, "https://shop.example/product/eggs", out.Product.URL)
		})
	}
}

func TestUserPromptCarriesURLAndText(t *testing.T) {
	t.Parallel()

	p := UserPrompt("Bananas $1", "https://shop.example/product/bananas")
	require.Contains(t, p, "URL: https://shop.example/product/bananas")
	require.Contains(t, p, "Bananas $1")
}

func TestRulesClassifiesProductPage(t *testing.T) {
	t.Parallel()

	text := "Organic Gluten-Free Oat Bread\n$4.99\nWas $5.49\n500 g loaf\nVegan friendly\nAdd to cart"
	out, err := NewRules().Classify(context.Background(), text, "https://shop.example/groceries/bakery/oat-bread")
	require.NoError(t, err)
	require.True(t, out.Relevant)
	require.NotNil(t, out.Product)
	require.Equal(t, "Organic Gluten-Free Oat Bread", out.Product.Name)
	require.Equal(t, "$4.99", out.Product.CurrentPrice)
	require.Equal(t, "$5.49", out.Product.OriginalPrice)
	require.Equal(t, "500 g", out.Product.UnitSize)
	require.Equal(t, "bakery", out.Product.Category)
	require.ElementsMatch(t, []string{"vegan", "gluten free", "organic"}, out.Product.DietaryTags)
}

func TestRulesIgnoresPagesWithoutPurchaseCue(t *testing.T) {
	t.Parallel()

	out, err := NewRules().Classify(context.Background(), "Our story\nFounded 1999, prices from $1", "https://shop.example/about")
	require.NoError(t, err)
	require.False(t, out.Relevant)
	require.Nil(t, out.Product)
}

func TestRulesRelevantWithoutReadableName(t *testing.T) {
	t.Parallel()

	out, err := NewRules().Classify(context.Background(), "$2.00\nAdd to basket", "https://shop.example/product/x")
	require.NoError(t, err)
	require.True(t, out.Relevant)
	require.Nil(t, out.Product)
}

func TestRulesCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRules().Classify(ctx, "x", "u")
	var classErr *crawler.ClassificationError
	require.ErrorAs(t, err, &classErr)
}
