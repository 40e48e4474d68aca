package claude

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type fakeMessages struct {
	blocks []anthropic.ContentBlockUnion
	err    error
	params anthropic.MessageNewParams
}

func (f *fakeMessages) New(
	_ context.Context,
	params anthropic.MessageNewParams,
	_ ...option.RequestOption,
) (*anthropic.Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: f.blocks}, nil
}

func TestClassifyFencedReply(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{blocks: []anthropic.ContentBlockUnion{{
		Type: "text",
		Text: "```json\n{\"is_product\":true,\"product\":{\"name\":\"Rye Bread\",\"current_price\":\"£1.20\"},\"description\":\"bread\"}\n```",
	}}}
	c := newWithMessages(fake, Config{Model: "claude-test"}, nil)

	out, err := c.Classify(context.Background(), "Rye Bread £1.20", "https://shop.example/groceries/bread/rye")
	require.NoError(t, err)
	require.True(t, out.Relevant)
	require.Equal(t, "Rye Bread", out.Product.Name)
	require.Equal(t, anthropic.Model("claude-test"), fake.params.Model)
	require.Equal(t, int64(defaultMaxTokens), fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
}

func TestClassifyNotProduct(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{blocks: []anthropic.ContentBlockUnion{{
		Type: "text",
		Text: `{"is_product":false,"product":null,"description":"store locator"}`,
	}}}
	out, err := newWithMessages(fake, Config{}, nil).Classify(context.Background(), "stores", "u")
	require.NoError(t, err)
	require.False(t, out.Relevant)
	require.Nil(t, out.Product)
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	_, err := newWithMessages(&fakeMessages{err: errors.New("overloaded")}, Config{}, nil).
		Classify(context.Background(), "x", "u")
	var classErr *crawler.ClassificationError
	require.ErrorAs(t, err, &classErr)

	_, err = newWithMessages(&fakeMessages{}, Config{}, nil).Classify(context.Background(), "x", "u")
	require.ErrorAs(t, err, &classErr)
}
