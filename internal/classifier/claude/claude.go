// Package claude classifies product pages with Anthropic's Claude models.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/classifier"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config controls the Claude backend.
type Config struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Classifier implements crawler.PageClassifier on the Anthropic Messages API.
type Classifier struct {
	messages messageCreator
	cfg      Config
	logger   *zap.Logger
}

// New creates an Anthropic client for cfg.
func New(cfg Config, logger *zap.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newWithMessages(&client.Messages, cfg, logger), nil
}

func newWithMessages(messages messageCreator, cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Classifier{messages: messages, cfg: cfg, logger: logger}
}

// Classify implements crawler.PageClassifier.
func (c *Classifier) Classify(ctx context.Context, pageText, sourceURL string) (crawler.Classification, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(classifier.UserPrompt(pageText, sourceURL))),
		},
		System: []anthropic.TextBlockParam{{Text: classifier.SystemPrompt}},
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return crawler.Classification{}, classifier.Wrap(sourceURL, fmt.Errorf("claude messages: %w", err))
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return crawler.Classification{}, classifier.Wrap(sourceURL, fmt.Errorf("claude returned no text"))
	}
	out, err := classifier.ParseReply(text.String(), sourceURL)
	if err != nil {
		c.logger.Debug("unparseable claude reply", zap.String("url", sourceURL), zap.String("reply", text.String()))
		return crawler.Classification{}, classifier.Wrap(sourceURL, err)
	}
	return out, nil
}
