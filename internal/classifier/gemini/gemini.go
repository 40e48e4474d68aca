// Package gemini classifies product pages with Google's Gemini models.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/catalog-crawler/internal/classifier"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultModel = "gemini-2.5-flash"

type generator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config controls the Gemini backend.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Classifier implements crawler.PageClassifier on the Gemini API.
type Classifier struct {
	models      generator
	model       string
	temperature float32
	logger      *zap.Logger
}

// New creates a Gemini client for cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithGenerator(client.Models, cfg, logger), nil
}

func newWithGenerator(models generator, cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Classifier{models: models, model: model, temperature: cfg.Temperature, logger: logger}
}

// Classify implements crawler.PageClassifier.
func (c *Classifier) Classify(ctx context.Context, pageText, sourceURL string) (crawler.Classification, error) {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(c.temperature),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    replySchema(),
		SystemInstruction: genai.NewContentFromText(classifier.SystemPrompt, genai.RoleUser),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(classifier.UserPrompt(pageText, sourceURL), genai.RoleUser),
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return crawler.Classification{}, classifier.Wrap(sourceURL, fmt.Errorf("gemini generate: %w", err))
	}
	text := responseText(resp)
	if text == "" {
		return crawler.Classification{}, classifier.Wrap(sourceURL, fmt.Errorf("gemini returned no text"))
	}
	out, err := classifier.ParseReply(text, sourceURL)
	if err != nil {
		c.logger.Debug("unparseable gemini reply", zap.String("url", sourceURL), zap.String("reply", text))
		return crawler.Classification{}, classifier.Wrap(sourceURL, err)
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func replySchema() *genai.Schema {
	str := &genai.Schema{Type: genai.TypeString}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"is_product": {Type: genai.TypeBoolean},
			"product": {
				Type:     genai.TypeObject,
				Nullable: genai.Ptr(true),
				Properties: map[string]*genai.Schema{
					"name":           str,
					"current_price":  str,
					"original_price": str,
					"unit_size":      str,
					"category":       str,
					"image_url":      str,
					"dietary_tags":   {Type: genai.TypeArray, Items: str},
				},
			},
			"description": str,
		},
		Required: []string{"is_product", "description"},
	}
}
