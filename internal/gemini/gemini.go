// Package gemini implements the engine's generative backend on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	genaisdk "google.golang.org/genai"

	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/retry"
)

// Config selects the models used for text and images.
type Config struct {
	APIKey     string
	TextModel  string
	ImageModel string
}

// Client talks to Gemini. Text goes through the generative-ai-go chat API with
// JSON response schemas; images through the genai SDK, which returns inline
// image parts.
type Client struct {
	text       *genai.Client
	images     *genaisdk.Client
	textModel  string
	imageModel string
	logger     *zap.Logger
}

// New creates a client. Close it when done.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	text, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create text client: %w", err)
	}
	images, err := genaisdk.NewClient(ctx, &genaisdk.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genaisdk.BackendGeminiAPI,
	})
	if err != nil {
		text.Close()
		return nil, fmt.Errorf("create image client: %w", err)
	}

	return &Client{
		text:       text,
		images:     images,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
		logger:     logger.With(zap.String("backend", "gemini")),
	}, nil
}

// Close releases the text client's connections.
func (c *Client) Close() error {
	return c.text.Close()
}

// GenerateStructured sends req as a chat and returns the JSON reply.
func (c *Client) GenerateStructured(ctx context.Context, req engine.Request) ([]byte, error) {
	model := c.text.GenerativeModel(c.textModel)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = responseSchema(req.Kind)
	if req.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}

	chat := model.StartChat()
	for _, m := range req.History {
		chat.History = append(chat.History, &genai.Content{
			Role:  m.Role,
			Parts: []genai.Part{genai.Text(m.Text)},
		})
	}

	resp, err := chat.SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, classify(err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, fmt.Errorf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no content returned from Gemini")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("unexpected response type from Gemini")
	}
	c.logger.Debug("Structured reply", zap.String("kind", string(req.Kind)), zap.Int("bytes", b.Len()))
	return []byte(b.String()), nil
}

// GenerateImage returns the first inline image of the reply, or nil if the
// model answered without one.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	resp, err := c.images.Models.GenerateContent(ctx, c.imageModel, genaisdk.Text(prompt), &genaisdk.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return nil, classify(err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &models.Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}, nil
			}
		}
	}
	return nil, nil
}

// classify marks quota errors with retry.ErrRateLimited so they get the longer
// backoff.
func classify(err error) error {
	if isRateLimited(err) {
		return fmt.Errorf("%w: %w", retry.ErrRateLimited, err)
	}
	return err
}

func isRateLimited(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusTooManyRequests {
		return true
	}
	var aErr *apierror.APIError
	if errors.As(err, &aErr) && aErr.HTTPCode() == http.StatusTooManyRequests {
		return true
	}
	var sdkErr genaisdk.APIError
	if errors.As(err, &sdkErr) && sdkErr.Code == http.StatusTooManyRequests {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
