// Package vision reads the design name and the child's name from the header
// band of a photographed drawing.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"drawing-mesh-pipeline/internal/models"
)

const systemPrompt = "You are an OCR model that reads the text printed at the top of a child's drawing. " +
	"Extract exactly two values: the design type (one of Spaceship, Locket, Single Character) " +
	"and the child's name written at the top."

const userPrompt = `Reply with JSON only: {"design": "<design type>", "child_name": "<name>"}. ` +
	`Use "Unknown" for anything you cannot read.`

// GeminiExtractor asks a Gemini model to read the drawing header.
type GeminiExtractor struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// NewGeminiExtractor creates the genai client for the Gemini API backend.
func NewGeminiExtractor(ctx context.Context, logger *slog.Logger, apiKey, model string) (*GeminiExtractor, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiExtractor{logger: logger, client: client, model: model}, nil
}

// Extract sends the image and parses the model's answer.
func (g *GeminiExtractor) Extract(ctx context.Context, image []byte) (Labels, error) {
	if len(image) == 0 {
		return Labels{}, fmt.Errorf("%w: empty image", models.ErrValidation)
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: userPrompt},
			{InlineData: &genai.Blob{MIMEType: http.DetectContentType(image), Data: image}},
		},
	}}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		ResponseMIMEType:  "application/json",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Labels{}, fmt.Errorf("%w: gemini generate content: %v", models.ErrUpstream, err)
	}

	text := responseText(resp)
	if text == "" {
		return Labels{}, fmt.Errorf("%w: gemini returned no text", models.ErrUpstream)
	}
	labels := ParseLabels(text)
	g.logger.DebugContext(ctx, "vision extraction finished",
		"design", labels.Label,
		"child_name", labels.ChildName,
		"reply_length", len(text))
	return labels, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// StaticExtractor is used when no vision model is configured; every drawing
// is reported with unknown labels and the pipeline still produces a mesh.
type StaticExtractor struct{}

func (StaticExtractor) Extract(_ context.Context, image []byte) (Labels, error) {
	if len(image) == 0 {
		return Labels{}, fmt.Errorf("%w: empty image", models.ErrValidation)
	}
	return Labels{Label: Unknown, ChildName: Unknown}, nil
}
