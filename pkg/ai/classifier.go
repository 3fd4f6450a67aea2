package ai

import (
	"context"
	"fmt"
	"strings"
)

// Document is the payload handed to a classifier. Data is sent inline when
// the provider accepts MIMEType; otherwise Text carries extracted content.
type Document struct {
	Data     []byte
	MIMEType string
	Text     string
}

// DocumentClassifier asks a model to describe a document. The returned text
// is raw model output; callers validate and normalize it.
// All LLM providers (Gemini, OpenAI-compatible) implement this interface.
type DocumentClassifier interface {
	ClassifyDocument(ctx context.Context, prompt string, doc Document) (string, error)
	AcceptsInline(mimeType string) bool
}

var geminiInlineTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/heic":      true,
	"text/plain":      true,
}

// GeminiClassifier wraps GeminiClient with a fixed model for classification.
type GeminiClassifier struct {
	client *GeminiClient
	model  string
}

// NewGeminiClassifier builds a Gemini-based DocumentClassifier.
func NewGeminiClassifier(client *GeminiClient, model string) *GeminiClassifier {
	return &GeminiClassifier{client: client, model: model}
}

// AcceptsInline reports whether Gemini takes mimeType as inline data.
func (g *GeminiClassifier) AcceptsInline(mimeType string) bool {
	return geminiInlineTypes[baseMIMEType(mimeType)]
}

// ClassifyDocument implements DocumentClassifier using Gemini.
func (g *GeminiClassifier) ClassifyDocument(ctx context.Context, prompt string, doc Document) (string, error) {
	parts := []part{{Text: prompt}}
	switch {
	case len(doc.Data) > 0 && g.AcceptsInline(doc.MIMEType):
		parts = append(parts, inlinePart(baseMIMEType(doc.MIMEType), doc.Data))
	case strings.TrimSpace(doc.Text) != "":
		parts = append(parts, part{Text: doc.Text})
	default:
		return "", fmt.Errorf("gemini: nothing to classify for %q", doc.MIMEType)
	}
	return g.client.GenerateContent(ctx, g.model, "", parts)
}

func baseMIMEType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
