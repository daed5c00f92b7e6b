package ai

import "context"

// Message is one chat turn handed to a provider.
// Images carry base64-encoded payloads for multimodal models.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

type Image struct {
	MIMEType string
	Base64   string
}

type ChatOptions struct {
	MaxTokens   int
	Temperature float64
	JSON        bool
}

type Provider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}
