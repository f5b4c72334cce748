package providers

import "context"

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model       string
	System      string
	History     []Message
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
