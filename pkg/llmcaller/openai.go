package llmcaller

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICaller is the default ModelCaller, backing llm and agent nodes with
// the Chat Completions API (grounded on the teacher's OpenAI node
// executor pattern: client.CreateChatCompletion against a single rendered
// prompt).
type OpenAICaller struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewOpenAICaller builds a caller against the public OpenAI API (or any
// OpenAI-compatible baseURL, when set).
func NewOpenAICaller(apiKey, baseURL, model string, temperature float64, timeout time.Duration) *OpenAICaller {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICaller{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
		timeout:     timeout,
	}
}

// Call renders one model turn and returns its raw text response.
// SystemPrompt carries the identity's system prompt when one is set;
// History, when non-empty, is threaded in ahead of renderedPrompt as prior
// user/assistant turns.
func (c *OpenAICaller) Call(ctx context.Context, renderedPrompt string, cfg NodeConfiguration) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(cfg.History)+2)
	if cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	for _, turn := range cfg.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: renderedPrompt,
	})

	temperature := c.temperature
	if cfg.Temperature > 0 {
		temperature = float32(cfg.Temperature)
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		Messages:    messages,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llmcaller: openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llmcaller: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
