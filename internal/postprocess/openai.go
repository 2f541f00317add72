package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// outputPlaceholder marks where the raw transcription goes in the
// user prompt template.
const outputPlaceholder = "${output}"

// Config contains the LLM cleanup settings.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the OpenAI default
	Model        string
	Template     string // user prompt, must contain ${output}
	SystemPrompt string
	Temperature  float32
	Timeout      time.Duration
}

// chatClient is the slice of the OpenAI client the processor uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Processor rewrites transcriptions through a chat completion. A
// failed or empty completion falls back to the raw text upstream; the
// processor only reports the error.
type Processor struct {
	cfg    Config
	client chatClient
	logger *slog.Logger
}

// NewProcessor creates an OpenAI-backed post-processor.
func NewProcessor(cfg Config, logger *slog.Logger) (*Processor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if !strings.Contains(cfg.Template, outputPlaceholder) {
		return nil, fmt.Errorf("template must contain %s", outputPlaceholder)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Processor{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}, nil
}

// Process sends the text through the configured prompt and returns the
// completion.
func (p *Processor) Process(text string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: strings.ReplaceAll(p.cfg.Template, outputPlaceholder, text),
	})

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	result := strings.TrimSpace(resp.Choices[0].Message.Content)
	if result == "" {
		return "", fmt.Errorf("chat completion returned empty text")
	}

	p.logger.Debug("Post-processing completed",
		"model", p.cfg.Model, "duration", time.Since(start))
	return result, nil
}
