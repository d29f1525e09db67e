package analysis

import (
	"context"
	"errors"
	"fmt"

	"marketspy/internal/config"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompleter 通过 Chat Completions 接口获取 JSON 输出。
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter 创建 OpenAI 客户端；APIKey 为空时返回 nil。
func NewOpenAICompleter(cfg config.OpenAIConfig) *OpenAICompleter {
	if cfg.APIKey == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Complete 发送 system/user 两条消息并返回第一条回复的内容。
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c == nil {
		return "", errors.New("openai completer is not configured")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
