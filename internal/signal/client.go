package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"spreads-ai/internal/config"
)

// Client 封装 OpenAI 调用，输出只以校验后的 Decision 形式返回。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建信号客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("signal: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("signal: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	sdkCfg.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkCfg),
	}, nil
}

// Decide 请求模型并返回校验通过的决策；解析或校验失败时返回错误，不做任何猜测。
func (c *Client) Decide(ctx context.Context, in PromptInput) (Decision, error) {
	prompt, err := BuildPrompt(in)
	if err != nil {
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.String("underlying", in.Underlying), zap.Error(err))
		return Decision{}, fmt.Errorf("signal: 调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Decision{}, errors.New("signal: OpenAI 返回结果为空")
	}

	raw := strings.TrimSpace(response.Choices[0].Message.Content)
	decision, err := Parse(raw)
	if err != nil {
		c.logger.Warn("模型决策被拒绝",
			zap.String("underlying", in.Underlying),
			zap.Error(err),
			zap.String("raw_content", raw),
		)
		return Decision{}, err
	}
	if decision.Underlying != strings.ToUpper(in.Underlying) {
		return Decision{}, fmt.Errorf("signal: 决策标的 %s 与请求标的 %s 不一致", decision.Underlying, in.Underlying)
	}

	c.logger.Info("信号决策生成成功",
		zap.String("underlying", decision.Underlying),
		zap.String("action", string(decision.Action)),
		zap.Float64("confidence", decision.Confidence),
	)
	return decision, nil
}
