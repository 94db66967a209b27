// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/isomira/services/isomira/plan"
)

var tracer = otel.Tracer("isomira.llm")

// DefaultRequestTimeout bounds a single HTTP request.
const DefaultRequestTimeout = 300 * time.Second

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. http://localhost:1234/v1.
	BaseURL string

	// APIKey is sent as a bearer token. Local endpoints ignore it.
	APIKey string

	// RequestTimeout bounds one HTTP request. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Retry configures transient-failure retries.
	Retry RetryConfig

	// Logger receives call logs. Nil means slog.Default().
	Logger *slog.Logger
}

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint
// such as LMStudio.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	retry  RetryConfig
	logger *slog.Logger
}

// NewOpenAIClient creates a client for cfg.
//
// Inputs:
//
//	cfg - Endpoint configuration. Empty BaseURL means DefaultBaseURL and a
//	      zero Retry means DefaultRetryConfig().
//
// Outputs:
//
//	*OpenAIClient - The configured client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "lm-studio"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string {
	return "openai-compatible"
}

// Complete implements Client.
//
// Description:
//
//	Sends the system and user prompts with the profile's sampling
//	parameters. Connection failures and request timeouts are retried per
//	the RetryConfig; any other failure is returned immediately. For
//	profiles with StripThinking, <think> blocks are removed from Content.
//
// Outputs:
//
//	*Response - The reply.
//	error - ErrRetriesExhausted (joined with the last error), a
//	        non-transient endpoint error, ErrNoChoices, or the context error.
//
// Thread Safety: This method is safe for concurrent use.
func (c *OpenAIClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	if request == nil {
		return nil, ErrNilRequest
	}
	prof := request.Profile
	inTokens := (len(request.System) + len(request.User)) / 3

	ctx, span := tracer.Start(ctx, "llm.Complete",
		trace.WithAttributes(
			attribute.String("llm.role", string(prof.Role)),
			attribute.String("llm.model", prof.Model),
			attribute.Int("llm.input_tokens_est", inTokens),
		),
	)
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model: prof.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: request.System},
			{Role: openai.ChatMessageRoleUser, Content: request.User},
		},
		Temperature: prof.Temperature,
		TopP:        prof.TopP,
		MaxTokens:   prof.MaxTokens,
	}

	c.logger.Info("calling model",
		slog.String("role", string(prof.Role)),
		slog.String("model", prof.Model),
		slog.Int("est_tokens_in", inTokens),
	)

	start := time.Now()
	var resp openai.ChatCompletionResponse
	attempts, err := retry(ctx, c.retry, func(ctx context.Context, _ int) error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, req)
		return callErr
	}, func(attempt int, wait time.Duration, err error) {
		recordRetry(prof.Role)
		c.logger.Warn("model call failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.retry.MaxAttempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("llm.attempts", attempts))

	if err != nil {
		recordCall(prof.Role, "error", duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("model call (%s, %s): %w", prof.Role, prof.Model, err)
	}
	if len(resp.Choices) == 0 {
		recordCall(prof.Role, "error", duration)
		span.SetStatus(codes.Error, ErrNoChoices.Error())
		return nil, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	content := raw
	if prof.StripThinking {
		content = plan.StripThinkBlocks(raw)
	}

	out := &Response{
		Content:      content,
		Raw:          raw,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Attempts:     attempts,
		Duration:     duration,
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = len(raw) / 3
	}
	if out.InputTokens == 0 {
		out.InputTokens = inTokens
	}

	recordCall(prof.Role, "ok", duration)
	recordTokens(prof.Role, out.InputTokens, out.OutputTokens)
	span.SetAttributes(attribute.Int("llm.output_tokens", out.OutputTokens))

	c.logger.Info("model replied",
		slog.String("role", string(prof.Role)),
		slog.Int("est_tokens_out", out.OutputTokens),
		slog.Duration("duration", duration),
	)
	return out, nil
}
