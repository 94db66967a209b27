// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the model-calling layer of the isomira loop.
//
// Every call goes through Client.Complete with a role Profile. The Profile
// carries the model name, sampling parameters and context budget, so one
// calling interface serves planner, implementer and consultant.
package llm

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the llm package.
var (
	// ErrRetriesExhausted indicates every attempt failed with a transient error.
	ErrRetriesExhausted = errors.New("model endpoint unreachable after retries")

	// ErrNoChoices indicates the endpoint returned no completion choices.
	ErrNoChoices = errors.New("model returned no choices")

	// ErrNilRequest indicates Complete was called without a request.
	ErrNilRequest = errors.New("request must not be nil")
)

// Client sends one completion request.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends the request and returns the model's reply.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// Request is one model call.
type Request struct {
	// Profile selects model, sampling and context budget.
	Profile Profile `json:"profile"`

	// System is the system prompt.
	System string `json:"system"`

	// User is the user prompt.
	User string `json:"user"`
}

// Response is the model's reply.
type Response struct {
	// Content is the reply text. For profiles with StripThinking set,
	// <think> blocks are already removed.
	Content string `json:"content"`

	// Raw is the unmodified reply text.
	Raw string `json:"raw,omitempty"`

	Model        string        `json:"model,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}
