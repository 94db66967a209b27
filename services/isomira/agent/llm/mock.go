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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/isomira/services/isomira/plan"
)

// ErrScriptExhausted is returned by MockClient when no scripted reply is
// left and no default is set.
var ErrScriptExhausted = errors.New("mock: no scripted response left")

// MockClient is a scripted Client for tests.
//
// Thread Safety: Safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	// script is consumed in order, one step per call.
	script []mockStep

	// defaultResponse is returned when the script is empty. Nil means
	// ErrScriptExhausted.
	defaultResponse *Response

	// responseFunc, when set, replaces the script.
	responseFunc func(*Request) (*Response, error)

	calls []CompletionCall
}

type mockStep struct {
	content string
	err     error
}

// CompletionCall records one call to Complete.
type CompletionCall struct {
	Request   *Request
	Timestamp time.Time
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueResponse appends a reply to the script.
func (c *MockClient) QueueResponse(content string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, mockStep{content: content})
	return c
}

// QueueError appends a failing call to the script.
func (c *MockClient) QueueError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, mockStep{err: err})
	return c
}

// SetDefaultResponse sets the reply used once the script is empty.
func (c *MockClient) SetDefaultResponse(content string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultResponse = &Response{Content: content, Raw: content}
	return c
}

// WithResponseFunc generates replies dynamically.
func (c *MockClient) WithResponseFunc(f func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = f
	return c
}

// Complete implements Client. Think blocks are stripped for profiles that
// request it, matching OpenAIClient.
func (c *MockClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	if request == nil {
		return nil, ErrNilRequest
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, CompletionCall{Request: request, Timestamp: time.Now()})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.responseFunc != nil {
		return c.responseFunc(request)
	}

	var raw string
	switch {
	case len(c.script) > 0:
		step := c.script[0]
		c.script = c.script[1:]
		if step.err != nil {
			return nil, step.err
		}
		raw = step.content
	case c.defaultResponse != nil:
		raw = c.defaultResponse.Raw
	default:
		return nil, fmt.Errorf("%w (call %d, role %s)", ErrScriptExhausted, len(c.calls), request.Profile.Role)
	}

	content := raw
	if request.Profile.StripThinking {
		content = plan.StripThinkBlocks(raw)
	}
	return &Response{
		Content:      content,
		Raw:          raw,
		Model:        request.Profile.Model,
		FinishReason: "stop",
		InputTokens:  (len(request.System) + len(request.User)) / 3,
		OutputTokens: len(raw) / 3,
		Attempts:     1,
	}, nil
}

// Name implements Client.
func (c *MockClient) Name() string {
	return "mock"
}

// Calls returns a copy of the recorded calls.
func (c *MockClient) Calls() []CompletionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make([]CompletionCall, len(c.calls))
	copy(calls, c.calls)
	return calls
}

// CallCount returns the number of calls made.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Roles returns the profile role of every call, in order.
func (c *MockClient) Roles() []Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles := make([]Role, len(c.calls))
	for i, call := range c.calls {
		roles[i] = call.Request.Profile.Role
	}
	return roles
}

// LastRequest returns the most recent request, or nil.
func (c *MockClient) LastRequest() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1].Request
}

// Verify returns an error if scripted replies were not consumed.
func (c *MockClient) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) > 0 {
		return fmt.Errorf("mock: %d scripted responses not consumed", len(c.script))
	}
	return nil
}
