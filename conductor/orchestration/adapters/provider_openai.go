package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIProvider creates a provider for baseURL (empty means the public API).
func NewOpenAIProvider(baseURL, apiKey, model string, temperature float32) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Transport: retryAfterTransport{base: http.DefaultTransport}}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages(in),
		MaxTokens:   opts.MaxNewTokens,
		Temperature: p.temperature,
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	if opts.Seed != 0 {
		seed := opts.Seed
		req.Seed = &seed
	}
	if len(in.Tools) > 0 && opts.ToolChoice != "none" {
		req.Tools = chatTools(in.Tools)
		if opts.ToolChoice != "" {
			req.ToolChoice = opts.ToolChoice
		}
	}

	hint := &retryHint{}
	resp, err := p.client.CreateChatCompletion(context.WithValue(ctx, retryHintKey{}, hint), req)
	if err != nil {
		return ports.Completion{}, classifyOpenAIError(err, hint.after)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("reasoning service returned no choices")
	}

	msg := resp.Choices[0].Message
	out := ports.Completion{
		Text: msg.Content,
		Usage: &ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{Name: tc.Function.Name, Args: json.RawMessage(args)})
	}
	return out, nil
}

func chatMessages(in ports.PromptInput) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.System})
	}
	for _, m := range in.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case ports.RoleAgent:
			role = openai.ChatMessageRoleAssistant
		case ports.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		// Tool results are replayed as plain text; native tool messages need call ids we do not keep.
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func chatTools(specs []ports.ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		var params any = json.RawMessage(`{"type":"object"}`)
		if len(s.JSONSchema) > 0 {
			params = json.RawMessage(s.JSONSchema)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// classifyOpenAIError maps HTTP failures onto the conductor error taxonomy.
// retryAfter is the server's Retry-After hint, zero when absent.
func classifyOpenAIError(err error, retryAfter time.Duration) error {
	status := 0
	msg := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return &ports.RateLimitError{Message: "reasoning service: " + msg, RetryAfter: retryAfter}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return &ports.ValidationError{Field: "prompt", Message: msg, Err: err}
	}
	return fmt.Errorf("reasoning call failed: %w", err)
}

type retryHintKey struct{}

type retryHint struct{ after time.Duration }

// retryAfterTransport copies the Retry-After header of throttled responses into the
// request's retryHint, since the client's error types drop response headers.
type retryAfterTransport struct {
	base http.RoundTripper
}

func (t retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if hint, ok := req.Context().Value(retryHintKey{}).(*retryHint); ok {
			hint.after = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
	}
	return resp, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// UnavailableProvider stands in when no reasoning service is configured.
// Every call fails validation so tool-only routing still works.
type UnavailableProvider struct{}

func (UnavailableProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	return ports.Completion{}, &ports.ValidationError{
		Field:   "provider",
		Message: "no reasoning provider configured (set provider.kind)",
	}
}

var (
	_ ports.Provider = (*OpenAIProvider)(nil)
	_ ports.Provider = UnavailableProvider{}
)
