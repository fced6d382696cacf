package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ReasoningKey is the schema.Message Extra key holding reasoning text returned
// outside the content field.
const ReasoningKey = "reasoning_content"

// reservedOptions are request fields owned by the model itself; provider
// options can never replace them.
var reservedOptions = map[string]bool{"model": true, "messages": true, "stream": true}

// openAIModel implements model.BaseChatModel over any OpenAI-compatible
// chat completions endpoint.
type openAIModel struct {
	client  openai.Client
	model   string
	options map[string]any
}

var _ model.BaseChatModel = (*openAIModel)(nil)

// newOpenAIModel builds a client for sel. extra options are applied after the
// provider settings, which lets tests swap the HTTP client.
func newOpenAIModel(sel Selection, timeout time.Duration, extra ...option.RequestOption) *openAIModel {
	opts := []option.RequestOption{
		option.WithBaseURL(sel.Provider.BaseURL),
		// Always set, so a local provider never inherits OPENAI_API_KEY.
		option.WithAPIKey(sel.Provider.APIKey),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	opts = append(opts, extra...)

	return &openAIModel{
		client:  openai.NewClient(opts...),
		model:   sel.Model,
		options: sel.Options,
	}
}

// Generate sends one non-streaming completion request.
func (m *openAIModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	common := model.GetCommonOptions(&model.Options{Model: &m.model}, opts...)

	fields := make(map[string]any, len(m.options)+2)
	for k, v := range m.options {
		if !reservedOptions[k] {
			fields[k] = v
		}
	}
	if common.Temperature != nil {
		fields["temperature"] = *common.Temperature
	}
	if common.MaxTokens != nil {
		fields["max_tokens"] = *common.MaxTokens
	}
	reqOpts := make([]option.RequestOption, 0, len(fields))
	for k, v := range fields {
		reqOpts = append(reqOpts, option.WithJSONSet(k, v))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(*common.Model),
		Messages: toOpenAIMessages(input),
	}

	resp, err := m.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai: HTTP %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0].Message
	msg := schema.AssistantMessage(choice.Content, nil)
	if reasoning := reasoningContent(choice.RawJSON()); reasoning != "" {
		msg.Extra = map[string]any{ReasoningKey: reasoning}
	}
	return msg, nil
}

// Stream wraps Generate; IRC output is line-paced so partial tokens are never
// relayed.
func (m *openAIModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		switch msg.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(msg.Content))
		case schema.Assistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// reasoningContent extracts the non-standard reasoning_content field some
// OpenAI-compatible servers attach to the message.
func reasoningContent(raw string) string {
	if raw == "" {
		return ""
	}
	var extra struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return ""
	}
	return extra.ReasoningContent
}
