package llm

import (
	"context"
	"errors"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI is a client for the Chat Completions API. Any compatible endpoint
// works through BaseURL.
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	post    poster
}

// NewOpenAI creates an OpenAI client.
func NewOpenAI(opts Options) *OpenAI {
	base := opts.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel(ProviderOpenAI)
	}
	return &OpenAI{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: strings.TrimRight(base, "/"),
		post:    newPoster(ProviderOpenAI, opts),
	}
}

func (c *OpenAI) Name() string  { return ProviderOpenAI }
func (c *OpenAI) Model() string { return c.model }

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one Chat Completions call.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := openaiRequest{
		Model:     c.model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  objectSchema(t.Schema),
			},
		})
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	var resp openaiResponse
	if err := c.post.postJSON(ctx, c.baseURL+"/chat/completions", headers, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		StopReason: choice.FinishReason,
		Usage:      Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArgumentString(tc.Function.Arguments),
		})
	}
	return out, nil
}

func toOpenAIMessages(system string, msgs []Message) []openaiMessage {
	var out []openaiMessage
	if system != "" {
		out = append(out, openaiMessage{Role: "system", Content: strPtr(system)})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, openaiMessage{Role: "user", Content: strPtr(m.Content)})
		case RoleAssistant:
			om := openaiMessage{Role: "assistant"}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				om.Content = strPtr(m.Content)
			}
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      tc.Name,
						Arguments: string(encodeArguments(tc.Arguments)),
					},
				})
			}
			out = append(out, om)
		case RoleTool:
			content := m.Content
			if m.IsError {
				content = "Error: " + content
			}
			out = append(out, openaiMessage{Role: "tool", ToolCallID: m.ToolCallID, Content: strPtr(content)})
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
