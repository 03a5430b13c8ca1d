package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/adi99/callAI-sub000/internal/reliability"
)

// OpenAIConfig configures the chat-completions provider. BaseURL may point at
// any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

const openaiProviderName = "openai"

// OpenAIProvider generates replies through the chat completions API.
type OpenAIProvider struct {
	client oai.Client
	model  string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: oai.NewClient(opts...), model: cfg.Model}, nil
}

func (p *OpenAIProvider) Name() string { return openaiProviderName }

// Generate issues one chat completion and maps any tool calls back into the
// provider-neutral reply shape.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Reply, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: buildMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: param.NewOpt(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Parameters),
			},
		})
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, reliability.NewProviderError(openaiProviderName, reliability.CodeServerError, errors.New("completion returned no choices"))
	}

	msg := resp.Choices[0].Message
	reply := Reply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.FunctionCalls = append(reply.FunctionCalls, FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// buildMessages flattens the neutral history into chat completion params.
func buildMessages(req Request) []oai.ChatCompletionMessageParamUnion {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = oai.String(m.Content)
			}
			for _, call := range m.Calls {
				asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			msgs = append(msgs, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			msgs = append(msgs, oai.ToolMessage(m.Content, m.ToolCallID))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}
	return msgs
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return reliability.NewProviderError(openaiProviderName, reliability.CodeTimeout, err)
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return reliability.NewProviderError(openaiProviderName, reliability.CodeForHTTPStatus(apierr.StatusCode),
			fmt.Errorf("chat completion: %w", err))
	}
	return reliability.NewTransportError(openaiProviderName, err)
}
