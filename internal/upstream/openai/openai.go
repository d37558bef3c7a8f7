// Package openai adapts upstream.Request/Response to the official OpenAI
// SDK's chat-completions surface, used for both the openai and
// openai_responses platform families.
package openai

import (
	"context"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	platformName   = "openai"
)

// Adapter implements upstream.Adapter for OpenAI chat completions.
type Adapter struct{}

// New builds an Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return platformName }

func (a *Adapter) Forward(ctx context.Context, creds upstream.Credentials, req upstream.Request) (*upstream.Response, error) {
	if creds.APIKey == "" {
		return nil, relayerr.New(relayerr.InvalidCredentials, "openai: account has no API key")
	}

	opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	opts = append(opts, option.WithBaseURL(baseURL), option.WithHTTPClient(&http.Client{Timeout: upstream.ProviderTimeout}))

	client := openaiSDK.NewClient(opts...)
	params := buildParams(req)

	if req.Stream {
		return forwardStreaming(ctx, client, params)
	}
	return forwardOnce(ctx, client, params)
}

func buildParams(req upstream.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "assistant") {
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{Messages: msgs, Model: req.Model}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func forwardOnce(ctx context.Context, client openaiSDK.Client, params openaiSDK.ChatCompletionNewParams) (*upstream.Response, error) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &upstream.Response{
		ID:   resp.ID,
		Body: []byte(content),
		Usage: pricing.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func forwardStreaming(ctx context.Context, client openaiSDK.Client, params openaiSDK.ChatCompletionNewParams) (*upstream.Response, error) {
	ch := make(chan upstream.StreamChunk, 64)
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if c := chunk.Choices[0].Delta.Content; c != "" {
				ch <- upstream.StreamChunk{Data: []byte(c)}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- upstream.StreamChunk{Err: relayerr.Wrap(relayerr.UpstreamError, err)}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}
