// Package anthropic adapts upstream.Request/Response to the official
// Anthropic SDK, including the usage accounting the orchestrator needs
// back (input/output/cache-creation/cache-read token counts) and the
// Fast Mode / 1M-context beta flags the pricing engine keys off of.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	platformName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements upstream.Adapter for Anthropic.
type Adapter struct{}

// New builds an Adapter. It carries no state of its own — every call
// builds its client fresh from the scheduler-selected account's
// credentials, since the relay multiplexes many accounts per platform.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return platformName }

func (a *Adapter) Forward(ctx context.Context, creds upstream.Credentials, req upstream.Request) (*upstream.Response, error) {
	if creds.APIKey == "" {
		return nil, relayerr.New(relayerr.InvalidCredentials, "anthropic: account has no API key")
	}

	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := anthropic.NewClient(
		option.WithAPIKey(creds.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: upstream.ProviderTimeout}),
	)

	params := buildParams(req)

	opts := []option.RequestOption{}
	if req.AnthropicBeta != "" {
		opts = append(opts, option.WithHeader("anthropic-beta", req.AnthropicBeta))
	}

	if req.Stream {
		return a.forwardStreaming(ctx, client, params, opts)
	}
	return a.forwardOnce(ctx, client, params, opts)
}

func buildParams(req upstream.Request) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if strings.EqualFold(m.Role, "assistant") {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (a *Adapter) forwardOnce(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, opts []option.RequestOption) (*upstream.Response, error) {
	msg, err := client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &upstream.Response{
		ID:   msg.ID,
		Body: []byte(sb.String()),
		Usage: pricing.Usage{
			InputTokens:         msg.Usage.InputTokens,
			OutputTokens:        msg.Usage.OutputTokens,
			CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:     msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func (a *Adapter) forwardStreaming(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, opts []option.RequestOption) (*upstream.Response, error) {
	ch := make(chan upstream.StreamChunk, 64)
	stream := client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					ch <- upstream.StreamChunk{Data: []byte(text.Text)}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- upstream.StreamChunk{Err: toUpstreamError(err)}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

func toUpstreamError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return relayerr.Wrap(relayerr.UpstreamError, fmt.Errorf("anthropic: %s (status=%d)", apiErr.Error(), apiErr.StatusCode))
	}
	return relayerr.Wrap(relayerr.UpstreamError, err)
}
