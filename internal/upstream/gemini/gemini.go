// Package gemini adapts upstream.Request/Response to the official Google
// GenAI SDK.
package gemini

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

const platformName = "gemini"

// Adapter implements upstream.Adapter for Gemini.
type Adapter struct{}

// New builds an Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return platformName }

func (a *Adapter) Forward(ctx context.Context, creds upstream.Credentials, req upstream.Request) (*upstream.Response, error) {
	if creds.APIKey == "" {
		return nil, relayerr.New(relayerr.InvalidCredentials, "gemini: account has no API key")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     creds.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: upstream.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: creds.BaseURL},
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}

	contents, cfg := buildContents(req)

	if req.Stream {
		return forwardStreaming(ctx, client, req.Model, contents, cfg), nil
	}
	return forwardOnce(ctx, client, req.Model, contents, cfg)
}

func buildContents(req upstream.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "assistant") || strings.EqualFold(m.Role, "model") {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		} else {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if req.System != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.System != "" {
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr(float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}
	return contents, cfg
}

func forwardOnce(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*upstream.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}

	var u pricing.Usage
	id := ""
	text := ""
	if resp != nil {
		text = resp.Text()
		id = resp.ResponseID
		if resp.UsageMetadata != nil {
			u.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
			u.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return &upstream.Response{ID: id, Body: []byte(text), Usage: u}, nil
}

func forwardStreaming(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) *upstream.Response {
	ch := make(chan upstream.StreamChunk, 64)

	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- upstream.StreamChunk{Err: relayerr.Wrap(relayerr.UpstreamError, err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 {
				continue
			}
			if text := resp.Text(); text != "" {
				ch <- upstream.StreamChunk{Data: []byte(text)}
			}
		}
	}()

	return &upstream.Response{Stream: ch}
}
