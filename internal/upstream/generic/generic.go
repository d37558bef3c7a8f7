// Package generic is the one OpenAI-compatible-chat-JSON adapter behind
// four platform names: bedrock, azure, droid, ccr. Each differs only in
// how its credentials become request headers/query params and how its
// base path is built — there is no per-platform SDK for any of these, so
// all four share this single net/http implementation, the way the
// teacher's azure/bedrock adapters already do per-provider JSON request
// building over net/http.
package generic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// decorator attaches a platform's auth to an outbound *http.Request and
// builds its completions URL from the account's credentials.
type decorator func(req *http.Request, creds upstream.Credentials)
type urlBuilder func(creds upstream.Credentials, model string, stream bool) string

// Adapter is the shared OpenAI-compatible-chat-JSON implementation.
type Adapter struct {
	platform string
	buildURL urlBuilder
	decorate decorator
	client   *http.Client
}

// NewBedrock builds the Bedrock Converse-over-HTTP adapter. Nothing in this
// tree performs SigV4 signing or STS exchange; the account's credentials
// are only decrypted, and this adapter attaches the bearer/session
// materials it was given.
func NewBedrock() *Adapter {
	return &Adapter{
		platform: "bedrock",
		buildURL: func(creds upstream.Credentials, model string, _ bool) string {
			return strings.TrimRight(creds.BaseURL, "/") + "/model/" + model + "/converse"
		},
		decorate: func(req *http.Request, creds upstream.Credentials) {
			req.Header.Set("Authorization", "Bearer "+creds.SecretKey)
			if creds.SessionToken != "" {
				req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
			}
		},
		client: &http.Client{Timeout: upstream.ProviderTimeout},
	}
}

// NewAzure builds the Azure OpenAI adapter. Model names carry the
// deployment name directly; Azure routes by deployment, not model id.
func NewAzure() *Adapter {
	return &Adapter{
		platform: "azure",
		buildURL: func(creds upstream.Credentials, model string, _ bool) string {
			return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
				strings.TrimRight(creds.BaseURL, "/"), model, creds.APIVersion)
		},
		decorate: func(req *http.Request, creds upstream.Credentials) {
			req.Header.Set("api-key", creds.APIKey)
		},
		client: &http.Client{Timeout: upstream.ProviderTimeout},
	}
}

// NewDroid builds the Factory Droid relay adapter — a bearer-token
// OpenAI-compatible surface.
func NewDroid() *Adapter {
	return bearerAdapter("droid")
}

// NewCCR builds the Claude-Code-Router-compatible adapter, another
// bearer-token OpenAI-compatible surface reached through a different base
// URL per account.
func NewCCR() *Adapter {
	return bearerAdapter("ccr")
}

func bearerAdapter(platform string) *Adapter {
	return &Adapter{
		platform: platform,
		buildURL: func(creds upstream.Credentials, _ string, _ bool) string {
			return strings.TrimRight(creds.BaseURL, "/") + "/chat/completions"
		},
		decorate: func(req *http.Request, creds upstream.Credentials) {
			req.Header.Set("Authorization", "Bearer "+creds.APIKey)
		},
		client: &http.Client{Timeout: upstream.ProviderTimeout},
	}
}

func (a *Adapter) Platform() string { return a.platform }

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message *chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Forward(ctx context.Context, creds upstream.Credentials, req upstream.Request) (*upstream.Response, error) {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}

	url := a.buildURL(creds, req.Model, req.Stream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.decorate(httpReq, creds)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}

	if req.Stream {
		return streamResponse(resp), nil
	}
	defer resp.Body.Close()
	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (*upstream.Response, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &relayerr.Error{Kind: relayerr.UpstreamError, Message: fmt.Sprintf("upstream status %d: %s", resp.StatusCode, string(data))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamError, err)
	}
	if parsed.Error != nil {
		return nil, relayerr.New(relayerr.UpstreamError, parsed.Error.Message)
	}

	content := ""
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message != nil {
		content = parsed.Choices[0].Message.Content
	}

	return &upstream.Response{
		ID:   parsed.ID,
		Body: []byte(content),
		Usage: pricing.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// streamResponse copies the upstream SSE body verbatim, line by line, onto
// the returned channel — bytes are never reinterpreted, per §4.11's
// streaming-passthrough requirement.
func streamResponse(resp *http.Response) *upstream.Response {
	ch := make(chan upstream.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				ch <- upstream.StreamChunk{Data: line}
			}
			if err != nil {
				if err != io.EOF {
					ch <- upstream.StreamChunk{Err: relayerr.Wrap(relayerr.UpstreamError, err)}
				}
				return
			}
		}
	}()
	return &upstream.Response{Stream: ch}
}
