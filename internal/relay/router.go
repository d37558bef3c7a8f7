package relay

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/apirelay/internal/logger"
	"github.com/nulpointcorp/apirelay/internal/metrics"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// route binds one inbound path to the platform/endpoint pair the
// scheduler and client validator key off of.
type route struct {
	method   string
	path     string
	platform string
	endpoint string
}

// Routes is the relay's full inbound surface, one entry per
// provider-native or provider-compatible path.
var Routes = []route{
	{"POST", "/api/v1/messages", "anthropic", "anthropic"},
	{"POST", "/claude/v1/messages", "anthropic", "anthropic"},
	{"POST", "/openai/v1/chat/completions", "openai", "openai"},
	{"POST", "/openai/responses", "openai_responses", "openai"},
	{"POST", "/openai/v1/responses", "openai_responses", "openai"},
	{"POST", "/gemini/v1/generate", "gemini", "gemini"},
	{"POST", "/droid/claude/v1/messages", "droid", "anthropic"},
	{"POST", "/droid/openai/v1/chat/completions", "droid", "openai"},
	{"POST", "/bedrock/v1/messages", "bedrock", "anthropic"},
	{"POST", "/azure/v1/chat/completions", "azure", "openai"},
	{"POST", "/ccr/v1/chat/completions", "ccr", "openai"},
}

// Server wires the Orchestrator to an inbound fasthttp surface.
type Server struct {
	orc         *Orchestrator
	corsOrigins []string
	log         *slog.Logger
	metrics     *metrics.Registry // nil-safe
	reqLog      *logger.Logger    // nil-safe
}

// NewServer builds a Server around an already-wired Orchestrator. reg and
// reqLog may both be nil, in which case the server skips instrumentation
// and batched request logging respectively.
func NewServer(orc *Orchestrator, corsOrigins []string, log *slog.Logger, reg *metrics.Registry, reqLog *logger.Logger) *Server {
	return &Server{orc: orc, corsOrigins: corsOrigins, log: log, metrics: reg, reqLog: reqLog}
}

// ListenAndServe starts the fasthttp server on addr.
func (s *Server) ListenAndServe(addr string) error {
	r := router.New()
	for _, rt := range Routes {
		platform, endpoint := rt.platform, rt.endpoint
		r.Handle(rt.method, rt.path, s.handle(platform, endpoint))
	}
	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		s.recovery,
		s.requestID,
		s.instrument,
		s.timing,
		s.cors,
		s.securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than a fixed write timeout allows
	}
	return srv.ListenAndServe(addr)
}

func applyMiddleware(h fasthttp.RequestHandler, mw ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("relay handler panic", "panic", r, "path", string(ctx.Path()))
				ctx.ResetBody()
				relayerr.Write(ctx, relayerr.New(relayerr.UpstreamError, "internal server error"))
			}
		}()
		next(ctx)
	}
}

func (s *Server) requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

// instrument records end-to-end HTTP metrics and in-flight gauge around
// every request, including the metrics/health routes.
func (s *Server) instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		s.metrics.IncInFlight()
		start := time.Now()
		next(ctx)
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

func (s *Server) securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

func (s *Server) cors(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(s.corsOrigins) > 0 {
		origin = strings.Join(s.corsOrigins, ", ")
	}
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"status":"ok"}`)
}

// inboundBody is the wire shape both the Anthropic Messages API and the
// OpenAI-compatible chat-completions surface are parsed from. Only one
// role's worth of fields applies per platform; the orchestrator ignores
// the fields its platform doesn't use.
type inboundBody struct {
	Model       string          `json:"model"`
	Messages    []messageBody   `json:"messages"`
	System      json.RawMessage `json:"system"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Speed       string          `json:"request_speed"`
}

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handle(platform, endpoint string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		var body inboundBody
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			relayerr.Write(ctx, relayerr.New(relayerr.UpstreamError, "malformed request body"))
			return
		}

		in := Inbound{
			Platform:      platform,
			Endpoint:      endpoint,
			HashedKey:     hashBearerToken(ctx),
			UserAgent:     string(ctx.Request.Header.UserAgent()),
			Path:          string(ctx.Path()),
			SessionHash:   string(ctx.Request.Header.Peek("X-Session-Hash")),
			Model:         body.Model,
			System:        systemText(body.System),
			Stream:        body.Stream,
			MaxTokens:     body.MaxTokens,
			Temperature:   body.Temperature,
			AnthropicBeta: string(ctx.Request.Header.Peek("anthropic-beta")),
			Speed:         body.Speed,
		}
		for _, m := range body.Messages {
			in.Messages = append(in.Messages, upstream.Message{Role: m.Role, Content: m.Content})
		}

		reqCtx, cancel := connCtx(ctx)

		out, err := s.orc.Handle(reqCtx, in)
		if err != nil {
			cancel()
			relayerr.Write(ctx, err)
			return
		}

		if out.Response.Stream != nil {
			// cancel() runs once the stream is actually drained, inside
			// writeStream's callback — not here, since Handle returns
			// long before fasthttp finishes flushing a streamed body.
			s.writeStream(ctx, out, cancel, platform, in.Model, start)
			return
		}

		cancel()
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(out.Response.Body)
		s.logRequest(out, platform, in.Model, fasthttp.StatusOK, start, false)
	}
}

// logRequest appends one batched entry to the request logger, if one is
// configured. It never blocks: Logger.Log drops entries under backpressure
// rather than slow the hot path.
func (s *Server) logRequest(out *Outcome, platform, model string, status int, start time.Time, cancelled bool) {
	if s.reqLog == nil {
		return
	}
	s.reqLog.Log(logger.RequestLog{
		ID:           uuid.New(),
		Provider:     platform,
		Model:        model,
		AccountID:    out.AccountID,
		KeyID:        out.RequestID,
		InputTokens:  uint32(out.Response.Usage.InputTokens),
		OutputTokens: uint32(out.Response.Usage.OutputTokens),
		LatencyMs:    uint16(min(time.Since(start).Milliseconds(), 65535)),
		Status:       uint16(status),
		Cancelled:    cancelled,
		CreatedAt:    start,
	})
}

// writeStream copies every chunk's bytes onto the client connection as it
// arrives, unchanged from what the adapter emitted, then
// runs the release + accounting hookup once the upstream closes the
// stream or the client disconnects.
func (s *Server) writeStream(ctx *fasthttp.RequestCtx, out *Outcome, cancel func(), platform, model string, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	// fasthttp invokes this callback from its own response-flushing
	// goroutine, after the handler has already returned — the release +
	// accounting hookup runs at the end of the callback itself, once the
	// stream is actually drained, not when SetBodyStreamWriter returns.
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		cancelled := false
		for chunk := range out.Response.Stream {
			if chunk.Err != nil {
				cancelled = true
				break
			}
			if _, err := w.Write(chunk.Data); err != nil {
				cancelled = true
				break
			}
			if err := w.Flush(); err != nil {
				cancelled = true
				break
			}
		}
		// The usage totals a passthrough adapter's trailing SSE frame
		// carried are not re-parsed here — streaming bytes are forwarded
		// verbatim per §4.11, so token accounting for a streamed response
		// relies on whatever the upstream adapter itself captured in
		// out.Response.Usage. Finish's own release calls use their own
		// cancellation-free context internally, so it is safe to run
		// after cancel below tears down the request context.
		out.Finish(context.Background(), out.Response.Usage, cancelled)
		cancel()
		s.logRequest(out, platform, model, fasthttp.StatusOK, start, cancelled)
	})
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return ""
}

// connCtx derives a cancellable context.Context from a fasthttp request
// whose Done() channel closes on client disconnect, so the orchestrator's
// forwarding and queue-wait paths observe cancellation the same way they
// would behind net/http's CloseNotifier.
func connCtx(ctx *fasthttp.RequestCtx) (context.Context, func()) {
	rc, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-rc.Done():
		}
	}()
	return rc, cancel
}

func hashBearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		token = string(ctx.Request.Header.Peek("x-api-key"))
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
