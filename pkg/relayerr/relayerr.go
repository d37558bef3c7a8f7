// Package relayerr defines the relay's error kinds and their external
// surface: the HTTP status a kind maps to, and the JSON envelope a client
// sees. Every pre-admission check, scheduler failure, and upstream outcome
// carries one of these kinds so that the stats counter and the HTTP
// response are always driven by the same value.
package relayerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind is one row of the error-kind table.
type Kind string

const (
	StoreUnavailable  Kind = "store_unavailable"
	InvalidCredentials Kind = "invalid_credentials"
	KeyInactive       Kind = "key_inactive"
	KeyExpired        Kind = "key_expired"
	KeyDeleted        Kind = "key_deleted"
	ClientNotAllowed  Kind = "client_not_allowed"
	ModelNotAllowed   Kind = "model_not_allowed"
	QuotaExceeded     Kind = "quota_exceeded"
	RateLimited       Kind = "rate_limited"
	QueueTimeout      Kind = "queue_timeout"
	NoAvailableAccount Kind = "no_available_account"
	UpstreamError     Kind = "upstream_error"
	AccountRateLimited Kind = "account_rate_limited"
	ClientDisconnect  Kind = "client_disconnect"
)

// status is the default HTTP status for a kind. UpstreamError has no fixed
// status — it mirrors whatever the provider returned, so it is absent here
// and handled by WriteUpstream.
var status = map[Kind]int{
	StoreUnavailable:   fasthttp.StatusServiceUnavailable,
	InvalidCredentials: fasthttp.StatusUnauthorized,
	KeyInactive:        fasthttp.StatusUnauthorized,
	KeyExpired:         fasthttp.StatusUnauthorized,
	KeyDeleted:         fasthttp.StatusUnauthorized,
	ClientNotAllowed:   fasthttp.StatusForbidden,
	ModelNotAllowed:    fasthttp.StatusForbidden,
	QuotaExceeded:      fasthttp.StatusTooManyRequests,
	RateLimited:        fasthttp.StatusTooManyRequests,
	QueueTimeout:       fasthttp.StatusTooManyRequests,
	NoAvailableAccount: fasthttp.StatusServiceUnavailable,
	AccountRateLimited: fasthttp.StatusTooManyRequests,
}

// Error is a tagged error: Kind drives both the HTTP status and the stats
// counter that increments. It replaces exception-based control flow with a
// single value threaded back through every layer.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is sent as the Retry-After header (60 when unset)
	// on QuotaExceeded/RateLimited/QueueTimeout/AccountRateLimited
	// responses; the JSON body carries no retry field.
	RetryAfterSeconds int
	// Binding distinguishes NoAvailableAccount's two causes: true when a
	// key's platform binding itself excludes every candidate, false when
	// the pool was simply exhausted after filtering.
	Binding bool
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relayerr: %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("relayerr: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("relayerr: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare *Error of kind with message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of kind wrapping err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NoAccount builds the two NoAvailableAccount variants the scheduler needs.
func NoAccount(binding bool) *Error {
	msg := "no account available in the pool"
	if binding {
		msg = "the key's account binding excludes every candidate"
	}
	return &Error{Kind: NoAvailableAccount, Message: msg, Binding: binding}
}

// As extracts an *Error from err, if any layer wrapped one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusFor returns the HTTP status err maps to. Non-relayerr errors map to
// 500, matching the propagation policy that accounting/index failures never
// reach the client as anything but a logged warning.
func StatusFor(err error) int {
	e, ok := As(err)
	if !ok {
		return fasthttp.StatusInternalServerError
	}
	if s, ok := status[e.Kind]; ok {
		return s
	}
	return fasthttp.StatusBadGateway
}

type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Write serializes err to ctx as a JSON envelope with the mapped status,
// attaching x-ratelimit-* and Retry-After hints for quota/rate-limit kinds.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e, ok := As(err)
	if !ok {
		writeRaw(ctx, fasthttp.StatusInternalServerError, "internal_error", "server_error", err.Error())
		return
	}

	s := StatusFor(err)
	switch e.Kind {
	case QuotaExceeded, RateLimited, QueueTimeout, AccountRateLimited:
		retry := e.RetryAfterSeconds
		if retry <= 0 {
			retry = 60
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retry))
		ctx.Response.Header.Set("x-ratelimit-kind", string(e.Kind))
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	writeRaw(ctx, s, string(e.Kind), errType(e.Kind), msg)
}

// WriteUpstream mirrors a provider's status code as-is, per the
// UpstreamError row's "mirror provider" surface behavior.
func WriteUpstream(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	writeRaw(ctx, providerStatus, string(UpstreamError), errType(UpstreamError), msg)
}

func writeRaw(ctx *fasthttp.RequestCtx, status int, code, typ, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(envelope{Error: body{Message: msg, Type: typ, Code: code}})
	ctx.SetBody(b)
}

func errType(k Kind) string {
	switch k {
	case InvalidCredentials, KeyInactive, KeyExpired, KeyDeleted:
		return "authentication_error"
	case ClientNotAllowed, ModelNotAllowed:
		return "permission_error"
	case QuotaExceeded, RateLimited, AccountRateLimited:
		return "rate_limit_error"
	case QueueTimeout, NoAvailableAccount, StoreUnavailable:
		return "server_error"
	case UpstreamError:
		return "provider_error"
	default:
		return "server_error"
	}
}
