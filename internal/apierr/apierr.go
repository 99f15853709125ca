// Package apierr is the error taxonomy shared by the relay API and its clients.
// Server handlers turn a *Error into a status code and JSON envelope; clients
// turn a response back into a *Error through FromResponse.
package apierr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
)

type Kind string

const (
	KindUnauthorized             Kind = "unauthorized"
	KindBadRequest               Kind = "bad_request"
	KindNotFound                 Kind = "not_found"
	KindRateLimited              Kind = "rate_limited"
	KindAlreadyClosing           Kind = "already_closing"
	KindServiceUnavailable       Kind = "service_unavailable"
	KindGatewayTimeout           Kind = "gateway_timeout"
	KindUpstreamError            Kind = "upstream_error"
	KindInternal                 Kind = "internal_error"
	KindStreamClosed             Kind = "stream_closed"
	KindMaxReconnectExceeded     Kind = "max_reconnect_exceeded"
	KindDisconnectedByInactivity Kind = "disconnected_by_inactivity"
)

// Error is a classified failure. RetryAfter is set for rate limiting only.
type Error struct {
	Kind       Kind
	Message    string
	Status     int
	RetryAfter time.Time
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches on Kind so errors.Is(err, apierr.ErrRateLimited) works for any
// rate-limit error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthorized             = &Error{Kind: KindUnauthorized}
	ErrBadRequest               = &Error{Kind: KindBadRequest}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrRateLimited              = &Error{Kind: KindRateLimited}
	ErrAlreadyClosing           = &Error{Kind: KindAlreadyClosing}
	ErrServiceUnavailable       = &Error{Kind: KindServiceUnavailable}
	ErrGatewayTimeout           = &Error{Kind: KindGatewayTimeout}
	ErrUpstream                 = &Error{Kind: KindUpstreamError}
	ErrInternal                 = &Error{Kind: KindInternal}
	ErrStreamClosed             = &Error{Kind: KindStreamClosed}
	ErrMaxReconnectExceeded     = &Error{Kind: KindMaxReconnectExceeded}
	ErrDisconnectedByInactivity = &Error{Kind: KindDisconnectedByInactivity}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: StatusFor(kind)}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func RateLimited(retryAfter time.Time) *Error {
	e := New(KindRateLimited, "too many commands")
	e.RetryAfter = retryAfter.UTC()
	return e
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func StatusFor(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAlreadyClosing:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus is the inverse of StatusFor, used when a response body carries
// no recognizable error code.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusConflict:
		return KindAlreadyClosing
	case status == http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case status == http.StatusGatewayTimeout:
		return KindGatewayTimeout
	case status == http.StatusBadGateway:
		return KindUpstreamError
	default:
		return KindInternal
	}
}

// Envelope is the JSON error body written by the API.
type Envelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RequestID  string `json:"request_id,omitempty"`
		RetryAfter string `json:"retryAfter,omitempty"`
	} `json:"error"`
}

func (e *Error) Envelope(requestID string) Envelope {
	var env Envelope
	env.Error.Code = string(e.Kind)
	env.Error.Message = e.Message
	env.Error.RequestID = requestID
	if !e.RetryAfter.IsZero() {
		env.Error.RetryAfter = e.RetryAfter.UTC().Format(time.RFC3339)
	}
	return env
}

// FromResponse classifies a non-2xx response. It consumes at most 64KiB of the body.
func FromResponse(resp *http.Response) *Error {
	out := &Error{Status: resp.StatusCode, Kind: KindForStatus(resp.StatusCode)}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var env Envelope
	if err := gojson.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		if k := Kind(env.Error.Code); StatusFor(k) == resp.StatusCode || k == KindUnauthorized {
			out.Kind = k
		}
		out.Message = env.Error.Message
		if env.Error.RetryAfter != "" {
			if t, err := time.Parse(time.RFC3339, env.Error.RetryAfter); err == nil {
				out.RetryAfter = t
			}
		}
	} else {
		out.Message = http.StatusText(resp.StatusCode)
	}

	if out.Kind == KindRateLimited && out.RetryAfter.IsZero() {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			out.RetryAfter = time.Now().Add(time.Duration(secs) * time.Second).UTC()
		}
	}
	return out
}
