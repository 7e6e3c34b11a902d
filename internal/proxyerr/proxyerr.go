// Package proxyerr defines the proxy's error kinds and their HTTP surface.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	BadRequest         Kind = "bad_request"
	Unauthorized       Kind = "unauthorized"
	ModelForbidden     Kind = "model_forbidden"
	QuotaExceeded      Kind = "quota_exceeded"
	NotAuthenticated   Kind = "not_authenticated"
	OAuthExchangeFailed Kind = "oauth_exchange_failed"
	OAuthRefreshFailed Kind = "oauth_refresh_failed"
	UpstreamStatus     Kind = "upstream_status"
	UpstreamTransport  Kind = "upstream_transport"
	Canceled           Kind = "canceled"
)

// Error is the typed, wrapped error every proxy-facing component returns.
// It carries enough information for the HTTP layer to pick a status code
// and body without re-inspecting the underlying cause.
type Error struct {
	Kind Kind
	// Window is set for QuotaExceeded, naming the window that denied.
	Window string
	// Limit and Used are set for QuotaExceeded, the effective limit in
	// microdollars and the counter value that tripped it.
	Limit int64
	Used  int64
	// Status is set for UpstreamStatus, the verbatim upstream status code.
	Status int
	// CorrelationID is a field for a request's correlation id; no caller
	// in this repository sets it, and error responses do not include it.
	CorrelationID string

	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func QuotaDenied(window string, limit, used int64, msg string) *Error {
	return &Error{Kind: QuotaExceeded, Window: window, Limit: limit, Used: used, Msg: msg}
}

func Upstream(status int, msg string) *Error {
	return &Error{Kind: UpstreamStatus, Status: status, Msg: msg}
}

// HTTPStatus maps a Kind to the status code the proxy surfaces to the client.
func HTTPStatus(err error) int {
	var pe *Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case ModelForbidden:
		return http.StatusForbidden
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case NotAuthenticated:
		return http.StatusServiceUnavailable
	case OAuthExchangeFailed:
		return http.StatusBadGateway
	case OAuthRefreshFailed:
		return http.StatusBadGateway
	case UpstreamStatus:
		if pe.Status != 0 {
			return pe.Status
		}
		return http.StatusBadGateway
	case UpstreamTransport:
		return http.StatusBadGateway
	case Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// As is a small convenience wrapper around errors.As for this package's type.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
