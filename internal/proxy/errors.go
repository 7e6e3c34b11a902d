package proxy

import (
	"encoding/json"
	"net/http"

	"maxrelay/internal/proxyerr"
	"maxrelay/internal/translator"
)

// anthropicErrorType maps a proxyerr.Kind to the "type" field Anthropic's
// own error envelope carries, so a cloaked client can't tell the
// difference between a proxy-side denial and an upstream one.
func anthropicErrorType(kind proxyerr.Kind) string {
	switch kind {
	case proxyerr.Unauthorized, proxyerr.NotAuthenticated:
		return "authentication_error"
	case proxyerr.ModelForbidden:
		return "permission_error"
	case proxyerr.QuotaExceeded:
		return "rate_limit_error"
	case proxyerr.BadRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// openAIErrorType maps a proxyerr.Kind to the "type" field an OpenAI-dialect
// client expects in its error envelope, mirroring anthropicErrorType.
func openAIErrorType(kind proxyerr.Kind) string {
	switch kind {
	case proxyerr.Unauthorized, proxyerr.NotAuthenticated:
		return "invalid_request_error"
	case proxyerr.ModelForbidden:
		return "invalid_request_error"
	case proxyerr.QuotaExceeded:
		return "rate_limit_error"
	case proxyerr.BadRequest:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// writeError renders err in the wire dialect the caller addressed. A
// QuotaExceeded denial carries window/limit/used in both dialects so a
// client can read its standing without a separate admin call.
func writeError(w http.ResponseWriter, dialect translator.Dialect, err error) {
	status := proxyerr.HTTPStatus(err)
	msg := err.Error()
	kind := proxyerr.Kind("api_error")
	var pe *proxyerr.Error
	if p, ok := proxyerr.As(err); ok {
		pe = p
		msg = p.Msg
		kind = p.Kind
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if dialect == translator.DialectOpenAI {
		body := map[string]any{
			"message": msg,
			"type":    openAIErrorType(kind),
			"code":    status,
		}
		if pe != nil && pe.Kind == proxyerr.QuotaExceeded {
			body["window"] = pe.Window
			body["limit"] = pe.Limit
			body["used"] = pe.Used
		}
		json.NewEncoder(w).Encode(map[string]any{"error": body})
		return
	}

	body := map[string]any{
		"type":    anthropicErrorType(kind),
		"message": msg,
	}
	if pe != nil && pe.Kind == proxyerr.QuotaExceeded {
		body["window"] = pe.Window
		body["limit"] = pe.Limit
		body["used"] = pe.Used
	}
	json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": body,
	})
}
