package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func writeAnthropicError(c echo.Context, status int, message, errType string) error {
	payload := anthropicErrorBody{Type: "error"}
	payload.Error.Type = errType
	payload.Error.Message = message
	return c.JSON(status, payload)
}

// errorHandler renders err in the protocol of the route that failed.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	re := toRequestError(err)
	var limited *apierror.RateLimitError
	if errors.As(err, &limited) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
	}

	event := s.log.Warn()
	if re.Status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).Int("status", re.Status).Str("path", c.Path()).Msg("request failed")

	if proto, _ := c.Get(protocolContextKey).(models.Protocol); proto == models.ProtocolAnthropic {
		_ = writeAnthropicError(c, re.Status, re.Message, anthropicType(re))
		return
	}
	_ = writeError(c, re.Status, re.Message, re.Type, re.Code)
}

// toRequestError maps core and framework errors to a status and an
// OpenAI-vocabulary type. Internal failures are not described to callers.
func toRequestError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return requestError{Status: he.Code, Message: msg, Type: typeForStatus(he.Code)}
	}

	status := apierror.HTTPStatus(err)
	var (
		validation *apierror.ValidationError
		upstream   *apierror.UpstreamError
		limited    *apierror.RateLimitError
		authErr    *apierror.AuthError
	)
	switch {
	case errors.As(err, &validation):
		return requestError{Status: status, Message: validation.Message, Type: "invalid_request_error", Code: validation.Field}
	case errors.As(err, &limited):
		return requestError{Status: status, Message: limited.Error(), Type: "rate_limit_error", Code: "rate_limit_exceeded"}
	case errors.As(err, &authErr):
		return requestError{Status: status, Message: authErr.Error(), Type: "authentication_error"}
	case errors.As(err, &upstream):
		msg := upstream.Body
		if msg == "" {
			msg = "upstream provider error"
		}
		return requestError{Status: status, Message: msg, Type: typeForStatus(status)}
	case status == http.StatusBadGateway:
		return requestError{Status: status, Message: "upstream provider returned an invalid response", Type: "upstream_error"}
	default:
		return requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"}
	}
}

func typeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadGateway:
		return "upstream_error"
	}
	if status >= 400 && status < 500 {
		return "invalid_request_error"
	}
	return "server_error"
}

// anthropicType converts to the Anthropic error vocabulary.
func anthropicType(re requestError) string {
	switch re.Type {
	case "invalid_request_error", "authentication_error", "permission_error",
		"not_found_error", "request_too_large", "rate_limit_error":
		return re.Type
	}
	if re.Status == http.StatusServiceUnavailable {
		return "overloaded_error"
	}
	return "api_error"
}
