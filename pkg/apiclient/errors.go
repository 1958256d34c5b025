package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is returned for any non-2xx response.
type Error struct {
	Message string
	Status  int
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("apiclient: status %d: %s", e.Status, e.Message)
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Message: http.StatusText(status)}
	if len(body) > 0 && json.Valid(body) {
		e.Data = json.RawMessage(body)
		if msg := extractMessage(body); msg != "" {
			e.Message = msg
		}
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("request failed with status %d", status)
	}
	return e
}

// extractMessage understands {"message": ...}, {"detail": ...} and {"error": ...} bodies.
// detail and error may be a string, an object with a message, or a list of {msg} items.
func extractMessage(body []byte) string {
	var envelope struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	if msg := flattenMessage(envelope.Detail); msg != "" {
		return msg
	}
	return flattenMessage(envelope.Error)
}

func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			switch {
			case item.Msg != "":
				msgs = append(msgs, item.Msg)
			case item.Message != "":
				msgs = append(msgs, item.Message)
			}
		}
		return strings.Join(msgs, "; ")
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return nested.Message
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0 if err is not an *Error.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// IsClientError reports whether err is a 4xx response.
func IsClientError(err error) bool {
	status := StatusOf(err)
	return status >= 400 && status < 500
}

// IsRetryable reports whether a failed request is worth repeating.
// Transport failures, 5xx and 429 are retryable; other 4xx and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	return true
}

// Message returns the server-provided message for err, or fallback when there is none.
func Message(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
