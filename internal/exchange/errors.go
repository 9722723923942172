package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TransportError is a failure to talk to the exchange at all (DNS, TLS, timeout, broken body).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is an answer from the exchange that rejects the call: a non-2xx status or a
// success=false envelope. Message is the upstream text, unchanged.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: upstream rejected (status=%d code=%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: upstream rejected (status=%d): %s", e.Op, e.StatusCode, e.Message)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err is (or wraps) an APIError.
func IsRejected(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// envelope is the common {success, code, message, data} wrapper of bapi and sapi C2C endpoints.
// Spot endpoints answer errors as {code, msg}.
type envelope struct {
	Success *bool           `json:"success"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (e *envelope) code() string {
	return strings.Trim(string(e.Code), `"`)
}

func (e *envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

// apiErrorFromBody builds an APIError from a raw response body, falling back to the body text.
func apiErrorFromBody(op string, status int, body []byte) *APIError {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && (env.message() != "" || len(env.Code) > 0) {
		return &APIError{Op: op, StatusCode: status, Code: env.code(), Message: env.message()}
	}
	return &APIError{Op: op, StatusCode: status, Message: strings.TrimSpace(string(body))}
}
