package session

import (
	"encoding/json"
	"strings"
)

// ErrorCode is the machine-readable reason the backend attaches to an auth failure.
type ErrorCode string

const (
	CodeTokenExpired        ErrorCode = "token_expired"
	CodeTokenInvalid        ErrorCode = "token_invalid"
	CodeAuthorizationFailed ErrorCode = "authorization_failed"
)

// Failure is how the interceptor treats a 401.
type Failure int

const (
	// FailureTerminal is surfaced to the caller untouched.
	FailureTerminal Failure = iota
	// FailureExpired is recovered by refreshing the token.
	FailureExpired
)

// legacySignals are matched against message bodies from backends that predate codes.
var legacySignals = []string{"expired", "invalid token", "authorization failed"}

// unauthorizedBody is the subset of the backend envelope read on a 401.
type unauthorizedBody struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// legacyError is the object form of the error field.
type legacyError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ClassifyUnauthorized decides whether a 401 body describes an expired session.
// A present code is authoritative, whether top-level or inside an error object;
// otherwise the message and error fields are matched against the legacy phrases.
// The error field may be a string or an object with a message.
func ClassifyUnauthorized(body []byte) Failure {
	var b unauthorizedBody
	if err := json.Unmarshal(body, &b); err != nil {
		return FailureTerminal
	}

	texts := []string{b.Message}
	code := b.Code
	if len(b.Error) > 0 {
		var errText string
		var errObj legacyError
		switch {
		case json.Unmarshal(b.Error, &errText) == nil:
			texts = append(texts, errText)
		case json.Unmarshal(b.Error, &errObj) == nil:
			texts = append(texts, errObj.Message)
			if code == "" {
				code = errObj.Code
			}
		}
	}

	if code != "" {
		switch code {
		case CodeTokenExpired, CodeTokenInvalid, CodeAuthorizationFailed:
			return FailureExpired
		default:
			return FailureTerminal
		}
	}

	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, signal := range legacySignals {
			if strings.Contains(lower, signal) {
				return FailureExpired
			}
		}
	}
	return FailureTerminal
}
