package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyUnauthorized(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Failure
	}{
		{"code token_expired", `{"code":"token_expired"}`, FailureExpired},
		{"code token_invalid", `{"code":"token_invalid","message":"bad"}`, FailureExpired},
		{"code authorization_failed", `{"code":"authorization_failed"}`, FailureExpired},
		{"unknown code wins over message", `{"code":"bad_credentials","message":"token expired"}`, FailureTerminal},
		{"legacy expired message", `{"message":"Token Expired"}`, FailureExpired},
		{"legacy invalid token message", `{"message":"invalid token supplied"}`, FailureExpired},
		{"legacy authorization failed", `{"message":"Authorization failed"}`, FailureExpired},
		{"legacy error field", `{"error":"session expired"}`, FailureExpired},
		{"error object message", `{"error":{"message":"jwt expired"}}`, FailureExpired},
		{"error object code", `{"error":{"code":"token_invalid","message":"bad"}}`, FailureExpired},
		{"error object unknown code", `{"error":{"code":"forbidden","message":"token expired"}}`, FailureTerminal},
		{"error object without message", `{"error":{"reason":"expired"}}`, FailureTerminal},
		{"error array", `{"error":["expired"]}`, FailureTerminal},
		{"invalid credentials", `{"message":"invalid credentials"}`, FailureTerminal},
		{"empty object", `{}`, FailureTerminal},
		{"empty body", ``, FailureTerminal},
		{"not json", `token expired`, FailureTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyUnauthorized([]byte(tt.body)))
		})
	}
}
