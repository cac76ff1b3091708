package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderOptions describes the request the headers are for.
type HeaderOptions struct {
	// Payload is the request body value. Multipart payloads keep the Content-Type
	// (with its boundary) set by the caller.
	Payload any
}

// multipartPayload matches *multipart.Writer and anything else that knows its own
// form-data content type.
type multipartPayload interface {
	FormDataContentType() string
}

// Headers derives outgoing request headers from the stored session. Without a token
// the Authorization header is simply left out; the server answers as unauthenticated.
func (m *Manager) Headers(ctx context.Context, opts HeaderOptions) (http.Header, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return nil, err
	}
	userID, err := m.UserID(ctx)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("X-Request-Id", uuid.NewString())
	if m.appKey != "" {
		h.Set("X-App-Key", m.appKey)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if userID != "" {
		h.Set("X-User-Id", userID)
	}
	if _, ok := opts.Payload.(multipartPayload); !ok {
		h.Set("Content-Type", "application/json")
	}
	return h, nil
}
