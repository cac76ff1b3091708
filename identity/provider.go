// Package identity talks to the AuthGate authorization server on behalf of the
// command center. It owns sign-in, credential persistence, token re-issue and sign-out;
// the session package only sees the Provider interface.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoPrincipal means nobody is signed in for this client.
	ErrNoPrincipal = errors.New("no signed-in principal")

	// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")
)

// Provider is the identity collaborator the session core depends on.
type Provider interface {
	// CurrentPrincipal returns the signed-in user or ErrNoPrincipal.
	CurrentPrincipal(ctx context.Context) (*Principal, error)
	// IDToken returns the access token. forceRefresh re-issues it from the server
	// instead of returning the cached one.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
	// IDTokenResult describes the current token, including when it expires.
	IDTokenResult(ctx context.Context) (*TokenResult, error)
	// SignOut forgets the principal.
	SignOut(ctx context.Context) error
}

// Principal is the signed-in user as seen by the authorization server.
type Principal struct {
	UserID string
	Email  string
	Scope  string
}

// TokenResult is the metadata of an issued access token.
type TokenResult struct {
	Token          string
	ExpirationTime time.Time
}

// Persistence selects where credentials survive between processes.
type Persistence int

const (
	// PersistenceSession keeps credentials in memory for the life of the process.
	PersistenceSession Persistence = iota
	// PersistenceLocal also writes credentials to the credential file ("remember me").
	PersistenceLocal
)

// SignInObserver receives progress from the device authorization flow.
type SignInObserver interface {
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
}
