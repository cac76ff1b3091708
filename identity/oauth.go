package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	tokenVerificationTimeout = 10 * time.Second
	revokeTimeout            = 5 * time.Second

	// DefaultRefreshTimeout bounds a refresh-token grant.
	DefaultRefreshTimeout = 10 * time.Second
)

// Options configures an OAuthProvider.
type Options struct {
	ServerURL      string
	ClientID       string
	CredentialFile string
	HTTPClient     *retry.Client
	RefreshTimeout time.Duration
	Logger         *zerolog.Logger
}

// OAuthProvider is a Provider backed by an AuthGate server and the device code grant.
type OAuthProvider struct {
	serverURL      string
	clientID       string
	file           CredentialFile
	client         *retry.Client
	refreshTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time

	mu          sync.Mutex
	creds       *Credentials
	persistence Persistence
	principal   *Principal
	principalOf string // access token the cached principal was resolved from
}

var _ Provider = (*OAuthProvider)(nil)

// NewOAuthProvider creates a provider and picks up credentials persisted by an earlier
// "remember me" sign-in, if any.
func NewOAuthProvider(opts Options) (*OAuthProvider, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server URL cannot be empty")
	}
	if opts.ClientID == "" {
		return nil, errors.New("client ID cannot be empty")
	}

	client := opts.HTTPClient
	if client == nil {
		var err error
		client, err = retry.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
	}

	p := &OAuthProvider{
		serverURL:      strings.TrimRight(opts.ServerURL, "/"),
		clientID:       opts.ClientID,
		file:           CredentialFile{Path: opts.CredentialFile},
		client:         client,
		refreshTimeout: opts.RefreshTimeout,
		log:            zerolog.Nop(),
		now:            time.Now,
	}
	if p.refreshTimeout <= 0 {
		p.refreshTimeout = DefaultRefreshTimeout
	}
	if opts.Logger != nil {
		p.log = opts.Logger.With().Str("component", "identity").Logger()
	}

	if opts.CredentialFile != "" {
		creds, err := p.file.Load(p.clientID)
		switch {
		case err == nil:
			p.creds = creds
			p.persistence = PersistenceLocal
		case os.IsNotExist(err), errors.Is(err, ErrNoPrincipal):
		default:
			p.log.Warn().Err(err).Str("path", opts.CredentialFile).Msg("ignoring unreadable credential file")
		}
	}
	return p, nil
}

// Persistent reports whether the current credentials came from, or are written to,
// the credential file.
func (p *OAuthProvider) Persistent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds != nil && p.persistence == PersistenceLocal
}

// CredentialPath is where remembered credentials are written.
func (p *OAuthProvider) CredentialPath() string {
	return p.file.Path
}

// CurrentPrincipal resolves the user behind the current access token via tokeninfo.
func (p *OAuthProvider) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	p.mu.Lock()
	if p.creds == nil {
		p.mu.Unlock()
		return nil, ErrNoPrincipal
	}
	accessToken := p.creds.AccessToken
	if p.principal != nil && p.principalOf == accessToken {
		principal := *p.principal
		p.mu.Unlock()
		return &principal, nil
	}
	p.mu.Unlock()

	principal, err := p.tokenInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.principal = principal
	p.principalOf = accessToken
	p.mu.Unlock()

	out := *principal
	return &out, nil
}

// IDToken returns the cached access token, or re-issues it when forceRefresh is set.
func (p *OAuthProvider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	creds := p.creds
	p.mu.Unlock()

	if creds == nil {
		return "", ErrNoPrincipal
	}
	if !forceRefresh {
		return creds.AccessToken, nil
	}

	refreshed, err := p.refresh(ctx, creds.RefreshToken)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// IDTokenResult reports the current token and its expiry. A JWT exp claim takes
// precedence over the expires_in the server reported.
func (p *OAuthProvider) IDTokenResult(_ context.Context) (*TokenResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds == nil {
		return nil, ErrNoPrincipal
	}
	expiresAt := p.creds.ExpiresAt
	if exp, ok := jwtExpiry(p.creds.AccessToken); ok {
		expiresAt = exp
	}
	return &TokenResult{Token: p.creds.AccessToken, ExpirationTime: expiresAt}, nil
}

// SignOut revokes the refresh token (best effort), drops in-memory credentials and
// removes this client's entry from the credential file.
func (p *OAuthProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	creds := p.creds
	p.creds = nil
	p.principal = nil
	p.principalOf = ""
	p.persistence = PersistenceSession
	p.mu.Unlock()

	if creds != nil && creds.RefreshToken != "" {
		if err := p.revoke(ctx, creds.RefreshToken); err != nil {
			p.log.Warn().Err(err).Msg("refresh token revocation failed")
		}
	}

	if p.file.Path == "" {
		return nil
	}
	if err := p.file.Remove(p.clientID); err != nil {
		return fmt.Errorf("failed to remove stored credentials: %w", err)
	}
	return nil
}

// install makes creds current and persists them when asked to.
func (p *OAuthProvider) install(creds *Credentials, persistence Persistence) {
	p.mu.Lock()
	p.creds = creds
	p.persistence = persistence
	p.mu.Unlock()

	if persistence != PersistenceLocal || p.file.Path == "" {
		return
	}
	if err := p.file.Save(creds); err != nil {
		p.log.Warn().Err(err).Str("path", p.file.Path).Msg("failed to save credentials")
	}
}

// refresh exchanges refreshToken for new credentials and installs them.
func (p *OAuthProvider) refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	if refreshToken == "" {
		return nil, ErrRefreshTokenExpired
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.refreshTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", p.clientID)

	body, status, err := p.postForm(reqCtx, p.serverURL+"/oauth/token", data)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	if status != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			if errResp.Error == "invalid_grant" || errResp.Error == "invalid_token" {
				return nil, ErrRefreshTokenExpired
			}
			return nil, fmt.Errorf("%s: %s", errResp.Error, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("refresh failed with status %d: %s", status, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(tr.AccessToken, tr.TokenType, tr.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	// Rotation mode returns a new refresh token; fixed mode keeps the old one.
	newRefresh := tr.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	creds := &Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: newRefresh,
		TokenType:    tr.TokenType,
		ExpiresAt:    p.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		ClientID:     p.clientID,
	}

	p.mu.Lock()
	persistence := p.persistence
	signedOut := p.creds == nil
	p.mu.Unlock()
	if signedOut {
		// SignOut raced the grant; do not resurrect the session.
		return nil, ErrNoPrincipal
	}

	p.install(creds, persistence)
	p.log.Debug().Time("expires_at", creds.ExpiresAt).Msg("access token re-issued")
	return creds, nil
}

// tokenInfo asks the server who owns accessToken.
func (p *OAuthProvider) tokenInfo(ctx context.Context, accessToken string) (*Principal, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenVerificationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.serverURL+"/oauth/tokeninfo", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("%s: %s", errResp.Error, errResp.ErrorDescription)
	}

	var info struct {
		UserID  string `json:"user_id"`
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Scope   string `json:"scope"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse token info: %w", err)
	}
	userID := info.UserID
	if userID == "" {
		userID = info.Subject
	}
	if userID == "" {
		return nil, errors.New("token info has no user id")
	}
	return &Principal{UserID: userID, Email: info.Email, Scope: info.Scope}, nil
}

// revoke asks the server to invalidate token (RFC 7009).
func (p *OAuthProvider) revoke(ctx context.Context, token string) error {
	reqCtx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "refresh_token")
	data.Set("client_id", p.clientID)

	body, status, err := p.postForm(reqCtx, p.serverURL+"/oauth/revoke", data)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d: %s", status, string(body))
	}
	return nil
}

// postForm sends a form-encoded POST through the retry client and returns the raw body.
func (p *OAuthProvider) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// jwtExpiry reads the exp claim of a JWT access token without verifying it; the
// server already vouched for the token and only the timing is needed here.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
