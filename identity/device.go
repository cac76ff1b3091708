package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollEvery = 5 * time.Second // RFC 8628 default
	maxPollInterval  = 60 * time.Second
	slowDownFactor   = 1.5
)

// ErrorResponse is the OAuth error body returned by the authorization server.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenResponse is the successful body of the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// validateTokenResponse validates the OAuth token response
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}
	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}
	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}
	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}
	return nil
}

// SignIn runs the device authorization flow and installs the issued credentials.
// With PersistenceLocal the credentials are also written to the credential file; a
// failed write is logged and does not fail the sign-in.
func (p *OAuthProvider) SignIn(
	ctx context.Context,
	obs SignInObserver,
	persistence Persistence,
) (*Credentials, error) {
	deviceAuth, err := p.requestDeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	obs.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)
	obs.WaitingForAuth()

	token, err := p.pollForToken(ctx, deviceAuth, obs)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}

	creds := &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		ClientID:     p.clientID,
	}
	p.install(creds, persistence)
	return creds, nil
}

// requestDeviceCode requests a device code from the OAuth server with retry logic
func (p *OAuthProvider) requestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", p.clientID)
	data.Set("scope", "read write")

	body, status, err := p.postForm(reqCtx, p.serverURL+"/oauth/device/code", data)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf(
			"device code request failed with status %d: %s",
			status,
			string(body),
		)
	}

	var deviceResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              deviceResp.DeviceCode,
		UserCode:                deviceResp.UserCode,
		VerificationURI:         deviceResp.VerificationURI,
		VerificationURIComplete: deviceResp.VerificationURIComplete,
		Expiry:                  p.now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
		Interval:                int64(deviceResp.Interval),
	}, nil
}

// pollForToken polls the token endpoint until the user decides, backing off on slow_down.
func (p *OAuthProvider) pollForToken(
	ctx context.Context,
	deviceAuth *oauth2.DeviceAuthResponse,
	obs SignInObserver,
) (*oauth2.Token, error) {
	pollInterval := time.Duration(deviceAuth.Interval) * time.Second
	if pollInterval <= 0 {
		pollInterval = defaultPollEvery
	}
	backoff := 1.0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			token, err := p.exchangeDeviceCode(ctx, deviceAuth.DeviceCode)
			if err == nil {
				return token, nil
			}

			var oauthErr *oauth2.RetrieveError
			if !errors.As(err, &oauthErr) {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}
			var errResp ErrorResponse
			if jsonErr := json.Unmarshal(oauthErr.Body, &errResp); jsonErr != nil {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			switch errResp.Error {
			case "authorization_pending":
				continue
			case "slow_down":
				backoff *= slowDownFactor
				pollInterval = min(
					time.Duration(float64(pollInterval)*backoff),
					maxPollInterval,
				)
				ticker.Reset(pollInterval)
				obs.PollSlowDown(pollInterval)
				continue
			case "expired_token":
				return nil, errors.New("device code expired, please restart the flow")
			case "access_denied":
				return nil, errors.New("user denied authorization")
			default:
				return nil, fmt.Errorf(
					"authorization failed: %s - %s",
					errResp.Error,
					errResp.ErrorDescription,
				)
			}
		}
	}
}

// exchangeDeviceCode exchanges the device code for tokens. Non-200 answers come back as
// *oauth2.RetrieveError so the poller can inspect the OAuth error code.
func (p *OAuthProvider) exchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", deviceGrantType)
	data.Set("device_code", deviceCode)
	data.Set("client_id", p.clientID)

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		p.serverURL+"/oauth/token",
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(tr.AccessToken, tr.TokenType, tr.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Expiry:       p.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
