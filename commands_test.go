package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/command-center/identity"
	"github.com/go-authgate/command-center/session"
)

// backend fakes AuthGate and the admin API on one server. The API accepts only the
// access token the OAuth side issued last.
type backend struct {
	srv *httptest.Server

	mu       sync.Mutex
	current  string
	issued   int
	strict   bool // tokeninfo accepts only the current access token
	refresh  atomic.Int32
	revoked  atomic.Int32
	apiCalls atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{current: "access-token-0001"}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		rejected := b.strict && r.Header.Get("Authorization") != "Bearer "+b.current
		b.mu.Unlock()
		if rejected {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "invalid_token", "error_description": "token expired",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "admin-1", "scope": "read write"})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		b.refresh.Add(1)

		b.mu.Lock()
		b.issued++
		b.current = fmt.Sprintf("access-token-%04d", b.issued+1)
		token := b.current
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		b.revoked.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		b.apiCalls.Add(1)
		assert.Equal(t, "app-key-1", r.Header.Get("X-App-Key"))

		b.mu.Lock()
		valid := r.Header.Get("Authorization") == "Bearer "+b.current
		b.mu.Unlock()
		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"status": false, "code": "token_expired", "message": "token expired",
			})
			return
		}

		switch r.URL.Path {
		case "/api/v1/profile":
			writeJSON(w, http.StatusOK, map[string]any{
				"status": true,
				"data":   map[string]any{"id": "admin-1", "name": "Ops", "role": "super_admin"},
			})
		case "/api/v1/users":
			writeJSON(w, http.StatusOK, map[string]any{
				"status": true,
				"data": map[string]any{
					"items": []map[string]any{{"id": "u1", "name": "Ali", "coins": 10}},
					"total": 1,
				},
			})
		case "/api/v1/gifts/g1":
			assert.Equal(t, http.MethodDelete, r.Method)
			writeJSON(w, http.StatusOK, map[string]any{"status": true})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"status": false, "message": "not found"})
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

// expire makes the API reject the current access token.
func (b *backend) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = "rotated-elsewhere"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type cliResult struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	err    error
}

// execute runs the CLI with plain output against b and a remembered credential file.
func execute(t *testing.T, b *backend, credFile string, args ...string) *cliResult {
	t.Helper()
	clearEnv(t)

	res := &cliResult{}
	r := &runner{stdout: &res.stdout, stderr: &res.stderr}
	cmd := newRootCmd(r)
	cmd.SetArgs(append([]string{
		"--server-url", b.srv.URL,
		"--client-id", testClientID,
		"--app-key", "app-key-1",
		"--credentials-file", credFile,
	}, args...))
	res.err = cmd.Execute()
	return res
}

func rememberedCredentials(t *testing.T) string {
	t.Helper()
	return rememberedCredentialsExpiring(t, time.Now().Add(time.Hour))
}

func rememberedCredentialsExpiring(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	err := identity.CredentialFile{Path: path}.Save(&identity.Credentials{
		AccessToken:  "access-token-0001",
		RefreshToken: "refresh-token-0001",
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		ClientID:     testClientID,
	})
	require.NoError(t, err)
	return path
}

func TestWhoami_ResumesRememberedSession(t *testing.T) {
	b := newBackend(t)
	res := execute(t, b, rememberedCredentials(t), "whoami")
	require.NoError(t, res.err, res.stderr.String())

	var profile map[string]any
	require.NoError(t, json.Unmarshal(res.stdout.Bytes(), &profile))
	assert.Equal(t, "super_admin", profile["role"])
	assert.Contains(t, res.stderr.String(), "Resumed session for admin-1")
	assert.Contains(t, res.stderr.String(), "User: Ops (admin-1)")
	assert.Contains(t, res.stderr.String(), "Remember Me: true")
	assert.Equal(t, int32(0), b.refresh.Load())
}

func TestWhoami_RefreshesExpiredRememberedToken(t *testing.T) {
	b := newBackend(t)
	credFile := rememberedCredentialsExpiring(t, time.Now().Add(-time.Hour))
	b.mu.Lock()
	b.strict = true
	b.mu.Unlock()
	b.expire()

	res := execute(t, b, credFile, "whoami")
	require.NoError(t, res.err, res.stderr.String())
	assert.Contains(t, res.stderr.String(), "Resumed session for admin-1")
	assert.Equal(t, int32(1), b.refresh.Load())
	assert.Equal(t, int32(1), b.apiCalls.Load())

	creds, err := identity.CredentialFile{Path: credFile}.Load(testClientID)
	require.NoError(t, err)
	assert.Equal(t, "access-token-0002", creds.AccessToken)
	assert.True(t, creds.ExpiresAt.After(time.Now()))
}

func TestWhoami_NotSignedIn(t *testing.T) {
	b := newBackend(t)
	res := execute(t, b, filepath.Join(t.TempDir(), "missing.json"), "whoami")

	require.ErrorIs(t, res.err, errNotSignedIn)
	var reported reportedError
	assert.ErrorAs(t, res.err, &reported)
	assert.Contains(t, res.stderr.String(), "not signed in")
	assert.Equal(t, int32(0), b.apiCalls.Load())
}

func TestUsersList_RecoversFromExpiredToken(t *testing.T) {
	b := newBackend(t)
	credFile := rememberedCredentials(t)
	b.expire()

	res := execute(t, b, credFile, "users", "list", "--limit", "10")
	require.NoError(t, res.err, res.stderr.String())

	var list struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.stdout.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, int32(1), b.refresh.Load())
	assert.Equal(t, int32(2), b.apiCalls.Load())
	assert.Contains(t, res.stderr.String(), "Access token rejected (401), refreshing...")

	// The rotated token was written back to the remembered credentials.
	creds, err := identity.CredentialFile{Path: credFile}.Load(testClientID)
	require.NoError(t, err)
	assert.NotEqual(t, "access-token-0001", creds.AccessToken)
}

func TestGiftsDelete(t *testing.T) {
	b := newBackend(t)
	res := execute(t, b, rememberedCredentials(t), "gifts", "delete", "g1")
	require.NoError(t, res.err, res.stderr.String())
	assert.Contains(t, res.stderr.String(), "Deleted g1")
}

func TestGet_NotFound(t *testing.T) {
	b := newBackend(t)
	res := execute(t, b, rememberedCredentials(t), "agencies", "get", "missing")
	require.Error(t, res.err)
	assert.Contains(t, res.stderr.String(), "API Error: 404")
}

func TestLogout_ForgetsCredentials(t *testing.T) {
	b := newBackend(t)
	credFile := rememberedCredentials(t)

	res := execute(t, b, credFile, "logout")
	require.NoError(t, res.err, res.stderr.String())
	assert.Equal(t, int32(1), b.revoked.Load())
	assert.Contains(t, res.stderr.String(), "Session ended: signed out")

	_, err := identity.CredentialFile{Path: credFile}.Load(testClientID)
	assert.ErrorIs(t, err, identity.ErrNoPrincipal)

	res = execute(t, b, credFile, "whoami")
	assert.ErrorIs(t, res.err, errNotSignedIn)
}

func TestWatch_RequiresRememberedSession(t *testing.T) {
	b := newBackend(t)
	res := execute(t, b, filepath.Join(t.TempDir(), "none.json"), "watch", "--ping", "0")
	assert.ErrorIs(t, res.err, errNotSignedIn)
}

func TestLoadConfigError_IsNotReported(t *testing.T) {
	clearEnv(t)
	r := &runner{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	cmd := newRootCmd(r)
	cmd.SetArgs([]string{"whoami"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIENT_ID not set")
	var reported reportedError
	assert.False(t, errors.As(err, &reported))
}

func TestApp_NavigateEndsSessionOnce(t *testing.T) {
	a := &app{log: zerolog.Nop(), ended: make(chan struct{})}
	a.navigate(session.LoginPath)
	a.navigate(session.LoginPath)

	select {
	case <-a.sessionEnded():
	default:
		t.Fatal("session end was not signalled")
	}
	assert.ErrorIs(t, a.endReason(), session.ErrSessionEnded)
}

func TestTokenPreview(t *testing.T) {
	assert.Equal(t, "short", tokenPreview("short"))
	assert.Equal(t, "access-token", tokenPreview("access-token-0001"))
}
