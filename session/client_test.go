package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/command-center/identity"
)

func newTestClient(t *testing.T, m *Manager) *Client {
	t.Helper()
	doer, err := retry.NewClient()
	require.NoError(t, err)
	return NewClient(m, doer)
}

func writeUnauthorized(w http.ResponseWriter, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}

// tokenServer answers 200 for "Bearer <valid>" and an expired-token 401 otherwise.
func tokenServer(t *testing.T, valid string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "Bearer "+valid {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `{"status":200}`)
			return
		}
		writeUnauthorized(w, map[string]string{"code": string(CodeTokenExpired), "message": "token expired"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_PassesThroughSuccess(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	var hits atomic.Int32
	srv := tokenServer(t, "token-0", &hits)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/users", nil)
	require.NoError(t, err)
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, int32(0), f.provider.refreshCalls.Load())
}

func TestClient_RefreshesAndReplaysOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	var hits atomic.Int32
	srv := tokenServer(t, "token-1", &hits)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/gifts", strings.NewReader(`{"name":"rose"}`))
	require.NoError(t, err)
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{Payload: map[string]string{"name": "rose"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
}

func TestClient_ReplayBodyMatchesOriginal(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)

	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusCreated)
			return
		}
		writeUnauthorized(w, map[string]string{"code": string(CodeTokenExpired)})
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/coin-plans", strings.NewReader(`{"coins":100}`))
	require.NoError(t, err)
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, []string{`{"coins":100}`, `{"coins":100}`}, bodies)
}

func TestClient_ReplayIsCappedAtOne(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	var hits atomic.Int32
	// No token is ever accepted.
	srv := tokenServer(t, "never", &hits)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/agencies", nil)
	require.NoError(t, err)
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
	require.Empty(t, f.nav.visited())
}

func TestClient_WithoutRememberMeLogsOut(t *testing.T) {
	f := newFixture(t)
	f.start(t, false)
	var hits atomic.Int32
	srv := tokenServer(t, "token-1", &hits)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/users", nil)
	require.NoError(t, err)
	_, err = newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.ErrorIs(t, err, ErrSessionEnded)

	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, int32(0), f.provider.refreshCalls.Load())
	require.Equal(t, int32(1), f.provider.signOuts.Load())
	require.Equal(t, []string{LoginPath}, f.nav.visited())

	token, err := f.manager.Token(context.Background())
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestClient_SessionAlreadyEndedDoesNotLogOutAgain(t *testing.T) {
	f := newFixture(t)
	f.start(t, false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Another request ended the session while this one was in flight.
		assert.NoError(t, f.manager.ClearSession(r.Context()))
		writeUnauthorized(w, map[string]string{"code": string(CodeTokenExpired)})
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/users", nil)
	require.NoError(t, err)
	_, err = newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.ErrorIs(t, err, ErrSessionEnded)

	require.Equal(t, int32(0), f.provider.signOuts.Load())
	require.Empty(t, f.nav.visited())
}

// Three requests fail together with an expired token; one refresh serves all of them.
func TestClient_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)

	const requests = 3
	var (
		mu       sync.Mutex
		arrived  int
		released = make(chan struct{})
		replays  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "Bearer token-0" {
			mu.Lock()
			arrived++
			if arrived == requests {
				close(released)
			}
			mu.Unlock()
			<-released
			writeUnauthorized(w, map[string]string{"message": "token expired"})
			return
		}
		mu.Lock()
		replays = append(replays, auth)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, f.manager)
	var wg sync.WaitGroup
	statuses := make([]int, requests)
	errs := make([]error, requests)
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/reports", nil)
			if !assert.NoError(t, err) {
				return
			}
			resp, err := client.Do(req, HeaderOptions{})
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, http.StatusOK, statuses[i])
	}
	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
	require.Equal(t, []string{"Bearer token-1", "Bearer token-1", "Bearer token-1"}, replays)
	require.Equal(t, int32(0), f.provider.signOuts.Load())
}

func TestClient_NonExpiry401IsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUnauthorized(w, map[string]string{"message": "invalid credentials"})
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sub-admins", nil)
	require.NoError(t, err)
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "invalid credentials")
	require.Equal(t, int32(0), f.provider.refreshCalls.Load())
	require.Equal(t, int32(0), f.provider.signOuts.Load())
	require.Empty(t, f.nav.visited())
}

func TestClient_RefreshFailureLogsOut(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	f.provider.refreshErr = identity.ErrRefreshTokenExpired
	var hits atomic.Int32
	srv := tokenServer(t, "token-1", &hits)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/wealth-levels", nil)
	require.NoError(t, err)
	_, err = newTestClient(t, f.manager).Do(req, HeaderOptions{})
	require.ErrorIs(t, err, ErrSessionEnded)
	require.ErrorIs(t, err, identity.ErrRefreshTokenExpired)

	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
	require.Equal(t, int32(1), f.provider.signOuts.Load())
	require.Equal(t, []string{LoginPath}, f.nav.visited())
	for _, key := range Keys {
		_, ok, err := f.store.Get(context.Background(), key)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestClient_ConcurrentRefreshFailureLogsOutOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	f.provider.refreshErr = identity.ErrNoPrincipal
	f.provider.block = make(chan struct{})
	var hits atomic.Int32
	srv := tokenServer(t, "token-1", &hits)
	client := newTestClient(t, f.manager)

	const requests = 3
	var wg sync.WaitGroup
	errs := make([]error, requests)
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/gifts", nil)
			if !assert.NoError(t, err) {
				return
			}
			_, errs[i] = client.Do(req, HeaderOptions{})
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == requests }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.provider.block)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrSessionEnded)
	}
	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
	require.Equal(t, []string{LoginPath}, f.nav.visited())
}

// A scheduled refresh is already in flight when a request hits an expired token; the
// request joins that refresh and its failure still ends the session.
func TestClient_JoinedScheduledRefreshFailureLogsOut(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)
	f.provider.refreshErr = identity.ErrRefreshTokenExpired
	f.provider.block = make(chan struct{})
	var hits atomic.Int32
	srv := tokenServer(t, "token-1", &hits)

	client := newTestClient(t, f.manager)

	refreshed := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(context.Background())
		refreshed <- err
	}()
	require.Eventually(t, func() bool { return f.provider.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/reports", nil)
		if err != nil {
			done <- err
			return
		}
		_, err = client.Do(req, HeaderOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.provider.block)

	require.ErrorIs(t, <-refreshed, identity.ErrRefreshTokenExpired)
	require.ErrorIs(t, <-done, ErrSessionEnded)

	require.Equal(t, int32(1), f.provider.refreshCalls.Load())
	require.Equal(t, int32(1), f.provider.signOuts.Load())
	require.Equal(t, []string{LoginPath}, f.nav.visited())
	token, err := f.manager.Token(context.Background())
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestClient_MultipartKeepsCallerContentType(t *testing.T) {
	f := newFixture(t)
	f.start(t, true)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "rose.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/gifts/1/image", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := newTestClient(t, f.manager).Do(req, HeaderOptions{Payload: mw})
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, mw.FormDataContentType(), gotType)
}
