package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-authgate/command-center/api"
	"github.com/go-authgate/command-center/identity"
	"github.com/go-authgate/command-center/session"
	"github.com/go-authgate/command-center/tui"
)

// errNotSignedIn is returned by commands that need a session when there is none.
var errNotSignedIn = errors.New("not signed in; run `command-center login` first")

// app is everything one command invocation works with.
type app struct {
	cfg      *config
	log      zerolog.Logger
	display  tui.Displayer
	provider *identity.OAuthProvider
	manager  *session.Manager
	api      *api.Client

	closeStore func() error

	mu     sync.Mutex
	ended  chan struct{}
	endErr error
}

func newApp(cfg *config, d tui.Displayer, logger zerolog.Logger) (*app, error) {
	httpClient, err := newHTTPClient()
	if err != nil {
		return nil, err
	}

	provider, err := identity.NewOAuthProvider(identity.Options{
		ServerURL:      cfg.ServerURL,
		ClientID:       cfg.ClientID,
		CredentialFile: cfg.CredentialsFile,
		HTTPClient:     httpClient,
		RefreshTimeout: cfg.RefreshTimeout,
		Logger:         &logger,
	})
	if err != nil {
		return nil, err
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		log:        logger,
		display:    d,
		provider:   provider,
		closeStore: closeStore,
		ended:      make(chan struct{}),
	}

	a.manager, err = session.NewManager(session.Options{
		Store:          store,
		Provider:       provider,
		Navigator:      session.NavigatorFunc(a.navigate),
		Observer:       d,
		Logger:         &logger,
		AppKey:         cfg.AppKey,
		RefreshTimeout: cfg.RefreshTimeout,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	a.api, err = api.New(
		cfg.APIURL,
		session.NewClient(a.manager, httpClient),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(&logger),
	)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return a, nil
}

// navigate is the post-logout redirect. A CLI cannot open a page, so it records that
// the session is over and wakes anything waiting on it.
func (a *app) navigate(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Debug().Str("path", path).Msg("redirecting to login")
	if a.endErr == nil {
		a.endErr = fmt.Errorf("%w: sign in again at %s", session.ErrSessionEnded, path)
		close(a.ended)
	}
}

// sessionEnded is closed once a logout redirected to the login entry point.
func (a *app) sessionEnded() <-chan struct{} {
	return a.ended
}

func (a *app) endReason() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endErr
}

// restore resumes the session kept in the store or in the credential file.
func (a *app) restore(ctx context.Context) error {
	err := a.manager.Restore(ctx, a.provider.Persistent())
	if errors.Is(err, session.ErrNoSession) {
		return errNotSignedIn
	}
	if err != nil {
		return err
	}

	userID, err := a.manager.UserID(ctx)
	if err != nil {
		return err
	}
	a.display.SessionRestored(userID)
	return nil
}

// sessionInfo summarises the current session for Done.
func (a *app) sessionInfo(ctx context.Context, profile *api.Profile) tui.SessionInfo {
	var info tui.SessionInfo
	info.UserID, _ = a.manager.UserID(ctx)
	info.RememberMe, _ = a.manager.RememberMe(ctx)
	if profile != nil {
		info.Name = profile.Name
	}
	if result, err := a.provider.IDTokenResult(ctx); err == nil {
		info.TokenPreview = tokenPreview(result.Token)
		info.ExpiresAt = result.ExpirationTime
	}
	if at, ok := a.manager.NextRefresh(); ok {
		info.NextRefresh = at
	}
	return info
}

// Close stops the scheduler and releases the store. The session itself survives.
func (a *app) Close() error {
	a.manager.Close()
	return a.closeStore()
}

func tokenPreview(token string) string {
	const n = 12
	if len(token) > n {
		return token[:n]
	}
	return token
}
