// Package session keeps an admin signed in: it stores the access token, derives request
// headers from it, recovers from expired-token responses, refreshes ahead of expiry and
// tears everything down when recovery is impossible.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/command-center/identity"
)

// LoginPath is where the user is sent once a session cannot be recovered.
const LoginPath = "/login"

const (
	// DefaultRefreshLead is how long before expiry the scheduler refreshes.
	DefaultRefreshLead = 5 * time.Minute
	// DefaultRefreshTimeout bounds one provider refresh.
	DefaultRefreshTimeout = identity.DefaultRefreshTimeout

	logoutTimeout = 10 * time.Second

	flightRefresh = "refresh"
	flightLogout  = "logout"
)

var (
	// ErrNoSession means there is no access token to restore.
	ErrNoSession = errors.New("no active session")
	// ErrSessionEnded is returned once an auth failure forced a logout.
	ErrSessionEnded = errors.New("session ended")
)

// Navigator performs the hard redirect that follows a logout.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// Observer is told about lifecycle events. tui.Displayer satisfies it.
type Observer interface {
	Refreshing()
	RefreshOK(expiresAt time.Time)
	RefreshFailed(err error)
	RefreshScheduled(at time.Time)
	AccessTokenRejected()
	TokenRefreshedRetrying()
	SessionEnded(reason string)
}

type nopObserver struct{}

func (nopObserver) Refreshing()                {}
func (nopObserver) RefreshOK(time.Time)        {}
func (nopObserver) RefreshFailed(error)        {}
func (nopObserver) RefreshScheduled(time.Time) {}
func (nopObserver) AccessTokenRejected()       {}
func (nopObserver) TokenRefreshedRetrying()    {}
func (nopObserver) SessionEnded(string)        {}

// Options configures a Manager. Store and Provider are required.
type Options struct {
	Store     Store
	Provider  identity.Provider
	Navigator Navigator
	Observer  Observer
	Clock     Clock
	Logger    *zerolog.Logger

	// AppKey is sent as X-App-Key on every request.
	AppKey         string
	RefreshLead    time.Duration
	RefreshTimeout time.Duration
}

// Manager is the session context for one signed-in admin. It is passed explicitly to
// the HTTP client and owns the refresh single-flight and the expiry scheduler.
type Manager struct {
	store          Store
	provider       identity.Provider
	navigator      Navigator
	observer       Observer
	clock          Clock
	log            zerolog.Logger
	appKey         string
	refreshLead    time.Duration
	refreshTimeout time.Duration

	flights   singleflight.Group
	scheduler *Scheduler

	// armMu orders re-arming after a refresh against the teardown in Logout.
	armMu sync.Mutex
	// endMu serialises the logouts that follow failed refreshes.
	endMu sync.Mutex
}

// NewManager wires a Manager from opts.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("identity provider is required")
	}

	m := &Manager{
		store:          opts.Store,
		provider:       opts.Provider,
		navigator:      opts.Navigator,
		observer:       opts.Observer,
		clock:          opts.Clock,
		log:            zerolog.Nop(),
		appKey:         opts.AppKey,
		refreshLead:    opts.RefreshLead,
		refreshTimeout: opts.RefreshTimeout,
	}
	if m.navigator == nil {
		m.navigator = NavigatorFunc(func(string) {})
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if opts.Logger != nil {
		m.log = opts.Logger.With().Str("component", "session").Logger()
	}
	if m.refreshLead <= 0 {
		m.refreshLead = DefaultRefreshLead
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = DefaultRefreshTimeout
	}
	m.scheduler = NewScheduler(m.clock, m.onExpiryTimer)
	return m, nil
}

// Start records a freshly signed-in principal and, with rememberMe, arms the expiry
// scheduler.
func (m *Manager) Start(ctx context.Context, rememberMe bool) error {
	token, err := m.provider.IDToken(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	principal, err := m.provider.CurrentPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve principal: %w", err)
	}

	if err := m.SetToken(ctx, token); err != nil {
		return err
	}
	if err := m.store.Set(ctx, KeyUserID, principal.UserID); err != nil {
		return fmt.Errorf("failed to store user id: %w", err)
	}
	if err := m.store.Set(ctx, KeyRememberMe, formatBool(rememberMe)); err != nil {
		return fmt.Errorf("failed to store remember-me flag: %w", err)
	}

	m.log.Info().Str("user_id", principal.UserID).Bool("remember_me", rememberMe).Msg("session started")
	if rememberMe {
		return m.scheduleFromProvider(ctx)
	}
	m.scheduler.Cancel()
	return nil
}

// Restore resumes a session found in the store. When the store is empty but the
// provider still holds a principal, a new session is started with fallbackRememberMe.
func (m *Manager) Restore(ctx context.Context, fallbackRememberMe bool) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		result, err := m.provider.IDTokenResult(ctx)
		if err != nil {
			if errors.Is(err, identity.ErrNoPrincipal) {
				return ErrNoSession
			}
			return err
		}
		if m.dueForRefresh(result.ExpirationTime, fallbackRememberMe) {
			if err := m.reissueBeforeStart(ctx); err != nil {
				return err
			}
		}
		return m.Start(ctx, fallbackRememberMe)
	}

	remember, err := m.RememberMe(ctx)
	if err != nil {
		return err
	}
	if remember {
		return m.scheduleFromProvider(ctx)
	}
	return nil
}

// dueForRefresh reports whether a persisted token must be re-issued before it is used.
// Remembered sessions also refresh when they are inside the scheduler lead.
func (m *Manager) dueForRefresh(expiresAt time.Time, rememberMe bool) bool {
	remaining := expiresAt.Sub(m.clock.Now())
	if remaining <= 0 {
		return true
	}
	return rememberMe && remaining <= m.refreshLead
}

// reissueBeforeStart refreshes a persisted token that is too old to resolve the
// principal with. A refresh token the server no longer accepts means there is nothing
// left to resume.
func (m *Manager) reissueBeforeStart(ctx context.Context) error {
	_, err := m.Refresh(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, identity.ErrRefreshTokenExpired) {
		return err
	}
	if signOutErr := m.provider.SignOut(ctx); signOutErr != nil {
		m.log.Warn().Err(signOutErr).Msg("failed to forget expired credentials")
	}
	return ErrNoSession
}

// Refresh re-issues the access token. Overlapping calls share one provider call.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refreshFrom(ctx, "", false)
}

// refreshFrom refreshes on behalf of a caller whose request failed with stale. If the
// store already holds a different token, a refresh finished in the meantime and its
// token is returned without another provider call. With endOnFailure a failed refresh
// logs out once for every caller sharing the flight.
func (m *Manager) refreshFrom(ctx context.Context, stale string, endOnFailure bool) (string, error) {
	ch := m.flights.DoChan(flightRefresh, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		if stale != "" {
			current, err := m.Token(fctx)
			if err == nil && current != stale {
				if current == "" {
					return "", ErrNoSession
				}
				return current, nil
			}
		}
		token, err := m.doRefresh(fctx)
		if err != nil && endOnFailure {
			m.endSession(fctx, stale, "token refresh failed")
		}
		return token, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The flight may have been started by a caller that keeps the session.
			if endOnFailure {
				m.endSession(ctx, stale, "token refresh failed")
			}
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.observer.Refreshing()

	token, err := m.provider.IDToken(ctx, true)
	if err != nil {
		m.log.Warn().Err(err).Msg("token refresh failed")
		m.observer.RefreshFailed(err)
		return "", fmt.Errorf("refresh failed: %w", err)
	}
	if err := m.SetToken(ctx, token); err != nil {
		m.observer.RefreshFailed(err)
		return "", err
	}

	var expiresAt time.Time
	if result, err := m.provider.IDTokenResult(ctx); err == nil {
		expiresAt = result.ExpirationTime
	}
	m.log.Debug().Time("expires_at", expiresAt).Msg("token refreshed")
	m.observer.RefreshOK(expiresAt)

	m.armMu.Lock()
	defer m.armMu.Unlock()
	remember, err := m.RememberMe(ctx)
	if err != nil || !remember {
		return token, nil
	}
	// A logout that overlapped the refresh has already cleared the token.
	if current, err := m.Token(ctx); err != nil || current != token {
		return token, nil
	}
	if err := m.scheduleFromProvider(ctx); err != nil {
		m.log.Warn().Err(err).Msg("failed to re-arm expiry scheduler")
	}
	return token, nil
}

// endSession logs out unless the session it was called for is already gone: the
// store is empty, or it holds a token other than stale.
func (m *Manager) endSession(ctx context.Context, stale, reason string) {
	m.endMu.Lock()
	defer m.endMu.Unlock()

	current, err := m.Token(context.WithoutCancel(ctx))
	if err == nil && (current == "" || (stale != "" && current != stale)) {
		return
	}
	if err := m.Logout(ctx, reason); err != nil {
		m.log.Warn().Err(err).Str("reason", reason).Msg("logout failed")
	}
}

// onExpiryTimer is the scheduler callback.
func (m *Manager) onExpiryTimer() {
	ctx := context.Background()
	if _, err := m.Refresh(ctx); err == nil {
		return
	}

	remember, err := m.RememberMe(ctx)
	if err == nil && remember {
		// The next expired-token response gets another chance through the interceptor.
		return
	}
	m.endSession(ctx, "", "proactive refresh failed")
}

// scheduleFromProvider arms the scheduler lead time before the provider's expiry.
func (m *Manager) scheduleFromProvider(ctx context.Context) error {
	result, err := m.provider.IDTokenResult(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token expiry: %w", err)
	}
	now := m.clock.Now()
	delay := max(result.ExpirationTime.Sub(now)-m.refreshLead, 0)
	if !m.scheduler.Reschedule(delay) {
		return nil
	}

	at := now.Add(delay)
	m.log.Debug().Time("refresh_at", at).Msg("proactive refresh scheduled")
	m.observer.RefreshScheduled(at)
	return nil
}

// Logout clears every session key, signs out of the provider and navigates to the
// login entry point. Overlapping calls are collapsed into one teardown.
func (m *Manager) Logout(ctx context.Context, reason string) error {
	ch := m.flights.DoChan(flightLogout, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()

		var errs []error
		m.armMu.Lock()
		m.scheduler.Cancel()
		if err := m.ClearSession(lctx); err != nil {
			errs = append(errs, err)
		}
		m.armMu.Unlock()
		if err := m.provider.SignOut(lctx); err != nil {
			errs = append(errs, fmt.Errorf("provider sign-out: %w", err))
		}

		m.log.Info().Str("reason", reason).Msg("session ended")
		m.observer.SessionEnded(reason)
		m.navigator.Navigate(LoginPath)
		return nil, errors.Join(errs...)
	})

	res := <-ch
	return res.Err
}

// Close stops the expiry scheduler for good; a refresh still in flight cannot re-arm
// it. The session itself is left intact.
func (m *Manager) Close() {
	m.scheduler.Stop()
}

// NextRefresh reports when the scheduler will refresh, if it is armed.
func (m *Manager) NextRefresh() (time.Time, bool) {
	return m.scheduler.Pending()
}

// Token returns the stored access token, or "" when there is none.
func (m *Manager) Token(ctx context.Context) (string, error) {
	v, _, err := m.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	return v, nil
}

// UserID returns the stored user id, or "".
func (m *Manager) UserID(ctx context.Context) (string, error) {
	v, _, err := m.store.Get(ctx, KeyUserID)
	if err != nil {
		return "", fmt.Errorf("failed to read user id: %w", err)
	}
	return v, nil
}

// RememberMe reports whether the session opted into refreshes.
func (m *Manager) RememberMe(ctx context.Context) (bool, error) {
	v, _, err := m.store.Get(ctx, KeyRememberMe)
	if err != nil {
		return false, fmt.Errorf("failed to read remember-me flag: %w", err)
	}
	return v == "true", nil
}

// SetToken stores a new access token.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	if err := m.store.Set(ctx, KeyAccessToken, token); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	return nil
}

// ClearSession removes every session key from the store.
func (m *Manager) ClearSession(ctx context.Context) error {
	if err := m.store.Delete(ctx, Keys...); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// CacheProfile stores a snapshot of the admin profile.
func (m *Manager) CacheProfile(ctx context.Context, profile []byte) error {
	return m.store.Set(ctx, KeyProfile, string(profile))
}

// CachedProfile returns the stored profile snapshot.
func (m *Manager) CachedProfile(ctx context.Context) ([]byte, bool, error) {
	v, ok, err := m.store.Get(ctx, KeyProfile)
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
