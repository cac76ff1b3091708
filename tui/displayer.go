package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"
)

// SessionInfo is the summary printed when a command finishes.
type SessionInfo struct {
	UserID       string
	Name         string
	TokenPreview string
	ExpiresAt    time.Time
	RememberMe   bool
	NextRefresh  time.Time
}

// Displayer abstracts all user-facing output. It satisfies identity.SignInObserver and
// session.Observer so sign-in and session events reach the screen directly.
type Displayer interface {
	Banner()
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	SignedIn(userID string, rememberMe bool)
	SessionRestored(userID string)
	CredentialsSaved(path string)
	CredentialsInMemory()
	Refreshing()
	RefreshOK(expiresAt time.Time)
	RefreshFailed(err error)
	RefreshScheduled(at time.Time)
	AccessTokenRejected()
	TokenRefreshedRetrying()
	SessionEnded(reason string)
	APICallOK(summary string)
	APICallFailed(err error)
	Done(info SessionInfo)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprint(p.w, figure.NewFigure("Command Center", "cybermedium", true).String())
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", verifyURIComplete)
	fmt.Fprintf(p.w, "\nOr manually visit: %s\n", verifyURI)
	fmt.Fprintf(p.w, "And enter code: %s\n", userCode)
	fmt.Fprintf(p.w, "The code expires at %s\n", expiry.Format(time.Kitchen))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForAuth() {
	fmt.Fprintln(p.w, "Waiting for authorization...")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	fmt.Fprintf(p.w, "Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) SignedIn(userID string, rememberMe bool) {
	if rememberMe {
		fmt.Fprintf(p.w, "Signed in as %s (remembered)\n", userID)
		return
	}
	fmt.Fprintf(p.w, "Signed in as %s\n", userID)
}

func (p *PlainDisplayer) SessionRestored(userID string) {
	fmt.Fprintf(p.w, "Resumed session for %s\n", userID)
}

func (p *PlainDisplayer) CredentialsSaved(path string) {
	fmt.Fprintf(p.w, "Credentials saved to %s\n", path)
}

func (p *PlainDisplayer) CredentialsInMemory() {
	fmt.Fprintln(p.w, "Credentials kept in memory for this session only")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK(expiresAt time.Time) {
	if expiresAt.IsZero() {
		fmt.Fprintln(p.w, "Token refreshed successfully!")
		return
	}
	fmt.Fprintf(p.w, "Token refreshed, valid until %s\n", expiresAt.Format(time.RFC3339))
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) RefreshScheduled(at time.Time) {
	fmt.Fprintf(p.w, "Next refresh at %s\n", at.Format(time.RFC3339))
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying API call...")
}

func (p *PlainDisplayer) SessionEnded(reason string) {
	fmt.Fprintf(p.w, "Session ended: %s\n", reason)
}

func (p *PlainDisplayer) APICallOK(summary string) {
	if summary == "" {
		fmt.Fprintln(p.w, "API call successful!")
		return
	}
	fmt.Fprintln(p.w, summary)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Done(info SessionInfo) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "User: %s\n", displayName(info))
	if info.TokenPreview != "" {
		fmt.Fprintf(p.w, "Access Token: %s...\n", info.TokenPreview)
	}
	if !info.ExpiresAt.IsZero() {
		fmt.Fprintf(p.w, "Expires In: %s\n", time.Until(info.ExpiresAt).Round(time.Second))
	}
	fmt.Fprintf(p.w, "Remember Me: %t\n", info.RememberMe)
	if !info.NextRefresh.IsZero() {
		fmt.Fprintf(p.w, "Next Refresh: %s\n", info.NextRefresh.Format(time.RFC3339))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

func displayName(info SessionInfo) string {
	if info.Name != "" && info.UserID != "" {
		return fmt.Sprintf("%s (%s)", info.Name, info.UserID)
	}
	if info.Name != "" {
		return info.Name
	}
	return info.UserID
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) SignedIn(_ string, _ bool)                   {}
func (NoopDisplayer) SessionRestored(_ string)                    {}
func (NoopDisplayer) CredentialsSaved(_ string)                   {}
func (NoopDisplayer) CredentialsInMemory()                        {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) RefreshOK(_ time.Time)                       {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) RefreshScheduled(_ time.Time)                {}
func (NoopDisplayer) AccessTokenRejected()                        {}
func (NoopDisplayer) TokenRefreshedRetrying()                     {}
func (NoopDisplayer) SessionEnded(_ string)                       {}
func (NoopDisplayer) APICallOK(_ string)                          {}
func (NoopDisplayer) APICallFailed(_ error)                       {}
func (NoopDisplayer) Done(_ SessionInfo)                          {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) SignedIn(userID string, rememberMe bool) {
	t.p.Send(MsgSignedIn{UserID: userID, RememberMe: rememberMe})
}

func (t *ProgramDisplayer) SessionRestored(userID string) {
	t.p.Send(MsgSessionRestored{UserID: userID})
}

func (t *ProgramDisplayer) CredentialsSaved(path string) {
	t.p.Send(MsgCredentialsSaved{Path: path})
}

func (t *ProgramDisplayer) CredentialsInMemory() {
	t.p.Send(MsgCredentialsInMemory{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK(expiresAt time.Time) {
	t.p.Send(MsgRefreshOK{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) RefreshScheduled(at time.Time) {
	t.p.Send(MsgRefreshScheduled{At: at})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) SessionEnded(reason string) {
	t.p.Send(MsgSessionEnded{Reason: reason})
}

func (t *ProgramDisplayer) APICallOK(summary string) {
	t.p.Send(MsgAPICallOK{Summary: summary})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Done(info SessionInfo) {
	t.p.Send(MsgDone{Info: info})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
