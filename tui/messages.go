package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgSignedIn signals that a session was started for UserID.
type MsgSignedIn struct {
	UserID     string
	RememberMe bool
}

// MsgSessionRestored signals that an existing session was resumed.
type MsgSessionRestored struct{ UserID string }

// MsgCredentialsSaved signals that credentials were written to disk.
type MsgCredentialsSaved struct{ Path string }

// MsgCredentialsInMemory signals that credentials live only as long as the process.
type MsgCredentialsInMemory struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{ ExpiresAt time.Time }

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgRefreshScheduled signals when the next proactive refresh runs.
type MsgRefreshScheduled struct{ At time.Time }

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgSessionEnded signals that the session was torn down.
type MsgSessionEnded struct{ Reason string }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Summary string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgDone signals that the command finished.
type MsgDone struct{ Info SessionInfo }

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
