package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdown timers.
type tickMsg time.Time

// state represents the current phase of the session.
type state int

const (
	stateInit       state = iota
	stateDeviceFlow       // device code received, showing to user
	statePolling          // waiting for user authorization
	stateActive           // signed in, waiting for the next refresh
	stateRefreshing       // refreshing the access token
	stateSuccess          // command finished
	stateEnded            // session torn down
	stateError            // fatal error
)

// maxStatusLines bounds the status log of long-running commands.
const maxStatusLines = 12

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int
	now     func() time.Time

	// Device code info
	userCode          string
	verifyURI         string
	verifyURIComplete string
	codeExpiry        time.Time
	remaining         time.Duration

	// Session info
	userID      string
	rememberMe  bool
	nextRefresh time.Time
	untilNext   time.Duration
	ticking     bool

	// Success / error display
	info      SessionInfo
	endReason string
	errMsg    string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		now:     time.Now,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		now := m.now()
		m.remaining = max(m.codeExpiry.Sub(now), 0)
		m.untilNext = max(m.nextRefresh.Sub(now), 0)
		if m.remaining > 0 || m.untilNext > 0 {
			return m, tickAfterSecond()
		}
		m.ticking = false
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Sign-in messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgDeviceCodeReady:
		m.userCode = msg.UserCode
		m.verifyURI = msg.VerifyURI
		m.verifyURIComplete = msg.VerifyURIComplete
		m.codeExpiry = msg.Expiry
		m.remaining = msg.Expiry.Sub(m.now())
		m.state = stateDeviceFlow
		m.addStatus(statusInfo, "Device code ready")
		cmd := m.startTicking()
		return m, cmd

	case MsgWaitingForAuth:
		m.state = statePolling
		return m, nil

	case MsgPollSlowDown:
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Server requested slower polling (%s)", msg.NewInterval),
		)
		return m, nil

	case MsgSignedIn:
		m.userID = msg.UserID
		m.rememberMe = msg.RememberMe
		m.codeExpiry = time.Time{}
		m.state = stateActive
		m.addStatus(statusOK, "Signed in as "+msg.UserID)
		return m, nil

	case MsgSessionRestored:
		m.userID = msg.UserID
		m.state = stateActive
		m.addStatus(statusOK, "Resumed session for "+msg.UserID)
		return m, nil

	case MsgCredentialsSaved:
		m.addStatus(statusOK, "Credentials saved to "+msg.Path)
		return m, nil

	case MsgCredentialsInMemory:
		m.addStatus(statusInfo, "Credentials kept in memory for this session only")
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateActive
		if msg.ExpiresAt.IsZero() {
			m.addStatus(statusOK, "Token refreshed successfully")
		} else {
			m.addStatus(statusOK, "Token refreshed, valid until "+msg.ExpiresAt.Format(time.Kitchen))
		}
		return m, nil

	case MsgRefreshFailed:
		m.state = stateActive
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgRefreshScheduled:
		m.nextRefresh = msg.At
		m.untilNext = msg.At.Sub(m.now())
		cmd := m.startTicking()
		return m, cmd

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusOK, "Token refreshed, retrying API call...")
		return m, nil

	case MsgSessionEnded:
		m.endReason = msg.Reason
		m.nextRefresh = time.Time{}
		m.untilNext = 0
		m.state = stateEnded
		return m, nil

	case MsgAPICallOK:
		text := msg.Summary
		if text == "" {
			text = "API call successful"
		}
		m.addStatus(statusOK, text)
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgDone:
		m.info = msg.Info
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateEnded:
		return tea.NewView(m.viewEnded())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while signing in and while the session is alive.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Command Center  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateDeviceFlow, statePolling:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(m.verifyURIComplete)
		b.WriteString("\n\n")

		b.WriteString(styleDim.Render("Or visit: " + m.verifyURI))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("Enter code:"))
		b.WriteString("\n\n")

		b.WriteString(styleCodeBox.Render("  " + m.userCode + "  "))
		b.WriteString("\n\n")

		if m.remaining > 0 {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		} else if m.state == statePolling {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...")
		}
		b.WriteString("\n")

	case stateActive:
		b.WriteString(styleOK.Render("● "))
		b.WriteString("Signed in as " + styleBold.Render(m.userID))
		b.WriteString("\n")
		if !m.nextRefresh.IsZero() {
			b.WriteString(styleDim.Render("Next refresh in " + formatDuration(m.untilNext)))
			b.WriteString("\n")
		}

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after a command finished.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session active"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("User:         "))
	b.WriteString(displayName(m.info) + "\n")

	if m.info.TokenPreview != "" {
		b.WriteString(styleBold.Render("Access Token: "))
		b.WriteString(m.info.TokenPreview + "...\n")
	}

	if !m.info.ExpiresAt.IsZero() {
		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatDuration(m.info.ExpiresAt.Sub(m.now())) + "\n")
	}

	b.WriteString(styleBold.Render("Remember Me:  "))
	b.WriteString(fmt.Sprintf("%t\n", m.info.RememberMe))

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewEnded is shown once the session was torn down.
func (m Model) viewEnded() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  ⚠ Session ended"))
	b.WriteString("\n\n")
	if m.endReason != "" {
		b.WriteString(styleDim.Render("  " + m.endReason))
		b.WriteString("\n")
	}
	b.WriteString(styleDim.Render("  Run `command-center login` to sign in again."))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest beyond maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

// startTicking starts the countdown loop unless it is already running.
func (m *Model) startTicking() tea.Cmd {
	if m.ticking {
		return nil
	}
	m.ticking = true
	return tickAfterSecond()
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
