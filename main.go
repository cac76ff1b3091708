package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/go-authgate/command-center/api"
)

func newRootCmd(r *runner) *cobra.Command {
	root := &cobra.Command{
		Use:   "command-center",
		Short: "Admin command center for the live-streaming platform",
		Long: `command-center signs an administrator in through AuthGate and manages
users, agencies, gifts, coin plans, wealth levels, sub-admins and moderation
reports through the admin API.

Every setting can be given as a flag, an environment variable or a .env entry,
in that order of priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&r.flags.serverURL, "server-url", "", "AuthGate server URL (default: http://localhost:8080 or SERVER_URL env)")
	f.StringVar(&r.flags.apiURL, "api-url", "", "admin API base URL (default: <server-url>/api/v1 or API_URL env)")
	f.StringVar(&r.flags.clientID, "client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	f.StringVar(&r.flags.appKey, "app-key", "", "application key sent as X-App-Key (or APP_KEY env)")
	f.StringVar(&r.flags.credentialsFile, "credentials-file", "", "remembered credentials file (or CREDENTIALS_FILE env)")
	f.StringVar(&r.flags.sessionStore, "session-store", "", "session store: memory or redis (or SESSION_STORE env)")
	f.StringVar(&r.flags.redisURL, "redis-url", "", "Redis URL for the redis session store (or REDIS_URL env)")
	f.StringVar(&r.flags.logLevel, "log-level", "", "diagnostic log level (default: warn or LOG_LEVEL env)")
	f.StringVar(&r.flags.requestTimeout, "request-timeout", "", "timeout per API call (default: 15s or REQUEST_TIMEOUT env)")
	f.StringVar(&r.flags.refreshTimeout, "refresh-timeout", "", "timeout per token refresh (default: 10s or REFRESH_TIMEOUT env)")

	root.AddCommand(
		newLoginCmd(r),
		newLogoutCmd(r),
		newWhoamiCmd(r),
		newWatchCmd(r),
		newResourceCmd(r, "users", "Manage platform users",
			func(c *api.Client) *api.Resource[api.User] { return c.Users }),
		newResourceCmd(r, "agencies", "Manage streamer agencies",
			func(c *api.Client) *api.Resource[api.Agency] { return c.Agencies }),
		newGiftsCmd(r),
		newResourceCmd(r, "coin-plans", "Manage coin purchase plans",
			func(c *api.Client) *api.Resource[api.CoinPlan] { return c.CoinPlans }),
		newResourceCmd(r, "wealth-levels", "Manage wealth levels",
			func(c *api.Client) *api.Resource[api.WealthLevel] { return c.WealthLevels }),
		newResourceCmd(r, "sub-admins", "Manage sub-admin accounts",
			func(c *api.Client) *api.Resource[api.SubAdmin] { return c.SubAdmins }),
		newResourceCmd(r, "reports", "Review moderation reports",
			func(c *api.Client) *api.Resource[api.Report] { return c.Reports }),
	)
	return root
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	r := &runner{stdout: os.Stdout, stderr: os.Stderr, tty: isTTY()}
	if err := newRootCmd(r).Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
