package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/go-authgate/command-center/api"
	"github.com/go-authgate/command-center/identity"
	"github.com/go-authgate/command-center/session"
	"github.com/go-authgate/command-center/tui"
)

// runner carries what every command shares: the raw flags and where output goes.
type runner struct {
	flags  flagValues
	stdout io.Writer
	stderr io.Writer
	tty    bool
}

type commandFunc func(ctx context.Context, a *app) error

// reportedError is an error the displayer has already shown to the user.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// run resolves the configuration, wires an app and runs fn under a displayer.
func (r *runner) run(banner bool, fn commandFunc) error {
	cfg, warnings, err := loadConfig(r.flags)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(r.stderr, "⚠️  WARNING: %s\n", w)
	}

	logger, err := newLogger(cfg.LogLevel, r.stderr)
	if err != nil {
		return err
	}

	return r.withDisplayer(banner, func(d tui.Displayer) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, d, logger)
		if err != nil {
			d.Fatal(err)
			return reportedError{err}
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close session store")
			}
		}()

		if err := fn(ctx, a); err != nil {
			d.Fatal(err)
			return reportedError{err}
		}
		return nil
	})
}

// withDisplayer runs fn with a Bubble Tea displayer on a terminal and a plain one
// otherwise.
func (r *runner) withDisplayer(banner bool, fn func(tui.Displayer) error) error {
	if !r.tty {
		d := tui.NewPlainDisplayer(r.stderr)
		if banner {
			d.Banner()
		}
		return fn(d)
	}

	// Run TUI program on stderr so stdout pipes are not corrupted.
	// WithInput(nil): Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(r.stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(r.stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	if banner {
		d.Banner()
	}
	runErr := fn(d)
	p.Quit()
	wg.Wait()
	return runErr
}

func (r *runner) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(r.stdout, string(data))
	return err
}

func newLoginCmd(r *runner) *cobra.Command {
	var rememberMe bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the device authorization flow",
		Long: `Sign in with the OAuth device authorization flow.

With --remember-me the credentials are written to the credentials file, later
commands resume the session, and the access token is refreshed five minutes
before it expires. Without it the session lasts as long as this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.run(true, func(ctx context.Context, a *app) error {
				return login(ctx, a, rememberMe)
			})
		},
	}
	cmd.Flags().BoolVar(&rememberMe, "remember-me", false, "persist credentials and refresh before expiry")
	return cmd
}

func login(ctx context.Context, a *app, rememberMe bool) error {
	persistence := identity.PersistenceSession
	if rememberMe {
		persistence = identity.PersistenceLocal
	}
	if _, err := a.provider.SignIn(ctx, a.display, persistence); err != nil {
		return err
	}
	if err := a.manager.Start(ctx, rememberMe); err != nil {
		return err
	}

	userID, err := a.manager.UserID(ctx)
	if err != nil {
		return err
	}
	a.display.SignedIn(userID, rememberMe)
	if rememberMe {
		a.display.CredentialsSaved(a.provider.CredentialPath())
	} else {
		a.display.CredentialsInMemory()
	}

	profile, err := a.api.Profile(ctx)
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		return err
	case err != nil:
		a.display.APICallFailed(err)
	default:
		a.display.APICallOK("Loaded profile for " + profile.Name)
	}
	a.display.Done(a.sessionInfo(ctx, profile))
	return nil
}

func newLogoutCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				return a.manager.Logout(ctx, "signed out")
			})
		},
	}
}

func newWhoamiCmd(r *runner) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				profile, err := whoami(ctx, a, cached)
				if err != nil {
					return err
				}
				a.display.Done(a.sessionInfo(ctx, profile))
				return r.printJSON(profile)
			})
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "use the profile cached in the session store when present")
	return cmd
}

func whoami(ctx context.Context, a *app, cached bool) (*api.Profile, error) {
	if cached {
		profile, ok, err := a.api.CachedProfile(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return profile, nil
		}
	}
	return a.api.Profile(ctx)
}

func newWatchCmd(r *runner) *cobra.Command {
	var ping time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a remembered session alive until interrupted",
		Long: `Keep a remembered session alive until interrupted.

The access token is refreshed five minutes before it expires. With --ping the
admin profile is fetched periodically, which exercises expired-token recovery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.run(true, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				return watch(ctx, a, ping)
			})
		},
	}
	cmd.Flags().DurationVar(&ping, "ping", time.Minute, "profile fetch interval (0 disables)")
	return cmd
}

func watch(ctx context.Context, a *app, ping time.Duration) error {
	remember, err := a.manager.RememberMe(ctx)
	if err != nil {
		return err
	}
	if !remember {
		return errors.New("watch needs a remembered session; sign in with `login --remember-me`")
	}

	var tick <-chan time.Time
	if ping > 0 {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.sessionEnded():
			return a.endReason()
		case <-tick:
			profile, err := a.api.Profile(ctx)
			if errors.Is(err, session.ErrSessionEnded) {
				return err
			}
			if err != nil {
				a.display.APICallFailed(err)
				continue
			}
			a.display.APICallOK("Profile OK: " + profile.Name)
		}
	}
}

// newResourceCmd builds "<use> list|get|delete" for one admin collection.
func newResourceCmd[T any](
	r *runner,
	use, short string,
	pick func(*api.Client) *api.Resource[T],
) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var page api.Page
	list := &cobra.Command{
		Use:   "list",
		Short: "List " + use,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				out, err := pick(a.api).List(ctx, page)
				if err != nil {
					return err
				}
				a.display.APICallOK(fmt.Sprintf("Fetched %d of %d %s", len(out.Items), out.Total, use))
				return r.printJSON(out)
			})
		},
	}
	list.Flags().IntVar(&page.Page, "page", 0, "page number")
	list.Flags().IntVar(&page.Limit, "limit", 0, "page size")
	list.Flags().StringVar(&page.Search, "search", "", "search term")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one of " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				out, err := pick(a.api).Get(ctx, args[0])
				if err != nil {
					return err
				}
				return r.printJSON(out)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one of " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				if err := pick(a.api).Delete(ctx, args[0]); err != nil {
					return err
				}
				a.display.APICallOK("Deleted " + args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, get, del)
	return cmd
}

func newGiftsCmd(r *runner) *cobra.Command {
	cmd := newResourceCmd(r, "gifts", "Manage virtual gifts",
		func(c *api.Client) *api.Resource[api.Gift] { return c.Gifts.Resource })

	cmd.AddCommand(&cobra.Command{
		Use:   "upload-image <id> <file>",
		Short: "Replace the image of a gift",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(false, func(ctx context.Context, a *app) error {
				if err := a.restore(ctx); err != nil {
					return err
				}
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open image: %w", err)
				}
				defer f.Close()

				gift, err := a.api.Gifts.UploadImage(ctx, args[0], filepath.Base(args[1]), f)
				if err != nil {
					return err
				}
				a.display.APICallOK("Uploaded image for gift " + gift.ID)
				return r.printJSON(gift)
			})
		},
	})
	return cmd
}
