package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mnehpets/tunequiz/auth"
	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var noBrowser bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the music service",
		Long: `Sign in with the music service using the authorization code flow with PKCE.

A local server on the redirect URI receives the result. With --no-browser the
authorization URL is printed instead, and the URL the browser was redirected to
is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				timeout = a.cfg.CallbackTimeout
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var user *auth.UserProfile
			var err error
			if noBrowser {
				user, err = a.loginPasted(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			} else {
				user, err = a.loginLoopback(ctx, cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL and read the redirect URL from stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the redirect (default from config)")
	return cmd
}

func (a *app) loginLoopback(ctx context.Context, out io.Writer) (*auth.UserProfile, error) {
	h := auth.NewCallbackHandler(a.manager, auth.WithCallbackLogger(a.log))
	addr, err := h.Start()
	if err != nil {
		return nil, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := h.Shutdown(sctx); err != nil {
			a.log.WithError(err).Debug("callback server shutdown")
		}
	}()

	req, err := a.manager.InitiateLogin(ctx)
	if err != nil {
		return nil, err
	}
	h.SetLoginURL(req.AuthorizationURL)

	if err := a.openURL(req.AuthorizationURL); err != nil {
		a.log.WithError(err).Debug("could not open browser")
		fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  http://%s/login\n\n", addr)
	} else {
		fmt.Fprintln(out, "Waiting for sign-in to complete in your browser...")
	}

	res, err := h.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.New("timed out waiting for the browser redirect")
		}
		return nil, err
	}
	return res.User, res.Error
}

func (a *app) loginPasted(ctx context.Context, in io.Reader, out io.Writer) (*auth.UserProfile, error) {
	req, err := a.manager.InitiateLogin(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\n", req.AuthorizationURL)
	fmt.Fprint(out, "Paste the full URL you were redirected to: ")

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 4096), 64*1024)
		if sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	select {
	case <-ctx.Done():
		return nil, errors.New("timed out waiting for the redirect URL")
	case line, ok := <-lines:
		if !ok || line == "" {
			return nil, errors.New("no redirect URL entered")
		}
		return a.manager.HandleCallbackURL(ctx, line)
	}
}

func displayName(u *auth.UserProfile) string {
	if u == nil {
		return "unknown user"
	}
	if u.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", u.DisplayName, u.ID)
	}
	return u.ID
}
