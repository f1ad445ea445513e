package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := a.manager.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:      %s\n", u.ID)
			if u.DisplayName != "" {
				fmt.Fprintf(out, "Name:    %s\n", u.DisplayName)
			}
			if u.Email != "" {
				fmt.Fprintf(out, "Email:   %s\n", u.Email)
			}
			if u.Country != "" {
				fmt.Fprintf(out, "Country: %s\n", u.Country)
			}
			if u.Product != "" {
				fmt.Fprintf(out, "Plan:    %s\n", u.Product)
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether stored credentials are usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.manager.State(cmd.Context())
			out := cmd.OutOrStdout()
			if !st.IsAuthenticated {
				fmt.Fprintln(out, "Not signed in.")
				return nil
			}
			fmt.Fprintln(out, "Signed in.")
			if !st.ExpiresAt.IsZero() {
				left := time.Until(st.ExpiresAt).Round(time.Second)
				if left > 0 {
					fmt.Fprintf(out, "Access token expires %s (in %s).\n", st.ExpiresAt.Local().Format(time.RFC1123), left)
				} else {
					fmt.Fprintln(out, "Access token expired; it will be refreshed on next use.")
				}
			}
			fmt.Fprintf(out, "Store: %s\n", a.cfg.Store.Type)
			return nil
		},
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := a.manager.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token refreshed; expires %s.\n", rec.ExpiresAt().Local().Format(time.RFC1123))
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.manager.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}
