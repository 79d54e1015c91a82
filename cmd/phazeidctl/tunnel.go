package main

import (
	"github.com/MrEthical07/phazeid/tunnel"
	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and print the new session token",
		Long: `Sign in with a username and password.

The printed token is a pending session: it still has to pass email, MFA or
session verification before account endpoints accept it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.secret(password, "Password")
			if err != nil {
				return err
			}
			return a.exchange(cmd, tunnel.OpLogin, args[0], pw)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when empty)")
	return cmd
}

func newSignupCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "signup <username> <email>",
		Short: "Create an account and print its session token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.secret(password, "Password")
			if err != nil {
				return err
			}
			return a.exchange(cmd, tunnel.OpSignup, args[0], pw, args[1])
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when empty)")
	return cmd
}

func newChangePasswordCmd(a *app) *cobra.Command {
	var current, next string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Change the password of the --session account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			old, err := a.secret(current, "Current password")
			if err != nil {
				return err
			}
			pw, err := a.secret(next, "New password")
			if err != nil {
				return err
			}
			return a.exchange(cmd, tunnel.OpChangePassword, pw, old)
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "current password (read from stdin when empty)")
	cmd.Flags().StringVar(&next, "new", "", "new password (read from stdin when empty)")
	return cmd
}

func newRequestResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "request-reset <email>",
		Short: "Mail a password reset link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exchange(cmd, tunnel.OpRequestReset, args[0])
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "reset <token>",
		Short: "Set a new password with a mailed reset token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.secret(password, "New password")
			if err != nil {
				return err
			}
			return a.exchange(cmd, tunnel.OpResetPassword, pw, args[0])
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password (read from stdin when empty)")
	return cmd
}
