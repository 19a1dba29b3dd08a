package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/console"
)

var (
	username string
	password string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the detection service",
	Long: `Exchanges a username and password for an access token and stores it in
the console database, so later commands and 'console serve' start logged in.

Example:
  console login -u admin -p secret`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		tok, err := stack.API.Login(ctx, username, password)
		if err != nil {
			record(ctx, stack, console.ActionLogin, err)
			return fmt.Errorf("login failed: %w", err)
		}
		if err := stack.Session.SetCredential(ctx, tok.AccessToken); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
		record(ctx, stack, console.ActionLogin, nil)

		fmt.Printf("Logged in as '%s'. Credential saved to %s\n", username, stack.State.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		if !stack.Session.Authenticated() {
			fmt.Println("Not logged in.")
			return nil
		}
		stack.Session.ClearCredential(ctx)
		record(ctx, stack, console.ActionLogout, nil)
		fmt.Println("Logged out.")
		return nil
	},
}

// record writes an audit row; failures only warn
func record(ctx context.Context, stack *console.Stack, action string, cause error) {
	if _, err := stack.State.RecordAction(ctx, action, 0, cause); err != nil {
		fmt.Printf("Warning: audit write failed: %v\n", err)
	}
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Operator username")
	loginCmd.Flags().StringVarP(&password, "password", "p", "", "Operator password")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")
}
