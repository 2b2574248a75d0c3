package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"locallibrary/internal/auth"
)

func newCreateUserCmd(a *app) *cobra.Command {
	var (
		in    auth.CreateAccountInput
		perms []string
	)
	cmd := &cobra.Command{
		Use:   "createuser",
		Short: "Create an account, optionally with staff rights and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range perms {
				p, err := auth.ParsePermission(name)
				if err != nil {
					return err
				}
				in.Permissions = append(in.Permissions, p)
			}

			ctx := cmd.Context()
			store, closeStore, err := a.openBackend(ctx, true)
			if err != nil {
				return err
			}
			defer closeStore()

			account, err := auth.NewService(store, a.authConfig(), a.logger).CreateAccount(ctx, in)
			if err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", account.Username, account.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Username, "username", "", "login name")
	f.StringVar(&in.Password, "password", "", "password")
	f.StringVar(&in.Email, "email", "", "email address")
	f.BoolVar(&in.IsStaff, "staff", false, "grant access to staff pages")
	f.BoolVar(&in.IsSuperuser, "superuser", false, "grant every permission")
	f.StringSliceVar(&perms, "permission", nil, "permission to grant, repeatable (e.g. can_mark_returned)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
