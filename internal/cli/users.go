package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastion-sh/bastion/internal/store"
)

// NewUsersCmd creates the 'users' command group for web UI accounts.
func NewUsersCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage operator accounts",
	}
	cmd.AddCommand(newUsersAddCmd(a), newUsersListCmd(a))
	return cmd
}

func newUsersAddCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "add <username>",
		Short: "Create an operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pass, err := readSecretInput("password: ")
			if err != nil {
				return err
			}
			if len(pass) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			confirm, err := readSecretInput("confirm: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return fmt.Errorf("passwords do not match")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			u := &store.User{
				ID:           uuid.NewString(),
				Username:     args[0],
				PasswordHash: string(hash),
				CreatedAt:    time.Now().Unix(),
			}
			if err := st.CreateUser(u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s created\n", u.Username)
			return nil
		},
	}
}

func newUsersListCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.ListUsers()
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "USERNAME\tID\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, shortID(u.ID), formatTS(u.CreatedAt))
			}
			return w.Flush()
		},
	}
}
