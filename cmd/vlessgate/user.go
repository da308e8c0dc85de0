package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/util"
)

const dateLayout = "2006-01-02 15:04"

func newUserCommand(globals *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user directory",
	}
	cmd.AddCommand(
		newUserAddCommand(globals),
		newUserRemoveCommand(globals),
		newUserListCommand(globals),
	)
	return cmd
}

// openStore loads the directory named by the configuration.
func openStore(globals *globalOptions) (*directory.Store, error) {
	cfg, err := config.Load(globals.configPath)
	if err != nil {
		return nil, err
	}
	return directory.Open(cfg.UsersFile)
}

func newUserAddCommand(globals *globalOptions) *cobra.Command {
	var (
		days    int
		expires string
	)

	cmd := &cobra.Command{
		Use:   "add <uuid> <email>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expiresAt, err := expiryFrom(time.Now(), days, expires)
			if err != nil {
				return err
			}

			store, err := openStore(globals)
			if err != nil {
				return err
			}

			a, err := store.Add(directory.Account{
				ID:        args[0],
				Email:     args[1],
				ExpiresAt: expiresAt,
			})
			if err != nil {
				return err
			}
			util.LogSuccess("added %s (%s), expires %s", a.ID, a.Email, a.ExpiresAt.Format(dateLayout))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "validity in days from now")
	cmd.Flags().StringVar(&expires, "expires", "", "absolute expiry (RFC 3339), overrides --days")
	return cmd
}

// expiryFrom resolves the --days/--expires pair.
func expiryFrom(now time.Time, days int, expires string) (time.Time, error) {
	if expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --expires: %w", err)
		}
		return t, nil
	}
	if days < 1 {
		return time.Time{}, errors.New("--days must be at least 1")
	}
	return now.AddDate(0, 0, days), nil
}

func newUserRemoveCommand(globals *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uuid>",
		Short: "Remove a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(globals)
			if err != nil {
				return err
			}
			removed, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("user %s not found", args[0])
			}
			util.LogSuccess("removed %s", args[0])
			return nil
		},
	}
}

func newUserListCommand(globals *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(globals)
			if err != nil {
				return err
			}
			return pterm.DefaultTable.
				WithHasHeader().
				WithData(userTable(store.List(), time.Now())).
				Render()
		},
	}
}

// userTable renders accounts as table rows, header first.
func userTable(accounts []directory.Account, now time.Time) pterm.TableData {
	rows := pterm.TableData{{"UUID", "Email", "Created", "Expires", "Status"}}
	for _, a := range accounts {
		status := "active"
		if !a.ValidAt(now) {
			status = "expired"
		}
		rows = append(rows, []string{
			a.ID,
			a.Email,
			a.CreatedAt.Format(dateLayout),
			a.ExpiresAt.Format(dateLayout),
			status,
		})
	}
	return rows
}
