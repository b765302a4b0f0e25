package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/GethosTheWalrus/ollamacord/ollamacord"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const minAdminPasswordLength = 8

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var (
	customPasswordReader passwordReader
	resetAdmin           bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.DatabaseType == "" {
			return errors.New("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid connection string or sqlite file path)",
			)
		}

		db, err := ollamacord.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(os.Stdin.Fd()))
			}
		}
		out := cmd.OutOrStdout()
		if err = initAdmin(ctx, db, cmd.InOrStdin(), out, readPassword); err != nil {
			return err
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// initAdmin makes sure a RuntimeConfig row exists, then prompts for
// admin credentials if none are set (or --reset was given).
func initAdmin(
	ctx context.Context,
	db *gorm.DB,
	in io.Reader,
	out io.Writer,
	readPassword passwordReader,
) error {
	var runtimeConfig ollamacord.RuntimeConfig
	rv := db.WithContext(ctx).Last(&runtimeConfig)
	switch {
	case errors.Is(rv.Error, gorm.ErrRecordNotFound):
		runtimeConfig = ollamacord.DefaultRuntimeConfig()
		if err := db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
			return fmt.Errorf("error creating runtime config: %w", err)
		}
	case rv.Error != nil:
		return fmt.Errorf("error retrieving runtime config: %w", rv.Error)
	}

	if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" && !resetAdmin {
		fmt.Fprintln(out, "Admin credentials are already set.")
		return nil
	}
	fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

	reader := bufio.NewReader(in)
	var username string
	for username == "" {
		fmt.Fprint(out, "Enter admin username: ")
		line, err := reader.ReadString('\n')
		username = strings.TrimSpace(line)
		if err != nil && username == "" {
			return fmt.Errorf("error reading username: %w", err)
		}
	}

	var password string
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}

		password = string(passwordBytes)
		switch {
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		case len(password) < minAdminPasswordLength:
			fmt.Fprintf(
				out,
				"Password must be at least %d characters. Please try again.\n",
				minAdminPasswordLength,
			)
		default:
			hashed, err := ollamacord.HashPassword(password)
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			if err = db.WithContext(ctx).Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashed,
				},
			).Error; err != nil {
				return fmt.Errorf("error updating admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
			return nil
		}
	}
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(
		&resetAdmin,
		"reset",
		false,
		"Replace existing admin credentials",
	)
	rootCmd.AddCommand(initCmd)
}
