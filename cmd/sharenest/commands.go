package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sharenest/internal/db"
	"sharenest/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			conn, err := server.OpenDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer conn.Close()

			if err := db.RunMigrations(conn); err != nil {
				return err
			}
			version, dirty, err := db.Version(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and exhausted files once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			app, err := openBackends(cmd.Context(), log, false)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.server().RunCleanup(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Failed() > 0 {
				return fmt.Errorf("%d of %d deletions failed", report.Failed(), report.Total())
			}
			return nil
		},
	}
}

func newObjectsCmd() *cobra.Command {
	var orphans bool
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "List objects in the bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			app, err := openBackends(cmd.Context(), log, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var entries []server.ObjectEntry
			if orphans {
				entries, err = server.FindOrphans(cmd.Context(), app.repo, app.store)
			} else {
				entries, err = app.store.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			log.Info("objects_listed", zap.Int("count", len(entries)), zap.Bool("orphans", orphans))
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&orphans, "orphans", false, "only list objects no file row references")
	return cmd
}

func newUseraddCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "useradd USERNAME",
		Short: "Create an admin panel account, reading the password from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			conn, err := server.OpenDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer conn.Close()
			if err := db.RunMigrations(conn); err != nil {
				return err
			}

			u, err := server.CreateUser(cmd.Context(), server.NewPGRepository(conn), args[0], password, admin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", true, "grant admin rights")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash of the password read from stdin, for SHARENEST_ADMIN_PASS",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := server.HashSecret(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
