package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	return cmd
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			// Open migrates on its way in.
			st, err := sqlite.Open(cfg.DBPath, quietLogger())
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			defer st.Close()

			v, dirty, err := st.MigrateVersion()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			slog.Info("migration complete", "version", v, "dirty", dirty)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version without migrating",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			st, err := sqlite.OpenRaw(cfg.DBPath, quietLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			v, dirty, err := st.MigrateVersion()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (recovers a dirty database)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			cfg := config.Load()
			st, err := sqlite.OpenRaw(cfg.DBPath, quietLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.MigrateForce(version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced version", "version", version)
			return nil
		},
	}
}
