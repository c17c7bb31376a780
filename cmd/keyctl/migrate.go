package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keysync-service/internal/infra"
	"keysync-service/internal/repository"
	"keysync-service/internal/usecase"
	"keysync-service/migrations"
)

// migrateCmd はマイグレーション管理のコマンド群。
// 他のサブコマンドと異なり、APIを経由せず DATABASE_URL に直接接続する。
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the key sync service",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

// newMigrationService は DATABASE_URL に接続したMigrationServiceを返す。
// MIGRATIONS_DIR が設定されていればそのディレクトリ、なければバイナリに埋め込んだファイルを使う。
func newMigrationService() (*usecase.MigrationService, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(dsn, false)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var files fs.FS = migrations.FS
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), files, infra.RealClock{}), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := service.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending/modified)",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			statuses, err := service.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")

			for _, m := range statuses {
				appliedAt := "-"
				if m.AppliedAt != nil {
					appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, m.Status, appliedAt)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}
