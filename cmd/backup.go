package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/backup"
	cfgpkg "github.com/AvaProtocol/ap-userops/core/config"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
	"github.com/AvaProtocol/ap-userops/storage"
)

var (
	backupDir      string
	backupInterval time.Duration
	dbPath         string
	restoreFile    string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "back up the operation journal",
		Long: `Back up the badger journal to a directory.

Backups are stored as <dir>/yy-mm-dd-hh-mm-ss/journal.backup. The journal is
read from --db-path, or from db_path in the config file. With --interval the
command keeps running and takes a backup every interval until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBackup(ctx, cmd)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "restore the operation journal from a backup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, lgr, err := journalPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(path, 0755); err != nil {
				return fmt.Errorf("failed to create db directory: %w", err)
			}
			db, err := storage.NewWithPath(path)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := backup.Restore(cmd.Context(), db, restoreFile); err != nil {
				return err
			}
			lgr.Info("journal restored", "file", restoreFile, "db", path)
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s into %s\n", restoreFile, path)
			return nil
		},
	}
)

// journalPath prefers --db-path so backups work without a complete config.
func journalPath() (string, logger.Logger, error) {
	if dbPath != "" {
		lgr, err := logger.New("production")
		return dbPath, lgr, err
	}
	cfg, err := cfgpkg.NewConfig(config)
	if err != nil {
		return "", nil, err
	}
	if cfg.DbPath == "" {
		return "", nil, fmt.Errorf("no journal: pass --db-path or set db_path")
	}
	return cfg.DbPath, cfg.Logger, nil
}

func runBackup(ctx context.Context, cmd *cobra.Command) error {
	path, lgr, err := journalPath()
	if err != nil {
		return err
	}
	db, err := storage.NewWithPath(path)
	if err != nil {
		return fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	defer db.Close()

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	service := backup.NewService(lgr, db, backupDir)
	backupFile, err := service.PerformBackup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", backupFile)

	if backupInterval == 0 {
		return nil
	}
	if err := service.StartPeriodicBackup(backupInterval); err != nil {
		return err
	}
	<-ctx.Done()
	service.StopPeriodicBackup()
	return nil
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "journal directory, defaults to db_path from the config")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "directory to store backups")
	backupCmd.Flags().DurationVar(&backupInterval, "interval", 0, "keep running and back up at this interval, 0 for one backup")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "journal directory, defaults to db_path from the config")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore from (required)")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
