package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-userops/pkg/logger"
	"github.com/AvaProtocol/ap-userops/storage"
)

const backupFileName = "journal.backup"

// Service snapshots the operation journal into timestamped directories
// under backupDir, once or on a schedule.
type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string

	mu        sync.Mutex
	scheduler gocron.Scheduler
	now       func() time.Time
}

func NewService(lgr logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.Component(lgr, "backup"),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return fmt.Errorf("backup service already running")
	}
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %v", interval)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if backupFile, err := s.PerformBackup(context.Background()); err != nil {
				s.logger.Error("periodic backup failed", "error", err)
			} else {
				s.logger.Info("periodic backup completed", "file", backupFile)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to schedule backup: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	s.logger.Info("started periodic backup", "interval", interval.String(), "dir", s.backupDir)
	return nil
}

func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("backup scheduler did not shut down cleanly", "error", err)
	}
	s.scheduler = nil
	s.logger.Info("stopped periodic backup")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// PerformBackup writes a full backup to <backupDir>/<yy-mm-dd-hh-mm-ss>/journal.backup
// and returns the file path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.backupDir, s.now().Format("06-01-02-15-04-05"))
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	s.logger.Debug("running backup", "file", backupFile, "db", s.db.DbPath())
	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to flush backup file: %w", err)
	}
	return backupFile, nil
}

// Restore loads a backup file produced by PerformBackup into the database.
func Restore(ctx context.Context, db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	return nil
}
