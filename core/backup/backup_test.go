package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/storage"
)

func TestPeriodicBackupLifecycle(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	service := NewService(testutil.GetLogger(), db, t.TempDir())

	require.NoError(t, service.StartPeriodicBackup(time.Hour))
	assert.True(t, service.Running())
	assert.Error(t, service.StartPeriodicBackup(time.Hour), "starting twice")

	service.StopPeriodicBackup()
	assert.False(t, service.Running())

	// stopping an idle service is a no-op
	service.StopPeriodicBackup()
}

func TestStartRejectsZeroInterval(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	service := NewService(testutil.GetLogger(), db, t.TempDir())
	assert.Error(t, service.StartPeriodicBackup(0))
	assert.False(t, service.Running())
}

func TestBackupThenRestore(t *testing.T) {
	src := testutil.TestMustDB()
	defer storage.Destroy(src.(*storage.BadgerStorage))

	session := storage.NewSessionID()
	hash := "0x00000000000000000000000000000000000000000000000000000000000000aa"
	require.NoError(t, storage.NewJournal(src).Record(&storage.JournalEntry{
		Session:   session,
		Operation: "deploy",
		Hash:      hash,
	}))

	dir := t.TempDir()
	service := NewService(testutil.GetLogger(), src, dir)
	service.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC) }

	backupFile, err := service.PerformBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "26-03-01-12-30-15", "journal.backup"), backupFile)
	info, err := os.Stat(backupFile)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	dst := testutil.TestMustDB()
	defer storage.Destroy(dst.(*storage.BadgerStorage))
	require.NoError(t, Restore(context.Background(), dst, backupFile))

	entry, err := storage.NewJournal(dst).Get(hash)
	require.NoError(t, err)
	assert.Equal(t, session, entry.Session)
	assert.Equal(t, storage.StatusSubmitted, entry.Status)
}

func TestRestoreMissingFile(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	err := Restore(context.Background(), db, filepath.Join(t.TempDir(), "nope"))
	assert.ErrorContains(t, err, "failed to open backup file")
}
