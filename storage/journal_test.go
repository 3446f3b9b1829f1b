package storage

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) Storage {
	dir, err := os.MkdirTemp("", "apjournal")
	require.NoError(t, err)

	db, err := NewWithPath(dir)
	require.NoError(t, err)
	t.Cleanup(func() { Destroy(db.(*BadgerStorage)) })
	return db
}

func TestJournalRecordsInSubmissionOrder(t *testing.T) {
	j := NewJournal(testDB(t))
	session := NewSessionID()

	hashes := []string{
		"0xbb00000000000000000000000000000000000000000000000000000000000001",
		"0xaa00000000000000000000000000000000000000000000000000000000000002",
		"0x0100000000000000000000000000000000000000000000000000000000000003",
	}
	for i, h := range hashes {
		require.NoError(t, j.Record(&JournalEntry{
			Session:   session,
			Operation: []string{"deploy", "transfer", "sponsored"}[i],
			Hash:      h,
		}))
	}

	entries, err := j.Session(session)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, hashes[i], e.Hash)
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, StatusSubmitted, e.Status)
		assert.False(t, e.SubmittedAt.IsZero())
	}
}

func TestJournalResolve(t *testing.T) {
	j := NewJournal(testDB(t))
	hash := "0xAB00000000000000000000000000000000000000000000000000000000000001"

	require.NoError(t, j.Record(&JournalEntry{Session: NewSessionID(), Hash: hash, Operation: "transfer"}))
	require.NoError(t, j.Resolve(hash, StatusReverted, "12345", "0xdead", "AA23 reverted"))

	entry, err := j.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, entry.Status)
	assert.Equal(t, "12345", entry.GasCost)
	assert.Equal(t, "AA23 reverted", entry.Reason)
	assert.Equal(t, "transfer", entry.Operation)

	// lookups are case insensitive on the hash
	_, err = j.Get("0xab00000000000000000000000000000000000000000000000000000000000001")
	assert.NoError(t, err)
}

func TestJournalMissingEntry(t *testing.T) {
	j := NewJournal(testDB(t))

	_, err := j.Get("0x01")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, j.Resolve("0x01", StatusIncluded, "", "", ""), ErrNotFound)
}

func TestJournalRejectsIncompleteEntry(t *testing.T) {
	j := NewJournal(testDB(t))
	assert.Error(t, j.Record(&JournalEntry{Hash: "0x01"}))
	assert.Error(t, j.Record(&JournalEntry{Session: "s"}))
}

func TestJournalSessions(t *testing.T) {
	j := NewJournal(testDB(t))

	first, second := NewSessionID(), NewSessionID()
	require.NoError(t, j.Record(&JournalEntry{Session: first, Hash: "0x01"}))
	require.NoError(t, j.Record(&JournalEntry{Session: first, Hash: "0x02"}))
	require.NoError(t, j.Record(&JournalEntry{Session: second, Hash: "0x03"}))

	sessions, err := j.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, sessions)
}

func TestCounters(t *testing.T) {
	db := testDB(t)

	v, err := db.GetCounter([]byte("k"), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	v, err = db.IncCounter([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = db.IncCounter([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	found, err := db.Exist([]byte("k"))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = db.Exist([]byte("nope"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJournalSummary(t *testing.T) {
	j := NewJournal(testDB(t))

	first, second := NewSessionID(), NewSessionID()
	for i, h := range []string{"0x01", "0x02", "0x03", "0x04"} {
		session := first
		if i >= 2 {
			session = second
		}
		require.NoError(t, j.Record(&JournalEntry{Session: session, Hash: h, Operation: "transfer"}))
	}
	require.NoError(t, j.Resolve("0x01", StatusIncluded, "100", "0xaa", ""))
	require.NoError(t, j.Resolve("0x03", StatusReverted, "100", "0xbb", "out of gas"))
	require.NoError(t, j.Resolve("0x04", StatusPending, "", "", ""))

	summary, err := j.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sessions)
	assert.Equal(t, 4, summary.Total())
	assert.Equal(t, 1, summary.ByStatus[StatusIncluded])
	assert.Equal(t, 1, summary.ByStatus[StatusReverted])
	assert.Equal(t, 1, summary.ByStatus[StatusSubmitted])
	assert.Equal(t, 1, summary.ByStatus[StatusPending])

	require.Len(t, summary.Unresolved, 2)
	hashes := []string{summary.Unresolved[0].Hash, summary.Unresolved[1].Hash}
	assert.ElementsMatch(t, []string{"0x02", "0x04"}, hashes)
}

func TestBackupAndLoad(t *testing.T) {
	src := testDB(t)
	j := NewJournal(src)
	session := NewSessionID()
	require.NoError(t, j.Record(&JournalEntry{Session: session, Hash: "0xfeed", Operation: "deploy"}))

	var buf bytes.Buffer
	version, err := src.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)
	assert.NotZero(t, version)

	dst := testDB(t)
	require.NoError(t, dst.Load(context.Background(), &buf))

	entry, err := NewJournal(dst).Get("0xfeed")
	require.NoError(t, err)
	assert.Equal(t, session, entry.Session)

	sessions, err := NewJournal(dst).Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{session}, sessions)
}
