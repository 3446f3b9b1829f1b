package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/storage"
)

func seedJournal(t *testing.T, path string, unresolved int) {
	db, err := storage.NewWithPath(path)
	require.NoError(t, err)
	defer db.Close()

	j := storage.NewJournal(db)
	session := storage.NewSessionID()
	require.NoError(t, j.Record(&storage.JournalEntry{Session: session, Hash: "0x01", Operation: "deploy"}))
	require.NoError(t, j.Resolve("0x01", storage.StatusIncluded, "1", "0xaa", ""))
	for i := 0; i < unresolved; i++ {
		require.NoError(t, j.Record(&storage.JournalEntry{
			Session:   session,
			Hash:      fmt.Sprintf("0x1%02d", i),
			Operation: "transfer",
		}))
	}
}

func runStatus(t *testing.T, path string) string {
	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	statusCmd.SetErr(&buf)
	defer func() {
		statusCmd.SetOut(nil)
		statusCmd.SetErr(nil)
		dbPath = ""
	}()

	dbPath = path
	require.NoError(t, statusCmd.RunE(statusCmd, nil))
	return buf.String()
}

func TestStatusCommand(t *testing.T) {
	tests := []struct {
		name           string
		unresolved     int
		expectedOutput []string
	}{
		{
			name:       "everything resolved",
			unresolved: 0,
			expectedOutput: []string{
				"📊 Journal Status Report",
				"Included:  1",
				"Every journaled operation has a receipt",
			},
		},
		{
			name:       "unresolved operations are listed",
			unresolved: 2,
			expectedOutput: []string{
				"Submitted: 2",
				"⏳ Unresolved:",
				"1. 0x100 transfer (submitted",
				"--refresh",
			},
		},
		{
			name:       "long lists are cut",
			unresolved: 12,
			expectedOutput: []string{
				"Total:     13",
				"... and 2 more",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := t.TempDir()
			seedJournal(t, path, tt.unresolved)

			output := runStatus(t, path)
			for _, expected := range tt.expectedOutput {
				assert.Contains(t, output, expected)
			}
		})
	}
}

func TestStatusCommandEmptyJournal(t *testing.T) {
	output := runStatus(t, t.TempDir())

	assert.Contains(t, output, "No operations journaled yet")
	assert.NotContains(t, output, "⏳ Unresolved")
}

func TestStatusCommandFormatting(t *testing.T) {
	path := t.TempDir()
	seedJournal(t, path, 1)
	output := runStatus(t, path)

	hasReport, hasNextSteps := false, false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "📊 Journal Status Report") {
			hasReport = true
		}
		if strings.Contains(line, "💡 Next steps") {
			hasNextSteps = true
		}
	}
	assert.True(t, hasReport, "should contain the report header")
	assert.True(t, hasNextSteps, "should contain the next steps section")
}

func TestStatusCommandHelp(t *testing.T) {
	assert.Equal(t, "status", statusCmd.Use)
	assert.Equal(t, "Display journal status", statusCmd.Short)
	assert.NotNil(t, statusCmd.RunE)
}
