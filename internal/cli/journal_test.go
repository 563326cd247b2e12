package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJournalCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewJournalCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestJournalText(t *testing.T) {
	db := seedDB(t)

	out, err := runJournalCommand(t, "text", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "tx=tx-users")
	assert.Contains(t, out, "tx=tx-articles")
	assert.Contains(t, out, "FOREIGN_KEY_CONSTRAINT  tx=tx-orphan")
	assert.Contains(t, out, "2 applied, 1 rejected")
}

func TestJournalFilterByTx(t *testing.T) {
	db := seedDB(t)

	out, err := runJournalCommand(t, "json", "--db", db, "--tx", "tx-orphan")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   JournalResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Entries, 1)
	e := resp.Data.Entries[0]
	assert.Equal(t, "articles", e.Collection)
	assert.Equal(t, "rejected", e.Status)
	assert.Equal(t, "FOREIGN_KEY_CONSTRAINT", string(e.Code))
	assert.Equal(t, 0, resp.Data.Applied)
	assert.Equal(t, 1, resp.Data.Rejected)
}

func TestJournalUnknownTx(t *testing.T) {
	db := seedDB(t)

	out, err := runJournalCommand(t, "text", "--db", db, "--tx", "nope")
	require.NoError(t, err)
	assert.Equal(t, "No journal entries.\n", out)
}

func TestJournalMissingDatabase(t *testing.T) {
	_, err := runJournalCommand(t, "text", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestJournalRejectsArgs(t *testing.T) {
	db := seedDB(t)

	_, err := runJournalCommand(t, "text", "--db", db, "extra")
	require.Error(t, err)
}
