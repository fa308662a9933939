package atomicio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteFile(path, []byte("first")))
	require.NoError(t, WriteFile(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteFileLeavesNoTempDebris(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	require.NoError(t, WriteFile(path, []byte("{}")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "positions.json", entries[0].Name())
}

func TestWriteFileCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "cursor.json")
	require.NoError(t, WriteFile(path, []byte("{}")))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj.json")
	in := map[string]any{"symbol": "PFE", "qty": 0.1300791}

	require.NoError(t, WriteJSON(path, in))

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "PFE", out["symbol"])
	assert.InDelta(t, 0.1300791, out["qty"].(float64), 1e-9)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "\n"), "file should be newline terminated")
}

func TestReadJSONMissingFileIsNotExist(t *testing.T) {
	var out map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	assert.True(t, os.IsNotExist(err))
}

func TestStageCommitPublishes(t *testing.T) {
	dir := t.TempDir()
	positions := filepath.Join(dir, "open_positions.json")
	cursor := filepath.Join(dir, "reconciliation_cursor.json")

	sp, err := Stage(positions, []byte(`{"PFE":{}}`))
	require.NoError(t, err)
	sc, err := Stage(cursor, []byte(`{"last_seen_fill_id":"f1"}`))
	require.NoError(t, err)

	// Nothing visible until commit.
	_, statErr := os.Stat(positions)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, sp.Commit())
	require.NoError(t, sc.Commit())

	data, err := os.ReadFile(cursor)
	require.NoError(t, err)
	assert.Equal(t, `{"last_seen_fill_id":"f1"}`, string(data))
}

func TestStageAbortLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteFile(path, []byte("original")))

	s, err := Stage(path, []byte("replacement"))
	require.NoError(t, err)
	s.Abort()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp debris after abort")
}

func TestAppendLineTerminatesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	require.NoError(t, AppendLine(path, []byte(`{"a":1}`)))
	require.NoError(t, AppendLine(path, []byte(`{"b":2}`+"\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
}
