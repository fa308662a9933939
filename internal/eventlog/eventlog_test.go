package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 2, 5, 20, 55, 55, 0, time.UTC)
}

func TestAppendStampsEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink := NewSink(path, "paper-stub-crypto-global", WithClock(fixedClock))

	err := sink.Append(KindDecision, map[string]any{"symbol": "BTC-USD", "outcome": "accept"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, SchemaVersion, rec["schema_version"])
	assert.Equal(t, KindDecision, rec["kind"])
	assert.Equal(t, "2026-02-05T20:55:55Z", rec["ts"])
	assert.Equal(t, "paper-stub-crypto-global", rec["scope"])
	assert.Equal(t, "BTC-USD", rec["symbol"])
}

func TestAppendRejectsNonObjectPayload(t *testing.T) {
	sink := NewSink(filepath.Join(t.TempDir(), "x.jsonl"), "s")
	err := sink.Append(KindDecision, []string{"not", "an", "object"})
	assert.Error(t, err)
}

func TestReadAllSkipsBadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	lines := []string{
		`{"schema_version":"1.0.0","kind":"fill","ts":"2026-02-05T20:55:55Z","fill_id":"f1"}`,
		`not json at all`,
		`{"kind":"fill","ts":"2026-02-05T20:55:55Z"}`,                                           // missing schema_version
		`{"schema_version":"2.0.0","kind":"fill","ts":"2026-02-05T20:55:55Z"}`,                  // incompatible major
		`{"schema_version":"1.4.2","kind":"fill","ts":"2026-02-05T20:55:56Z","extra":"field"}`, // newer minor: accepted
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	records, skipped, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, "f1", records[0]["fill_id"])
	assert.Equal(t, "field", records[1]["extra"])
}

func TestReadAllMissingFile(t *testing.T) {
	records, skipped, err := ReadAll(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Zero(t, skipped)
}

func TestTailReturnsMostRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	sink := NewSink(path, "s", WithClock(fixedClock))
	for _, sym := range []string{"A", "B", "C", "D"} {
		require.NoError(t, sink.Append(KindFill, map[string]any{"symbol": sym}))
	}

	recent, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "C", recent[0]["symbol"])
	assert.Equal(t, "D", recent[1]["symbol"])
}

type captivePublisher struct {
	scopes []string
	kinds  []string
	lines  [][]byte
}

func (c *captivePublisher) Publish(scope, kind string, line []byte) {
	c.scopes = append(c.scopes, scope)
	c.kinds = append(c.kinds, kind)
	c.lines = append(c.lines, line)
}

func TestMirrorReceivesAppendedLine(t *testing.T) {
	pub := &captivePublisher{}
	sink := NewSink(filepath.Join(t.TempDir(), "log.jsonl"), "live-kraken-crypto-global",
		WithMirror(pub), WithClock(fixedClock))

	require.NoError(t, sink.Append(KindTrade, map[string]any{"symbol": "ETH-USD"}))

	require.Len(t, pub.lines, 1)
	assert.Equal(t, "live-kraken-crypto-global", pub.scopes[0])
	assert.Equal(t, KindTrade, pub.kinds[0])
	assert.Contains(t, string(pub.lines[0]), `"symbol":"ETH-USD"`)
}
