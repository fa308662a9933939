package ops

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/gate"
)

// newTailHub wires a running hub with one fake client whose send channel
// the test reads directly, skipping the websocket layer.
func newTailHub(t *testing.T) (*Hub, *Client) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 16)}
	select {
	case hub.register <- client:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept registration")
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return hub, client
}

func recvFrame(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case raw := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Message{}
	}
}

func expectNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case raw := <-client.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDecisionTailerStreamsOnlyNewRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink := eventlog.NewSink(path, "paper-stub-us_equities-us")
	require.NoError(t, sink.Append(eventlog.KindDecision, gate.Decision{
		Action: "ENTRY", Symbol: "KO", Side: "buy", Outcome: gate.OutcomeRejected, ReasonCode: "DRY_RUN",
	}))

	hub, client := newTailHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tailer := NewDecisionTailer(path, hub, 10*time.Millisecond)
	go tailer.Run(ctx)

	// Give the tailer a beat to record the starting offset, then append.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sink.Append(eventlog.KindDecision, gate.Decision{
		Action: "ENTRY", Symbol: "PFE", Side: "buy", Qty: 40, Outcome: gate.OutcomeExecuted,
	}))

	msg := recvFrame(t, client)
	assert.Equal(t, MessageTypeDecision, msg.Type)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &rec))
	assert.Equal(t, "PFE", rec["symbol"], "history from before start must not stream")
	assert.Equal(t, "execution_decision", rec["kind"])
	assert.Equal(t, "paper-stub-us_equities-us", rec["scope"])
}

func TestDecisionTailerFiltersForeignKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink := eventlog.NewSink(path, "paper-stub-us_equities-us")
	hub, client := newTailHub(t)

	tailer := NewDecisionTailer(path, hub, time.Second)

	require.NoError(t, sink.Append(eventlog.KindError, eventlog.ErrorEvent{Component: "gate", Message: "boom"}))
	require.NoError(t, sink.Append(eventlog.KindScalingDecision, map[string]interface{}{"symbol": "KO", "action": "SCALE"}))
	tailer.drain()

	msg := recvFrame(t, client)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &rec))
	assert.Equal(t, "scaling_decision", rec["kind"])
	expectNoFrame(t, client)
}

func TestDecisionTailerWaitsForCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	hub, client := newTailHub(t)
	tailer := NewDecisionTailer(path, hub, time.Second)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	partial := `{"schema_version":"1.0.0","kind":"execution_decision","ts":"2026-03-10T12:00:00Z","scope":"s","symbol":"MRK"`
	_, err = f.WriteString(partial)
	require.NoError(t, err)

	tailer.drain()
	expectNoFrame(t, client)

	_, err = f.WriteString("}\n")
	require.NoError(t, err)

	tailer.drain()
	msg := recvFrame(t, client)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &rec))
	assert.Equal(t, "MRK", rec["symbol"])
}

func TestDecisionTailerResetsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink := eventlog.NewSink(path, "paper-stub-us_equities-us")
	hub, client := newTailHub(t)
	tailer := NewDecisionTailer(path, hub, time.Second)

	require.NoError(t, sink.Append(eventlog.KindDecision, gate.Decision{Symbol: "KO", Outcome: gate.OutcomeBlocked}))
	require.NoError(t, sink.Append(eventlog.KindDecision, gate.Decision{Symbol: "KO", Outcome: gate.OutcomeBlocked}))
	tailer.drain()
	recvFrame(t, client)
	recvFrame(t, client)

	require.NoError(t, os.Truncate(path, 0))
	require.NoError(t, sink.Append(eventlog.KindDecision, gate.Decision{Symbol: "JNJ", Outcome: gate.OutcomeExecuted}))

	tailer.drain()
	msg := recvFrame(t, client)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &rec))
	assert.Equal(t, "JNJ", rec["symbol"])
}
