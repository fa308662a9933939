package ops

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/gate"
)

// dialStream connects a websocket client to a running ops server.
func dialStream(t *testing.T, h *opsHarness) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(h.server.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/decisions"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return h.server.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func TestDecisionStreamFansOut(t *testing.T) {
	h := newOpsHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.Hub().Run(ctx)

	conn := dialStream(t, h)

	h.server.Hub().Decision(gate.Decision{
		Action:     "ENTRY",
		Symbol:     "PFE",
		Side:       "buy",
		Qty:        40,
		SignalDate: "2026-02-03",
		Outcome:    gate.OutcomeExecuted,
	})

	msg := readFrame(t, conn)
	assert.Equal(t, MessageTypeDecision, msg.Type)

	var d gate.Decision
	require.NoError(t, json.Unmarshal(msg.Data, &d))
	assert.Equal(t, "PFE", d.Symbol)
	assert.Equal(t, gate.OutcomeExecuted, d.Outcome)
}

func TestDecisionStreamAnswersPing(t *testing.T) {
	h := newOpsHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.Hub().Run(ctx)

	conn := dialStream(t, h)

	require.NoError(t, conn.WriteJSON(Message{
		Type:      MessageTypePing,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{}`),
	}))

	msg := readFrame(t, conn)
	assert.Equal(t, MessageTypePong, msg.Type)
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	h := newOpsHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	go h.server.Hub().Run(ctx)

	conn := dialStream(t, h)

	cancel()
	require.Eventually(t, func() bool {
		return h.server.Hub().ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the hub closes the connection on shutdown")
}

func TestDecisionNeverBlocksWithoutRunningHub(t *testing.T) {
	hub := NewHub()

	// No Run loop is draining broadcast; once the queue fills, further
	// decisions must drop instead of stalling the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Decision(gate.Decision{Action: "ENTRY", Symbol: "PFE", Outcome: gate.OutcomeRejected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("decision sink blocked with no hub consumer")
	}
}
