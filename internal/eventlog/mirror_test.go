package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	return ns
}

func TestNATSMirrorPublishesRecords(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	mirror, err := NewNATSMirror(ns.ClientURL(), "testdeck.events")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	defer mirror.Close()

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("testdeck.events.paper-stub-crypto-global.fill", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink := NewSink(filepath.Join(t.TempDir(), "log.jsonl"), "paper-stub-crypto-global",
		WithMirror(mirror), WithClock(fixedClock))
	require.NoError(t, sink.Append(KindFill, map[string]any{"fill_id": "f-123"}))

	select {
	case msg := <-received:
		assert.Contains(t, string(msg.Data), `"fill_id":"f-123"`)
	case <-time.After(2 * time.Second):
		t.Fatal("mirror message not received")
	}
}

func TestNATSMirrorDisabledWithoutURL(t *testing.T) {
	mirror, err := NewNATSMirror("", "prefix")
	require.NoError(t, err)
	assert.Nil(t, mirror)

	// A nil mirror must be safe to publish through.
	mirror.Publish("scope", "kind", []byte("{}"))
}
