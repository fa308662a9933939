package eventlog

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSMirror fans appended records out to NATS subjects of the form
// <prefix>.<scope-slug>.<kind>. Publishing is fire-and-forget; the log on
// disk stays the source of truth and an unreachable broker never blocks
// or fails an append.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSMirror connects to url and returns a mirror. An empty url
// disables mirroring (returns nil, nil).
func NewNATSMirror(url, prefix string) (*NATSMirror, error) {
	if url == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "quarterdeck"
	}
	conn, err := nats.Connect(url,
		nats.Name("quarterdeck-eventlog"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event mirror to NATS: %w", err)
	}
	return &NATSMirror{conn: conn, prefix: prefix}, nil
}

// Publish implements Publisher.
func (m *NATSMirror) Publish(scope, kind string, line []byte) {
	if m == nil || m.conn == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", m.prefix, scope, kind)
	if err := m.conn.Publish(subject, line); err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("Event mirror publish failed")
	}
}

// Close drains the connection.
func (m *NATSMirror) Close() {
	if m != nil && m.conn != nil {
		m.conn.Close()
	}
}
