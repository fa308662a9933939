package ops

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
)

// DecisionTailer follows a scope's decision log and republishes records
// appended by other processes onto the hub. The log file is the only
// coupling between the execution gate and the ops server, so the
// websocket stream stays live even when signals are executed out of
// process. Frames carry the full envelope, scope included.
type DecisionTailer struct {
	path     string
	hub      *Hub
	interval time.Duration

	offset int64
}

// NewDecisionTailer creates a tailer over the given decision log.
// Interval defaults to one second.
func NewDecisionTailer(path string, hub *Hub, interval time.Duration) *DecisionTailer {
	if interval <= 0 {
		interval = time.Second
	}
	return &DecisionTailer{path: path, hub: hub, interval: interval}
}

// Run polls the log until ctx is cancelled. Only records appended after
// the tailer starts are streamed; history stays in the file.
func (t *DecisionTailer) Run(ctx context.Context) {
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drain()
		}
	}
}

func (t *DecisionTailer) drain() {
	info, err := os.Stat(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", t.path).Msg("Decision log unreadable")
		}
		t.offset = 0
		return
	}
	if info.Size() < t.offset {
		// Truncated or replaced; start over from the top.
		t.offset = 0
	}
	if info.Size() == t.offset {
		return
	}

	f, err := os.Open(t.path)
	if err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Failed to open decision log")
		return
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Failed to seek decision log")
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A trailing partial line stays unconsumed until the writer
			// finishes it.
			return
		}
		t.offset += int64(len(line))
		t.publish(bytes.TrimSpace(line))
	}
}

func (t *DecisionTailer) publish(line []byte) {
	if len(line) == 0 {
		return
	}
	var rec eventlog.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Skipping unparseable decision record")
		return
	}
	if err := rec.Accept(); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Refusing decision record")
		return
	}
	switch rec.Kind() {
	case eventlog.KindDecision, eventlog.KindScalingDecision:
		if err := t.hub.Broadcast(MessageTypeDecision, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to broadcast tailed decision")
		}
	}
}
