// Package eventlog provides the append-only JSONL sinks used for
// decisions, fills, governance events, and regime runs. Records carry a
// schema_version envelope; readers tolerate unknown trailing fields and
// refuse records missing required ones.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
)

// SchemaVersion is stamped on every record this process writes. Readers
// accept any record sharing the same major version.
const SchemaVersion = "1.0.0"

var currentSchema = semver.MustParse(SchemaVersion)

// Record kinds written by the control plane. Bounded set; new kinds are
// additive.
const (
	KindDecision        = "execution_decision"
	KindScalingDecision = "scaling_decision"
	KindFill            = "fill"
	KindTrade           = "trade"
	KindError           = "error"
	KindDailySummary    = "daily_summary"
	KindAdvisorCall     = "advisor_call"
	KindGovernance      = "governance_event"
	KindUniverse        = "universe_decision"
	KindScoring         = "universe_scoring"
	KindRegimeRun       = "regime_run"
	KindRegimeChange    = "regime_transition"
	KindTaskRun         = "task_run"
)

// Sink is a single-writer append-only JSONL log. One Sink instance owns
// one file within a process; appends are serialized by the internal
// mutex and flushed through atomicio.
type Sink struct {
	path  string
	scope string

	mu     sync.Mutex
	mirror Publisher
	now    func() time.Time
}

// Publisher mirrors appended records to an out-of-process audience. The
// mirror is best-effort: failures are logged and never surface to the
// appender.
type Publisher interface {
	Publish(scope, kind string, line []byte)
}

// Option customizes a Sink.
type Option func(*Sink)

// WithMirror attaches a fan-out publisher (e.g. the NATS mirror).
func WithMirror(p Publisher) Option {
	return func(s *Sink) { s.mirror = p }
}

// WithClock injects the timestamp source. Tests use this to pin record
// times.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// NewSink creates a sink writing to path on behalf of the given scope.
func NewSink(path, scopeSlug string, opts ...Option) *Sink {
	s := &Sink{path: path, scope: scopeSlug, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the underlying log file path.
func (s *Sink) Path() string { return s.path }

// Append stamps the envelope onto payload and writes one record. Payload
// must marshal to a JSON object; envelope keys win on collision.
func (s *Sink) Append(kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}

	record := map[string]any{}
	if err := json.Unmarshal(body, &record); err != nil {
		return fmt.Errorf("%s event payload must be a JSON object: %w", kind, err)
	}
	record["schema_version"] = SchemaVersion
	record["kind"] = kind
	record["ts"] = s.now().UTC().Format(time.RFC3339)
	record["scope"] = s.scope

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicio.AppendLine(s.path, line); err != nil {
		return err
	}
	if s.mirror != nil {
		s.mirror.Publish(s.scope, kind, line)
	}
	return nil
}

// Record is one parsed log line.
type Record map[string]any

// Kind returns the record kind, empty if absent.
func (r Record) Kind() string {
	k, _ := r["kind"].(string)
	return k
}

// requiredEnvelope are the fields a reader demands before accepting a
// record.
var requiredEnvelope = []string{"schema_version", "kind", "ts"}

// Accept validates the envelope. Unknown trailing fields are fine;
// records missing required fields or written by an incompatible major
// schema version are refused.
func (r Record) Accept() error {
	for _, field := range requiredEnvelope {
		if _, ok := r[field]; !ok {
			return fmt.Errorf("record missing required field %q", field)
		}
	}
	raw, _ := r["schema_version"].(string)
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("record has invalid schema_version %q: %w", raw, err)
	}
	if v.Major() != currentSchema.Major() {
		return fmt.Errorf("record schema_version %s incompatible with %s", raw, SchemaVersion)
	}
	return nil
}

// ReadAll reads every acceptable record from a JSONL file. Unreadable or
// refused lines are skipped and counted; a missing file yields no
// records and no error.
func ReadAll(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			log.Warn().Err(err).Str("path", path).Msg("Skipping unparseable log record")
			continue
		}
		if err := r.Accept(); err != nil {
			skipped++
			log.Warn().Err(err).Str("path", path).Msg("Refusing log record")
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("failed while reading log %s: %w", path, err)
	}
	return records, skipped, nil
}

// Tail returns up to n most recent acceptable records.
func Tail(path string, n int) ([]Record, error) {
	records, _, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}
