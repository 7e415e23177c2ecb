package sentinel

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/agent-sentinel/internal/event"
)

// AuditRow is one columnar audit-log entry: team_id,
// timestamp, agent, tokens, credits, wall_time_ms, tool, verdict.
type AuditRow struct {
	TeamID     string
	Timestamp  time.Time
	Agent      string
	Tokens     int64
	Credits    int64
	WallTimeMS int64
	Tool       string
	Verdict    string
}

// AuditSink persists sentinel decisions. Exactly one implementation is
// chosen per deployment via the AUDIT_SINK env var.
type AuditSink interface {
	Record(row AuditRow) error
	Close() error
}

var auditHeader = []string{"team_id", "timestamp", "agent", "tokens", "credits", "wall_time_ms", "tool", "verdict"}

// CSVAuditSink appends RFC-4180-quoted rows to a file, safe for concurrent
// use from many Track callers.
type CSVAuditSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVAuditSink opens (creating if necessary) path for append and writes
// a header row if the file is new.
func NewCSVAuditSink(path string) (*CSVAuditSink, error) {
	info, statErr := os.Stat(path)
	isNew := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sentinel: open audit csv: %w", err)
	}
	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(auditHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("sentinel: write audit csv header: %w", err)
		}
		w.Flush()
	}
	return &CSVAuditSink{file: f, writer: w}, nil
}

// Record implements AuditSink.
func (s *CSVAuditSink) Record(row AuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := []string{
		row.TeamID,
		row.Timestamp.UTC().Format(time.RFC3339Nano),
		row.Agent,
		strconv.FormatInt(row.Tokens, 10),
		strconv.FormatInt(row.Credits, 10),
		strconv.FormatInt(row.WallTimeMS, 10),
		row.Tool,
		row.Verdict,
	}
	if err := s.writer.Write(record); err != nil {
		return fmt.Errorf("sentinel: write audit row: %w", err)
	}
	s.writer.Flush()
	return s.writer.Error()
}

// Close implements AuditSink.
func (s *CSVAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	return s.file.Close()
}

// topicPublisher is the minimal surface TopicAuditSink needs from the bus,
// avoiding a sentinel -> bus import cycle (bus does not depend on
// sentinel, but keeping the dependency one-directional and narrow here
// keeps the two packages independently testable).
type topicPublisher interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) error
}

// TopicAuditSink publishes each audit row as a checkpoint-typed envelope
// on a dedicated topic — the "streaming variant... preferred for
// production and the only variant required to be concurrency-safe"
//.
type TopicAuditSink struct {
	bus   topicPublisher
	topic string
	clock *event.Clock
}

// NewTopicAuditSink builds a sink that publishes to topic on bus.
func NewTopicAuditSink(bus topicPublisher, topic string) *TopicAuditSink {
	return &TopicAuditSink{bus: bus, topic: topic, clock: event.NewClock()}
}

// Record implements AuditSink.
func (s *TopicAuditSink) Record(row AuditRow) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("sentinel: marshal audit row: %w", err)
	}
	payload := event.NewOpaquePayload(event.TypeCheckpoint, "audit_row", raw)
	env, err := event.New(s.clock, event.TypeCheckpoint, "sentinel", payload, event.Meta{
		SessionID:   row.TeamID,
		CreditsUsed: int(row.Credits),
	}, nil)
	if err != nil {
		return fmt.Errorf("sentinel: build audit envelope: %w", err)
	}
	return s.bus.Publish(context.Background(), s.topic, env)
}

// Close implements AuditSink; the bus itself owns lifecycle, so this is a
// no-op.
func (s *TopicAuditSink) Close() error { return nil }

// NewAuditSink builds an AuditSink from the AUDIT_SINK configuration
// string ("csv:<path>" or "topic:<name>").
func NewAuditSink(spec string, bus topicPublisher) (AuditSink, error) {
	switch {
	case strings.HasPrefix(spec, "csv:"):
		return NewCSVAuditSink(strings.TrimPrefix(spec, "csv:"))
	case strings.HasPrefix(spec, "topic:"):
		if bus == nil {
			return nil, fmt.Errorf("sentinel: topic audit sink requires a bus")
		}
		return NewTopicAuditSink(bus, strings.TrimPrefix(spec, "topic:")), nil
	default:
		return nil, fmt.Errorf("sentinel: unrecognized AUDIT_SINK %q", spec)
	}
}
