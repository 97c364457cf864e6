package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamPrefix prefixes the per-run Redis stream key.
const DefaultStreamPrefix = "duet:run:"

// RedisSink appends events to a Redis stream per run so out-of-process
// observers can follow a session with XREAD.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisSink creates a sink on client. maxLen bounds each stream
// (approximate trimming); zero keeps everything.
func NewRedisSink(client redis.UniversalClient, prefix string, maxLen int64) *RedisSink {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

// StreamKey returns the stream holding runID's events.
func (s *RedisSink) StreamKey(runID string) string { return s.prefix + runID }

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.StreamKey(ev.RunID),
		Values: map[string]any{
			"kind": string(ev.Kind),
			"turn": strconv.Itoa(ev.Turn),
			"data": string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Read returns every event stored for runID, oldest first.
func (s *RedisSink) Read(ctx context.Context, runID string) ([]Event, error) {
	msgs, err := s.client.XRange(ctx, s.StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.StreamKey(runID), err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			return out, fmt.Errorf("stream entry %s without data", m.ID)
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return out, fmt.Errorf("stream entry %s: %w", m.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisSink) Close() error { return s.client.Close() }
