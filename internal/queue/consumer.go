package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

// ConsumerInfo describes a registered consumer of a group.
type ConsumerInfo struct {
	ID           string `json:"id"`
	RegisteredMs int64  `json:"registered_ms"`
	LastSeenMs   int64  `json:"last_seen_ms"`
	Pending      int    `json:"pending"`
}

// LastSeen returns the last time the consumer read or heartbeated.
func (c ConsumerInfo) LastSeen() time.Time { return time.UnixMilli(c.LastSeenMs) }

func (s *Stream) touchConsumer(b *pebble.Batch, group, consumer string, nowMs int64) error {
	info := ConsumerInfo{ID: consumer, RegisteredMs: nowMs}
	if raw, err := s.db.Get(consumerKey(s.name, group, consumer)); err == nil {
		// A corrupt record is rewritten from scratch.
		_ = json.Unmarshal(raw, &info)
	} else if !pebblestore.IsNotFound(err) {
		return fmt.Errorf("read consumer: %w", err)
	}
	info.LastSeenMs = nowMs
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal consumer: %w", err)
	}
	return b.Set(consumerKey(s.name, group, consumer), data, nil)
}

// RemoveConsumer unregisters consumer from group. Entries still pending for
// it become immediately available for redelivery to the rest of the group.
func (s *Stream) RemoveConsumer(ctx context.Context, group, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(consumerKey(s.name, group, consumer), nil); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	var released []PendingEntry
	err := s.db.ScanPrefix(pelPrefix(s.name, group), func(_, v []byte) bool {
		var pe PendingEntry
		if json.Unmarshal(v, &pe) == nil && pe.Consumer == consumer {
			released = append(released, pe)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("scan pending: %w", err)
	}
	for _, pe := range released {
		pe.ExpiresAtMs = now
		if err := setPending(b, s.name, group, pe); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit remove consumer: %w", err)
	}
	return nil
}

// Consumers lists the group's registered consumers with their pending counts.
func (s *Stream) Consumers(ctx context.Context, group string) ([]ConsumerInfo, error) {
	counts := map[string]int{}
	pending, err := s.Pending(ctx, group)
	if err != nil {
		return nil, err
	}
	for _, pe := range pending {
		counts[pe.Consumer]++
	}
	var out []ConsumerInfo
	err = s.db.ScanPrefix(consumerPrefix(s.name, group), func(_, v []byte) bool {
		var ci ConsumerInfo
		if json.Unmarshal(v, &ci) == nil {
			ci.Pending = counts[ci.ID]
			out = append(out, ci)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan consumers: %w", err)
	}
	return out, nil
}
