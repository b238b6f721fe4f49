package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

// PendingEntry tracks a delivered, unacknowledged entry.
type PendingEntry struct {
	ID             uint64 `json:"id"`
	Consumer       string `json:"consumer"`
	Deliveries     int    `json:"deliveries"`
	LastDeliveryMs int64  `json:"last_delivery_ms"`
	ExpiresAtMs    int64  `json:"expires_at_ms"`
}

// Consume delivers up to count entries to consumer. Pending entries whose
// visibility lease lapsed are redelivered first, then new entries follow the
// group cursor. When nothing is available it waits up to block for a publish;
// block <= 0 returns immediately. An empty result with a nil error means the
// wait timed out.
func (s *Stream) Consume(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	var deadline time.Time
	if block > 0 {
		deadline = s.now().Add(block)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := s.waitCh()
		msgs, err := s.deliver(ctx, group, consumer, count)
		if err != nil || len(msgs) > 0 || block <= 0 {
			return msgs, err
		}
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Stream) deliver(ctx context.Context, group, consumer string, count int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.groupExists(group)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s/%s: %w", s.name, group, ErrNoGroup)
	}

	now := s.now().UnixMilli()
	expires := now + s.visibility.Milliseconds()

	b := s.db.NewBatch()
	defer b.Close()

	if err := s.touchConsumer(b, group, consumer, now); err != nil {
		return nil, err
	}

	var msgs []Message

	// Redeliver lapsed pending entries.
	var lapsed []PendingEntry
	err = s.db.ScanPrefix(pelPrefix(s.name, group), func(_, v []byte) bool {
		var pe PendingEntry
		if json.Unmarshal(v, &pe) != nil {
			return true
		}
		if pe.ExpiresAtMs <= now {
			lapsed = append(lapsed, pe)
		}
		return len(lapsed) < count
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	for _, pe := range lapsed {
		raw, err := s.db.Get(entryKey(s.name, pe.ID))
		if err != nil {
			if pebblestore.IsNotFound(err) {
				_ = b.Delete(pelKey(s.name, group, pe.ID), nil)
				continue
			}
			return nil, fmt.Errorf("read entry: %w", err)
		}
		ts, payload, ok := decodeEntry(raw)
		if !ok {
			_ = b.Delete(pelKey(s.name, group, pe.ID), nil)
			continue
		}
		pe.Consumer = consumer
		pe.Deliveries++
		pe.LastDeliveryMs = now
		pe.ExpiresAtMs = expires
		if err := setPending(b, s.name, group, pe); err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{Stream: s.name, ID: pe.ID, Payload: payload, PublishedAt: time.UnixMilli(ts), Deliveries: pe.Deliveries})
	}

	// Then new entries after the cursor.
	if len(msgs) < count {
		cur, err := s.db.Get(cursorKey(s.name, group))
		if err != nil {
			return nil, fmt.Errorf("read cursor: %w", err)
		}
		cursor := decodeSeq(cur)
		if cursor < s.lastSeq {
			it, err := s.db.NewIter(&pebble.IterOptions{
				LowerBound: entryKey(s.name, cursor+1),
				UpperBound: pebblestore.PrefixEnd(entryPrefix(s.name)),
			})
			if err != nil {
				return nil, err
			}
			for valid := it.First(); valid && len(msgs) < count; valid = it.Next() {
				seq := seqFromKey(it.Key())
				cursor = seq
				ts, payload, ok := decodeEntry(it.Value())
				if !ok {
					continue
				}
				pe := PendingEntry{ID: seq, Consumer: consumer, Deliveries: 1, LastDeliveryMs: now, ExpiresAtMs: expires}
				if err := setPending(b, s.name, group, pe); err != nil {
					_ = it.Close()
					return nil, err
				}
				msgs = append(msgs, Message{Stream: s.name, ID: seq, Payload: payload, PublishedAt: time.UnixMilli(ts), Deliveries: 1})
			}
			if err := it.Close(); err != nil {
				return nil, err
			}
			if err := b.Set(cursorKey(s.name, group), encodeSeq(cursor), nil); err != nil {
				return nil, err
			}
		}
	}

	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("commit delivery: %w", err)
	}
	return msgs, nil
}

func setPending(b *pebble.Batch, stream, group string, pe PendingEntry) error {
	data, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	if err := b.Set(pelKey(stream, group, pe.ID), data, nil); err != nil {
		return fmt.Errorf("write pending: %w", err)
	}
	return nil
}

// Ack removes ids from the group's pending list and returns how many were
// pending. Acking an unknown id is not an error.
func (s *Stream) Ack(ctx context.Context, group string, ids ...uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for _, id := range ids {
		if _, err := s.db.Get(pelKey(s.name, group, id)); err != nil {
			if pebblestore.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		if err := b.Delete(pelKey(s.name, group, id), nil); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit ack: %w", err)
	}
	return n, nil
}

// Extend pushes the visibility lease of a pending entry held by consumer to
// now+d. It is the in-flight heartbeat for long-running handlers.
func (s *Stream) Extend(ctx context.Context, group, consumer string, id uint64, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(pelKey(s.name, group, id))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return ErrNotPending
		}
		return err
	}
	var pe PendingEntry
	if err := json.Unmarshal(raw, &pe); err != nil {
		return fmt.Errorf("unmarshal pending: %w", err)
	}
	if pe.Consumer != consumer {
		return ErrNotPending
	}
	now := s.now().UnixMilli()
	pe.ExpiresAtMs = now + d.Milliseconds()

	b := s.db.NewBatch()
	defer b.Close()
	if err := setPending(b, s.name, group, pe); err != nil {
		return err
	}
	if err := s.touchConsumer(b, group, consumer, now); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Pending lists the group's unacknowledged entries in id order.
func (s *Stream) Pending(ctx context.Context, group string) ([]PendingEntry, error) {
	var out []PendingEntry
	err := s.db.ScanPrefix(pelPrefix(s.name, group), func(_, v []byte) bool {
		var pe PendingEntry
		if json.Unmarshal(v, &pe) == nil {
			out = append(out, pe)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	return out, nil
}
