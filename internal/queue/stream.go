package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

var (
	// ErrNoGroup is returned when consuming from a group that was never created.
	ErrNoGroup = errors.New("queue: consumer group does not exist")
	// ErrNotPending is returned by Extend for an entry that is not pending for
	// the caller (acked, reclaimed by another consumer, or never delivered).
	ErrNotPending = errors.New("queue: entry not pending for consumer")
)

// DefaultVisibilityTimeout is how long a delivered entry stays invisible to
// other consumers before it is redelivered.
const DefaultVisibilityTimeout = 30 * time.Second

// Message is one delivery of a stream entry to a consumer.
type Message struct {
	Stream      string
	ID          uint64
	Payload     []byte
	PublishedAt time.Time
	// Deliveries counts how many times the entry was handed out in this group,
	// including this one.
	Deliveries int
}

// Options tunes a Stream.
type Options struct {
	VisibilityTimeout time.Duration
	// Now overrides the time source.
	Now func() time.Time
}

// Stream is a durable, append-only sequence of entries read through consumer
// groups. Every group sees every entry; consumers within a group compete.
// Delivered entries remain pending until acknowledged and are redelivered
// once their visibility lease lapses.
type Stream struct {
	db         *pebblestore.DB
	name       string
	visibility time.Duration
	now        func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// Open loads (or initializes) the stream called name.
func Open(db *pebblestore.DB, name string, opts Options) (*Stream, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: empty stream name")
	}
	s := &Stream{
		db:         db,
		name:       name,
		visibility: opts.VisibilityTimeout,
		now:        opts.Now,
		notifyCh:   make(chan struct{}),
	}
	if s.visibility <= 0 {
		s.visibility = DefaultVisibilityTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	meta, err := db.Get(metaKey(name))
	switch {
	case err == nil:
		s.lastSeq = decodeSeq(meta)
	case pebblestore.IsNotFound(err):
	default:
		return nil, fmt.Errorf("read stream meta: %w", err)
	}
	return s, nil
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Publish appends payload and returns its id.
func (s *Stream) Publish(ctx context.Context, payload []byte) (uint64, error) {
	ids, err := s.PublishBatch(ctx, [][]byte{payload})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// PublishBatch appends payloads atomically.
func (s *Stream) PublishBatch(ctx context.Context, payloads [][]byte) ([]uint64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	nowMs := s.now().UnixMilli()
	seq := s.lastSeq
	ids := make([]uint64, len(payloads))
	for i, p := range payloads {
		seq++
		if err := b.Set(entryKey(s.name, seq), encodeEntry(nowMs, p), nil); err != nil {
			return nil, fmt.Errorf("write entry: %w", err)
		}
		ids[i] = seq
	}
	if err := b.Set(metaKey(s.name), encodeSeq(seq), nil); err != nil {
		return nil, fmt.Errorf("write stream meta: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	s.lastSeq = seq

	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	return ids, nil
}

// LastID returns the id of the newest entry, or 0 when empty.
func (s *Stream) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// CreateGroup registers group starting at the head of the stream, so entries
// published before any worker came up are still delivered. Creating an
// existing group is not an error.
func (s *Stream) CreateGroup(ctx context.Context, group string) error {
	return s.createGroup(ctx, group, true)
}

// CreateGroupAtTail is CreateGroup for a group that only sees entries
// published from now on.
func (s *Stream) CreateGroupAtTail(ctx context.Context, group string) error {
	return s.createGroup(ctx, group, false)
}

func (s *Stream) createGroup(ctx context.Context, group string, fromStart bool) error {
	if group == "" {
		return fmt.Errorf("queue: empty group name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.groupExists(group)
	if err != nil || exists {
		return err
	}
	cursor := s.lastSeq
	if fromStart {
		cursor = 0
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(groupMarkerKey(s.name, group), nil, nil); err != nil {
		return err
	}
	if err := b.Set(cursorKey(s.name, group), encodeSeq(cursor), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}
	return nil
}

// Groups lists the stream's consumer groups.
func (s *Stream) Groups() ([]string, error) {
	prefix := groupsPrefix(s.name)
	var out []string
	err := s.db.ScanPrefix(prefix, func(k, _ []byte) bool {
		out = append(out, string(k[len(prefix):]))
		return true
	})
	return out, err
}

func (s *Stream) groupExists(group string) (bool, error) {
	_, err := s.db.Get(groupMarkerKey(s.name, group))
	if err == nil {
		return true, nil
	}
	if pebblestore.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// waitCh returns a channel closed on the next publish.
func (s *Stream) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}
