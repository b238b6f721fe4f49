package queue

import (
	"context"
	"fmt"
	"math"
)

// Trim deletes entries that every group has both read and acknowledged, and
// returns how many were removed. A stream without groups is left intact.
func (s *Stream) Trim(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.Groups()
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	floor := uint64(math.MaxUint64)
	for _, g := range groups {
		cur, err := s.db.Get(cursorKey(s.name, g))
		if err != nil {
			return 0, fmt.Errorf("read cursor: %w", err)
		}
		low := decodeSeq(cur)
		err = s.db.ScanPrefix(pelPrefix(s.name, g), func(k, _ []byte) bool {
			if seq := seqFromKey(k); seq-1 < low {
				low = seq - 1
			}
			return false
		})
		if err != nil {
			return 0, fmt.Errorf("scan pending: %w", err)
		}
		if low < floor {
			floor = low
		}
	}
	if floor == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	err = s.db.ScanPrefix(entryPrefix(s.name), func(k, _ []byte) bool {
		if seqFromKey(k) > floor {
			return false
		}
		if b.Delete(append([]byte(nil), k...), nil) == nil {
			n++
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scan entries: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit trim: %w", err)
	}
	return n, nil
}
