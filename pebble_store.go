package chatsync

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// PebbleStore
// ============================================================================

// PebbleStore is a TimelineStore on a local Pebble database. Keys are
//
//	m/<conversation>\x00<createdAt, 8 bytes big-endian><id>
//
// so a prefix scan returns a conversation in timeline order.
type PebbleStore struct {
	db *pebble.DB
}

var _ TimelineStore = (*PebbleStore)(nil)

// OpenPebbleStore opens or creates the database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func convBounds(id string) (lower, upper []byte) {
	lower = append([]byte("m/"+id), 0x00)
	upper = append([]byte("m/"+id), 0x01)
	return lower, upper
}

func messageKey(id string, m Message) []byte {
	lower, _ := convBounds(id)
	key := make([]byte, 0, len(lower)+8+len(m.ID))
	key = append(key, lower...)
	// Flip the sign bit so pre-epoch timestamps still sort first.
	key = binary.BigEndian.AppendUint64(key, uint64(m.CreatedAt.UnixNano())^(1<<63))
	return append(key, m.ID...)
}

func (s *PebbleStore) Put(_ context.Context, id string, msgs ...Message) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := b.Set(messageKey(id, m), data, nil); err != nil {
			return err
		}
	}
	// The cache is rebuilt from the server, so writes skip fsync.
	return b.Commit(pebble.NoSync)
}

func (s *PebbleStore) Replace(_ context.Context, id string, msgs []Message) error {
	lower, upper := convBounds(id)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := b.Set(messageKey(id, m), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

func (s *PebbleStore) Load(_ context.Context, id string, limit int) ([]Message, error) {
	lower, upper := convBounds(id)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Message
	for ok := it.Last(); ok; ok = it.Prev() {
		var m Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode %q: %w", it.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
