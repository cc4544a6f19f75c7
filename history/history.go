// Package history keeps the local per-group call log.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/panyeroa1/realtime-orbit/internal/types"
)

const msgPrefix = "msg/"

// Store is a badger-backed message log. Messages are keyed by group and
// send time so iteration returns conversation order.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the log at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one conversational message.
func (s *Store) Append(msg types.Message) error {
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messageKey(msg)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages for the group, oldest first.
func (s *Store) Recent(groupID string, limit int) ([]types.Message, error) {
	prefix := []byte(msgPrefix + groupID + "/")

	var msgs []types.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the prefix range end.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg types.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("unmarshal message: %w", err)
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DropGroup deletes a group's log, used when the group is removed.
func (s *Store) DropGroup(groupID string) error {
	prefix := []byte(msgPrefix + groupID + "/")
	return s.db.DropPrefix(prefix)
}

func messageKey(msg types.Message) []byte {
	return fmt.Appendf(nil, "%s%s/%020d/%s", msgPrefix, msg.GroupID, msg.SentAt, msg.ClientMessageID)
}
