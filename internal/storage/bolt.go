package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("storage: not found")

const (
	bucketConversations = "conversations"
	bucketResponses     = "responses"
)

type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketConversations, bucketResponses} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveConversation(_ context.Context, conversationID string, data []byte) error {
	return s.put(bucketConversations, conversationID, data)
}

func (s *BoltStore) LoadConversation(_ context.Context, conversationID string) ([]byte, error) {
	return s.get(bucketConversations, conversationID)
}

// ListConversationIDs returns ids in descending key order. Conversation ids
// are time-ordered, so this is newest first.
func (s *BoltStore) ListConversationIDs(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]string, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketConversations)).Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveResponse(_ context.Context, responseID string, data []byte) error {
	return s.put(bucketResponses, responseID, data)
}

func (s *BoltStore) LoadResponse(_ context.Context, responseID string) ([]byte, error) {
	return s.get(bucketResponses, responseID)
}

func (s *BoltStore) put(bucket, key string, data []byte) error {
	if key == "" {
		return errors.New("storage: empty key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}
