// Package store persists the dispatcher's lifecycle audit log in BoltDB.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Event is one audit log entry for an agent lifecycle transition.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// Store wraps a BoltDB database for dispatcher persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures the
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one lifecycle event.
// Key format: "{user}::{RFC3339Nano}" for chronological ordering per user.
func (s *Store) Append(user, event, detail string) error {
	e := Event{
		Timestamp: time.Now().UTC(),
		User:      user,
		Event:     event,
		Detail:    detail,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		key := []byte(fmt.Sprintf("%s::%s", user, e.Timestamp.Format(time.RFC3339Nano)))
		return b.Put(key, data)
	})
}

// EventsFor returns the events recorded for one user, oldest first. A limit
// of 0 returns everything.
func (s *Store) EventsFor(user string, limit int) ([]Event, error) {
	var events []Event
	prefix := []byte(user + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// DeleteFor drops the audit trail of a removed user.
func (s *Store) DeleteFor(user string) error {
	prefix := []byte(user + "::")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
