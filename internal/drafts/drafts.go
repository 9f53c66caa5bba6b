// Package drafts keeps content that could not be saved to the server so an
// editor can recover it on the next open.
package drafts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("drafts")

var ErrNotFound = errors.New("draft not found")

type Draft struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	SavedAt    time.Time `json:"savedAt"`
}

type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the draft database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create draft dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open drafts: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create drafts bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(documentID, content string) error {
	payload, err := json.Marshal(Draft{DocumentID: documentID, Content: content, SavedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(documentID), payload)
	})
}

func (s *Store) Get(documentID string) (Draft, error) {
	var draft Draft
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(documentID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &draft)
	})
	if err != nil {
		return Draft{}, err
	}
	return draft, nil
}

func (s *Store) Delete(documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(documentID))
	})
}

// List returns every kept draft in key order.
func (s *Store) List() ([]Draft, error) {
	var items []Draft
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, raw []byte) error {
			var draft Draft
			if err := json.Unmarshal(raw, &draft); err != nil {
				return err
			}
			items = append(items, draft)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
