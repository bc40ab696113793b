// Package state persists streaming checkpoints so an interrupted run can
// resume where it stopped.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/dgraph-io/badger/v2"
)

// Checkpoint is the progress of one model/experiment identity.
type Checkpoint struct {
	Model string `json:"model"`
	Exp   string `json:"exp"`
	RunID string `json:"run_id"`
	// Marker is the start of the next extended window to stitch.
	Marker time.Time `json:"marker"`
	// Cursor is the exclusive end of the data already detected.
	Cursor    time.Time `json:"cursor"`
	Blocks    int       `json:"blocks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps checkpoints in a badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store in dir. An empty dir keeps the store in
// memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithTruncate(true).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("state: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(model, exp string) []byte {
	return []byte("checkpoint/" + model + "/" + exp)
}

// Load returns the checkpoint of an identity and whether one exists.
func (s *Store) Load(model, exp string) (Checkpoint, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(model, exp))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("state: load: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("state: decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// Save stores cp, stamping UpdatedAt.
func (s *Store) Save(cp Checkpoint) error {
	cp.UpdatedAt = domain.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("state: encode checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(cp.Model, cp.Exp), raw)
	})
}

// Delete removes the checkpoint of an identity.
func (s *Store) Delete(model, exp string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(model, exp))
	})
}
