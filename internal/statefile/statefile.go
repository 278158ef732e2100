// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statefile persists the registration state the CLI needs to
// decide create-vs-update on repeat invocations against the same
// workflow and network: a small badger-backed key-value store standing
// in for the plain `.rhiza-state-<workflow>-<network>` file, so writes
// survive a crash mid-write instead of leaving a half-written JSON file.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// State is the registration record read at startup to decide whether
// to create a new rhiza/collection or update an existing one.
type State struct {
	RhizaID      string `json:"rhiza_id"`
	CollectionID string `json:"collection_id"`
	Version      int    `json:"version"`
}

const stateKey = "state"

// Store wraps a badger database holding exactly one State record,
// scoped to one workflow+network pair by the directory Open was given.
type Store struct {
	db *badger.DB
}

// Path returns the on-disk directory name for a given workflow label
// and network, matching the plain-file naming convention this store
// replaces: `.rhiza-state-<workflow>-<network>`.
func Path(workflow, network string) string {
	return fmt.Sprintf(".rhiza-state-%s-%s", workflow, network)
}

// Open opens (creating if absent) the badger store at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("statefile: create directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).WithSyncWrites(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("statefile: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the persisted State, and false if no state has been
// written yet (the caller should register as a fresh create).
func (s *Store) Read() (State, bool, error) {
	var st State
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return State{}, false, fmt.Errorf("statefile: read: %w", err)
	}
	return st, found, nil
}

// Write persists st, overwriting whatever state was there before.
func (s *Store) Write(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statefile: marshal state: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
	if err != nil {
		return fmt.Errorf("statefile: write: %w", err)
	}
	return nil
}
