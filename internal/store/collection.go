// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Filter selects records. A nil Filter matches everything.
type Filter[T any] func(*T) bool

// Patch mutates a matched record in place.
type Patch[T any] func(*T)

// Collection is a typed set of JSON records sharing a key prefix.
type Collection[T any] struct {
	store  *Store
	name   string
	prefix []byte
	id     func(*T) string
}

// NewCollection returns the collection name in s. id extracts a record's
// primary key, which must be stable across updates.
func NewCollection[T any](s *Store, name string, id func(*T) string) *Collection[T] {
	return &Collection[T]{
		store:  s,
		name:   name,
		prefix: []byte(name + "/"),
		id:     id,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) key(id string) []byte {
	return append(append([]byte(nil), c.prefix...), id...)
}

// Insert stores v. It fails with ErrExists when the ID is taken.
func (c *Collection[T]) Insert(ctx context.Context, v *T) error {
	id := c.id(v)
	if id == "" {
		return fmt.Errorf("%s: %w", c.name, ErrMissingID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", c.name, err)
	}
	key := c.key(id)
	return c.store.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%s/%s: %w", c.name, id, ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Update applies patch to every record matching filter and returns how
// many changed. All matches are written in one transaction.
func (c *Collection[T]) Update(ctx context.Context, filter Filter[T], patch Patch[T]) (int, error) {
	var n int
	err := c.store.update(ctx, func(txn *badger.Txn) error {
		n = 0
		matches, err := c.scan(ctx, txn, filter)
		if err != nil {
			return err
		}
		for i := range matches {
			before := c.id(&matches[i])
			patch(&matches[i])
			if c.id(&matches[i]) != before {
				return fmt.Errorf("%s/%s: patch changed the record id", c.name, before)
			}
			data, err := json.Marshal(&matches[i])
			if err != nil {
				return fmt.Errorf("marshal %s record: %w", c.name, err)
			}
			if err := txn.Set(c.key(before), data); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Find returns every record matching filter in key order.
func (c *Collection[T]) Find(ctx context.Context, filter Filter[T]) ([]T, error) {
	var out []T
	err := c.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = c.scan(ctx, txn, filter)
		return err
	})
	return out, err
}

// Delete removes every record matching filter and returns how many went.
func (c *Collection[T]) Delete(ctx context.Context, filter Filter[T]) (int, error) {
	var n int
	err := c.store.update(ctx, func(txn *badger.Txn) error {
		n = 0
		matches, err := c.scan(ctx, txn, filter)
		if err != nil {
			return err
		}
		for i := range matches {
			if err := txn.Delete(c.key(c.id(&matches[i]))); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// scan decodes matching records. The iterator is closed before the caller
// writes within the same transaction.
func (c *Collection[T]) scan(ctx context.Context, txn *badger.Txn, filter Filter[T]) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = c.prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if filter == nil || filter(&v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// FindOne returns the single record matching filter, or false.
func FindOne[T any](ctx context.Context, c *Collection[T], filter Filter[T]) (*T, bool, error) {
	found, err := c.Find(ctx, filter)
	if err != nil || len(found) == 0 {
		return nil, false, err
	}
	return &found[0], true, nil
}
