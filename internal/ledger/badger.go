package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// #region badger-backend

const blockKeyPrefix = "block/"

// BadgerBackend stores each block as JSON under a zero-padded index key so
// key order equals chain order.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadgerBackend opens a Badger store at dir, or in memory when dir is empty.
func OpenBadgerBackend(dir string) (*BadgerBackend, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func blockKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockKeyPrefix, index))
}

// Write stores b unless a block already exists at b.Index.
func (s *BadgerBackend) Write(_ context.Context, b Block) error {
	value, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	key := blockKey(b.Index)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("block %d already exists", b.Index)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
}

// Last returns the block with the highest key.
func (s *BadgerBackend) Last(_ context.Context) (Block, bool, error) {
	var (
		b     Block
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(blockKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append([]byte(blockKeyPrefix), 0xff))
		if !it.ValidForPrefix(opts.Prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	if err != nil {
		return Block{}, false, fmt.Errorf("load last block: %w", err)
	}
	return b, found, nil
}

// Get returns the block at index.
func (s *BadgerBackend) Get(_ context.Context, index int64) (Block, error) {
	var b Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(index))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Block{}, fmt.Errorf("block %d: %w", index, ErrBlockNotFound)
	}
	if err != nil {
		return Block{}, fmt.Errorf("get block %d: %w", index, err)
	}
	return b, nil
}

// Scan iterates blocks in key order. Values are decoded inside the read
// transaction and fn runs after it closes.
func (s *BadgerBackend) Scan(ctx context.Context, fn func(Block) error) error {
	var blocks []Block
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blockKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var b Block
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			blocks = append(blocks, b)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan blocks: %w", err)
	}
	for _, b := range blocks {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the Badger store.
func (s *BadgerBackend) Close() error {
	return s.db.Close()
}

// #endregion badger-backend
