package refs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/hupe1980/merkledb/node"
)

// BadgerTracker persists root references in a Badger key/value store. Every
// advance appends a version record; the head pointer is updated in the same
// transaction, which gives the compare-and-set semantics.
//
// Layout:
//
//	refs/<name>/head        -> 8-byte big-endian latest sequence
//	refs/<name>/v/<seq BE>  -> JSON-encoded Version
type BadgerTracker struct {
	db *badger.DB
}

// NewBadgerTracker wraps an open Badger database. The caller owns the
// database lifecycle.
func NewBadgerTracker(db *badger.DB) *BadgerTracker {
	return &BadgerTracker{db: db}
}

// OpenBadgerTracker opens (or creates) a Badger database at dir and wraps
// it. Close releases it.
func OpenBadgerTracker(dir string) (*BadgerTracker, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerTracker{db: db}, nil
}

// Close closes the underlying database.
func (t *BadgerTracker) Close() error {
	return t.db.Close()
}

func headKey(name string) []byte {
	return []byte("refs/" + name + "/head")
}

func versionKey(name string, seq int64) []byte {
	k := append([]byte("refs/"+name+"/v/"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(k[len(k)-8:], uint64(seq))
	return k
}

func versionPrefix(name string) []byte {
	return []byte("refs/" + name + "/v/")
}

// latest reads the newest version within a transaction. seq 0 means the
// name was never advanced.
func latest(txn *badger.Txn, name string) (Version, error) {
	item, err := txn.Get(headKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	var seq int64
	if err := item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("refs: corrupt head pointer for %q", name)
		}
		seq = int64(binary.BigEndian.Uint64(val))
		return nil
	}); err != nil {
		return Version{}, err
	}

	item, err = txn.Get(versionKey(name, seq))
	if err != nil {
		return Version{}, err
	}
	var v Version
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	}); err != nil {
		return Version{}, err
	}
	return v, nil
}

func (t *BadgerTracker) Current(ctx context.Context, name string) (node.Digest, bool, error) {
	if err := ctx.Err(); err != nil {
		return node.Digest{}, false, err
	}
	var (
		root node.Digest
		ok   bool
	)
	err := t.db.View(func(txn *badger.Txn) error {
		v, err := latest(txn, name)
		if err != nil {
			return err
		}
		if v.Seq > 0 {
			root, ok = v.Root, true
		}
		return nil
	})
	return root, ok, err
}

func (t *BadgerTracker) Advance(ctx context.Context, name string, old, new node.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		head, err := latest(txn, name)
		if err != nil {
			return err
		}
		if head.Root != old {
			return fmt.Errorf("%w: %q is at %s, not %s", ErrConcurrentAdvance, name, head.Root, old)
		}

		next := Version{Seq: head.Seq + 1, Root: new, Time: time.Now().UTC()}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(name, next.Seq), encoded); err != nil {
			return err
		}
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], uint64(next.Seq))
		return txn.Set(headKey(name), seqBuf[:])
	})
}

func (t *BadgerTracker) History(ctx context.Context, name string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Version
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = versionPrefix(name)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v Version
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return out, nil
}
