package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	entryPrefix = []byte("q:")
	seqKey      = []byte("s:seq")
)

// LevelDBBackend stores entries in a leveldb directory.
// Keys are big-endian IDs, so iteration order is insertion order.
// A leveldb directory can only be opened by one process at a time.
type LevelDBBackend struct {
	db *leveldb.DB
	// serializes sequence allocation
	mu sync.Mutex
}

func NewLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeError("open", err)
	}
	return &LevelDBBackend{db: db}, nil
}

func entryKey(id uint64) []byte {
	k := make([]byte, len(entryPrefix)+8)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], id)
	return k
}

func entryID(key []byte) uint64 {
	return binary.BigEndian.Uint64(bytes.TrimPrefix(key, entryPrefix))
}

func (l *LevelDBBackend) lastID() (uint64, error) {
	b, err := l.db.Get(seqKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (l *LevelDBBackend) Append(ctx context.Context, e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, err := l.lastID()
	if err != nil {
		return 0, storeError("append", err)
	}
	e.ID = last + 1
	value, err := json.Marshal(e)
	if err != nil {
		return 0, storeError("append", err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, e.ID)

	batch := new(leveldb.Batch)
	batch.Put(entryKey(e.ID), value)
	batch.Put(seqKey, seq)
	if err := l.db.Write(batch, nil); err != nil {
		return 0, storeError("append", err)
	}
	return e.ID, nil
}

func (l *LevelDBBackend) All(ctx context.Context) ([]Entry, error) {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()

	entries := make([]Entry, 0)
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return entries, storeError("read", err)
		}
		e.ID = entryID(it.Key())
		entries = append(entries, e)
	}
	return entries, storeError("read", it.Error())
}

func (l *LevelDBBackend) Len(ctx context.Context) (int, error) {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, storeError("count", it.Error())
}

func (l *LevelDBBackend) deleteWhere(op string, keep func(id uint64) bool) error {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		if keep(entryID(it.Key())) {
			break
		}
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storeError(op, err)
	}
	return storeError(op, l.db.Write(batch, nil))
}

func (l *LevelDBBackend) DeleteThrough(ctx context.Context, id uint64) error {
	return l.deleteWhere("delete", func(entry uint64) bool { return entry > id })
}

// Clear removes every entry. The ID sequence is kept, IDs are never reused.
func (l *LevelDBBackend) Clear(ctx context.Context) error {
	return l.deleteWhere("clear", func(uint64) bool { return false })
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
