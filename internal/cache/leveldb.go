package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBCache implements CacheBackend on an embedded LevelDB database.
// Values are stored as an 8-byte big-endian expiry (unix nanos, 0 = never)
// followed by the payload.
type LevelDBCache struct {
	db *leveldb.DB
}

// NewLevelDBCache opens (or creates) the database at path
func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBCache{db: db}, nil
}

func encodeRecord(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func decodeRecord(raw []byte) ([]byte, time.Time, bool) {
	if len(raw) < 8 {
		return nil, time.Time{}, false
	}
	var expiresAt time.Time
	if nanos := binary.BigEndian.Uint64(raw[:8]); nanos != 0 {
		expiresAt = time.Unix(0, int64(nanos))
	}
	return raw[8:], expiresAt, true
}

func (l *LevelDBCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, l.wrap(err)
	}
	value, expiresAt, ok := decodeRecord(raw)
	if !ok {
		return nil, false, fmt.Errorf("corrupt record %q", key)
	}
	if expired(expiresAt, time.Now()) {
		_ = l.db.Delete([]byte(key), nil)
		return nil, false, nil
	}
	return value, true, nil
}

// Set writes synchronously so a record survives a crash right after the call
func (l *LevelDBCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return l.wrap(l.db.Put([]byte(key), encodeRecord(value, expiry(ttl)), &opt.WriteOptions{Sync: true}))
}

func (l *LevelDBCache) Delete(ctx context.Context, key string) error {
	return l.wrap(l.db.Delete([]byte(key), &opt.WriteOptions{Sync: true}))
}

func (l *LevelDBCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for _, key := range keys {
		value, found, err := l.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			result[key] = value
		}
	}
	return result, nil
}

func (l *LevelDBCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	now := time.Now()
	var keys []string
	for iter.Next() {
		_, expiresAt, ok := decodeRecord(iter.Value())
		if !ok || expired(expiresAt, now) {
			continue
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, l.wrap(err)
	}
	return keys, nil
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}

func (l *LevelDBCache) wrap(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}
