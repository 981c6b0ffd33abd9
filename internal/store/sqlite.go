package store

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// sqliteCache is the alternative disk tier: one row per entry, writes
// serialized by writeMutex.
type sqliteCache struct {
	db         *sql.DB
	writeMutex sync.Mutex
	maxBytes   int64
	log        zerolog.Logger
}

func openSQLiteCache(filename string, maxBytes int64, log zerolog.Logger) (*sqliteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			stored_at INTEGER,
			last_access INTEGER,
			hash INTEGER,
			size INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS last_access_idx ON entries (last_access)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &sqliteCache{db: db, maxBytes: maxBytes, log: log}, nil
}

func (s *sqliteCache) Get(key string) (Entry, bool) {
	var ent Entry
	var hash int64
	err := s.db.QueryRow("SELECT stored_at, hash, bytes FROM entries WHERE key = ?", key).
		Scan(&ent.StoredAt, &hash, &ent.Data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("key", key).Msg("read sqlite entry")
		}
		return Entry{}, false
	}
	ent.Hash32 = uint32(hash)
	if !ent.valid() {
		return Entry{}, false
	}

	s.writeMutex.Lock()
	_, _ = s.db.Exec("UPDATE entries SET last_access = ? WHERE key = ?", time.Now().UnixNano(), key)
	s.writeMutex.Unlock()
	return ent, true
}

func (s *sqliteCache) Put(key string, ent Entry) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO entries
		(key, stored_at, last_access, hash, size, bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		key, ent.StoredAt, time.Now().UnixNano(), int64(ent.Hash32), ent.size(), ent.Data)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("write sqlite entry")
		return
	}
	if s.maxBytes > 0 && s.totalSizeLocked() > s.maxBytes {
		s.evictSomeLocked()
	}
}

func (s *sqliteCache) Delete(key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, _ = s.db.Exec("DELETE FROM entries WHERE key = ?", key)
}

func (s *sqliteCache) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries")
	return err
}

func (s *sqliteCache) HasKey(key string) bool {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE key = ?", key).Scan(&n)
	return err == nil && n > 0
}

func (s *sqliteCache) Keys() []string {
	rows, err := s.db.Query("SELECT key FROM entries")
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return out
		}
		out = append(out, k)
	}
	return out
}

func (s *sqliteCache) KeyCount() int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n)
	return n
}

func (s *sqliteCache) TotalSize() int64 {
	return s.totalSizeLocked()
}

func (s *sqliteCache) totalSizeLocked() int64 {
	var total int64
	_ = s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM entries").Scan(&total)
	return total
}

// evictSomeLocked drops the least recently used 10% of entries.
func (s *sqliteCache) evictSomeLocked() {
	n := s.KeyCount() / 10
	if n < 1 {
		n = 1
	}
	_, err := s.db.Exec(
		"DELETE FROM entries WHERE key IN (SELECT key FROM entries ORDER BY last_access ASC LIMIT ?)", n)
	if err != nil {
		s.log.Error().Err(err).Msg("evict sqlite entries")
		return
	}
	s.log.Debug().Int("entries", n).Int64("max", s.maxBytes).Msg("disk cache full, evicting")
}

func (s *sqliteCache) Flush() {}

func (s *sqliteCache) Close() error {
	return s.db.Close()
}
