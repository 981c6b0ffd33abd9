package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"

	"cachewise/internal/metrics"
)

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

func ValidBackend(name string) bool {
	switch name {
	case BackendLevelDB, BackendSQLite, BackendMemory:
		return true
	}
	return false
}

// tier is a persistent layer below the RAM cache.
type tier interface {
	Get(key string) (Entry, bool)
	Put(key string, ent Entry)
	Delete(key string)
	HasKey(key string) bool
	Keys() []string
	KeyCount() int
	TotalSize() int64
	Clear() error
	Flush()
	Close() error
}

type Options struct {
	Dir         string
	Backend     string
	MaxBytes    int64
	MemoryBytes int64
	// StatsEvery enables a periodic stats log line and metrics refresh.
	StatsEvery time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// Store is a two tier response cache usable as an httpcache.Cache. Stores
// opened on the same directory and backend share one instance.
type Store struct {
	key  string
	refs int

	ram  *ramCache
	disk tier

	log         zerolog.Logger
	overflowLog zerolog.Logger
	stats       *statsCollector
	metrics     *metrics.Collector

	// promoteMu orders disk reads that promote into RAM against deletes.
	promoteMu sync.RWMutex

	closeMu sync.RWMutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ httpcache.Cache = (*Store)(nil)

var (
	openMu sync.Mutex
	opened = map[string]*Store{}
)

func Open(opts Options) (*Store, error) {
	if opts.Backend == "" {
		opts.Backend = BackendLevelDB
	}
	if !ValidBackend(opts.Backend) {
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
	if opts.Backend == BackendMemory {
		return newStore("", opts, nil), nil
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	key := opts.Backend + ":" + dir

	openMu.Lock()
	defer openMu.Unlock()
	if s, ok := opened[key]; ok {
		s.refs++
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	log := opts.Logger.With().Str("backend", opts.Backend).Str("dir", dir).Logger()

	var disk tier
	switch opts.Backend {
	case BackendLevelDB:
		disk, err = openLevelCache(filepath.Join(dir, "leveldb"), opts.MaxBytes, log)
	case BackendSQLite:
		disk, err = openSQLiteCache(filepath.Join(dir, "cache.db"), opts.MaxBytes, log)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", opts.Backend, err)
	}

	s := newStore(key, opts, disk)
	opened[key] = s
	log.Debug().Int("entries", disk.KeyCount()).Msg("cache store opened")
	return s, nil
}

func newStore(key string, opts Options, disk tier) *Store {
	s := &Store{
		key:         key,
		refs:        1,
		ram:         newRAMCache(opts.MemoryBytes),
		disk:        disk,
		log:         opts.Logger,
		overflowLog: newRateLimitedLogger(opts.Logger, time.Minute),
		stats:       newStatsCollector(),
		metrics:     opts.Metrics,
		stopCh:      make(chan struct{}),
	}
	if opts.StatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(opts.StatsEvery)
		}()
	}
	return s
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, false
	}
	if ent, ok := s.ram.Get(key); ok {
		return ent.Data, true
	}
	if s.disk == nil {
		return nil, false
	}
	s.promoteMu.RLock()
	defer s.promoteMu.RUnlock()
	ent, ok := s.disk.Get(key)
	if !ok {
		return nil, false
	}
	s.ram.Put(key, ent, s.disk, s.overflowLog)
	return ent.Data, true
}

func (s *Store) Set(key string, data []byte) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	ent := newEntry(data, time.Now().Unix())
	if s.disk == nil && !s.ram.fits(ent) {
		s.overflowLog.Warn().Str("key", key).Int("bytes", len(data)).Msg("response larger than the memory cache, not stored")
		return
	}
	s.stats.Observe(len(data))
	s.ram.Put(key, ent, s.disk, s.overflowLog)
	if s.disk != nil {
		s.disk.Put(key, ent)
	}
}

func (s *Store) Delete(key string) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	if s.disk == nil {
		s.ram.Delete(key)
		return
	}
	// Disk first, so a concurrent Get cannot copy the entry back into RAM
	// from a tier that still holds it.
	s.promoteMu.Lock()
	defer s.promoteMu.Unlock()
	s.disk.Delete(key)
	s.ram.Delete(key)
}

// Keys returns every cached key in both tiers, sorted.
func (s *Store) Keys() []string {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	m := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		m[k] = struct{}{}
	}
	if s.disk != nil && !s.closed {
		for _, k := range s.disk.Keys() {
			m[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Clear() error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	s.ram.Clear()
	if s.disk == nil || s.closed {
		return nil
	}
	return s.disk.Clear()
}

// Flush waits for pending disk writes.
func (s *Store) Flush() {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.disk != nil && !s.closed {
		s.disk.Flush()
	}
}

func (s *Store) Stats() Stats {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	st := Stats{RAMBytes: s.ram.TotalSize()}
	ramKeys := s.ram.Keys()
	if s.disk == nil || s.closed {
		st.Entries = len(ramKeys)
	} else {
		st.DiskBytes = s.disk.TotalSize()
		intersect := 0
		for _, k := range ramKeys {
			if s.disk.HasKey(k) {
				intersect++
			}
		}
		st.Entries = len(ramKeys) + s.disk.KeyCount() - intersect
	}
	s.stats.fill(&st)
	return st
}

func (s *Store) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			st := s.Stats()
			s.metrics.RecordStore(st.RAMBytes, st.DiskBytes, st.Entries)
			s.log.Info().Msg(st.String())
		}
	}
}

// Close releases this reference. The last reference closes the disk tier.
func (s *Store) Close() error {
	if s.key != "" {
		openMu.Lock()
		s.refs--
		last := s.refs <= 0
		if last {
			delete(opened, s.key)
		}
		openMu.Unlock()
		if !last {
			return nil
		}
	}

	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}
