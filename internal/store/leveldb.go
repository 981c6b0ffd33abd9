package store

import (
	"bytes"
	"encoding/gob"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskMeta struct {
	Size       int64
	LastAccess int64 // unix nanoseconds
}

// diskOp is applied by the single writer goroutine. A non-nil ack is closed
// once every earlier op has been applied.
type diskOp struct {
	putKey string
	putEnt *Entry
	delKey string
	clear  bool
	ack    chan struct{}
}

// levelCache keeps entries in LevelDB under "e:<key>" with access metadata
// under "m:<key>". All writes go through writerLoop.
type levelCache struct {
	maxBytes int64
	log      zerolog.Logger

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func openLevelCache(path string, maxBytes int64, log zerolog.Logger) (*levelCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &levelCache{
		maxBytes: maxBytes,
		log:      log,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *levelCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *levelCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *levelCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

func (d *levelCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *levelCache) Close() error {
	close(d.ops)
	<-d.done
	return d.db.Close()
}

func (d *levelCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *levelCache) peek(key string) (Entry, bool) {
	b, err := d.db.Get(append(append([]byte{}, entryPrefix...), key...), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil || !ent.valid() {
		return Entry{}, false
	}
	return ent, true
}

func (d *levelCache) Get(key string) (Entry, bool) {
	ent, ok := d.peek(key)
	if !ok {
		return Entry{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.ops <- diskOp{putKey: key} // meta touch
	}
	return ent, true
}

func (d *levelCache) Put(key string, ent Entry) {
	clone := ent
	d.ops <- diskOp{putKey: key, putEnt: &clone}
}

// Delete returns once the writer has removed key, so reads that follow miss.
func (d *levelCache) Delete(key string) {
	ack := make(chan struct{})
	d.ops <- diskOp{delKey: key, ack: ack}
	<-ack
}

func (d *levelCache) Clear() error {
	ack := make(chan struct{})
	d.ops <- diskOp{clear: true, ack: ack}
	<-ack
	return nil
}

// Flush blocks until every queued write is applied.
func (d *levelCache) Flush() {
	ack := make(chan struct{})
	d.ops <- diskOp{ack: ack}
	<-ack
}

func (d *levelCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.clear:
			d.applyClear()
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putEnt)
		}
		if op.ack != nil {
			close(op.ack)
		}
	}
}

func (d *levelCache) applyPutOrTouch(key string, ent *Entry) {
	now := time.Now().UnixNano()

	d.mu.Lock()
	meta := d.index[key]
	d.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			d.log.Error().Err(err).Str("key", key).Msg("encode disk entry")
			return
		}
		size := int64(len(b))

		d.mu.Lock()
		old := d.index[key]
		if old.Size > 0 {
			d.totalSize -= old.Size
		}
		meta.Size = size
		meta.LastAccess = now
		d.index[key] = meta
		d.totalSize += size
		total := d.totalSize
		d.mu.Unlock()

		batch.Put([]byte("e:"+key), b)
		mb, _ := encodeGob(meta)
		batch.Put([]byte("m:"+key), mb)
		if err := d.db.Write(batch, nil); err != nil {
			d.log.Error().Err(err).Str("key", key).Msg("write disk entry")
		}

		if d.maxBytes > 0 && total > d.maxBytes {
			d.evictSome()
		}
		return
	}

	// touch only
	if meta.Size == 0 {
		return
	}
	meta.LastAccess = now
	d.mu.Lock()
	d.index[key] = meta
	d.mu.Unlock()
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	_ = d.db.Write(batch, nil)
}

func (d *levelCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

func (d *levelCache) applyClear() {
	for _, k := range d.Keys() {
		d.applyDelete(k)
	}
}

// evictSome drops the least recently used 10% of entries.
func (d *levelCache) evictSome() {
	type keyed struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]keyed, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, keyed{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	d.log.Debug().Int("entries", n).Int64("max", d.maxBytes).Msg("disk cache full, evicting")
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
