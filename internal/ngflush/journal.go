package ngflush

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var journalPrefix = []byte("j:")

// journal is an append-only audit log of invalidations kept in LevelDB.
// Writes are queued to a single writer goroutine; nothing on the
// invalidation path reads it back.
type journal struct {
	db  *leveldb.DB
	max int
	log *zap.Logger

	seq atomic.Uint64

	mu     sync.Mutex
	count  int
	closed bool

	ops  chan JournalEntry
	done chan struct{}
}

func openJournal(path string, max int, log *zap.Logger) (*journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &journal{
		db:   db,
		max:  max,
		log:  log,
		ops:  make(chan JournalEntry, 1024),
		done: make(chan struct{}),
	}
	if err := j.loadCount(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go j.writerLoop()
	return j, nil
}

func (j *journal) loadCount() error {
	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	j.mu.Lock()
	j.count = n
	j.mu.Unlock()
	return nil
}

// Record queues e for writing. It never blocks the caller: when the queue is
// full the entry is dropped and logged. Entries recorded after close are
// dropped.
func (j *journal) Record(e JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.log.Debug("journal closed, dropping entry", zap.String("kind", e.Kind), zap.String("target", e.Target))
		return
	}
	select {
	case j.ops <- e:
	default:
		j.log.Warn("journal queue full, dropping entry", zap.String("kind", e.Kind), zap.String("target", e.Target))
	}
}

func (j *journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Recent returns up to n entries, newest first.
func (j *journal) Recent(n int) ([]JournalEntry, error) {
	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer it.Release()

	out := make([]JournalEntry, 0, n)
	for ok := it.Last(); ok && len(out) < n; ok = it.Prev() {
		var e JournalEntry
		if err := decodeGob(it.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// close waits for queued entries to be written, then closes the database.
func (j *journal) close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	_ = j.db.Close()
}

func (j *journal) writerLoop() {
	defer close(j.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for e := range j.ops {
		j.apply(e)
	}
}

func (j *journal) apply(e JournalEntry) {
	b, err := encodeGob(e)
	if err != nil {
		j.log.Error("journal encode", zap.Error(err))
		return
	}
	if err := j.db.Put(journalKey(e.At, j.seq.Add(1)), b, nil); err != nil {
		j.log.Error("journal write", zap.Error(err))
		return
	}

	j.mu.Lock()
	j.count++
	over := j.count > j.max
	j.mu.Unlock()

	if over {
		j.trim()
	}
}

// trim drops the oldest tenth of the journal.
func (j *journal) trim() {
	j.mu.Lock()
	n := j.count / 10
	j.mu.Unlock()
	if n < 1 {
		n = 1
	}

	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() && batch.Len() < n {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		j.log.Error("journal trim", zap.Error(err))
		return
	}
	if err := j.db.Write(batch, nil); err != nil {
		j.log.Error("journal trim", zap.Error(err))
		return
	}

	j.mu.Lock()
	j.count -= batch.Len()
	j.mu.Unlock()
}

// journalKey sorts chronologically: zero-padded timestamp, then a sequence
// number to separate entries recorded in the same nanosecond.
func journalKey(at int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("j:%020d:%020d", at, seq))
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
