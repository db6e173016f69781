// Package store provides the job store, the in-memory set of scheduled job records mirrored to disk.
// Mutations update the index and return immediately, the file is rewritten by a background worker
// once enough mutations are collected. On open the store reads the file once and drops non-durable
// records left from a previous boot session.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobstore/app/atomicfile"
	"github.com/umputun/jobstore/app/clock"
	"github.com/umputun/jobstore/app/codec"
	"github.com/umputun/jobstore/app/index"
	"github.com/umputun/jobstore/app/job"
)

//go:generate moq -out mocks/marker.go -pkg mocks -skip-ensure -fmt goimports . Marker

// DefaultFileName is the store file name inside Options.Location
const DefaultFileName = "jobs.xml"

// ErrClosed returned by Sync on closed store
var ErrClosed = errors.New("store closed")

// Marker flags non-durable jobs created in the current boot session.
// Marks must survive process restarts and vanish on host reboot.
type Marker interface {
	Mark(id job.Identity) error
	Unmark(id job.Identity) error
	IsMarked(id job.Identity) bool
}

// File is the durable storage of the encoded jobs, WriteFile must replace content atomically
type File interface {
	OpenRead() (io.ReadCloser, error)
	WriteFile(data []byte) error
}

// Executor runs posted tasks sequentially in posting order. Post must not block
// and returns false if the task is rejected.
type Executor interface {
	Post(task func()) bool
}

// Options defines store parameters, Marker and one of Location or File are required
type Options struct {
	Location  string             // directory of store file, created if missing
	Threshold int                // mutations collected before flush, 1 if not set
	Marker    Marker             // boot session marker
	Clock     clock.Clock        // clock.System if not set
	Payload   codec.PayloadCodec // codec.BundleCodec if not set
	Executor  Executor           // own Worker if not set
	File      File               // atomicfile in Location if not set
}

// Store is the synchronized job store. Make it once with Open, share the handle and Close on exit
type Store struct {
	codec     *codec.Codec
	file      File
	marker    Marker
	executor  Executor
	worker    *Worker // owned worker, nil if executor provided
	threshold int

	markLock sync.Mutex // serializes mutations including marker io
	lock     sync.Mutex // guards index and dirty, never held over io
	index    *index.Index
	dirty    int
	lastErr  error // outcome of the last flush
}

// Open makes store and loads persisted jobs synchronously
func Open(opts Options) (*Store, error) {
	if opts.Marker == nil {
		return nil, errors.New("marker required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Payload == nil {
		opts.Payload = codec.BundleCodec{}
	}
	if opts.File == nil {
		if opts.Location == "" {
			return nil, errors.New("location required")
		}
		if err := os.MkdirAll(opts.Location, 0o700); err != nil {
			return nil, fmt.Errorf("can't make store location %s: %w", opts.Location, err)
		}
		opts.File = atomicfile.New(filepath.Join(opts.Location, DefaultFileName))
	}

	s := &Store{
		codec:     &codec.Codec{Clock: opts.Clock, Payload: opts.Payload},
		file:      opts.File,
		marker:    opts.Marker,
		threshold: opts.Threshold,
	}
	s.index = index.New(s.maybeWriteAsync)
	s.readFromDisk()

	// background writer starts only after the initial read
	s.executor = opts.Executor
	if s.executor == nil {
		s.worker = NewWorker()
		s.executor = s.worker
	}
	return s, nil
}

// Close waits for queued flushes and stops the owned worker. Mutations after Close are not persisted
func (s *Store) Close() {
	if s.worker != nil {
		s.worker.Close()
	}
}

// Add inserts record, replacing the one with the same identity. Returns true if replaced
func (s *Store) Add(r *job.Record) bool {
	if err := r.Validate(); err != nil {
		log.Printf("[WARN] adding invalid job %s, it won't survive reload, %v", r.Identity, err)
	}

	s.markLock.Lock()
	defer s.markLock.Unlock()

	// mark first, a flushed non-durable record must always have its mark
	if !r.Durable {
		if err := s.marker.Mark(r.Identity); err != nil {
			log.Printf("[WARN] can't mark %s for boot session, %v", r.Identity, err)
		}
	}

	s.lock.Lock()
	prev := s.index.Get(r.Identity)
	replaced := s.index.Add(r)
	s.lock.Unlock()

	if prev != nil && !prev.Durable && r.Durable {
		s.unmark(r.Identity)
	}
	return replaced
}

// Remove drops record with the same identity as r. Returns true if it existed
func (s *Store) Remove(r *job.Record) bool {
	s.markLock.Lock()
	defer s.markLock.Unlock()

	s.lock.Lock()
	prev := s.index.Get(r.Identity)
	removed := s.index.Remove(r)
	s.lock.Unlock()

	if removed && !prev.Durable {
		s.unmark(r.Identity)
	}
	return removed
}

// Clear drops all records
func (s *Store) Clear() {
	s.markLock.Lock()
	defer s.markLock.Unlock()

	var nonDurable []job.Identity
	s.lock.Lock()
	s.index.Each(func(r *job.Record) bool {
		if !r.Durable {
			nonDurable = append(nonDurable, r.Identity)
		}
		return true
	})
	s.lock.Unlock()

	for _, id := range nonDurable {
		s.unmark(id)
	}

	s.lock.Lock()
	s.index.Clear()
	s.lock.Unlock()
}

// JobByID returns live record or nil
func (s *Store) JobByID(id job.Identity) *job.Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.index.Get(id)
}

// ContainsJobID checks if record with identity exists
func (s *Store) ContainsJobID(id job.Identity) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.index.Contains(id)
}

// JobsForClient returns live records of the client sorted by job id
func (s *Store) JobsForClient(c job.Client) []*job.Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := []*job.Record{}
	for _, r := range s.index.All() {
		if r.Client == c {
			res = append(res, r)
		}
	}
	return res
}

// Jobs returns all live records sorted by identity
func (s *Store) Jobs() []*job.Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.index.All()
}

// Size returns number of records
func (s *Store) Size() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.index.Len()
}

// Dirty returns number of mutations not yet confirmed on disk
func (s *Store) Dirty() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dirty
}

// Do runs fn under store lock. Use it to change fields of live records without racing the flush snapshot.
// fn must not call other Store methods.
func (s *Store) Do(fn func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn()
}

// Flush schedules write regardless of collected mutations
func (s *Store) Flush() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.scheduleWrite()
}

// Sync waits for all flushes scheduled before the call to complete.
// Returns the error of the last flush if it failed.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !s.executor.Post(func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.lastErr != nil {
		return fmt.Errorf("last flush failed: %w", s.lastErr)
	}
	return nil
}

// maybeWriteAsync counts a mutation and schedules write once threshold reached. Called by index under lock
func (s *Store) maybeWriteAsync() {
	s.dirty++
	if s.dirty >= s.threshold {
		s.scheduleWrite()
	}
}

func (s *Store) scheduleWrite() {
	if !s.executor.Post(s.writeToDisk) {
		log.Printf("[WARN] store closed, %d changes not persisted", s.dirty)
	}
}

// writeToDisk writes frozen copies of all records. The lock is held only to take the copies.
// Dirty counter decreased only after successful write, so a failed flush is retried by the next mutation.
func (s *Store) writeToDisk() {
	st := time.Now()
	s.lock.Lock()
	snapshot := make([]job.Record, 0, s.index.Len())
	for _, r := range s.index.All() {
		snapshot = append(snapshot, r.Freeze())
	}
	ops := s.dirty
	s.lock.Unlock()

	buf := bytes.Buffer{}
	if err := s.codec.Encode(&buf, snapshot); err != nil {
		log.Printf("[WARN] can't encode %d jobs, %v", len(snapshot), err)
		s.setLastErr(fmt.Errorf("can't encode %d jobs: %w", len(snapshot), err))
		return
	}
	if err := s.file.WriteFile(buf.Bytes()); err != nil {
		log.Printf("[WARN] can't write %d jobs, %v", len(snapshot), err)
		s.setLastErr(fmt.Errorf("can't write %d jobs: %w", len(snapshot), err))
		return
	}

	s.lock.Lock()
	s.dirty -= ops
	s.lastErr = nil
	s.lock.Unlock()
	log.Printf("[DEBUG] %d jobs written in %v", len(snapshot), time.Since(st))
}

// readFromDisk loads persisted records into index directly, without marking or flushing.
// Non-durable records without boot session mark are dropped. Any failure means empty store.
func (s *Store) readFromDisk() {
	fh, err := s.file.OpenRead()
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[DEBUG] no persisted jobs")
		return
	}
	if err != nil {
		log.Printf("[WARN] can't open persisted jobs, starting empty, %v", err)
		return
	}
	defer fh.Close()

	records, err := s.codec.Decode(fh)
	if err != nil {
		log.Printf("[WARN] can't load persisted jobs, starting empty, %v", err)
		return
	}

	keep := make([]*job.Record, 0, len(records))
	for _, r := range records {
		if !r.Durable && !s.marker.IsMarked(r.Identity) {
			log.Printf("[DEBUG] drop %s, created before reboot", r.Identity)
			continue
		}
		keep = append(keep, r)
	}

	s.lock.Lock()
	s.index.Load(keep...)
	s.lock.Unlock()
	log.Printf("[INFO] loaded %d persisted jobs, %d dropped", len(keep), len(records)-len(keep))
}

func (s *Store) setLastErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastErr = err
}

func (s *Store) unmark(id job.Identity) {
	if err := s.marker.Unmark(id); err != nil {
		log.Printf("[WARN] can't unmark %s, %v", id, err)
	}
}
