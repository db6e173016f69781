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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/jobstore/app/bootmark"
	"github.com/umputun/jobstore/app/clock"
	"github.com/umputun/jobstore/app/codec"
	"github.com/umputun/jobstore/app/job"
	"github.com/umputun/jobstore/app/store/mocks"
)

const (
	testElapsed = int64(100_000)
	testWall    = int64(1_700_000_000_000)
)

var testClient = job.Client{Namespace: "com.example", Handler: "SyncHandler"}

func testID(id int) job.Identity {
	return job.Identity{Client: testClient, JobID: id}
}

func TestStore_AddReplace(t *testing.T) {
	s, ex, _ := prepStore(t, 1)

	r1 := job.NewOneOff(testID(1))
	assert.False(t, s.Add(r1))
	r1b := job.NewOneOff(testID(1))
	r1b.Constraints = job.Charging
	assert.True(t, s.Add(r1b), "same identity replaces")
	assert.Equal(t, 1, s.Size())
	assert.Same(t, r1b, s.JobByID(testID(1)))
	assert.True(t, s.ContainsJobID(testID(1)))
	assert.False(t, s.ContainsJobID(testID(2)))
	assert.Nil(t, s.JobByID(testID(2)))
	assert.Len(t, ex.tasks, 2, "flush scheduled on each mutation with default threshold")
}

func TestStore_Marking(t *testing.T) {
	s, _, _ := prepStore(t, 1)
	m := s.marker.(*mocks.MarkerMock)

	nonDurable := job.NewOneOff(testID(1))
	durable := job.NewOneOff(testID(2))
	durable.Durable = true

	s.Add(nonDurable)
	s.Add(durable)
	require.Len(t, m.MarkCalls(), 1)
	assert.Equal(t, testID(1), m.MarkCalls()[0].ID)
	assert.True(t, m.IsMarked(testID(1)))

	assert.True(t, s.Remove(job.NewOneOff(testID(1))))
	require.Len(t, m.UnmarkCalls(), 1)
	assert.False(t, m.IsMarked(testID(1)))

	assert.False(t, s.Remove(job.NewOneOff(testID(1))), "already removed")
	assert.Len(t, m.UnmarkCalls(), 1, "no unmark for missing record")

	assert.True(t, s.Remove(durable))
	assert.Len(t, m.UnmarkCalls(), 1, "durable records are not marked")

	// non-durable replaced by durable drops the mark
	s.Add(job.NewOneOff(testID(3)))
	assert.True(t, m.IsMarked(testID(3)))
	replacement := job.NewOneOff(testID(3))
	replacement.Durable = true
	assert.True(t, s.Add(replacement))
	assert.False(t, m.IsMarked(testID(3)))
}

func TestStore_Clear(t *testing.T) {
	s, ex, _ := prepStore(t, 1)
	m := s.marker.(*mocks.MarkerMock)

	durable := job.NewOneOff(testID(1))
	durable.Durable = true
	s.Add(durable)
	s.Add(job.NewOneOff(testID(2)))
	s.Add(job.NewOneOff(testID(3)))
	ex.tasks = nil

	s.Clear()
	assert.Equal(t, 0, s.Size())
	assert.ElementsMatch(t, []job.Identity{testID(2), testID(3)},
		[]job.Identity{m.UnmarkCalls()[0].ID, m.UnmarkCalls()[1].ID})
	assert.Len(t, m.UnmarkCalls(), 2)
	assert.Len(t, ex.tasks, 1)
}

func TestStore_ThresholdPolicy(t *testing.T) {
	s, ex, f := prepStore(t, 3)

	s.Add(job.NewOneOff(testID(1)))
	s.Add(job.NewOneOff(testID(2)))
	assert.Empty(t, ex.tasks)
	assert.Equal(t, 2, s.Dirty())

	s.Remove(job.NewOneOff(testID(10)))
	assert.Equal(t, 2, s.Dirty(), "no-op remove is not a mutation")

	s.Add(job.NewOneOff(testID(3)))
	assert.Len(t, ex.tasks, 1, "flush scheduled on 3rd mutation")
	assert.Equal(t, 3, s.Dirty())

	ex.runAll()
	assert.Equal(t, 1, f.writes)
	assert.Equal(t, 0, s.Dirty())

	s.Remove(job.NewOneOff(testID(3)))
	assert.Equal(t, 1, s.Dirty())
	assert.Empty(t, ex.tasks)

	s.Flush()
	assert.Len(t, ex.tasks, 1, "forced flush")
	ex.runAll()
	assert.Equal(t, 2, f.writes)
	assert.Equal(t, 0, s.Dirty())
	assert.Len(t, decodeFile(t, f.data), 2)
}

func TestStore_FailedWriteKeepsDirty(t *testing.T) {
	s, ex, f := prepStore(t, 2)
	f.err = errors.New("disk full")

	s.Add(job.NewOneOff(testID(1)))
	s.Add(job.NewOneOff(testID(2)))
	require.Len(t, ex.tasks, 1)
	ex.runAll()
	assert.Equal(t, 2, s.Dirty(), "failed flush keeps dirty counter")
	assert.Nil(t, f.data)
	assert.Equal(t, 2, s.Size(), "store keeps working in memory")

	f.err = nil
	s.Add(job.NewOneOff(testID(3)))
	require.Len(t, ex.tasks, 1, "next mutation triggers flush again")
	ex.runAll()
	assert.Equal(t, 0, s.Dirty())
	assert.Len(t, decodeFile(t, f.data), 3)
}

func TestStore_UnencodableRecordSkipped(t *testing.T) {
	s, ex, f := prepStore(t, 1)
	bad := job.NewOneOff(testID(1))
	bad.Payload = job.Bundle{"n": int32(5)}
	s.Add(bad)
	for i := 2; i <= 5; i++ {
		r := job.NewOneOff(testID(i))
		r.Durable = true
		s.Add(r)
	}
	ex.runAll()

	assert.Equal(t, 5, f.writes)
	assert.Equal(t, 0, s.Dirty())
	assert.Equal(t, 5, s.Size(), "bad record stays in memory")
	written := decodeFile(t, f.data)
	require.Len(t, written, 4, "good records persisted")
	for _, r := range written {
		assert.NotEqual(t, 1, r.JobID)
	}
}

func TestStore_SyncReportsWriteError(t *testing.T) {
	f := &memFile{err: errors.New("disk full")}
	m, _ := newMarker()
	s, err := Open(Options{File: f, Marker: m, Clock: clock.NewFixed(testElapsed, testWall)})
	require.NoError(t, err)
	defer s.Close()

	s.Add(job.NewOneOff(testID(1)))
	err = s.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, s.Dirty())

	// forced flush right after open fails too, nothing dirty before it
	s2, err := Open(Options{File: &memFile{err: errors.New("read-only")}, Marker: m,
		Clock: clock.NewFixed(testElapsed, testWall)})
	require.NoError(t, err)
	defer s2.Close()
	s2.Flush()
	assert.Error(t, s2.Sync(context.Background()))

	f.lock.Lock()
	f.err = nil
	f.lock.Unlock()
	s.Flush()
	require.NoError(t, s.Sync(context.Background()), "successful flush clears error")
	assert.Equal(t, 0, s.Dirty())
	assert.Len(t, decodeFile(t, f.data), 1)
}

func TestStore_PersistAndReload(t *testing.T) {
	loc := t.TempDir()
	marker, err := bootmark.NewDir(filepath.Join(t.TempDir(), "marks"))
	require.NoError(t, err)
	clk := clock.NewFixed(testElapsed, testWall)

	s, err := Open(Options{Location: loc, Marker: marker, Clock: clk})
	require.NoError(t, err)

	periodic := job.NewPeriodic(testID(1), time.Hour)
	periodic.Durable = true
	periodic.Constraints = job.Unmetered | job.Charging
	periodic.Payload = job.Bundle{"account": "bob", "retries": int64(3)}

	oneOff := job.NewOneOff(testID(2))
	oneOff.EarliestRunElapsed = testElapsed + 5000
	oneOff.LatestRunElapsed = testElapsed + 60_000
	oneOff.Backoff = &job.Backoff{InitialMillis: 1000, Policy: job.BackoffLinear}
	oneOff.Payload = job.Bundle{"tags": []string{"a", "b"}}

	s.Add(periodic)
	s.Add(oneOff)
	require.NoError(t, s.Sync(context.Background()))
	s.Close()
	assert.FileExists(t, filepath.Join(loc, DefaultFileName))

	s2, err := Open(Options{Location: loc, Marker: marker, Clock: clk})
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, 2, s2.Size())
	assert.Equal(t, *periodic, *s2.JobByID(testID(1)))
	assert.Equal(t, *oneOff, *s2.JobByID(testID(2)))
	assert.Equal(t, 0, s2.Dirty(), "loading is not a mutation")
}

func TestStore_RebootFiltering(t *testing.T) {
	f := &memFile{}
	clk := clock.NewFixed(testElapsed, testWall)
	marker1, _ := newMarker()
	ex1 := &manualExecutor{}
	s, err := Open(Options{File: f, Marker: marker1, Clock: clk, Executor: ex1})
	require.NoError(t, err)

	durable := job.NewOneOff(testID(1))
	durable.Durable = true
	s.Add(durable)
	s.Add(job.NewOneOff(testID(2))) // marked in the new session
	s.Add(job.NewOneOff(testID(3))) // mark lost with reboot
	ex1.runAll()
	require.Len(t, decodeFile(t, f.data), 3)

	clk.Reboot(500)
	marker2, _ := newMarker()
	require.NoError(t, marker2.Mark(testID(2)))
	ex2 := &manualExecutor{}
	s2, err := Open(Options{File: f, Marker: marker2, Clock: clk, Executor: ex2})
	require.NoError(t, err)

	assert.Equal(t, 2, s2.Size())
	assert.True(t, s2.ContainsJobID(testID(1)), "durable loaded regardless of mark")
	assert.True(t, s2.ContainsJobID(testID(2)))
	assert.False(t, s2.ContainsJobID(testID(3)))

	assert.Len(t, marker2.IsMarkedCalls(), 2, "marks checked for non-durable only")
	assert.Len(t, marker2.MarkCalls(), 1, "load doesn't mark")
	assert.Empty(t, ex2.tasks, "load doesn't flush")
	assert.Equal(t, 0, s2.Dirty())
}

func TestStore_UnreadableFile(t *testing.T) {
	tbl := []struct {
		name string
		file *memFile
	}{
		{"next version", &memFile{data: []byte(fmt.Sprintf(`<job-info version="%d">`+
			`<job jobid="1" namespace="ns" handler="h"><constraints/><one-off persisted="true"/><extras/></job>`+
			`</job-info>`, codec.Version+1))}},
		{"garbage", &memFile{data: []byte("\x00\x01 not xml <<")}},
		{"empty", &memFile{data: []byte{}}},
		{"truncated", &memFile{data: []byte(`<job-info version="0"><job jobid="1" namespace="ns" handler="h">`)}},
		{"open error", &memFile{openErr: os.ErrPermission}},
		{"missing", &memFile{}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMarker()
			s, err := Open(Options{File: tt.file, Marker: m, Clock: clock.NewFixed(testElapsed, testWall),
				Executor: &manualExecutor{}})
			require.NoError(t, err)
			assert.Equal(t, 0, s.Size())
		})
	}
}

func TestStore_ConcurrentMutationDuringFlush(t *testing.T) {
	f := &blockingFile{started: make(chan struct{}, 10), release: make(chan struct{})}
	m, _ := newMarker()
	clk := clock.NewFixed(testElapsed, testWall)
	s, err := Open(Options{File: f, Marker: m, Clock: clk})
	require.NoError(t, err)
	defer s.Close()

	s.Add(job.NewOneOff(testID(1)))
	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("flush not started")
	}

	// first flush is stuck on disk, mutation must not wait for it
	done := make(chan struct{})
	go func() {
		s.Add(job.NewOneOff(testID(2)))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("add blocked by flush")
	}
	assert.Equal(t, 2, s.Size())

	close(f.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))

	writes := f.written()
	require.Len(t, writes, 2)
	first := decodeFile(t, writes[0])
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].JobID)
	last := decodeFile(t, writes[1])
	require.Len(t, last, 2, "next flush includes the new record")
	assert.Equal(t, 0, s.Dirty())
}

func TestStore_SnapshotIsFrozen(t *testing.T) {
	f := &blockingFile{started: make(chan struct{}, 10), release: make(chan struct{})}
	m, _ := newMarker()
	s, err := Open(Options{File: f, Marker: m, Clock: clock.NewFixed(testElapsed, testWall), Threshold: 100})
	require.NoError(t, err)
	defer s.Close()

	r := job.NewOneOff(testID(1))
	r.Payload = job.Bundle{"k": "before"}
	s.Add(r)
	s.Flush()
	<-f.started

	// scheduler changes live record while write in progress
	s.Do(func() {
		r.Constraints = job.Idle
		r.Payload.(job.Bundle)["k"] = "after"
	})
	close(f.release)
	require.NoError(t, s.Sync(context.Background()))

	written := decodeFile(t, f.written()[0])
	require.Len(t, written, 1)
	assert.Equal(t, job.Constraints(0), written[0].Constraints)
	assert.Equal(t, job.Bundle{"k": "before"}, written[0].Payload)
	assert.Equal(t, job.Idle, s.JobByID(testID(1)).Constraints)
}

func TestStore_Close(t *testing.T) {
	f := &memFile{}
	m, _ := newMarker()
	s, err := Open(Options{File: f, Marker: m, Clock: clock.NewFixed(testElapsed, testWall)})
	require.NoError(t, err)

	s.Add(job.NewOneOff(testID(1)))
	s.Close()
	assert.Len(t, decodeFile(t, f.data), 1, "queued flush completed on close")

	assert.ErrorIs(t, s.Sync(context.Background()), ErrClosed)
	assert.False(t, s.Add(job.NewOneOff(testID(2))))
	assert.Equal(t, 2, s.Size(), "index still usable after close")
	assert.Len(t, decodeFile(t, f.data), 1)
	s.Close()
}

func TestStore_SyncCanceled(t *testing.T) {
	s, _, _ := prepStore(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sync(ctx), context.Canceled)
}

func TestStore_Lookups(t *testing.T) {
	s, _, _ := prepStore(t, 1)
	other := job.Client{Namespace: "com.other", Handler: "H"}
	s.Add(job.NewOneOff(testID(2)))
	s.Add(job.NewOneOff(testID(1)))
	s.Add(job.NewOneOff(job.Identity{Client: other, JobID: 1}))

	recs := s.JobsForClient(testClient)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].JobID)
	assert.Equal(t, 2, recs[1].JobID)
	assert.Len(t, s.JobsForClient(job.Client{Namespace: "none", Handler: "none"}), 0)

	all := s.Jobs()
	require.Len(t, all, 3)
	assert.Same(t, s.JobByID(testID(1)), all[0], "live references")
	assert.Equal(t, other, all[2].Client)
}

func TestStore_InvalidRecordAccepted(t *testing.T) {
	s, _, _ := prepStore(t, 1)
	r := job.NewPeriodic(testID(1), 0)
	assert.False(t, s.Add(r))
	assert.True(t, s.ContainsJobID(testID(1)))
}

func TestOpen_Errors(t *testing.T) {
	m, _ := newMarker()
	_, err := Open(Options{Location: t.TempDir()})
	assert.Error(t, err, "no marker")

	_, err = Open(Options{Marker: m})
	assert.Error(t, err, "no location")

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	_, err = Open(Options{Location: f, Marker: m})
	assert.Error(t, err, "location is a file")
}

func prepStore(t *testing.T, threshold int) (*Store, *manualExecutor, *memFile) {
	t.Helper()
	m, _ := newMarker()
	ex := &manualExecutor{}
	f := &memFile{}
	s, err := Open(Options{File: f, Marker: m, Executor: ex, Threshold: threshold,
		Clock: clock.NewFixed(testElapsed, testWall)})
	require.NoError(t, err)
	return s, ex, f
}

// newMarker makes in-memory marker mock
func newMarker() (*mocks.MarkerMock, func(id job.Identity) bool) {
	var lock sync.Mutex
	marks := map[job.Identity]bool{}
	isMarked := func(id job.Identity) bool {
		lock.Lock()
		defer lock.Unlock()
		return marks[id]
	}
	return &mocks.MarkerMock{
		MarkFunc: func(id job.Identity) error {
			lock.Lock()
			defer lock.Unlock()
			marks[id] = true
			return nil
		},
		UnmarkFunc: func(id job.Identity) error {
			lock.Lock()
			defer lock.Unlock()
			delete(marks, id)
			return nil
		},
		IsMarkedFunc: isMarked,
	}, isMarked
}

func decodeFile(t *testing.T, data []byte) []*job.Record {
	t.Helper()
	res, err := codec.New(clock.NewFixed(testElapsed, testWall)).Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return res
}

// manualExecutor collects tasks, test runs them explicitly
type manualExecutor struct {
	tasks []func()
}

func (e *manualExecutor) Post(task func()) bool {
	e.tasks = append(e.tasks, task)
	return true
}

func (e *manualExecutor) runAll() {
	tasks := e.tasks
	e.tasks = nil
	for _, task := range tasks {
		task()
	}
}

// memFile keeps last written content
type memFile struct {
	lock    sync.Mutex
	data    []byte
	writes  int
	err     error
	openErr error
}

func (f *memFile) OpenRead() (io.ReadCloser, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.data == nil {
		return nil, fmt.Errorf("open: %w", os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), f.data...))), nil
}

func (f *memFile) WriteFile(data []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data = append([]byte(nil), data...)
	f.writes++
	return nil
}

// blockingFile holds every write until release is closed
type blockingFile struct {
	started chan struct{}
	release chan struct{}

	lock   sync.Mutex
	writes [][]byte
}

func (f *blockingFile) OpenRead() (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

func (f *blockingFile) WriteFile(data []byte) error {
	f.started <- struct{}{}
	<-f.release
	f.lock.Lock()
	defer f.lock.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *blockingFile) written() [][]byte {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.writes
}
