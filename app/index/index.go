// Package index keeps the live set of job records keyed by identity. Records are held by reference,
// nothing is copied. Index is not thread safe, the owner serializes access.
package index

import (
	"sort"

	"github.com/umputun/jobstore/app/job"
)

// Index of live records, at most one record per identity
type Index struct {
	records  map[job.Identity]*job.Record
	onChange func()
}

// New makes empty index. onChange called after every structural change, may be nil
func New(onChange func()) *Index {
	return &Index{records: map[job.Identity]*job.Record{}, onChange: onChange}
}

// Add inserts record, replacing one with the same identity. Returns true if replaced
func (x *Index) Add(r *job.Record) (replaced bool) {
	_, replaced = x.records[r.Identity]
	x.records[r.Identity] = r
	x.changed()
	return replaced
}

// Remove drops the record with the same identity as r, not necessarily the same instance.
// Returns true if a record existed.
func (x *Index) Remove(r *job.Record) bool {
	if _, ok := x.records[r.Identity]; !ok {
		return false
	}
	delete(x.records, r.Identity)
	x.changed()
	return true
}

// Clear drops all records
func (x *Index) Clear() {
	x.records = map[job.Identity]*job.Record{}
	x.changed()
}

// Load inserts records without change notification, used to populate index from storage
func (x *Index) Load(records ...*job.Record) {
	for _, r := range records {
		x.records[r.Identity] = r
	}
}

// Contains checks if a record with identity exists
func (x *Index) Contains(id job.Identity) bool {
	_, ok := x.records[id]
	return ok
}

// Get returns live record by identity or nil
func (x *Index) Get(id job.Identity) *job.Record {
	return x.records[id]
}

// Each calls fn for every live record in no particular order, stops if fn returns false
func (x *Index) Each(fn func(r *job.Record) bool) {
	for _, r := range x.records {
		if !fn(r) {
			return
		}
	}
}

// All returns live records sorted by identity
func (x *Index) All() []*job.Record {
	res := make([]*job.Record, 0, len(x.records))
	for _, r := range x.records {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return Less(res[i].Identity, res[j].Identity) })
	return res
}

// Len returns number of records
func (x *Index) Len() int { return len(x.records) }

// Less orders identities by namespace, handler and job id
func Less(a, b job.Identity) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	if a.Handler != b.Handler {
		return a.Handler < b.Handler
	}
	return a.JobID < b.JobID
}

func (x *Index) changed() {
	if x.onChange != nil {
		x.onChange()
	}
}
