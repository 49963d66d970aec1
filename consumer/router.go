package consumer

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/maxpert/shapesync/lifecycle"
)

const (
	routerBucketSize      = 4
	routerFingerprintSize = 16
	routerNumBuckets      = 16384 // 64k relations
)

// Router answers "could any shape watch this relation" without touching
// the manager's indexes. A miss is authoritative and skips the op; a
// hit falls through to the exact lookup. The lifecycle manager keeps it
// current through the RelationObserver hooks, one call per generation,
// so entries are refcounted and a relation leaves the filter with its
// last shape.
type Router struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter
	refs   map[uint64]int
}

var _ lifecycle.RelationObserver = (*Router)(nil)

func NewRouter() *Router {
	return &Router{
		filter: cuckoo.NewFilter(routerBucketSize, routerFingerprintSize,
			routerNumBuckets, cuckoo.TableTypePacked),
		refs: make(map[uint64]int),
	}
}

// Check returns false only when no shape can be watching the relation.
func (r *Router) Check(key string) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], xxhash.Sum64String(key))
	r.mu.RLock()
	hit := r.filter.Contain(buf[:])
	r.mu.RUnlock()
	return hit
}

func (r *Router) RelationWatched(key string) {
	h := xxhash.Sum64String(key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h)
	r.mu.Lock()
	if r.refs[h] == 0 {
		r.filter.Add(buf[:])
	}
	r.refs[h]++
	r.mu.Unlock()
}

func (r *Router) RelationUnwatched(key string) {
	h := xxhash.Sum64String(key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h)
	r.mu.Lock()
	switch n := r.refs[h]; {
	case n > 1:
		r.refs[h] = n - 1
	case n == 1:
		delete(r.refs, h)
		r.filter.Delete(buf[:])
	}
	r.mu.Unlock()
}
