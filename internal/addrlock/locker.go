// Package addrlock implements §4.9: the address locker (a fixed-arity array
// of address sets guarding in-flight FREE replay) and the temporary block
// pool (a persistent list of ephemeral block references that don't survive
// a restart). Grounded on the teacher's util/hash_utils.go xxhash bucketing
// idiom (also used by internal/checksum) applied here to bucket addresses
// instead of cache keys.
package addrlock

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/checksum"
)

// DefaultArity is the bucket count used when none is configured (§4.9 gives
// 37 as an example).
const DefaultArity = 37

type lockBucket struct {
	mu      sync.Mutex
	cond    *sync.Cond
	latched map[uint64]struct{}
}

// Locker serializes FREE replay against concurrent reallocation of the same
// address: an address must be latched before its slot is zeroed and stays
// latched until the replay's COMMIT has been fsynced.
type Locker struct {
	buckets []*lockBucket
}

// New creates a Locker with arity buckets.
func New(arity int) *Locker {
	if arity <= 0 {
		arity = DefaultArity
	}
	l := &Locker{buckets: make([]*lockBucket, arity)}
	for i := range l.buckets {
		b := &lockBucket{latched: make(map[uint64]struct{})}
		b.cond = sync.NewCond(&b.mu)
		l.buckets[i] = b
	}
	return l
}

func (l *Locker) bucket(addr uint64) *lockBucket {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], addr)
	h := checksum.Of64(buf[:])
	return l.buckets[h%uint64(len(l.buckets))]
}

// Latch asserts addr is not already latched and adds it. Returns an error if
// it was already latched — callers that must wait first call Bide.
func (l *Locker) Latch(addr uint64) error {
	b := l.bucket(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.latched[addr]; ok {
		return errors.Errorf("addrlock: address %d already latched", addr)
	}
	b.latched[addr] = struct{}{}
	return nil
}

// Unlock releases addr and wakes every waiter on its bucket.
func (l *Locker) Unlock(addr uint64) {
	b := l.bucket(addr)
	b.mu.Lock()
	delete(b.latched, addr)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Bide blocks while addr is latched by another caller.
func (l *Locker) Bide(addr uint64) {
	b := l.bucket(addr)
	b.mu.Lock()
	for {
		if _, ok := b.latched[addr]; !ok {
			break
		}
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// IsLatched reports whether addr is currently latched, for diagnostics and
// tests.
func (l *Locker) IsLatched(addr uint64) bool {
	b := l.bucket(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.latched[addr]
	return ok
}
