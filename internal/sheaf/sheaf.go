// Package sheaf is the raw page cache over the pack file: it knows nothing
// about address pages, block pages or journals, only fixed-size pages at
// file-offset positions and which of them are dirty. Spec §1 calls this
// component out of scope ("the low-level sheaf ... is specified in §6
// only") — its internal design is this module's own, grounded on the
// teacher's buffer_pool.go (dirty tracking, free-page reuse) and
// ibd_file.go / util/fileutil.go (seek-based page I/O).
package sheaf

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/logger"
)

// Sentinel I/O failure kinds, aliased by the root package's ErrIORead et al.
// so errors.Is works against the public API regardless of where the failure
// actually originated.
var (
	ErrRead     = errors.New("sheaf: read failure")
	ErrWrite    = errors.New("sheaf: write failure")
	ErrTruncate = errors.New("sheaf: truncate failure")
	ErrForce    = errors.New("sheaf: force (fsync) failure")
	ErrClose    = errors.New("sheaf: close failure")
	ErrSize     = errors.New("sheaf: size failure")
)

// Position is a byte offset into the pack file. All positions used as page
// addresses are multiples of the page size.
type Position uint64

// Page is one cached, fixed-size buffer at a stable file position.
type Page struct {
	Pos   Position
	Data  []byte
	mu    sync.Mutex
	dirty bool
}

// Lock serializes access to Data, matching §5's "per-raw-page monitors"
// lock tier: callers that mutate a page's bytes must hold this for the
// duration of the read-modify-write.
func (p *Page) Lock()   { p.mu.Lock() }
func (p *Page) Unlock() { p.mu.Unlock() }

// MarkDirty flags the page dirty. Callers must hold p's lock (via Lock) for
// the surrounding read-modify-write; MarkDirty itself does not lock.
func (p *Page) MarkDirty() { p.dirty = true }

// Sheaf is the file-backed page cache for one open pack file.
type Sheaf struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize uint32
	pages    map[Position]*Page
	size     Position // current file size, always a multiple of pageSize

	hits   uint64
	misses uint64
}

// Stats reports cumulative cache hit/miss counts, mirroring the teacher's
// buffer_pool.go GetHitRatio accounting.
type Stats struct {
	Hits, Misses uint64
}

// Stats returns the current hit/miss counters.
func (s *Sheaf) Stats() Stats {
	return Stats{Hits: atomic.LoadUint64(&s.hits), Misses: atomic.LoadUint64(&s.misses)}
}

// Open opens or creates path and returns a Sheaf over it, sized pageSize.
func Open(path string, pageSize uint32) (*Sheaf, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "sheaf: open %q", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrSize, "sheaf: stat %q: %v", path, err)
	}
	return &Sheaf{
		file:     f,
		pageSize: pageSize,
		pages:    make(map[Position]*Page),
		size:     Position(fi.Size()),
	}, nil
}

// PageSize returns the configured page size.
func (s *Sheaf) PageSize() uint32 { return s.pageSize }

// Size returns the current file size in bytes.
func (s *Sheaf) Size() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Get returns the cached page at pos, reading it from the file on first
// access. Reads past the current end of file are zero-filled — this is how
// a freshly grown position first becomes visible.
func (s *Sheaf) Get(pos Position) (*Page, error) {
	s.mu.RLock()
	if p, ok := s.pages[pos]; ok {
		s.mu.RUnlock()
		atomic.AddUint64(&s.hits, 1)
		return p, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[pos]; ok {
		atomic.AddUint64(&s.hits, 1)
		return p, nil
	}
	atomic.AddUint64(&s.misses, 1)

	data := make([]byte, s.pageSize)
	if Position(pos)+Position(s.pageSize) <= s.size {
		if _, err := s.file.ReadAt(data, int64(pos)); err != nil && err != io.EOF {
			return nil, errors.Wrapf(ErrRead, "sheaf: read page at %d: %v", pos, err)
		}
	}
	p := &Page{Pos: pos, Data: data}
	s.pages[pos] = p
	return p, nil
}

// NewPage inserts a zero-initialized, dirty page at pos into the cache,
// overwriting whatever was cached there. Used when a position is first
// taken into use (interim pool hand-out, address page promotion).
func (s *Sheaf) NewPage(pos Position) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Page{Pos: pos, Data: make([]byte, s.pageSize), dirty: true}
	s.pages[pos] = p
	if pos+Position(s.pageSize) > s.size {
		s.size = pos + Position(s.pageSize)
	}
	return p
}

// MarkDirty records that p's bytes must be written back on the next Flush.
func (s *Sheaf) MarkDirty(p *Page) {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// Rename moves a cached+on-disk page's identity from "from" to "to",
// implementing the MOVE_PAGE journal operation (§4.6): the content that
// used to live at "from" now lives at "to", and "from" is left for the
// caller to reinitialize (CREATE_ADDRESS_PAGE does that next).
func (s *Sheaf) Rename(from, to Position) error {
	src, err := s.Get(from)
	if err != nil {
		return err
	}
	src.mu.Lock()
	data := append([]byte(nil), src.Data...)
	src.mu.Unlock()

	s.mu.Lock()
	dst := &Page{Pos: to, Data: data, dirty: true}
	s.pages[to] = dst
	delete(s.pages, from)
	if to+Position(s.pageSize) > s.size {
		s.size = to + Position(s.pageSize)
	}
	s.mu.Unlock()

	logger.Debugf("sheaf: renamed page %d -> %d", from, to)
	return nil
}

// Flush writes every dirty page back to the file. It does not fsync; call
// Force for that.
func (s *Sheaf) Flush() error {
	s.mu.RLock()
	dirty := make([]*Page, 0)
	for _, p := range s.pages {
		p.mu.Lock()
		if p.dirty {
			dirty = append(dirty, p)
		}
		p.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, p := range dirty {
		p.mu.Lock()
		_, err := s.file.WriteAt(p.Data, int64(p.Pos))
		if err == nil {
			p.dirty = false
		}
		p.mu.Unlock()
		if err != nil {
			return errors.Wrapf(ErrWrite, "sheaf: write page at %d: %v", p.Pos, err)
		}
	}
	return nil
}

// Force fsyncs the underlying file, making prior Flush calls durable.
func (s *Sheaf) Force() error {
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(ErrForce, "sheaf: fsync: %v", err)
	}
	return nil
}

// Grow extends the file so that it is at least n bytes, a multiple of the
// page size. It is used when the interim pool or address boundary needs a
// position beyond the current high-water mark.
func (s *Sheaf) Grow(n Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.size {
		return nil
	}
	if err := s.file.Truncate(int64(n)); err != nil {
		return errors.Wrapf(ErrTruncate, "sheaf: truncate to %d: %v", n, err)
	}
	s.size = n
	return nil
}

// ReadHeader reads the first n bytes of the file directly, bypassing the
// page cache (the header is not page-sized).
func (s *Sheaf) ReadHeader(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrapf(ErrRead, "sheaf: read header: %v", err)
	}
	return buf, nil
}

// WriteHeader writes data at file offset 0, bypassing the page cache.
func (s *Sheaf) WriteHeader(data []byte) error {
	if _, err := s.file.WriteAt(data, 0); err != nil {
		return errors.Wrapf(ErrWrite, "sheaf: write header: %v", err)
	}
	return nil
}

// Close flushes, forces and closes the underlying file.
func (s *Sheaf) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.Force(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrapf(ErrClose, "sheaf: close: %v", err)
	}
	return nil
}
